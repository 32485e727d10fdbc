package publish

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"strings"

	"golang.org/x/time/rate"
)

// InstagramAdapter publishes an image through the Graph API's asynchronous
// container flow: create a media container, poll status_code until the
// server-side processing finishes, then media_publish.
type InstagramAdapter struct {
	api     apiClient
	APIBase string
	Flow    ContainerFlow
}

func NewInstagramAdapter(client *http.Client, limiter *rate.Limiter) *InstagramAdapter {
	base := strings.TrimSpace(os.Getenv("INSTAGRAM_API_BASE"))
	if base == "" {
		base = "https://graph.facebook.com/v18.0"
	}
	return &InstagramAdapter{api: newAPIClient(client, limiter), APIBase: base}
}

func (a *InstagramAdapter) Name() string { return PlatformInstagram }

func (a *InstagramAdapter) Publish(ctx context.Context, req Request, accessToken string) (string, error) {
	if strings.TrimSpace(req.MediaURL) == "" {
		return "", Errf(KindValidation, "missing_media")
	}
	igID := strings.TrimSpace(req.TargetAccountID)
	if igID == "" {
		return "", Errf(KindValidation, "missing_business_account")
	}
	ops := igContainerOps{
		api:         a.api,
		apiBase:     strings.TrimRight(a.APIBase, "/"),
		igID:        igID,
		accessToken: accessToken,
		imageURL:    req.MediaURL,
		caption:     req.Content,
	}
	return a.Flow.Run(ctx, ops)
}

type igContainerOps struct {
	api         apiClient
	apiBase     string
	igID        string
	accessToken string
	imageURL    string
	caption     string
}

func (o igContainerOps) Create(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("image_url", o.imageURL)
	form.Set("caption", o.caption)
	form.Set("access_token", o.accessToken)

	endpoint := o.apiBase + "/" + url.PathEscape(o.igID) + "/media"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	status, body, err := o.api.do(ctx, req)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", Errf(KindContainerCreateFailed, "http_%d %s", status, extractGraphErrorMessage(body, Truncate(string(body), 400)))
	}
	var parsed struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(body, &parsed)
	return parsed.ID, nil
}

func (o igContainerOps) Status(ctx context.Context, containerID string) (string, string, error) {
	endpoint := o.apiBase + "/" + url.PathEscape(containerID) +
		"?fields=status_code,status&access_token=" + url.QueryEscape(o.accessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Accept", "application/json")

	status, body, err := o.api.do(ctx, req)
	if err != nil {
		return "", "", err
	}
	if status < 200 || status >= 300 {
		return "", "", Errf(KindTransientNetwork, "http_%d", status)
	}
	var parsed struct {
		StatusCode string `json:"status_code"`
		Status     string `json:"status"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", "", err
	}
	switch strings.ToUpper(strings.TrimSpace(parsed.StatusCode)) {
	case "FINISHED":
		return ContainerFinished, "", nil
	case "ERROR", "EXPIRED":
		detail := strings.TrimSpace(parsed.Status)
		if detail == "" {
			detail = strings.ToLower(parsed.StatusCode)
		}
		return ContainerError, detail, nil
	default:
		return ContainerPending, "", nil
	}
}

func (o igContainerOps) Finalize(ctx context.Context, containerID string) (string, error) {
	form := url.Values{}
	form.Set("creation_id", containerID)
	form.Set("access_token", o.accessToken)

	endpoint := o.apiBase + "/" + url.PathEscape(o.igID) + "/media_publish"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	status, body, err := o.api.do(ctx, req)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", classifyHTTP(status, extractGraphErrorMessage(body, Truncate(string(body), 400)))
	}
	var parsed struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(body, &parsed)
	if strings.TrimSpace(parsed.ID) == "" {
		return "", Errf(KindPlatformRejected, "instagram_missing_media_id body=%s", Truncate(string(body), 400))
	}
	return parsed.ID, nil
}
