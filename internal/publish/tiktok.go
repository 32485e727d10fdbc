package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"golang.org/x/time/rate"
)

// TikTokAdapter publishes a video through the direct-post flow, which has the
// same shape as Instagram's container flow: init (TikTok pulls the video from
// our public URL), poll the publish status, then read the final post id.
type TikTokAdapter struct {
	api     apiClient
	APIBase string
	Flow    ContainerFlow
}

func NewTikTokAdapter(client *http.Client, limiter *rate.Limiter) *TikTokAdapter {
	base := strings.TrimSpace(os.Getenv("TIKTOK_API_BASE"))
	if base == "" {
		base = "https://open.tiktokapis.com"
	}
	return &TikTokAdapter{api: newAPIClient(client, limiter), APIBase: base}
}

func (a *TikTokAdapter) Name() string { return PlatformTikTok }

func (a *TikTokAdapter) Publish(ctx context.Context, req Request, accessToken string) (string, error) {
	if strings.TrimSpace(req.MediaURL) == "" {
		return "", Errf(KindValidation, "missing_media")
	}
	privacy := strings.TrimSpace(req.PrivacyLevel)
	if privacy == "" {
		privacy = "SELF_ONLY"
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = strings.TrimSpace(req.Content)
	}
	ops := tiktokPublishOps{
		api:         a.api,
		apiBase:     strings.TrimRight(a.APIBase, "/"),
		accessToken: accessToken,
		videoURL:    req.MediaURL,
		title:       title,
		privacy:     privacy,
	}
	return a.Flow.Run(ctx, &ops)
}

type tiktokPublishOps struct {
	api         apiClient
	apiBase     string
	accessToken string
	videoURL    string
	title       string
	privacy     string

	// postID is captured while polling; TikTok publishes the video itself
	// once processing completes, so Finalize only reports the id.
	postID string
}

func (o *tiktokPublishOps) post(ctx context.Context, path string, payload interface{}) (int, []byte, error) {
	b, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+path, bytes.NewReader(b))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+o.accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return o.api.do(ctx, req)
}

func (o *tiktokPublishOps) Create(ctx context.Context) (string, error) {
	payload := map[string]interface{}{
		"post_info": map[string]interface{}{
			"title":         o.title,
			"privacy_level": o.privacy,
		},
		"source_info": map[string]interface{}{
			"source":    "PULL_FROM_URL",
			"video_url": o.videoURL,
		},
	}
	status, body, err := o.post(ctx, "/v2/post/publish/video/init/", payload)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", Errf(KindContainerCreateFailed, "http_%d %s", status, extractTikTokMessage(body))
	}
	var parsed struct {
		Data struct {
			PublishID string `json:"publish_id"`
		} `json:"data"`
	}
	_ = json.Unmarshal(body, &parsed)
	return parsed.Data.PublishID, nil
}

func (o *tiktokPublishOps) Status(ctx context.Context, publishID string) (string, string, error) {
	status, body, err := o.post(ctx, "/v2/post/publish/status/fetch/", map[string]interface{}{
		"publish_id": publishID,
	})
	if err != nil {
		return "", "", err
	}
	if status < 200 || status >= 300 {
		return "", "", Errf(KindTransientNetwork, "http_%d", status)
	}
	var parsed struct {
		Data struct {
			Status                   string   `json:"status"`
			FailReason               string   `json:"fail_reason"`
			PubliclyAvailablePostIDs []string `json:"publicaly_available_post_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", "", err
	}
	switch strings.ToUpper(strings.TrimSpace(parsed.Data.Status)) {
	case "PUBLISH_COMPLETE":
		if len(parsed.Data.PubliclyAvailablePostIDs) > 0 {
			o.postID = parsed.Data.PubliclyAvailablePostIDs[0]
		}
		if o.postID == "" {
			o.postID = publishID
		}
		return ContainerFinished, "", nil
	case "FAILED":
		return ContainerError, parsed.Data.FailReason, nil
	default:
		return ContainerPending, "", nil
	}
}

func (o *tiktokPublishOps) Finalize(ctx context.Context, publishID string) (string, error) {
	if o.postID != "" {
		return o.postID, nil
	}
	return publishID, nil
}

func extractTikTokMessage(body []byte) string {
	var parsed struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.Error.Message) != "" {
		return parsed.Error.Message
	}
	return Truncate(string(body), 400)
}
