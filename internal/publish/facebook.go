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

// FacebookAdapter publishes to a Page feed via the Graph API. A post with a
// media URL goes through /photos (the Graph API fetches the image itself);
// text-only content goes through /feed.
type FacebookAdapter struct {
	api     apiClient
	APIBase string
}

func NewFacebookAdapter(client *http.Client, limiter *rate.Limiter) *FacebookAdapter {
	base := strings.TrimSpace(os.Getenv("FACEBOOK_API_BASE"))
	if base == "" {
		base = "https://graph.facebook.com/v18.0"
	}
	return &FacebookAdapter{api: newAPIClient(client, limiter), APIBase: base}
}

func (a *FacebookAdapter) Name() string { return PlatformFacebook }

func (a *FacebookAdapter) Publish(ctx context.Context, req Request, accessToken string) (string, error) {
	pageID := strings.TrimSpace(req.TargetAccountID)
	if pageID == "" {
		return "", Errf(KindValidation, "missing_target_page")
	}
	if strings.TrimSpace(req.Content) == "" {
		return "", Errf(KindValidation, "missing_content")
	}

	form := url.Values{}
	form.Set("access_token", accessToken)
	path := "/feed"
	if strings.TrimSpace(req.MediaURL) != "" {
		path = "/photos"
		form.Set("url", req.MediaURL)
		form.Set("caption", req.Content)
	} else {
		form.Set("message", req.Content)
	}

	endpoint := strings.TrimRight(a.APIBase, "/") + "/" + url.PathEscape(pageID) + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	status, body, err := a.api.do(ctx, httpReq)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", classifyHTTP(status, extractGraphErrorMessage(body, Truncate(string(body), 400)))
	}

	var parsed struct {
		ID     string `json:"id"`
		PostID string `json:"post_id"`
	}
	_ = json.Unmarshal(body, &parsed)
	// Photo uploads report both the photo id and the resulting feed post id;
	// the post id is the one visible to users.
	if strings.TrimSpace(parsed.PostID) != "" {
		return parsed.PostID, nil
	}
	if strings.TrimSpace(parsed.ID) != "" {
		return parsed.ID, nil
	}
	return "", Errf(KindPlatformRejected, "facebook_missing_post_id body=%s", Truncate(string(body), 400))
}

// extractGraphErrorMessage pulls error.message out of a Graph API error body,
// falling back to the raw body when the shape is unexpected.
func extractGraphErrorMessage(body []byte, fallback string) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.Error.Message) != "" {
		return parsed.Error.Message
	}
	return fallback
}
