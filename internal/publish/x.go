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

// XAdapter posts a tweet through the v2 create-tweet endpoint. Text-only
// content; media attachment on X requires the separate chunked upload API,
// which scheduled posts don't use.
type XAdapter struct {
	api apiClient

	// APIBase is overridable for tests and for enterprise gateway setups.
	APIBase string
}

func NewXAdapter(client *http.Client, limiter *rate.Limiter) *XAdapter {
	base := strings.TrimSpace(os.Getenv("X_API_BASE"))
	if base == "" {
		base = "https://api.x.com"
	}
	return &XAdapter{api: newAPIClient(client, limiter), APIBase: base}
}

func (a *XAdapter) Name() string { return PlatformX }

func (a *XAdapter) Publish(ctx context.Context, req Request, accessToken string) (string, error) {
	if strings.TrimSpace(req.Content) == "" {
		return "", Errf(KindValidation, "missing_content")
	}

	payload, _ := json.Marshal(map[string]interface{}{"text": req.Content})
	endpoint := strings.TrimRight(a.APIBase, "/") + "/2/tweets"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	status, body, err := a.api.do(ctx, httpReq)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", classifyHTTP(status, extractXErrorDetail(body))
	}

	var parsed struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || strings.TrimSpace(parsed.Data.ID) == "" {
		return "", Errf(KindPlatformRejected, "x_missing_tweet_id body=%s", Truncate(string(body), 400))
	}
	return parsed.Data.ID, nil
}

func extractXErrorDetail(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
		Title  string `json:"title"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Detail != "" {
			return parsed.Detail
		}
		if len(parsed.Errors) > 0 && parsed.Errors[0].Message != "" {
			return parsed.Errors[0].Message
		}
		if parsed.Title != "" {
			return parsed.Title
		}
	}
	return Truncate(string(body), 400)
}
