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

// PinterestAdapter creates a pin from a public image URL. When the post
// doesn't name a board it pins to the account's first board, creating a
// default one if the account has none.
type PinterestAdapter struct {
	api     apiClient
	APIBase string

	// DefaultBoardName is used when a board has to be created.
	DefaultBoardName string
}

func NewPinterestAdapter(client *http.Client, limiter *rate.Limiter) *PinterestAdapter {
	base := strings.TrimSpace(os.Getenv("PINTEREST_API_BASE"))
	if base == "" {
		base = "https://api.pinterest.com"
	}
	return &PinterestAdapter{
		api:              newAPIClient(client, limiter),
		APIBase:          base,
		DefaultBoardName: "CortexCart",
	}
}

func (a *PinterestAdapter) Name() string { return PlatformPinterest }

func (a *PinterestAdapter) Publish(ctx context.Context, req Request, accessToken string) (string, error) {
	if strings.TrimSpace(req.MediaURL) == "" {
		return "", Errf(KindValidation, "missing_media")
	}

	boardID := strings.TrimSpace(req.BoardID)
	if boardID == "" {
		id, err := a.resolveBoard(ctx, accessToken)
		if err != nil {
			return "", err
		}
		boardID = id
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = strings.TrimSpace(req.Content)
	}
	if title == "" {
		title = "New pin"
	}
	if len(title) > 95 {
		title = Truncate(title, 95)
	}

	pinReq := map[string]interface{}{
		"board_id":    boardID,
		"title":       title,
		"description": req.Content,
		"media_source": map[string]interface{}{
			"source_type": "image_url",
			"url":         req.MediaURL,
		},
	}
	payload, _ := json.Marshal(pinReq)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.APIBase, "/")+"/v5/pins", bytes.NewReader(payload))
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
		return "", classifyHTTP(status, extractPinterestMessage(body))
	}

	var parsed struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(body, &parsed)
	if strings.TrimSpace(parsed.ID) == "" {
		return "", Errf(KindPlatformRejected, "pinterest_missing_pin_id body=%s", Truncate(string(body), 400))
	}
	return parsed.ID, nil
}

func (a *PinterestAdapter) resolveBoard(ctx context.Context, accessToken string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(a.APIBase, "/")+"/v5/boards?page_size=25", nil)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("Accept", "application/json")

	status, body, err := a.api.do(ctx, httpReq)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", classifyHTTP(status, extractPinterestMessage(body))
	}
	var parsed struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	_ = json.Unmarshal(body, &parsed)
	if len(parsed.Items) > 0 && strings.TrimSpace(parsed.Items[0].ID) != "" {
		return parsed.Items[0].ID, nil
	}

	// No boards yet: create the default one.
	create, _ := json.Marshal(map[string]interface{}{
		"name":    a.DefaultBoardName,
		"privacy": "PUBLIC",
	})
	createReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.APIBase, "/")+"/v5/boards", bytes.NewReader(create))
	if err != nil {
		return "", err
	}
	createReq.Header.Set("Authorization", "Bearer "+accessToken)
	createReq.Header.Set("Content-Type", "application/json")
	createReq.Header.Set("Accept", "application/json")

	status, body, err = a.api.do(ctx, createReq)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", classifyHTTP(status, extractPinterestMessage(body))
	}
	var created struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(body, &created)
	if strings.TrimSpace(created.ID) == "" {
		return "", Errf(KindPlatformRejected, "pinterest_no_board")
	}
	return created.ID, nil
}

func extractPinterestMessage(body []byte) string {
	var parsed struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.Message) != "" {
		return parsed.Message
	}
	return Truncate(string(body), 400)
}
