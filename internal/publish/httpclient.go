package publish

import (
	"context"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
)

// apiClient wraps the outbound HTTP plumbing shared by all adapters: a bounded
// client timeout, a per-platform rate limiter, and capped body reads.
type apiClient struct {
	client  *http.Client
	limiter *rate.Limiter
}

func newAPIClient(client *http.Client, limiter *rate.Limiter) apiClient {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return apiClient{client: client, limiter: limiter}
}

func (c apiClient) do(ctx context.Context, req *http.Request) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, err
		}
	}
	res, err := c.client.Do(req)
	if err != nil {
		return 0, nil, Errf(KindTransientNetwork, "request_error: %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	return res.StatusCode, body, nil
}

// Truncate caps s at max bytes, backing up so a multi-byte rune is never
// split, and marks anything cut with an ellipsis.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
