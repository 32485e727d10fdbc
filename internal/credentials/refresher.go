package credentials

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CortexcartLimited/cortexcart-publisher/internal/models"
	"github.com/CortexcartLimited/cortexcart-publisher/internal/publish"
)

// OAuthRefresher implements the standard refresh_token grant against a
// platform's token endpoint. All five platforms speak this shape; only the
// endpoint and client credentials differ.
type OAuthRefresher struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Client       *http.Client
}

func (r OAuthRefresher) Refresh(ctx context.Context, cred models.PlatformCredential) (RefreshResult, error) {
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.RefreshToken)
	if r.ClientID != "" {
		form.Set("client_id", r.ClientID)
	}
	if r.ClientSecret != "" {
		form.Set("client_secret", r.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return RefreshResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return RefreshResult{}, publish.Errf(publish.KindTransientNetwork, "token_refresh_request_error: %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var apiErr struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		_ = json.Unmarshal(body, &apiErr)
		// invalid_grant class: the refresh token itself is dead. 400/401 with
		// that marker means reconnect, not retry.
		if apiErr.Error == "invalid_grant" || apiErr.Error == "invalid_token" ||
			(res.StatusCode == 400 || res.StatusCode == 401) && strings.Contains(strings.ToLower(string(body)), "invalid_grant") {
			return RefreshResult{ReauthNeeded: true}, nil
		}
		// Anything else (5xx, odd 4xx without the marker) is worth retrying
		// on a later trigger; surfacing it as reauth would make users
		// reconnect for a platform hiccup.
		return RefreshResult{}, publish.Errf(publish.KindTransientNetwork, "token_refresh_http_%d %s", res.StatusCode, strings.TrimSpace(apiErr.Error))
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return RefreshResult{}, err
	}
	if strings.TrimSpace(parsed.AccessToken) == "" {
		return RefreshResult{}, publish.Errf(publish.KindTransientNetwork, "token_refresh_missing_access_token")
	}
	out := RefreshResult{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
	}
	if parsed.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second).UTC()
		out.ExpiresAt = &t
	}
	return out, nil
}
