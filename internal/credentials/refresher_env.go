package credentials

import (
	"log"
	"os"
)

type refresherEntry struct {
	platform        string
	envPrefix       string
	defaultTokenURL string
}

var refresherEntries = []refresherEntry{
	{"x", "X", "https://api.x.com/2/oauth2/token"},
	{"facebook", "FACEBOOK", "https://graph.facebook.com/v18.0/oauth/access_token"},
	{"pinterest", "PINTEREST", "https://api.pinterest.com/v5/oauth/token"},
	{"instagram", "INSTAGRAM", "https://graph.facebook.com/v18.0/oauth/access_token"},
	{"tiktok", "TIKTOK", "https://open.tiktokapis.com/v2/oauth/token/"},
}

// RegisterRefreshersFromEnv wires the refresh_token grant for every platform
// with client credentials configured (<PREFIX>_CLIENT_ID, _CLIENT_SECRET and
// optionally _TOKEN_URL). Platforms left unconfigured fall back to reauth
// when their tokens expire.
func RegisterRefreshersFromEnv(m *Manager) {
	for _, e := range refresherEntries {
		clientID := os.Getenv(e.envPrefix + "_CLIENT_ID")
		if clientID == "" {
			continue
		}
		tokenURL := os.Getenv(e.envPrefix + "_TOKEN_URL")
		if tokenURL == "" {
			tokenURL = e.defaultTokenURL
		}
		m.RegisterRefresher(e.platform, OAuthRefresher{
			TokenURL:     tokenURL,
			ClientID:     clientID,
			ClientSecret: os.Getenv(e.envPrefix + "_CLIENT_SECRET"),
		})
		log.Printf("[Credentials] refresher registered platform=%s", e.platform)
	}
}
