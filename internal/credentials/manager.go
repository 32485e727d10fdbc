package credentials

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/CortexcartLimited/cortexcart-publisher/internal/models"
	"github.com/CortexcartLimited/cortexcart-publisher/internal/publish"
)

// refreshMargin is how close to expiry a token may get before we refresh it
// inline. Five minutes comfortably covers the longest publish attempt.
const refreshMargin = 5 * time.Minute

// Refresher exchanges a refresh token at a platform's token endpoint.
// ReauthNeeded with a nil error means the platform rejected the refresh token
// itself (invalid_grant class), which requires the owner to reconnect.
type Refresher interface {
	Refresh(ctx context.Context, cred models.PlatformCredential) (RefreshResult, error)
}

type RefreshResult struct {
	AccessToken  string
	RefreshToken string // empty when the platform did not rotate it
	ExpiresAt    *time.Time
	ReauthNeeded bool
}

// Manager hands out currently-valid access tokens, refreshing and persisting
// rotation inline when a token is close to expiry. Refreshes for one
// (owner, platform) pair are serialized: refresh tokens are frequently
// single-use, so two concurrent refreshes would invalidate each other.
type Manager struct {
	store      *Store
	refreshers map[string]Refresher

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// now is injectable for threshold tests.
	now func() time.Time
}

func NewManager(store *Store) *Manager {
	return &Manager{
		store:      store,
		refreshers: make(map[string]Refresher),
		locks:      make(map[string]*sync.Mutex),
		now:        time.Now,
	}
}

// RegisterRefresher wires the token-refresh endpoint for one platform.
// Platforms without one (non-expiring tokens) simply never refresh.
func (m *Manager) RegisterRefresher(platform string, r Refresher) {
	m.refreshers[strings.ToLower(strings.TrimSpace(platform))] = r
}

func (m *Manager) lockFor(owner, platform string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := owner + "\x00" + platform
	l := m.locks[key]
	if l == nil {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// GetValidToken implements publish.TokenSource. It is called inline before
// every publish attempt; tokens are never refreshed out of band.
func (m *Manager) GetValidToken(ctx context.Context, owner, platform string) (string, error) {
	cred, err := m.store.Get(ctx, owner, platform)
	if err != nil {
		return "", err
	}
	if cred == nil || !cred.IsActive {
		return "", publish.Errf(publish.KindCredentialNotFound, "owner=%s platform=%s", owner, platform)
	}
	if !m.needsRefresh(cred) {
		return cred.AccessToken, nil
	}

	lock := m.lockFor(owner, platform)
	lock.Lock()
	defer lock.Unlock()

	// Re-load under the lock: a concurrent attempt may have refreshed while
	// we waited, and its rotated refresh token must not be replayed.
	cred, err = m.store.Get(ctx, owner, platform)
	if err != nil {
		return "", err
	}
	if cred == nil || !cred.IsActive {
		return "", publish.Errf(publish.KindCredentialNotFound, "owner=%s platform=%s", owner, platform)
	}
	if !m.needsRefresh(cred) {
		return cred.AccessToken, nil
	}
	return m.refresh(ctx, cred)
}

func (m *Manager) needsRefresh(cred *models.PlatformCredential) bool {
	if cred.ExpiresAt == nil {
		return false
	}
	return cred.ExpiresAt.Before(m.now().Add(refreshMargin))
}

func (m *Manager) refresh(ctx context.Context, cred *models.PlatformCredential) (string, error) {
	refresher := m.refreshers[strings.ToLower(cred.Platform)]
	if refresher == nil || strings.TrimSpace(cred.RefreshToken) == "" {
		// Expired with no way to refresh: the owner has to reconnect.
		return "", publish.Errf(publish.KindReauthRequired, "owner=%s platform=%s reason=no_refresh_path", cred.OwnerID, cred.Platform)
	}

	res, err := refresher.Refresh(ctx, *cred)
	if err != nil {
		return "", err
	}
	if res.ReauthNeeded {
		// The refresh token itself was rejected. Deactivate so the dispatch
		// path reports "reconnect this platform" instead of retrying into
		// the same wall.
		if derr := m.store.Deactivate(ctx, cred.OwnerID, cred.Platform); derr != nil {
			log.Printf("[Credentials] deactivate_failed owner=%s platform=%s err=%v", cred.OwnerID, cred.Platform, derr)
		}
		return "", publish.Errf(publish.KindReauthRequired, "owner=%s platform=%s reason=invalid_grant", cred.OwnerID, cred.Platform)
	}

	if err := m.store.Rotate(ctx, cred.OwnerID, cred.Platform, res.AccessToken, res.RefreshToken, res.ExpiresAt); err != nil {
		return "", err
	}
	return res.AccessToken, nil
}
