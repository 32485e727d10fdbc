package credentials

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/CortexcartLimited/cortexcart-publisher/internal/models"
	"github.com/CortexcartLimited/cortexcart-publisher/internal/publish"
	"github.com/DATA-DOG/go-sqlmock"
)

var credCols = []string{
	"owner_id", "platform", "sub_identifier", "access_token_enc",
	"refresh_token_enc", "expires_at", "scopes", "is_active", "updated_at",
}

func testKey(t *testing.T) []byte {
	t.Helper()
	os.Setenv("CREDENTIAL_ENC_KEY", "manager-test-secret")
	key, err := KeyFromEnv()
	if err != nil {
		t.Fatalf("KeyFromEnv: %v", err)
	}
	return key
}

func newTestManager(t *testing.T) (*Manager, sqlmock.Sqlmock, []byte) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	key := testKey(t)
	return NewManager(NewStore(db, key)), mock, key
}

func credRow(t *testing.T, key []byte, accessToken, refreshToken string, expiresAt interface{}, active bool) *sqlmock.Rows {
	t.Helper()
	accessEnc, err := encryptToken(key, accessToken)
	if err != nil {
		t.Fatalf("encryptToken: %v", err)
	}
	var refreshEnc interface{}
	if refreshToken != "" {
		enc, err := encryptToken(key, refreshToken)
		if err != nil {
			t.Fatalf("encryptToken: %v", err)
		}
		refreshEnc = enc
	}
	return sqlmock.NewRows(credCols).
		AddRow("o1", "x", nil, accessEnc, refreshEnc, expiresAt, []byte("{}"), active, time.Now())
}

func expectGet(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery(`SELECT owner_id, platform, sub_identifier, access_token_enc`).
		WithArgs("o1", "x").
		WillReturnRows(rows)
}

type fakeRefresher struct {
	result RefreshResult
	err    error
	calls  int
}

func (f *fakeRefresher) Refresh(ctx context.Context, cred models.PlatformCredential) (RefreshResult, error) {
	f.calls++
	return f.result, f.err
}

func TestGetValidToken_NoCredential(t *testing.T) {
	m, mock, _ := newTestManager(t)
	mock.ExpectQuery(`SELECT owner_id, platform, sub_identifier`).
		WithArgs("o1", "x").
		WillReturnError(sql.ErrNoRows)

	_, err := m.GetValidToken(context.Background(), "o1", "x")
	if publish.KindOf(err) != publish.KindCredentialNotFound {
		t.Fatalf("expected credential_not_found, got %v", err)
	}
}

func TestGetValidToken_InactiveCredential(t *testing.T) {
	m, mock, key := newTestManager(t)
	expectGet(mock, credRow(t, key, "tok", "", nil, false))

	_, err := m.GetValidToken(context.Background(), "o1", "x")
	if publish.KindOf(err) != publish.KindCredentialNotFound {
		t.Fatalf("expected credential_not_found, got %v", err)
	}
}

func TestGetValidToken_NoExpiryNeverRefreshes(t *testing.T) {
	m, mock, key := newTestManager(t)
	ref := &fakeRefresher{}
	m.RegisterRefresher("x", ref)
	expectGet(mock, credRow(t, key, "tok-1", "ref-1", nil, true))

	got, err := m.GetValidToken(context.Background(), "o1", "x")
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if got != "tok-1" {
		t.Fatalf("got %q", got)
	}
	if ref.calls != 0 {
		t.Fatalf("refresher called %d times", ref.calls)
	}
}

func TestGetValidToken_FarFromExpiryNoRefresh(t *testing.T) {
	m, mock, key := newTestManager(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ref := &fakeRefresher{}
	m.RegisterRefresher("x", ref)

	expectGet(mock, credRow(t, key, "tok-1", "ref-1", now.Add(10*time.Minute), true))

	got, err := m.GetValidToken(context.Background(), "o1", "x")
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if got != "tok-1" || ref.calls != 0 {
		t.Fatalf("got %q, refresher calls %d", got, ref.calls)
	}
}

func TestGetValidToken_NearExpiryRefreshesAndRotates(t *testing.T) {
	m, mock, key := newTestManager(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	newExpiry := now.Add(time.Hour)
	ref := &fakeRefresher{result: RefreshResult{
		AccessToken:  "tok-new",
		RefreshToken: "ref-new",
		ExpiresAt:    &newExpiry,
	}}
	m.RegisterRefresher("x", ref)

	// First load sees the stale token; the under-lock re-load sees it again.
	expectGet(mock, credRow(t, key, "tok-old", "ref-old", now.Add(4*time.Minute), true))
	expectGet(mock, credRow(t, key, "tok-old", "ref-old", now.Add(4*time.Minute), true))
	mock.ExpectExec(`UPDATE platform_credentials`).
		WithArgs("o1", "x", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, err := m.GetValidToken(context.Background(), "o1", "x")
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if got != "tok-new" {
		t.Fatalf("got %q", got)
	}
	if ref.calls != 1 {
		t.Fatalf("refresher calls: %d", ref.calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetValidToken_ConcurrentRefreshNotReplayed(t *testing.T) {
	m, mock, key := newTestManager(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ref := &fakeRefresher{}
	m.RegisterRefresher("x", ref)

	// First load sees a stale token; the re-load under the lock sees the
	// token another goroutine already refreshed.
	expectGet(mock, credRow(t, key, "tok-old", "ref-old", now.Add(time.Minute), true))
	expectGet(mock, credRow(t, key, "tok-fresh", "ref-fresh", now.Add(time.Hour), true))

	got, err := m.GetValidToken(context.Background(), "o1", "x")
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if got != "tok-fresh" {
		t.Fatalf("got %q", got)
	}
	if ref.calls != 0 {
		t.Fatalf("refresher called despite fresh re-load")
	}
}

func TestGetValidToken_ExpiredWithoutRefreshPath(t *testing.T) {
	m, mock, key := newTestManager(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	// No refresher registered at all.
	expectGet(mock, credRow(t, key, "tok-old", "ref-old", now.Add(-time.Minute), true))
	expectGet(mock, credRow(t, key, "tok-old", "ref-old", now.Add(-time.Minute), true))

	_, err := m.GetValidToken(context.Background(), "o1", "x")
	if publish.KindOf(err) != publish.KindReauthRequired {
		t.Fatalf("expected reauth_required, got %v", err)
	}
}

func TestGetValidToken_InvalidGrantDeactivates(t *testing.T) {
	m, mock, key := newTestManager(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	m.RegisterRefresher("x", &fakeRefresher{result: RefreshResult{ReauthNeeded: true}})

	expectGet(mock, credRow(t, key, "tok-old", "ref-old", now.Add(-time.Minute), true))
	expectGet(mock, credRow(t, key, "tok-old", "ref-old", now.Add(-time.Minute), true))
	mock.ExpectExec(`UPDATE platform_credentials`).
		WithArgs("o1", "x").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := m.GetValidToken(context.Background(), "o1", "x")
	if publish.KindOf(err) != publish.KindReauthRequired {
		t.Fatalf("expected reauth_required, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStore_Rotate_MissingCredential(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := NewStore(db, testKey(t))

	mock.ExpectExec(`UPDATE platform_credentials`).
		WithArgs("o1", "x", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.Rotate(context.Background(), "o1", "x", "tok", "", nil); err == nil {
		t.Fatalf("expected error for missing credential")
	}
}

func TestStore_Get_DecryptsTokens(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	key := testKey(t)
	s := NewStore(db, key)

	expectGet(mock, credRow(t, key, "access-plain", "refresh-plain", nil, true))

	cred, err := s.Get(context.Background(), "o1", "x")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cred.AccessToken != "access-plain" || cred.RefreshToken != "refresh-plain" {
		t.Fatalf("tokens not decrypted: %+v", cred)
	}
}

func TestStore_Get_NoRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := NewStore(db, testKey(t))

	mock.ExpectQuery(`SELECT owner_id, platform, sub_identifier`).
		WithArgs("o1", "x").
		WillReturnError(sql.ErrNoRows)

	cred, err := s.Get(context.Background(), "o1", "x")
	if err != nil || cred != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", cred, err)
	}
}
