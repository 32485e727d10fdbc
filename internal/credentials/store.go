package credentials

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/CortexcartLimited/cortexcart-publisher/internal/models"
	"github.com/lib/pq"
)

// Store persists platform credentials with tokens encrypted at rest. There is
// at most one active row per (owner, platform).
type Store struct {
	db  *sql.DB
	key []byte
}

func NewStore(db *sql.DB, key []byte) *Store {
	return &Store{db: db, key: key}
}

// Get loads the credential for (owner, platform) with tokens decrypted.
// Returns (nil, nil) when no row exists.
func (s *Store) Get(ctx context.Context, owner, platform string) (*models.PlatformCredential, error) {
	var (
		cred        models.PlatformCredential
		subID       sql.NullString
		accessEnc   string
		refreshEnc  sql.NullString
		expiresAt   sql.NullTime
		scopes      []string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, platform, sub_identifier, access_token_enc, refresh_token_enc,
		       expires_at, COALESCE(scopes, ARRAY[]::text[]), is_active, updated_at
		  FROM platform_credentials
		 WHERE owner_id = $1 AND platform = $2
	`, owner, platform).Scan(&cred.OwnerID, &cred.Platform, &subID, &accessEnc, &refreshEnc,
		&expiresAt, pq.Array(&scopes), &cred.IsActive, &cred.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if subID.Valid {
		v := subID.String
		cred.SubIdentifier = &v
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		cred.ExpiresAt = &t
	}
	cred.Scopes = scopes

	if cred.AccessToken, err = decryptToken(s.key, accessEnc); err != nil {
		return nil, err
	}
	if refreshEnc.Valid {
		if cred.RefreshToken, err = decryptToken(s.key, refreshEnc.String); err != nil {
			return nil, err
		}
	}
	return &cred, nil
}

// Rotate persists a refreshed token set. Access token, refresh token and
// expiry are written in one statement: refresh tokens are frequently
// single-use, so a partial write would strand the credential.
func (s *Store) Rotate(ctx context.Context, owner, platform, accessToken, refreshToken string, expiresAt *time.Time) error {
	accessEnc, err := encryptToken(s.key, accessToken)
	if err != nil {
		return err
	}
	var refreshEnc interface{}
	if strings.TrimSpace(refreshToken) != "" {
		enc, err := encryptToken(s.key, refreshToken)
		if err != nil {
			return err
		}
		refreshEnc = enc
	}
	var expires interface{}
	if expiresAt != nil {
		expires = expiresAt.UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE platform_credentials
		   SET access_token_enc = $3,
		       refresh_token_enc = COALESCE($4, refresh_token_enc),
		       expires_at = $5,
		       updated_at = NOW()
		 WHERE owner_id = $1 AND platform = $2 AND is_active = TRUE
	`, owner, platform, accessEnc, refreshEnc, expires)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rotate_missing_credential owner=%s platform=%s", owner, platform)
	}
	log.Printf("[Credentials] rotated owner=%s platform=%s expiresAt=%v", owner, platform, expiresAt)
	return nil
}

// Upsert stores a credential delivered by the OAuth handshake, replacing any
// previous row for the pair and reactivating it.
func (s *Store) Upsert(ctx context.Context, cred models.PlatformCredential) error {
	accessEnc, err := encryptToken(s.key, cred.AccessToken)
	if err != nil {
		return err
	}
	var refreshEnc interface{}
	if strings.TrimSpace(cred.RefreshToken) != "" {
		enc, err := encryptToken(s.key, cred.RefreshToken)
		if err != nil {
			return err
		}
		refreshEnc = enc
	}
	var expires interface{}
	if cred.ExpiresAt != nil {
		expires = cred.ExpiresAt.UTC()
	}
	var subID interface{}
	if cred.SubIdentifier != nil && strings.TrimSpace(*cred.SubIdentifier) != "" {
		subID = strings.TrimSpace(*cred.SubIdentifier)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO platform_credentials
		  (owner_id, platform, sub_identifier, access_token_enc, refresh_token_enc, expires_at, scopes, is_active, created_at, updated_at)
		VALUES
		  ($1, $2, $3, $4, $5, $6, $7, TRUE, NOW(), NOW())
		ON CONFLICT (owner_id, platform)
		DO UPDATE SET
		  sub_identifier = EXCLUDED.sub_identifier,
		  access_token_enc = EXCLUDED.access_token_enc,
		  refresh_token_enc = EXCLUDED.refresh_token_enc,
		  expires_at = EXCLUDED.expires_at,
		  scopes = EXCLUDED.scopes,
		  is_active = TRUE,
		  updated_at = NOW()
	`, cred.OwnerID, cred.Platform, subID, accessEnc, refreshEnc, expires, pq.Array(cred.Scopes))
	return err
}

// Deactivate hides the credential from the dispatch path. Used both when the
// owner disconnects a platform and when a refresh token is rejected.
func (s *Store) Deactivate(ctx context.Context, owner, platform string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE platform_credentials
		   SET is_active = FALSE, updated_at = NOW()
		 WHERE owner_id = $1 AND platform = $2
	`, owner, platform)
	return err
}
