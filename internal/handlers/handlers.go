package handlers

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/CortexcartLimited/cortexcart-publisher/internal/credentials"
	"github.com/CortexcartLimited/cortexcart-publisher/internal/models"
	"github.com/CortexcartLimited/cortexcart-publisher/internal/publish"
	"github.com/CortexcartLimited/cortexcart-publisher/internal/scheduler"
)

type Handler struct {
	db       *sql.DB
	registry *publish.Registry
	scanner  *scheduler.Scanner
	creds    *credentials.Store
	rt       *realtimeHub
}

func New(db *sql.DB, registry *publish.Registry, scanner *scheduler.Scanner, creds *credentials.Store) *Handler {
	return &Handler{
		db:       db,
		registry: registry,
		scanner:  scanner,
		creds:    creds,
		rt:       newRealtimeHub(),
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// TriggerScheduler is the external cron entrypoint. It runs one due-item sweep
// and reports per-item outcomes; individual item failures never fail the
// request.
//
// Auth: Authorization: Bearer $SCHEDULER_TRIGGER_SECRET.
func (h *Handler) TriggerScheduler(w http.ResponseWriter, r *http.Request) {
	secret := strings.TrimSpace(os.Getenv("SCHEDULER_TRIGGER_SECRET"))
	if secret == "" {
		writeError(w, http.StatusServiceUnavailable, "scheduler_trigger_not_configured")
		return
	}
	got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	results, err := h.scanner.ProcessDueOnce(ctx)
	if err != nil {
		log.Printf("[Trigger] sweep_failed err=%v", err)
		writeError(w, http.StatusInternalServerError, "sweep_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "scheduler sweep completed",
		"results": results,
	})
}

// PublishPlatform dispatches one normalized payload directly, bypassing the
// schedule. Used by the authoring UI's "post now" path and internal callers.
func (h *Handler) PublishPlatform(w http.ResponseWriter, r *http.Request) {
	platform := strings.ToLower(strings.TrimSpace(pathVar(r, "platform")))
	var req publish.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Platform = platform
	if strings.TrimSpace(req.Owner) == "" {
		writeError(w, http.StatusBadRequest, "missing_owner")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Minute)
	defer cancel()

	outcome := h.registry.Dispatch(ctx, req)
	if !outcome.Success {
		kind := publish.KindOf(outcome.Err)
		status := http.StatusBadGateway
		switch kind {
		case publish.KindValidation, publish.KindUnsupportedPlatform:
			status = http.StatusBadRequest
		case publish.KindCredentialNotFound, publish.KindReauthRequired:
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]interface{}{"error": outcome.Err.Error(), "kind": kind})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"externalId": outcome.ExternalID,
	})
}

// ListPostsForOwner returns scheduled posts for an owner, optionally filtered
// by ?status=.
func (h *Handler) ListPostsForOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "missing_ownerId")
		return
	}
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	limit := parseLimit(r, 50, 1, 200)

	rows, err := h.db.QueryContext(r.Context(), `
		SELECT id, owner_id, platform, content, media_ref, board_id, title,
		       privacy_level, target_account_id, scheduled_at, status,
		       external_id, failure_reason, published_at, created_at, updated_at
		  FROM scheduled_posts
		 WHERE owner_id = $1
		   AND ($2 = '' OR status = $2)
		 ORDER BY scheduled_at DESC
		 LIMIT $3
	`, ownerID, status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	posts := make([]models.ScheduledPost, 0)
	for rows.Next() {
		var (
			p                                 models.ScheduledPost
			mediaRef, boardID, title, privacy sql.NullString
			target, externalID, failureReason sql.NullString
			publishedAt                       sql.NullTime
		)
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Platform, &p.Content, &mediaRef, &boardID,
			&title, &privacy, &target, &p.ScheduledAt, &p.Status,
			&externalID, &failureReason, &publishedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		p.MediaRef = nullStrPtr(mediaRef)
		p.BoardID = nullStrPtr(boardID)
		p.Title = nullStrPtr(title)
		p.PrivacyLevel = nullStrPtr(privacy)
		p.TargetAccountID = nullStrPtr(target)
		p.ExternalID = nullStrPtr(externalID)
		p.FailureReason = nullStrPtr(failureReason)
		p.PublishedAt = nullTimePtr(publishedAt)
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

// ReschedulePost resets a failed post back to scheduled with a new time. This
// is the only retry path in the pipeline; nothing retries automatically.
func (h *Handler) ReschedulePost(w http.ResponseWriter, r *http.Request) {
	postID := strings.TrimSpace(pathVar(r, "id"))
	var body struct {
		ScheduledAt time.Time `json:"scheduledAt"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.ScheduledAt.IsZero() {
		writeError(w, http.StatusBadRequest, "missing_scheduledAt")
		return
	}

	res, err := h.db.ExecContext(r.Context(), `
		UPDATE scheduled_posts
		   SET status = 'scheduled',
		       scheduled_at = $2,
		       failure_reason = NULL,
		       claimed_at = NULL,
		       updated_at = NOW()
		 WHERE id = $1
		   AND status = 'failed'
	`, postID, body.ScheduledAt.UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeError(w, http.StatusConflict, "not_failed_or_not_found")
		return
	}
	log.Printf("[Posts] rescheduled postId=%s scheduledAt=%s", postID, body.ScheduledAt.UTC().Format(time.RFC3339))
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": postID, "status": models.PostStatusScheduled})
}

// PublishNowPost claims one scheduled post immediately, regardless of its
// scheduled time, and runs it through the same pipeline as the sweep.
func (h *Handler) PublishNowPost(w http.ResponseWriter, r *http.Request) {
	postID := strings.TrimSpace(pathVar(r, "id"))

	res, err := h.db.ExecContext(r.Context(), `
		UPDATE scheduled_posts
		   SET claimed_at = NOW(), scheduled_at = NOW(), updated_at = NOW()
		 WHERE id = $1
		   AND status = 'scheduled'
		   AND claimed_at IS NULL
	`, postID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeError(w, http.StatusConflict, "not_scheduled_or_already_claimed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Minute)
	defer cancel()
	result := h.scanner.PublishClaimed(ctx, postID)
	writeJSON(w, http.StatusOK, result)
}

// UpsertCredential stores a credential produced by the (external) OAuth
// handshake, encrypting tokens at rest.
func (h *Handler) UpsertCredential(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	platform := strings.ToLower(strings.TrimSpace(pathVar(r, "platform")))
	var body struct {
		AccessToken   string     `json:"accessToken"`
		RefreshToken  string     `json:"refreshToken"`
		ExpiresAt     *time.Time `json:"expiresAt"`
		SubIdentifier *string    `json:"subIdentifier"`
		Scopes        []string   `json:"scopes"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(body.AccessToken) == "" {
		writeError(w, http.StatusBadRequest, "missing_accessToken")
		return
	}

	cred := models.PlatformCredential{
		OwnerID:       ownerID,
		Platform:      platform,
		SubIdentifier: body.SubIdentifier,
		AccessToken:   body.AccessToken,
		RefreshToken:  body.RefreshToken,
		ExpiresAt:     body.ExpiresAt,
		Scopes:        body.Scopes,
		IsActive:      true,
	}
	if err := h.creds.Upsert(r.Context(), cred); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("[Credentials] upserted owner=%s platform=%s", ownerID, platform)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ownerId": ownerID, "platform": platform, "isActive": true})
}

// DisconnectCredential flips the credential inactive; the dispatch path stops
// seeing it immediately.
func (h *Handler) DisconnectCredential(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	platform := strings.ToLower(strings.TrimSpace(pathVar(r, "platform")))
	if err := h.creds.Deactivate(r.Context(), ownerID, platform); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("[Credentials] disconnected owner=%s platform=%s", ownerID, platform)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ownerId": ownerID, "platform": platform, "isActive": false})
}

// ListNotificationsForOwner returns the owner's notifications, newest first.
func (h *Handler) ListNotificationsForOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "missing_ownerId")
		return
	}
	limit := parseLimit(r, 50, 1, 200)

	rows, err := h.db.QueryContext(r.Context(), `
		SELECT id, owner_id, type, title, body, url, created_at, read_at
		  FROM notifications
		 WHERE owner_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2
	`, ownerID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	items := make([]models.Notification, 0)
	for rows.Next() {
		var (
			n         models.Notification
			body, url sql.NullString
			readAt    sql.NullTime
		)
		if err := rows.Scan(&n.ID, &n.OwnerID, &n.Type, &n.Title, &body, &url, &n.CreatedAt, &readAt); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		n.Body = nullStrPtr(body)
		n.URL = nullStrPtr(url)
		n.ReadAt = nullTimePtr(readAt)
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// MarkNotificationRead stamps read_at on one notification.
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	id := strings.TrimSpace(pathVar(r, "id"))
	res, err := h.db.ExecContext(r.Context(), `
		UPDATE notifications
		   SET read_at = NOW()
		 WHERE id = $1 AND owner_id = $2 AND read_at IS NULL
	`, id, ownerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	n, _ := res.RowsAffected()
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "updated": n > 0})
}

func nullStrPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
