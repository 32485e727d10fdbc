package scheduler

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/CortexcartLimited/cortexcart-publisher/internal/publish"
)

// EventSink receives realtime post lifecycle events. The handlers package
// plugs its websocket hub in here; a nil sink is fine.
type EventSink interface {
	PostEvent(ownerID, postID, status string)
}

// Recorder persists terminal publish outcomes and writes the user-facing
// notification for each. Notification and event emission are fire-and-forget:
// their failure never rolls back the status transition.
type Recorder struct {
	DB     *sql.DB
	Events EventSink
}

// RecordSuccess marks the post as posted with its platform-assigned id.
func (r *Recorder) RecordSuccess(ctx context.Context, postID, ownerID, externalID string) {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE scheduled_posts
		   SET status = 'posted',
		       external_id = $2,
		       failure_reason = NULL,
		       published_at = NOW(),
		       updated_at = NOW()
		 WHERE id = $1
	`, postID, externalID)
	if err != nil {
		log.Printf("[Recorder] status_update_failed postId=%s status=posted err=%v", postID, err)
		return
	}
	log.Printf("[Recorder] posted postId=%s owner=%s externalId=%s", postID, ownerID, externalID)

	r.notify(ctx, ownerID, "post_published", "Your scheduled post has been published.",
		fmt.Sprintf("/posts/%s", postID))
	r.emit(ownerID, postID, "posted")
}

// RecordFailure marks the post as failed with a short classified reason.
// The post stays failed until an explicit reschedule.
func (r *Recorder) RecordFailure(ctx context.Context, postID, ownerID string, kind publish.Kind, detail string) {
	reason := string(kind)
	if strings.TrimSpace(detail) != "" {
		reason = publish.Truncate(fmt.Sprintf("%s: %s", kind, detail), 300)
	}
	_, err := r.DB.ExecContext(ctx, `
		UPDATE scheduled_posts
		   SET status = 'failed',
		       failure_reason = $2,
		       updated_at = NOW()
		 WHERE id = $1
	`, postID, reason)
	if err != nil {
		log.Printf("[Recorder] status_update_failed postId=%s status=failed err=%v", postID, err)
		return
	}
	log.Printf("[Recorder] failed postId=%s owner=%s reason=%s", postID, ownerID, publish.Truncate(reason, 160))

	if strings.TrimSpace(ownerID) != "" {
		title := "A scheduled post failed to publish."
		if kind == publish.KindReauthRequired || kind == publish.KindCredentialNotFound {
			title = "Reconnect this platform to keep publishing."
		}
		r.notify(ctx, ownerID, "post_failed", title, fmt.Sprintf("/posts/%s", postID))
		r.emit(ownerID, postID, "failed")
	}
}

func (r *Recorder) notify(ctx context.Context, ownerID, typ, title, url string) {
	if strings.TrimSpace(ownerID) == "" {
		return
	}
	id := fmt.Sprintf("n_%s", randHex(12))
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO notifications (id, owner_id, type, title, url, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, id, ownerID, typ, title, url)
	if err != nil {
		log.Printf("[Recorder] notification_failed owner=%s type=%s err=%v", ownerID, typ, err)
		return
	}
	log.Printf("[Recorder] notification_ok owner=%s id=%s type=%s", ownerID, id, typ)
}

func (r *Recorder) emit(ownerID, postID, status string) {
	if r.Events == nil {
		return
	}
	r.Events.PostEvent(ownerID, postID, status)
}

func randHex(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
