package workers

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// NotificationCleanupWorker removes read notifications once they age past the
// retention window, so the recorder's fire-and-forget inserts don't grow the
// table forever.
type NotificationCleanupWorker struct {
	DB            *sql.DB
	Retention     time.Duration // how long to keep read notifications (default 24h)
	CheckInterval time.Duration // how often to run cleanup (default 1h)
}

// Start begins the cleanup loop and blocks until ctx is done.
func (w *NotificationCleanupWorker) Start(ctx context.Context) {
	if w.Retention <= 0 {
		w.Retention = 24 * time.Hour
	}
	if w.CheckInterval <= 0 {
		w.CheckInterval = time.Hour
	}

	ticker := time.NewTicker(w.CheckInterval)
	defer ticker.Stop()

	log.Printf("[NotificationCleanup] started retention=%s interval=%s", w.Retention, w.CheckInterval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[NotificationCleanup] stopped")
			return
		case <-ticker.C:
			w.cleanup(ctx)
		}
	}
}

func (w *NotificationCleanupWorker) cleanup(ctx context.Context) {
	cutoff := time.Now().Add(-w.Retention)

	result, err := w.DB.ExecContext(ctx, `
		DELETE FROM notifications
		 WHERE read_at IS NOT NULL
		   AND read_at < $1
	`, cutoff)
	if err != nil {
		log.Printf("[NotificationCleanup] delete_failed err=%v", err)
		return
	}
	if n, _ := result.RowsAffected(); n > 0 {
		log.Printf("[NotificationCleanup] deleted=%d cutoff=%s", n, cutoff.UTC().Format(time.RFC3339))
	}
}
