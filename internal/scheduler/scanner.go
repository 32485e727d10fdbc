package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"runtime/debug"
	"strings"
	"time"

	"github.com/CortexcartLimited/cortexcart-publisher/internal/models"
	"github.com/CortexcartLimited/cortexcart-publisher/internal/publish"
)

// ItemResult is one entry of the per-item result list the trigger endpoint
// returns. Reason is only set for failures.
type ItemResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Scanner claims due scheduled posts and drives each through the dispatch
// registry. One item's failure never aborts the batch.
type Scanner struct {
	DB       *sql.DB
	Registry *publish.Registry
	Recorder *Recorder

	// Origin is the public https origin used to resolve relative media refs.
	Origin string
	// Limit caps how many due posts one sweep processes.
	Limit int
}

// ProcessDueOnce runs one sweep: select due posts, claim each atomically, and
// publish the claimed ones sequentially. Claiming via the conditional UPDATE
// means overlapping trigger invocations never double-publish an item.
func (s *Scanner) ProcessDueOnce(ctx context.Context) ([]ItemResult, error) {
	if s == nil || s.DB == nil {
		return nil, nil
	}
	limit := s.Limit
	if limit <= 0 {
		limit = 25
	}
	origin := strings.TrimSpace(s.Origin)
	if origin == "" {
		origin = "http://localhost"
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, owner_id
		  FROM scheduled_posts
		 WHERE status = 'scheduled'
		   AND scheduled_at <= NOW()
		   AND claimed_at IS NULL
		 ORDER BY scheduled_at ASC
		 LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type cand struct {
		id    string
		owner string
	}
	cands := make([]cand, 0)
	for rows.Next() {
		var c cand
		if err := rows.Scan(&c.id, &c.owner); err != nil {
			return nil, err
		}
		cands = append(cands, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return []ItemResult{}, nil
	}

	results := make([]ItemResult, 0, len(cands))
	for _, c := range cands {
		res, err := s.DB.ExecContext(ctx, `
			UPDATE scheduled_posts
			   SET claimed_at = NOW(), updated_at = NOW()
			 WHERE id = $1
			   AND status = 'scheduled'
			   AND scheduled_at <= NOW()
			   AND claimed_at IS NULL
		`, c.id)
		if err != nil {
			log.Printf("[Scheduler] claim_failed postId=%s owner=%s err=%v", c.id, c.owner, err)
			continue
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Another invocation got here first.
			log.Printf("[Scheduler] claim_skipped postId=%s owner=%s reason=already_claimed_or_not_due", c.id, c.owner)
			continue
		}

		results = append(results, s.publishOne(ctx, c.id, origin))
	}
	return results, nil
}

// PublishClaimed runs a single already-claimed post through the pipeline.
// The publish-now endpoint claims the row itself and then calls this.
func (s *Scanner) PublishClaimed(ctx context.Context, postID string) ItemResult {
	origin := strings.TrimSpace(s.Origin)
	if origin == "" {
		origin = "http://localhost"
	}
	return s.publishOne(ctx, postID, origin)
}

// publishOne takes a claimed post through load -> route -> adapter -> record.
// Panics and errors stay inside this item's result.
func (s *Scanner) publishOne(ctx context.Context, postID, origin string) (out ItemResult) {
	out = ItemResult{ID: postID, Status: "failed"}
	owner := ""
	defer func() {
		if rec := recover(); rec != nil {
			msg := fmt.Sprintf("panic: %v", rec)
			log.Printf("[Scheduler] panic postId=%s owner=%s err=%s\n%s", postID, owner, msg, string(debug.Stack()))
			s.Recorder.RecordFailure(ctx, postID, owner, publish.KindTransientNetwork, msg)
			out.Reason = string(publish.KindTransientNetwork)
		}
	}()

	post, err := s.loadPost(ctx, postID)
	if err != nil {
		log.Printf("[Scheduler] load_failed postId=%s err=%v", postID, err)
		s.Recorder.RecordFailure(ctx, postID, "", publish.KindTransientNetwork, "load_failed")
		out.Reason = "load_failed"
		return out
	}
	owner = post.OwnerID

	req, err := publish.BuildRequest(post, origin)
	if err != nil {
		kind := publish.KindOf(err)
		log.Printf("[Scheduler] validation_failed postId=%s owner=%s platform=%s err=%v", postID, post.OwnerID, post.Platform, err)
		s.Recorder.RecordFailure(ctx, postID, post.OwnerID, kind, err.Error())
		out.Reason = string(kind)
		return out
	}

	outcome := s.Registry.Dispatch(ctx, req)
	if !outcome.Success {
		kind := publish.KindOf(outcome.Err)
		s.Recorder.RecordFailure(ctx, postID, post.OwnerID, kind, outcome.Err.Error())
		out.Reason = string(kind)
		return out
	}

	s.Recorder.RecordSuccess(ctx, postID, post.OwnerID, outcome.ExternalID)
	out.Status = "success"
	out.Reason = ""
	return out
}

func (s *Scanner) loadPost(ctx context.Context, postID string) (models.ScheduledPost, error) {
	var (
		post     models.ScheduledPost
		mediaRef sql.NullString
		boardID  sql.NullString
		title    sql.NullString
		privacy  sql.NullString
		target   sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, owner_id, platform, content, media_ref, board_id, title,
		       privacy_level, target_account_id, scheduled_at
		  FROM scheduled_posts
		 WHERE id = $1
	`, postID).Scan(&post.ID, &post.OwnerID, &post.Platform, &post.Content, &mediaRef,
		&boardID, &title, &privacy, &target, &post.ScheduledAt)
	if err != nil {
		return models.ScheduledPost{}, err
	}
	assign := func(dst **string, src sql.NullString) {
		if src.Valid && strings.TrimSpace(src.String) != "" {
			v := src.String
			*dst = &v
		}
	}
	assign(&post.MediaRef, mediaRef)
	assign(&post.BoardID, boardID)
	assign(&post.Title, title)
	assign(&post.PrivacyLevel, privacy)
	assign(&post.TargetAccountID, target)
	return post, nil
}

// StartWorker runs the sweep on a fixed interval as a fallback for
// deployments without an external cron trigger. The trigger endpoint and the
// worker share ProcessDueOnce, so claiming keeps them from double-publishing.
func (s *Scanner) StartWorker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	log.Printf("[Scheduler] worker started interval=%s origin=%s", interval, s.Origin)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	run := func() {
		sweepCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		results, err := s.ProcessDueOnce(sweepCtx)
		if err != nil {
			log.Printf("[Scheduler] sweep error err=%v", err)
			return
		}
		if len(results) > 0 {
			log.Printf("[Scheduler] sweep done processed=%d", len(results))
		}
	}

	run()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Scheduler] worker stopped err=%v", ctx.Err())
			return
		case <-ticker.C:
			run()
		}
	}
}
