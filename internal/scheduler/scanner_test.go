package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/CortexcartLimited/cortexcart-publisher/internal/publish"
	"github.com/DATA-DOG/go-sqlmock"
)

type stubTokens struct{ token string }

func (s stubTokens) GetValidToken(ctx context.Context, owner, platform string) (string, error) {
	return s.token, nil
}

type stubAdapter struct {
	name       string
	externalID string
	err        error
	calls      int
}

func (a *stubAdapter) Name() string { return a.name }

func (a *stubAdapter) Publish(ctx context.Context, req publish.Request, accessToken string) (string, error) {
	a.calls++
	return a.externalID, a.err
}

var postCols = []string{
	"id", "owner_id", "platform", "content", "media_ref", "board_id",
	"title", "privacy_level", "target_account_id", "scheduled_at",
}

func newTestScanner(t *testing.T, adapters ...publish.Adapter) (*Scanner, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	registry := publish.NewRegistry(stubTokens{token: "tok"})
	for _, a := range adapters {
		registry.Register(a)
	}
	return &Scanner{
		DB:       db,
		Registry: registry,
		Recorder: &Recorder{DB: db},
		Origin:   "https://app.test",
		Limit:    10,
	}, mock
}

func expectDueScan(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery(`SELECT id, owner_id\s+FROM scheduled_posts`).
		WithArgs(10).
		WillReturnRows(rows)
}

func expectClaim(mock sqlmock.Sqlmock, postID string, claimed bool) {
	n := int64(0)
	if claimed {
		n = 1
	}
	mock.ExpectExec(`UPDATE scheduled_posts\s+SET claimed_at = NOW\(\)`).
		WithArgs(postID).
		WillReturnResult(sqlmock.NewResult(0, n))
}

func expectLoad(mock sqlmock.Sqlmock, postID, owner, platform, content string) {
	mock.ExpectQuery(`SELECT id, owner_id, platform, content`).
		WithArgs(postID).
		WillReturnRows(sqlmock.NewRows(postCols).
			AddRow(postID, owner, platform, content, nil, nil, nil, nil, nil, time.Now()))
}

func expectRecordSuccess(mock sqlmock.Sqlmock, postID, externalID string) {
	mock.ExpectExec(`UPDATE scheduled_posts\s+SET status = 'posted'`).
		WithArgs(postID, externalID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO notifications`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "post_published", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func expectRecordFailure(mock sqlmock.Sqlmock, postID string) {
	mock.ExpectExec(`UPDATE scheduled_posts\s+SET status = 'failed'`).
		WithArgs(postID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO notifications`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "post_failed", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func TestProcessDueOnce_NoDuePosts(t *testing.T) {
	s, mock := newTestScanner(t)
	expectDueScan(mock, sqlmock.NewRows([]string{"id", "owner_id"}))

	results, err := s.ProcessDueOnce(context.Background())
	if err != nil {
		t.Fatalf("ProcessDueOnce: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty results, got %v", results)
	}
}

func TestProcessDueOnce_PublishesClaimedPost(t *testing.T) {
	adapter := &stubAdapter{name: "x", externalID: "tweet-1"}
	s, mock := newTestScanner(t, adapter)

	expectDueScan(mock, sqlmock.NewRows([]string{"id", "owner_id"}).AddRow("p1", "o1"))
	expectClaim(mock, "p1", true)
	expectLoad(mock, "p1", "o1", "x", "hello")
	expectRecordSuccess(mock, "p1", "tweet-1")

	results, err := s.ProcessDueOnce(context.Background())
	if err != nil {
		t.Fatalf("ProcessDueOnce: %v", err)
	}
	if len(results) != 1 || results[0].Status != "success" {
		t.Fatalf("unexpected results: %v", results)
	}
	if adapter.calls != 1 {
		t.Fatalf("adapter calls: %d", adapter.calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestProcessDueOnce_LostClaimIsSkipped(t *testing.T) {
	adapter := &stubAdapter{name: "x", externalID: "tweet-1"}
	s, mock := newTestScanner(t, adapter)

	expectDueScan(mock, sqlmock.NewRows([]string{"id", "owner_id"}).AddRow("p1", "o1"))
	expectClaim(mock, "p1", false)

	results, err := s.ProcessDueOnce(context.Background())
	if err != nil {
		t.Fatalf("ProcessDueOnce: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("lost claim still processed: %v", results)
	}
	if adapter.calls != 0 {
		t.Fatalf("adapter called for unclaimed post")
	}
}

func TestProcessDueOnce_FailureDoesNotAbortBatch(t *testing.T) {
	xAdapter := &stubAdapter{name: "x", err: publish.Errf(publish.KindPlatformRejected, "nope")}
	fbAdapter := &stubAdapter{name: "facebook", externalID: "fb-1"}
	s, mock := newTestScanner(t, xAdapter, fbAdapter)

	expectDueScan(mock, sqlmock.NewRows([]string{"id", "owner_id"}).
		AddRow("p1", "o1").
		AddRow("p2", "o2"))

	expectClaim(mock, "p1", true)
	expectLoad(mock, "p1", "o1", "x", "hello")
	expectRecordFailure(mock, "p1")

	expectClaim(mock, "p2", true)
	mock.ExpectQuery(`SELECT id, owner_id, platform, content`).
		WithArgs("p2").
		WillReturnRows(sqlmock.NewRows(postCols).
			AddRow("p2", "o2", "facebook", "hi fb", nil, nil, nil, nil, "page-1", time.Now()))
	expectRecordSuccess(mock, "p2", "fb-1")

	results, err := s.ProcessDueOnce(context.Background())
	if err != nil {
		t.Fatalf("ProcessDueOnce: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %v", results)
	}
	if results[0].Status != "failed" || results[0].Reason != string(publish.KindPlatformRejected) {
		t.Fatalf("first result: %+v", results[0])
	}
	if results[1].Status != "success" {
		t.Fatalf("second result: %+v", results[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

type panickyAdapter struct{ name string }

func (a *panickyAdapter) Name() string { return a.name }

func (a *panickyAdapter) Publish(ctx context.Context, req publish.Request, accessToken string) (string, error) {
	panic("adapter blew up")
}

func TestProcessDueOnce_PanicIsIsolated(t *testing.T) {
	xAdapter := &panickyAdapter{name: "x"}
	fbAdapter := &stubAdapter{name: "facebook", externalID: "fb-1"}
	s, mock := newTestScanner(t, xAdapter, fbAdapter)

	expectDueScan(mock, sqlmock.NewRows([]string{"id", "owner_id"}).
		AddRow("p1", "o1").
		AddRow("p2", "o2"))

	expectClaim(mock, "p1", true)
	expectLoad(mock, "p1", "o1", "x", "hello")
	// The recovered panic is recorded with the post's owner, so the owner's
	// failure notification is still written.
	expectRecordFailure(mock, "p1")

	expectClaim(mock, "p2", true)
	mock.ExpectQuery(`SELECT id, owner_id, platform, content`).
		WithArgs("p2").
		WillReturnRows(sqlmock.NewRows(postCols).
			AddRow("p2", "o2", "facebook", "hi fb", nil, nil, nil, nil, "page-1", time.Now()))
	expectRecordSuccess(mock, "p2", "fb-1")

	results, err := s.ProcessDueOnce(context.Background())
	if err != nil {
		t.Fatalf("ProcessDueOnce: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %v", results)
	}
	if results[0].Status != "failed" || results[0].Reason != string(publish.KindTransientNetwork) {
		t.Fatalf("first result: %+v", results[0])
	}
	if results[1].Status != "success" {
		t.Fatalf("second result: %+v", results[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestProcessDueOnce_ValidationFailureRecorded(t *testing.T) {
	adapter := &stubAdapter{name: "instagram", externalID: "ig-1"}
	s, mock := newTestScanner(t, adapter)

	expectDueScan(mock, sqlmock.NewRows([]string{"id", "owner_id"}).AddRow("p1", "o1"))
	expectClaim(mock, "p1", true)
	// Instagram post with no media ref fails validation before any dispatch.
	expectLoad(mock, "p1", "o1", "instagram", "caption only")
	expectRecordFailure(mock, "p1")

	results, err := s.ProcessDueOnce(context.Background())
	if err != nil {
		t.Fatalf("ProcessDueOnce: %v", err)
	}
	if len(results) != 1 || results[0].Reason != string(publish.KindValidation) {
		t.Fatalf("unexpected results: %v", results)
	}
	if adapter.calls != 0 {
		t.Fatalf("adapter called despite validation failure")
	}
}

func TestPublishClaimed_Success(t *testing.T) {
	adapter := &stubAdapter{name: "x", externalID: "tweet-9"}
	s, mock := newTestScanner(t, adapter)

	expectLoad(mock, "p9", "o1", "x", "now please")
	expectRecordSuccess(mock, "p9", "tweet-9")

	res := s.PublishClaimed(context.Background(), "p9")
	if res.Status != "success" {
		t.Fatalf("unexpected result: %+v", res)
	}
}
