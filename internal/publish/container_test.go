package publish

import (
	"context"
	"strings"
	"testing"
	"time"
)

// scriptedOps walks through a fixed sequence of status states.
type scriptedOps struct {
	createID    string
	createErr   error
	states      []string
	errorDetail string
	statusErrs  []error
	finalizeID  string
	finalizeErr error

	createCalls   int
	statusCalls   int
	finalizeCalls int
}

func (o *scriptedOps) Create(ctx context.Context) (string, error) {
	o.createCalls++
	return o.createID, o.createErr
}

func (o *scriptedOps) Status(ctx context.Context, containerID string) (string, string, error) {
	i := o.statusCalls
	o.statusCalls++
	if i < len(o.statusErrs) && o.statusErrs[i] != nil {
		return "", "", o.statusErrs[i]
	}
	state := ContainerPending
	if i < len(o.states) {
		state = o.states[i]
	}
	if state == ContainerError {
		return state, o.errorDetail, nil
	}
	return state, "", nil
}

func (o *scriptedOps) Finalize(ctx context.Context, containerID string) (string, error) {
	o.finalizeCalls++
	return o.finalizeID, o.finalizeErr
}

func noSleep(t *testing.T) (func(ctx context.Context, d time.Duration) error, *int) {
	t.Helper()
	var calls int
	return func(ctx context.Context, d time.Duration) error {
		calls++
		return nil
	}, &calls
}

func TestContainerFlow_FinishedAfterPolling(t *testing.T) {
	ops := &scriptedOps{
		createID:   "c1",
		states:     []string{ContainerPending, ContainerPending, ContainerFinished},
		finalizeID: "post-1",
	}
	sleep, sleeps := noSleep(t)
	flow := ContainerFlow{PollInterval: time.Millisecond, MaxAttempts: 5, Sleep: sleep}

	id, err := flow.Run(context.Background(), ops)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if id != "post-1" {
		t.Fatalf("got %q", id)
	}
	if ops.statusCalls != 3 || ops.finalizeCalls != 1 {
		t.Fatalf("status=%d finalize=%d", ops.statusCalls, ops.finalizeCalls)
	}
	// No sleep before the first poll.
	if *sleeps != 2 {
		t.Fatalf("sleeps=%d", *sleeps)
	}
}

func TestContainerFlow_TimeoutNeverFinalizes(t *testing.T) {
	ops := &scriptedOps{createID: "c1"}
	sleep, _ := noSleep(t)
	flow := ContainerFlow{MaxAttempts: 4, Sleep: sleep}

	_, err := flow.Run(context.Background(), ops)
	if KindOf(err) != KindMediaProcessingTimeout {
		t.Fatalf("expected media_processing_timeout, got %v", err)
	}
	if ops.statusCalls != 4 {
		t.Fatalf("status calls: %d", ops.statusCalls)
	}
	if ops.finalizeCalls != 0 {
		t.Fatalf("finalize called on timeout")
	}
}

func TestContainerFlow_ErrorCarriesDetail(t *testing.T) {
	ops := &scriptedOps{
		createID:    "c1",
		states:      []string{ContainerError},
		errorDetail: "image_too_large",
	}
	sleep, _ := noSleep(t)
	flow := ContainerFlow{MaxAttempts: 5, Sleep: sleep}

	_, err := flow.Run(context.Background(), ops)
	if KindOf(err) != KindMediaProcessingFailed {
		t.Fatalf("expected media_processing_failed, got %v", err)
	}
	if got := err.Error(); !strings.Contains(got, "image_too_large") {
		t.Fatalf("detail missing from %q", got)
	}
	if ops.finalizeCalls != 0 {
		t.Fatalf("finalize called on error")
	}
}

func TestContainerFlow_EmptyContainerID(t *testing.T) {
	ops := &scriptedOps{createID: "  "}
	flow := ContainerFlow{MaxAttempts: 2, Sleep: func(context.Context, time.Duration) error { return nil }}

	_, err := flow.Run(context.Background(), ops)
	if KindOf(err) != KindContainerCreateFailed {
		t.Fatalf("expected container_creation_failed, got %v", err)
	}
	if ops.statusCalls != 0 {
		t.Fatalf("status polled after failed create")
	}
}

func TestContainerFlow_StatusErrorConsumesAttempt(t *testing.T) {
	ops := &scriptedOps{
		createID:   "c1",
		statusErrs: []error{Errf(KindTransientNetwork, "http_500"), nil},
		states:     []string{"", ContainerFinished},
		finalizeID: "post-1",
	}
	sleep, _ := noSleep(t)
	flow := ContainerFlow{MaxAttempts: 3, Sleep: sleep}

	id, err := flow.Run(context.Background(), ops)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if id != "post-1" {
		t.Fatalf("got %q", id)
	}
	if ops.statusCalls != 2 {
		t.Fatalf("status calls: %d", ops.statusCalls)
	}
}

func TestContainerFlow_CanceledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ops := &scriptedOps{createID: "c1"}
	flow := ContainerFlow{MaxAttempts: 10, Sleep: func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}}

	_, err := flow.Run(ctx, ops)
	if KindOf(err) != KindMediaProcessingTimeout {
		t.Fatalf("expected media_processing_timeout, got %v", err)
	}
}
