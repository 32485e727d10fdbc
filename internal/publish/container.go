package publish

import (
	"context"
	"strings"
	"time"
)

// Container states reported by the platform while media is processing.
const (
	ContainerPending  = "pending"
	ContainerFinished = "finished"
	ContainerError    = "error"
)

// ContainerOps is the platform-specific half of the asynchronous publish flow.
// Instagram and TikTok implement it with different endpoints and field names;
// the sequencing below is identical for both.
type ContainerOps interface {
	// Create submits the media and returns the platform's container handle.
	Create(ctx context.Context) (containerID string, err error)
	// Status reports the container's processing state. detail carries the
	// platform's error message when state is ContainerError.
	Status(ctx context.Context, containerID string) (state string, detail string, err error)
	// Finalize publishes the finished container and returns the visible post id.
	Finalize(ctx context.Context, containerID string) (externalID string, err error)
}

// ContainerFlow drives submit -> poll -> finalize with a bounded poll budget.
// Sleep is injectable so tests run without real delay.
type ContainerFlow struct {
	PollInterval time.Duration
	MaxAttempts  int
	Sleep        func(ctx context.Context, d time.Duration) error
}

const (
	defaultPollInterval = 3 * time.Second
	defaultMaxAttempts  = 20
)

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes one asynchronous publish attempt. Finalize is never called
// unless the container reached the finished state within budget.
func (f ContainerFlow) Run(ctx context.Context, ops ContainerOps) (string, error) {
	interval := f.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	attempts := f.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	sleep := f.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	containerID, err := ops.Create(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(containerID) == "" {
		return "", Errf(KindContainerCreateFailed, "missing_container_id")
	}

	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := sleep(ctx, interval); err != nil {
				return "", Errf(KindMediaProcessingTimeout, "containerId=%s canceled", containerID)
			}
		}
		state, detail, err := ops.Status(ctx, containerID)
		if err != nil {
			// Transient status-poll failures consume an attempt; the
			// budget still bounds total wait.
			continue
		}
		switch state {
		case ContainerFinished:
			return ops.Finalize(ctx, containerID)
		case ContainerError:
			return "", Errf(KindMediaProcessingFailed, "containerId=%s detail=%s", containerID, detail)
		}
	}
	return "", Errf(KindMediaProcessingTimeout, "containerId=%s attempts=%d", containerID, attempts)
}
