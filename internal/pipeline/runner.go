package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/vodsync/vodsync/internal/model"
)

// runner executes one stage attempt loop for one record: bounded attempts
// with exponential backoff for retryable failures, immediate stop for fatal
// ones. The record's stage progress is mutated in place; persisting it is
// the caller's job.
type runner struct {
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	log            *slog.Logger

	// sleep is swapped out in tests to avoid real waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func newRunner(maxAttempts int, initial, max time.Duration, log *slog.Logger) *runner {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &runner{
		maxAttempts:    maxAttempts,
		initialBackoff: initial,
		maxBackoff:     max,
		log:            log,
		sleep:          sleepCtx,
	}
}

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

// do runs fn for one stage of one record. On success the stage transitions
// to success and the reason is cleared. On exhausted or fatal failure the
// stage transitions to failed with the last error as reason, and the error
// is returned so the caller stops advancing this record.
func (r *runner) do(ctx context.Context, rec *model.VideoRecord, stage model.Stage, fn func(context.Context) error) error {
	prog := rec.Progress(stage)
	backoff := r.initialBackoff

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := time.Now().UTC()
		prog.LastAttemptAt = &now

		lastErr = fn(ctx)
		if lastErr == nil {
			prog.State = model.StageSuccess
			prog.Reason = ""
			return nil
		}
		prog.RetryCount++

		if !IsRetryable(lastErr) {
			r.log.Error("stage failed permanently",
				"video_id", rec.ID, "stage", stage, "err", lastErr)
			break
		}
		if attempt == r.maxAttempts {
			break
		}
		r.log.Warn("stage attempt failed, backing off",
			"video_id", rec.ID, "stage", stage, "attempt", attempt,
			"backoff", backoff, "err", lastErr)
		// Cancellation during backoff is an abort, not a stage verdict:
		// leave the stage at its prior state for the next run.
		if err := r.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > r.maxBackoff {
			backoff = r.maxBackoff
		}
	}

	prog.State = model.StageFailed
	prog.Reason = lastErr.Error()
	return lastErr
}
