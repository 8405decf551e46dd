package middleware

import (
	"context"
	"log/slog"
	"time"
)

const minCheckpointGap = time.Minute

// CheckpointTrigger persists state after an agent run when the checkpoint
// cadence says so: regular interval elapsed, or the whole operation is long
// and the last checkpoint is stale.
type CheckpointTrigger struct {
	Noop
	interval time.Duration
	longOp   time.Duration
	now      func() time.Time
}

func NewCheckpointTrigger(interval, longOp time.Duration) *CheckpointTrigger {
	return &CheckpointTrigger{interval: interval, longOp: longOp, now: time.Now}
}

func (*CheckpointTrigger) Name() string { return "checkpoint_trigger" }

func (c *CheckpointTrigger) After(ctx context.Context, ex *Exec) error {
	if ex.Checkpoint == nil || ex.State == nil {
		return nil
	}
	info := &ex.State.Metadata.CheckpointInfo
	now := c.now()

	sinceLast := c.interval // no checkpoint yet counts as overdue
	if info.LastCheckpointTime != nil {
		sinceLast = now.Sub(*info.LastCheckpointTime)
	}
	longRunning := now.Sub(info.OperationStartTime) > c.longOp

	if sinceLast < c.interval && !(longRunning && sinceLast > minCheckpointGap) {
		return nil
	}

	if err := ex.Checkpoint(ctx); err != nil {
		// A missed checkpoint is recoverable; the run continues.
		slog.Warn("checkpoint save failed",
			"run_id", ex.State.RunID, "kind", ex.Kind, "error", err)
		return nil
	}
	t := now
	info.LastCheckpointTime = &t
	info.CheckpointCount++
	return nil
}
