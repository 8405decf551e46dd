package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/docket-ai/docket/pkg/errclass"
)

// Logging emits structured start/end/error records for every agent run.
type Logging struct {
	Noop
}

func NewLogging() *Logging { return &Logging{} }

func (*Logging) Name() string { return "logging" }

func (*Logging) Before(_ context.Context, ex *Exec) error {
	slog.Info("agent starting",
		"run_id", runID(ex), "kind", ex.Kind, "tier", ex.SelectedTier)
	return nil
}

func (*Logging) After(_ context.Context, ex *Exec) error {
	attrs := []any{
		"run_id", runID(ex), "kind", ex.Kind,
		"elapsed_ms", time.Since(ex.StartedAt).Milliseconds(),
	}
	if ex.Patch != nil && ex.Patch.Error != nil {
		attrs = append(attrs, "error_kind", ex.Patch.Error.Kind, "error", ex.Patch.Error.Message)
		slog.Warn("agent finished with error patch", attrs...)
		return nil
	}
	slog.Info("agent finished", attrs...)
	return nil
}

func (*Logging) OnError(_ context.Context, ex *Exec, err error) bool {
	slog.Error("agent failed",
		"run_id", runID(ex), "kind", ex.Kind,
		"error_kind", errclass.Classify(err), "error", err)
	return false
}

func runID(ex *Exec) string {
	if ex.State == nil {
		return ""
	}
	return ex.State.RunID
}
