package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/docket-ai/docket/pkg/models"
)

// appendTimeout bounds the persistence write inside Emit. The orchestrator
// calls Emit synchronously on the run's hot path; a stalled database must
// not hang the run indefinitely.
const appendTimeout = 5 * time.Second

// Publisher persists each event to the log, then hands it to the local
// dispatcher. Persistence failures are logged and the live broadcast still
// happens: a connected client keeps its feed even when replay is degraded.
type Publisher struct {
	log        Log
	dispatcher *Dispatcher
}

func NewPublisher(log Log, dispatcher *Dispatcher) *Publisher {
	return &Publisher{log: log, dispatcher: dispatcher}
}

// Emit records and broadcasts one run event.
func (p *Publisher) Emit(e models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()

	stored, err := p.log.Append(ctx, e)
	if err != nil {
		slog.Warn("Failed to persist run event",
			"run_id", e.RunID, "type", e.Type, "error", err)
		stored = e
	}
	p.dispatcher.Broadcast(stored)
}
