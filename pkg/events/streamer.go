package events

import (
	"context"
	"fmt"

	"github.com/docket-ai/docket/pkg/models"
)

// Streamer serves one run's event feed: persisted events first, then live
// ones, with duplicates across the replay/live boundary suppressed by Seq.
type Streamer struct {
	log        Log
	dispatcher *Dispatcher
}

func NewStreamer(log Log, dispatcher *Dispatcher) *Streamer {
	return &Streamer{log: log, dispatcher: dispatcher}
}

// Stream invokes send for every event of the run with Seq > afterSeq until
// a terminal event, the context ends, or send fails. It returns nil exactly
// when the run's stream finished and the caller should emit the terminator.
func (s *Streamer) Stream(ctx context.Context, runID string, afterSeq int64, send func(models.Event) error) error {
	// Subscribe before replaying so nothing published in between is lost.
	live, cancel := s.dispatcher.Subscribe(runID)
	defer cancel()

	replay, err := s.log.Since(ctx, runID, afterSeq, 0)
	if err != nil {
		return fmt.Errorf("events: replaying run %s: %w", runID, err)
	}

	last := afterSeq
	for _, e := range replay {
		if err := send(e); err != nil {
			return err
		}
		last = e.Seq
		if TerminalEvent(e) {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-live:
			if e.Seq != 0 && e.Seq <= last {
				continue
			}
			if err := send(e); err != nil {
				return err
			}
			if e.Seq != 0 {
				last = e.Seq
			}
			if TerminalEvent(e) {
				return nil
			}
		}
	}
}
