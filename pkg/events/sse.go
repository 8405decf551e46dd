package events

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/docket-ai/docket/pkg/models"
)

// DoneMarker closes an SSE stream after the run's terminal event.
const DoneMarker = "data: [DONE]\n\n"

// WriteSSE encodes one event as a server-sent message. The id line carries
// Seq so reconnecting clients can resume with Last-Event-ID.
func WriteSSE(w io.Writer, e models.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: marshaling SSE event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", e.Seq, data); err != nil {
		return fmt.Errorf("events: writing SSE event: %w", err)
	}
	return nil
}

// WriteDone emits the stream terminator.
func WriteDone(w io.Writer) error {
	if _, err := io.WriteString(w, DoneMarker); err != nil {
		return fmt.Errorf("events: writing SSE terminator: %w", err)
	}
	return nil
}

// TerminalEvent reports whether the event ends a run's stream.
func TerminalEvent(e models.Event) bool {
	return e.Type == models.EventComplete || e.Type == models.EventError
}
