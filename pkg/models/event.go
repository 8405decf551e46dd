package models

import (
	"encoding/json"
	"time"
)

// EventType names one streamed event kind.
type EventType string

const (
	EventPhase         EventType = "phase"
	EventStepStarted   EventType = "step_started"
	EventStepCompleted EventType = "step_completed"
	EventStepFailed    EventType = "step_failed"
	EventCacheHit      EventType = "cache_hit"
	EventPartialToken  EventType = "partial_token"
	EventClarification EventType = "clarification_request"
	EventError         EventType = "error"
	EventComplete      EventType = "complete"
)

// Event is one streamed record of a run. Seq orders events within a run and
// doubles as the SSE event id for Last-Event-ID catch-up.
type Event struct {
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// PhasePayload announces entry into an orchestration phase.
type PhasePayload struct {
	Phase     string `json:"phase"`
	Node      string `json:"node,omitempty"`
	Summary   string `json:"state_summary,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// StepPayload carries step lifecycle details.
type StepPayload struct {
	Agent     AgentKind `json:"agent"`
	StepID    string    `json:"step_id"`
	ElapsedMS int64     `json:"elapsed_ms,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Kind      ErrorKind `json:"kind,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// CacheHitPayload reports a memoized agent result being reused.
type CacheHitPayload struct {
	Agent          AgentKind `json:"agent"`
	KeyFingerprint string    `json:"key_fingerprint"`
}

// PartialTokenPayload forwards streamed model output.
type PartialTokenPayload struct {
	Agent     AgentKind `json:"agent"`
	TextDelta string    `json:"text_delta"`
}

// ClarificationPayload asks the user to settle low-confidence cells.
type ClarificationPayload struct {
	ThreadID string              `json:"thread_id"`
	Requests []ClarificationItem `json:"requests"`
}

// ErrorPayload reports a classified failure.
type ErrorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// AgentOutcome summarizes one agent's fate for the complete event.
type AgentOutcome struct {
	Agent     AgentKind `json:"agent"`
	Succeeded bool      `json:"succeeded"`
	ItemCount int       `json:"item_count,omitempty"`
	Cached    bool      `json:"cached,omitempty"`
}

// CompletePayload closes a run's event stream.
type CompletePayload struct {
	RunID      string         `json:"run_id"`
	ResultRefs []StoreRef     `json:"result_refs,omitempty"`
	Outcomes   []AgentOutcome `json:"outcomes,omitempty"`
}

// NewEvent marshals payload into an Event; panics only on programmer error
// (all payload types above are plain data).
func NewEvent(runID string, typ EventType, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic("unmarshalable event payload: " + err.Error())
	}
	return Event{
		RunID:     runID,
		Type:      typ,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
}
