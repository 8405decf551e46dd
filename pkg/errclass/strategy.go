package errclass

import (
	"time"

	"github.com/docket-ai/docket/pkg/models"
)

// Action is what the scheduler does with a failed step.
type Action string

const (
	// ActionRetry reschedules the step after Delay.
	ActionRetry Action = "retry"
	// ActionFallback reruns the agent in no-tools mode.
	ActionFallback Action = "fallback"
	// ActionSkip leaves the step pending; the router will order its
	// dependency first.
	ActionSkip Action = "skip"
	// ActionFail marks the step failed, keeping any partial output.
	ActionFail Action = "fail"
	// ActionAbort stops the whole run.
	ActionAbort Action = "abort"
)

// Decision tells the scheduler what to do and when.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Policy decides actions from kinds and retry counts.
type Policy struct {
	BaseDelay  time.Duration
	MaxRetries int
}

// DefaultPolicy matches the documented strategy table: exponential backoff
// from 2s, at most 3 retries.
func DefaultPolicy() Policy {
	return Policy{BaseDelay: 2 * time.Second, MaxRetries: 3}
}

// Backoff returns the deterministic retry delay: base * 2^retries.
func (p Policy) Backoff(retries int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < retries; i++ {
		d *= 2
	}
	return d
}

// Decide maps (kind, retries so far) to a scheduler action.
func (p Policy) Decide(kind models.ErrorKind, retries int) Decision {
	switch kind {
	case models.ErrKindTimeout, models.ErrKindNetwork, models.ErrKindLLM:
		if retries < p.MaxRetries {
			return Decision{Action: ActionRetry, Delay: p.Backoff(retries)}
		}
		return Decision{Action: ActionFail}
	case models.ErrKindTool:
		return Decision{Action: ActionFallback}
	case models.ErrKindDependency:
		return Decision{Action: ActionSkip}
	case models.ErrKindValidation:
		return Decision{Action: ActionFail}
	case models.ErrKindCancelled:
		return Decision{Action: ActionFail}
	case models.ErrKindFatal:
		return Decision{Action: ActionAbort}
	default: // unknown: one retry, then fallback
		if retries == 0 {
			return Decision{Action: ActionRetry, Delay: p.Backoff(0)}
		}
		return Decision{Action: ActionFallback}
	}
}
