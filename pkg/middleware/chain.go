package middleware

import (
	"context"
	"time"

	"github.com/docket-ai/docket/pkg/models"
)

// Exec is the per-invocation carrier flowing through the chain around one
// agent run. Handlers mutate it; the runtime reads the selected tier and
// redacted prompt parts, and publishes its patch for After hooks.
type Exec struct {
	Kind  models.AgentKind
	Step  *models.PlanStep
	State *models.AnalysisState // worker snapshot, read-mostly

	DeclaredTier  models.ModelTier
	SelectedTier  models.ModelTier
	ContextTokens int

	// PromptParts are the texts that will reach the model; redaction
	// rewrites them in place.
	PromptParts []string

	StartedAt time.Time
	Patch     *models.AgentPatch

	// Checkpoint persists the run's current state when the trigger fires.
	Checkpoint func(ctx context.Context) error
}

// Handler wraps one concern around an agent run.
type Handler interface {
	Name() string
	Before(ctx context.Context, ex *Exec) error
	After(ctx context.Context, ex *Exec) error
	// OnError may recover from err by filling ex.Patch; returning true
	// stops the error from propagating.
	OnError(ctx context.Context, ex *Exec, err error) bool
}

// Noop is a zero Handler for embedding; override what you need.
type Noop struct{}

func (Noop) Before(context.Context, *Exec) error        { return nil }
func (Noop) After(context.Context, *Exec) error         { return nil }
func (Noop) OnError(context.Context, *Exec, error) bool { return false }

// AgentFunc is the wrapped agent invocation.
type AgentFunc func(ctx context.Context, ex *Exec) (*models.AgentPatch, error)

// Chain runs handlers around an agent: Before in declared order, After in
// reverse, OnError in reverse with first recovery winning.
type Chain struct {
	handlers []Handler
}

func NewChain(handlers ...Handler) *Chain {
	return &Chain{handlers: handlers}
}

// Run executes the full wrapped invocation.
func (c *Chain) Run(ctx context.Context, ex *Exec, fn AgentFunc) (*models.AgentPatch, error) {
	ex.StartedAt = time.Now()

	for i, h := range c.handlers {
		if err := h.Before(ctx, ex); err != nil {
			if c.recover(ctx, ex, err, i) {
				return ex.Patch, nil
			}
			return nil, err
		}
	}

	patch, err := fn(ctx, ex)
	if err != nil {
		if c.recover(ctx, ex, err, len(c.handlers)) {
			patch = ex.Patch
		} else {
			return nil, err
		}
	}
	ex.Patch = patch

	for i := len(c.handlers) - 1; i >= 0; i-- {
		if err := c.handlers[i].After(ctx, ex); err != nil {
			return nil, err
		}
	}
	return ex.Patch, nil
}

// recover walks handlers [0, upto) in reverse; the first to report recovery
// wins.
func (c *Chain) recover(ctx context.Context, ex *Exec, err error, upto int) bool {
	for i := upto - 1; i >= 0; i-- {
		if c.handlers[i].OnError(ctx, ex, err) {
			return true
		}
	}
	return false
}
