package middleware

import (
	"context"

	"github.com/docket-ai/docket/pkg/models"
)

const (
	proContextTokens = 50_000
	proDocumentCount = 20
)

// ModelSelect picks the model tier for an invocation. Pro wins whenever any
// escalation signal fires; lite only for declared-lite agents on small
// contexts. Uncertain cases default pro.
type ModelSelect struct {
	Noop
	enabled bool
}

func NewModelSelect(enabled bool) *ModelSelect {
	return &ModelSelect{enabled: enabled}
}

func (*ModelSelect) Name() string { return "model_select" }

func (m *ModelSelect) Before(_ context.Context, ex *Exec) error {
	if !m.enabled {
		// Selection off: explicit declarations still hold, the rest is pro.
		if ex.DeclaredTier != "" {
			ex.SelectedTier = ex.DeclaredTier
		} else {
			ex.SelectedTier = models.TierPro
		}
		return nil
	}

	switch {
	case ex.DeclaredTier == models.TierPro:
		ex.SelectedTier = models.TierPro
	case ex.ContextTokens > proContextTokens:
		ex.SelectedTier = models.TierPro
	case ex.State != nil && ex.State.Metadata.DocumentCount > proDocumentCount:
		ex.SelectedTier = models.TierPro
	case ex.State != nil && ex.State.Understanding != nil &&
		ex.State.Understanding.Complexity == models.ComplexityHigh:
		ex.SelectedTier = models.TierPro
	case ex.DeclaredTier == models.TierLite:
		ex.SelectedTier = models.TierLite
	default:
		ex.SelectedTier = models.TierPro
	}
	return nil
}
