package models

import "encoding/json"

// StoreRef points at an offloaded value in the namespaced store.
// It replaces a large inline result in state; dereference on demand.
type StoreRef struct {
	StoredInStore bool   `json:"stored_in_store"`
	Namespace     string `json:"namespace"`
	Key           string `json:"key"`
}

// ResultSummary is the small stand-in kept in state alongside a StoreRef:
// counts plus at most three sample entries per collection.
type ResultSummary struct {
	ItemCount int               `json:"item_count"`
	Samples   []json.RawMessage `json:"samples,omitempty"`
	Note      string            `json:"note,omitempty"`
}

// ResultEnvelope is one agent's result slot in AnalysisState: either an
// inline JSON value or a store reference with a summary. Exactly one of
// Inline and Ref is set for a populated slot.
type ResultEnvelope struct {
	AgentKind AgentKind       `json:"agent_kind"`
	Inline    json.RawMessage `json:"inline,omitempty"`
	Ref       *StoreRef       `json:"ref,omitempty"`
	Summary   *ResultSummary  `json:"summary,omitempty"`

	// ExpectedEmpty marks a legitimately empty result (e.g. a discrepancy
	// scan that found nothing) so evaluators do not score it as a failure.
	ExpectedEmpty bool `json:"expected_empty,omitempty"`

	Cached    bool      `json:"cached,omitempty"`
	ModelTier ModelTier `json:"model_tier,omitempty"`
	ElapsedMS int64     `json:"elapsed_ms,omitempty"`
}

// Offloaded reports whether the value lives in the store.
func (e *ResultEnvelope) Offloaded() bool {
	return e != nil && e.Ref != nil && e.Ref.StoredInStore
}

// Populated reports whether the slot holds a usable result.
func (e *ResultEnvelope) Populated() bool {
	if e == nil {
		return false
	}
	return len(e.Inline) > 0 || e.Offloaded()
}

// AgentPatch is what one agent invocation hands back to the scheduler.
// Exactly one of Result and Error is set.
type AgentPatch struct {
	Kind     AgentKind       `json:"kind"`
	Result   *ResultEnvelope `json:"result,omitempty"`
	Error    *ErrorEntry     `json:"error,omitempty"`
	Messages []StateMessage  `json:"messages,omitempty"`
}
