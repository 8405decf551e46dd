// Package models defines the data model shared across the analysis engine:
// the run state that flows through the orchestration graph, plan steps,
// agent kinds, result envelopes, tabular cells and the error taxonomy.
//
// Everything here is JSON-serializable; the checkpoint layer round-trips
// these types verbatim.
package models

// AgentKind identifies one analytical concern handled by a specialized agent.
type AgentKind string

const (
	AgentDocumentClassifier AgentKind = "document_classifier"
	AgentEntityExtraction   AgentKind = "entity_extraction"
	AgentTimeline           AgentKind = "timeline"
	AgentKeyFacts           AgentKind = "key_facts"
	AgentDiscrepancy        AgentKind = "discrepancy"
	AgentRisk               AgentKind = "risk"
	AgentSummary            AgentKind = "summary"
	AgentPrivilegeCheck     AgentKind = "privilege_check"
	AgentRelationship       AgentKind = "relationship"
	AgentTabularExtract     AgentKind = "tabular_extract"
	AgentDraftEditor        AgentKind = "draft_editor"
	AgentDeepReason         AgentKind = "deep_reason"
)

// AllAgentKinds lists every known kind in declaration order.
var AllAgentKinds = []AgentKind{
	AgentDocumentClassifier,
	AgentEntityExtraction,
	AgentTimeline,
	AgentKeyFacts,
	AgentDiscrepancy,
	AgentRisk,
	AgentSummary,
	AgentPrivilegeCheck,
	AgentRelationship,
	AgentTabularExtract,
	AgentDraftEditor,
	AgentDeepReason,
}

// ValidAgentKind reports whether s names a known agent kind.
func ValidAgentKind(s string) bool {
	for _, k := range AllAgentKinds {
		if string(k) == s {
			return true
		}
	}
	return false
}

// ModelTier selects the model class an agent runs on.
type ModelTier string

const (
	TierLite ModelTier = "lite"
	TierPro  ModelTier = "pro"
)

// Complexity grades a parsed task.
type Complexity string

const (
	ComplexitySimple Complexity = "simple"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)
