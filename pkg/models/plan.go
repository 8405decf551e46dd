package models

// StepStatus is the lifecycle state of a PlanStep.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// Terminal reports whether the status admits no further transitions.
func (s StepStatus) Terminal() bool {
	return s == StepDone || s == StepFailed || s == StepSkipped
}

// PlanStep is the scheduling unit: one planned execution of an AgentKind.
// Steps are created by the planner and mutated only by the scheduler.
type PlanStep struct {
	StepID           string      `json:"step_id"`
	AgentKind        AgentKind   `json:"agent_kind"`
	DependsOn        []AgentKind `json:"depends_on,omitempty"`
	RequiresApproval bool        `json:"requires_approval,omitempty"`
	Status           StepStatus  `json:"status"`
	Retries          int         `json:"retries"`

	// Hints carries replanner adjustments (broader retrieval k, forced
	// tier, extra prompt clauses). Empty on first-pass steps.
	Hints *StepHints `json:"hints,omitempty"`
}

// StepHints adjusts how the runtime executes a replanned step.
type StepHints struct {
	RetrievalK     int       `json:"retrieval_k,omitempty"`
	ForceTier      ModelTier `json:"force_tier,omitempty"`
	RequireSources bool      `json:"require_sources,omitempty"`
	DisableTools   bool      `json:"disable_tools,omitempty"`
	DisableCache   bool      `json:"disable_cache,omitempty"`
}
