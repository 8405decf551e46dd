package models

import "time"

// RunStatus is the queue lifecycle of a run row.
type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunInProgress RunStatus = "in_progress"
	RunSuspended  RunStatus = "suspended"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
)

// Active reports whether the run still owns or may reclaim a worker slot.
func (s RunStatus) Active() bool {
	return s == RunPending || s == RunInProgress || s == RunSuspended
}

// Terminal reports whether the run reached a final status.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// RunOptions tune a single run without touching server config.
type RunOptions struct {
	// HITL enables human-in-the-loop suspension for low-confidence cells.
	HITL bool `json:"hitl,omitempty"`
	// ConfidenceThreshold overrides the configured HITL threshold; zero
	// means "use the server default".
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`
	// MaxParallel caps fan-out width for this run; zero means server default.
	MaxParallel int `json:"max_parallel,omitempty"`
	// ModelTierOverride pins every step to one model tier when set.
	ModelTierOverride ModelTier `json:"model_tier_override,omitempty"`
	// DisableCache bypasses the result cache for this run.
	DisableCache bool `json:"disable_cache,omitempty"`
	// Columns configures tabular extraction when it is requested.
	Columns []ColumnSpec `json:"columns,omitempty"`
	// ReviewID names the tabular review to populate; generated when empty.
	ReviewID string `json:"review_id,omitempty"`
}

// RunRequest is the API payload that enqueues a run. Either Task (free-form
// user instruction, analyzed by UNDERSTAND) or AnalysisTypes (explicit agent
// kinds) must be present.
type RunRequest struct {
	CaseID        string      `json:"case_id"`
	UserID        string      `json:"user_id"`
	Task          string      `json:"task,omitempty"`
	AnalysisTypes []AgentKind `json:"analysis_types,omitempty"`
	Options       RunOptions  `json:"options,omitempty"`
}

// Run is one queued analysis run.
type Run struct {
	ID            string      `json:"id"`
	CaseID        string      `json:"case_id"`
	UserID        string      `json:"user_id"`
	Task          string      `json:"task,omitempty"`
	AnalysisTypes []AgentKind `json:"analysis_types"`
	Options       RunOptions  `json:"options"`

	Status RunStatus `json:"status"`
	Error  string    `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// WorkerID and LastHeartbeat track pool ownership for orphan recovery.
	WorkerID      string     `json:"worker_id,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// CellAnswer is one human decision carried by a resume payload.
type CellAnswer struct {
	Value     string `json:"value"`
	Confirmed bool   `json:"confirmed"`
}

// ResumePayload answers a suspended run: HITL cell decisions keyed by cell
// id, or a plan approval.
type ResumePayload struct {
	UserID      string                `json:"user_id"`
	Answers     map[string]CellAnswer `json:"answers,omitempty"`
	ApprovePlan bool                  `json:"approve_plan,omitempty"`
}
