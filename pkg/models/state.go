package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"
)

// ErrTerminal is returned by every mutation attempted after the state has
// been marked terminal.
var ErrTerminal = errors.New("analysis state is terminal")

// Understanding is the parsed task produced by the UNDERSTAND phase.
type Understanding struct {
	Goals         []string   `json:"goals,omitempty"`
	Complexity    Complexity `json:"complexity"`
	TaskType      string     `json:"task_type,omitempty"`
	NeedsPlanning bool       `json:"needs_planning"`
}

// StateMessage is one entry in the chronological log carried by state and
// mirrored into the event stream.
type StateMessage struct {
	At    time.Time `json:"at"`
	Agent AgentKind `json:"agent,omitempty"`
	Type  string    `json:"type"`
	Text  string    `json:"text"`
}

// PhaseSummaryRef records one compaction pass: which agents were folded
// into which store entry.
type PhaseSummaryRef struct {
	Key       string      `json:"key"`
	Agents    []AgentKind `json:"agents"`
	CreatedAt time.Time   `json:"created_at"`
}

// CheckpointInfo tracks checkpoint cadence inside state metadata.
type CheckpointInfo struct {
	LastCheckpointTime *time.Time        `json:"last_checkpoint_time,omitempty"`
	OperationStartTime time.Time         `json:"operation_start_time"`
	CheckpointCount    int               `json:"checkpoint_count"`
	PhaseSummaries     []PhaseSummaryRef `json:"phase_summaries,omitempty"`
}

// ClarificationItem is one open human-in-the-loop question.
type ClarificationItem struct {
	CellID     string   `json:"cell_id"`
	Reason     string   `json:"reason"`
	Candidates []string `json:"candidates,omitempty"`
}

// PendingFeedback suspends a run awaiting a resume payload.
type PendingFeedback struct {
	ThreadID string              `json:"thread_id"`
	Requests []ClarificationItem `json:"requests"`
	AskedAt  time.Time           `json:"asked_at"`
}

// StateMetadata groups bookkeeping fields that are not analysis results.
type StateMetadata struct {
	CheckpointInfo CheckpointInfo `json:"checkpoint_info"`
	ReplanCount    int            `json:"replan_count"`
	CaseType       string         `json:"case_type,omitempty"`
	DocumentCount  int            `json:"document_count,omitempty"`
	ReviewID       string         `json:"review_id,omitempty"`
}

// AnalysisState is the sole mutable value flowing through the orchestration
// graph. It is owned exclusively by the orchestrator for the run; agents see
// a read-mostly snapshot and hand back an AgentPatch.
//
// Invariants enforced here:
//   - completed steps only grow;
//   - no mutation is accepted once Terminal is set (ErrTerminal);
//   - the whole value stays JSON-serializable (checkpointing relies on it).
type AnalysisState struct {
	CaseID string `json:"case_id"`
	UserID string `json:"user_id"`
	RunID  string `json:"run_id"`

	AnalysisTypes []AgentKind `json:"analysis_types"`

	Understanding *Understanding `json:"understanding,omitempty"`

	Plan []PlanStep `json:"plan,omitempty"`

	// CompletedSteps is kept sorted so serialized state is deterministic.
	CompletedSteps []string `json:"completed_steps,omitempty"`

	Results map[AgentKind]*ResultEnvelope `json:"results,omitempty"`

	Errors []ErrorEntry `json:"errors,omitempty"`

	Messages []StateMessage `json:"messages,omitempty"`

	Metadata StateMetadata `json:"metadata"`

	PendingFeedback *PendingFeedback `json:"pending_feedback,omitempty"`

	Terminal bool `json:"terminal"`
}

// NewAnalysisState builds the initial state for a run.
func NewAnalysisState(caseID, userID, runID string, kinds []AgentKind) *AnalysisState {
	return &AnalysisState{
		CaseID:        caseID,
		UserID:        userID,
		RunID:         runID,
		AnalysisTypes: dedupeKinds(kinds),
		Results:       make(map[AgentKind]*ResultEnvelope),
		Metadata: StateMetadata{
			CheckpointInfo: CheckpointInfo{OperationStartTime: time.Now().UTC()},
		},
	}
}

func dedupeKinds(kinds []AgentKind) []AgentKind {
	out := make([]AgentKind, 0, len(kinds))
	seen := make(map[AgentKind]bool, len(kinds))
	for _, k := range kinds {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// ThreadID returns the checkpoint thread identifier for this run's case.
func (s *AnalysisState) ThreadID() string {
	return ThreadIDForCase(s.CaseID)
}

// ThreadIDForCase derives the checkpoint thread id for a case.
func ThreadIDForCase(caseID string) string {
	return fmt.Sprintf("case_%s", caseID)
}

// Requested reports whether the kind was asked for in this run.
func (s *AnalysisState) Requested(kind AgentKind) bool {
	return slices.Contains(s.AnalysisTypes, kind)
}

// Completed reports whether the step id is in the completed set.
func (s *AnalysisState) Completed(stepID string) bool {
	_, found := slices.BinarySearch(s.CompletedSteps, stepID)
	return found
}

// KindDone reports whether an agent kind has a populated result slot.
func (s *AnalysisState) KindDone(kind AgentKind) bool {
	return s.Results[kind].Populated()
}

// MarkCompleted records a step id in the monotonic completed set.
func (s *AnalysisState) MarkCompleted(stepID string) error {
	if s.Terminal {
		return ErrTerminal
	}
	if i, found := slices.BinarySearch(s.CompletedSteps, stepID); !found {
		s.CompletedSteps = slices.Insert(s.CompletedSteps, i, stepID)
	}
	return nil
}

// SetResult populates an agent's slot. Parallel workers never call this
// directly; the scheduler applies their patches one at a time.
func (s *AnalysisState) SetResult(kind AgentKind, env *ResultEnvelope) error {
	if s.Terminal {
		return ErrTerminal
	}
	if s.Results == nil {
		s.Results = make(map[AgentKind]*ResultEnvelope)
	}
	s.Results[kind] = env
	return nil
}

// AppendError records a failure. The error list is append-only.
func (s *AnalysisState) AppendError(e ErrorEntry) error {
	if s.Terminal {
		return ErrTerminal
	}
	s.Errors = append(s.Errors, e)
	return nil
}

// AppendMessage adds one chronological log entry.
func (s *AnalysisState) AppendMessage(m StateMessage) error {
	if s.Terminal {
		return ErrTerminal
	}
	s.Messages = append(s.Messages, m)
	return nil
}

// ApplyPatch merges one agent's patch into state: result slot or error
// entry, plus any log messages. Returns ErrTerminal after MarkTerminal.
func (s *AnalysisState) ApplyPatch(p *AgentPatch) error {
	if s.Terminal {
		return ErrTerminal
	}
	if p == nil {
		return nil
	}
	if p.Result != nil {
		if err := s.SetResult(p.Kind, p.Result); err != nil {
			return err
		}
	}
	if p.Error != nil {
		if err := s.AppendError(*p.Error); err != nil {
			return err
		}
	}
	for _, m := range p.Messages {
		if err := s.AppendMessage(m); err != nil {
			return err
		}
	}
	return nil
}

// MarkTerminal closes the state to further mutation.
func (s *AnalysisState) MarkTerminal() {
	s.Terminal = true
}

// StepByID finds a plan step; nil when absent.
func (s *AnalysisState) StepByID(stepID string) *PlanStep {
	for i := range s.Plan {
		if s.Plan[i].StepID == stepID {
			return &s.Plan[i]
		}
	}
	return nil
}

// StepForKind returns the kind's active plan step: the first one that has
// not reached a terminal status, so a replanned kind resolves to its new
// step. With only terminal steps the first one is returned; nil when absent.
func (s *AnalysisState) StepForKind(kind AgentKind) *PlanStep {
	var first *PlanStep
	for i := range s.Plan {
		if s.Plan[i].AgentKind != kind {
			continue
		}
		if first == nil {
			first = &s.Plan[i]
		}
		if !s.Plan[i].Status.Terminal() {
			return &s.Plan[i]
		}
	}
	return first
}

// PlanSettled reports whether every plan step reached a terminal status.
func (s *AnalysisState) PlanSettled() bool {
	for i := range s.Plan {
		if !s.Plan[i].Status.Terminal() {
			return false
		}
	}
	return true
}

// DependenciesSatisfied reports whether every dependency of the step has a
// populated result slot.
func (s *AnalysisState) DependenciesSatisfied(step *PlanStep) bool {
	for _, dep := range step.DependsOn {
		if !s.KindDone(dep) {
			return false
		}
	}
	return true
}

// Snapshot produces the read-only view a fan-out worker receives: common
// fields copied, result slots of other agents omitted except the worker's
// declared dependencies. Workers must not observe sibling slots.
func (s *AnalysisState) Snapshot(forStep *PlanStep) *AnalysisState {
	snap := &AnalysisState{
		CaseID:         s.CaseID,
		UserID:         s.UserID,
		RunID:          s.RunID,
		AnalysisTypes:  slices.Clone(s.AnalysisTypes),
		Plan:           slices.Clone(s.Plan),
		CompletedSteps: slices.Clone(s.CompletedSteps),
		Metadata:       s.Metadata,
		Results:        make(map[AgentKind]*ResultEnvelope),
	}
	if s.Understanding != nil {
		u := *s.Understanding
		snap.Understanding = &u
	}
	if forStep != nil {
		for _, dep := range forStep.DependsOn {
			if env, ok := s.Results[dep]; ok {
				snap.Results[dep] = env
			}
		}
	}
	snap.Metadata.CheckpointInfo.PhaseSummaries = slices.Clone(s.Metadata.CheckpointInfo.PhaseSummaries)
	return snap
}

// Clone deep-copies state through its JSON form. The round trip doubles as
// a serializability check; Clone panics only on programmer error (a value
// that cannot marshal must never enter state).
func (s *AnalysisState) Clone() *AnalysisState {
	raw, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("analysis state not serializable: %v", err))
	}
	var out AnalysisState
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("analysis state round trip failed: %v", err))
	}
	return &out
}

// SerializedSize returns the byte length of the JSON form.
func (s *AnalysisState) SerializedSize() int {
	raw, err := json.Marshal(s)
	if err != nil {
		return 0
	}
	return len(raw)
}

// SortedResultKinds returns populated slot kinds in name order, the merge
// and serialization order used everywhere determinism matters.
func (s *AnalysisState) SortedResultKinds() []AgentKind {
	kinds := make([]AgentKind, 0, len(s.Results))
	for k := range s.Results {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
