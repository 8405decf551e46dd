package compactor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docket-ai/docket/pkg/llm"
	"github.com/docket-ai/docket/pkg/models"
	"github.com/docket-ai/docket/pkg/store"
)

// Compactor folds completed inline results into a stored phase summary when
// serialized state grows past the token threshold, keeping prompts and
// checkpoints bounded.
type Compactor struct {
	llm       llm.Client
	model     string
	store     store.Store
	estimator Estimator
	threshold int
}

func New(client llm.Client, model string, st store.Store, estimator Estimator, threshold int) *Compactor {
	if estimator == nil {
		estimator = BytesEstimator{}
	}
	return &Compactor{
		llm:       client,
		model:     model,
		store:     st,
		estimator: estimator,
		threshold: threshold,
	}
}

// NeedsCompaction reports whether the state has outgrown the budget.
func (c *Compactor) NeedsCompaction(state *models.AnalysisState) bool {
	return c.estimator.Estimate(state) > c.threshold
}

// phaseSummary is the stored form of one compaction pass.
type phaseSummary struct {
	RunID     string             `json:"run_id"`
	Agents    []models.AgentKind `json:"agents"`
	Summary   string             `json:"summary"`
	CreatedAt time.Time          `json:"created_at"`
}

// Compact summarizes the inline results of completed agents, writes the
// summary to the phase_summaries namespace, and swaps the inline values for
// store references. Already-offloaded results are left alone, which makes a
// second pass over the same state a no-op.
func (c *Compactor) Compact(ctx context.Context, state *models.AnalysisState) error {
	if state.Terminal {
		return models.ErrTerminal
	}

	var kinds []models.AgentKind
	for _, kind := range state.SortedResultKinds() {
		env := state.Results[kind]
		if env != nil && len(env.Inline) > 0 && !env.Offloaded() {
			kinds = append(kinds, kind)
		}
	}
	if len(kinds) == 0 {
		return nil
	}

	summary, err := c.summarize(ctx, state, kinds)
	if err != nil {
		return fmt.Errorf("compactor: summarizing %d results: %w", len(kinds), err)
	}

	ns := store.PhaseSummariesNS(state.CaseID)
	key := summaryKey(state.RunID, len(state.Metadata.CheckpointInfo.PhaseSummaries))
	entry := phaseSummary{
		RunID:     state.RunID,
		Agents:    kinds,
		Summary:   summary,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.PutJSON(ctx, c.store, ns, key, entry); err != nil {
		return fmt.Errorf("compactor: storing summary: %w", err)
	}

	// Offload each summarized inline value, then point the slot at it.
	for _, kind := range kinds {
		env := state.Results[kind]
		resultKey := fmt.Sprintf("%s_%s", kind, state.RunID)
		if err := c.store.Put(ctx, store.AgentResultsNS(state.CaseID), resultKey, env.Inline); err != nil {
			return fmt.Errorf("compactor: offloading %s result: %w", kind, err)
		}
		env.Ref = &models.StoreRef{
			StoredInStore: true,
			Namespace:     store.AgentResultsNS(state.CaseID),
			Key:           resultKey,
		}
		if env.Summary == nil {
			env.Summary = summarizeRaw(env.Inline)
		}
		env.Inline = nil
	}

	state.Metadata.CheckpointInfo.PhaseSummaries = append(
		state.Metadata.CheckpointInfo.PhaseSummaries,
		models.PhaseSummaryRef{Key: key, Agents: kinds, CreatedAt: entry.CreatedAt})

	slog.Info("compacted analysis state",
		"case_id", state.CaseID,
		"run_id", state.RunID,
		"agents", len(kinds),
		"estimated_tokens", c.estimator.Estimate(state))
	return nil
}

func summaryKey(runID string, pass int) string {
	return fmt.Sprintf("%s_pass%d", runID, pass)
}

// LoadSummaries concatenates all stored phase summaries for prompt
// prefixing, oldest first.
func (c *Compactor) LoadSummaries(ctx context.Context, state *models.AnalysisState) (string, error) {
	refs := state.Metadata.CheckpointInfo.PhaseSummaries
	if len(refs) == 0 {
		return "", nil
	}
	ns := store.PhaseSummariesNS(state.CaseID)
	var b strings.Builder
	for _, ref := range refs {
		var entry phaseSummary
		if err := store.GetJSON(ctx, c.store, ns, ref.Key, &entry); err != nil {
			return "", fmt.Errorf("compactor: loading summary %s: %w", ref.Key, err)
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(entry.Summary)
	}
	return b.String(), nil
}

const summarizeLimitChars = 4000

func (c *Compactor) summarize(ctx context.Context, state *models.AnalysisState, kinds []models.AgentKind) (string, error) {
	var b strings.Builder
	b.WriteString("Summarize the completed analysis results below in at most 500 words. ")
	b.WriteString("Include per-agent key findings, critical facts, sample entities, and overall themes.\n")
	for _, kind := range kinds {
		body := string(state.Results[kind].Inline)
		if len(body) > summarizeLimitChars {
			body = body[:summarizeLimitChars] + "..."
		}
		fmt.Fprintf(&b, "\n## %s\n%s\n", kind, body)
	}

	completion, err := c.llm.Complete(ctx, &llm.Request{
		Model:       c.model,
		Messages:    []llm.Message{{Role: "user", Content: b.String()}},
		Temperature: 0.2,
		MaxTokens:   800,
	})
	if err != nil {
		return "", err
	}
	return completion.Text, nil
}

// summarizeRaw derives an inline stand-in when the agent did not supply one:
// element count plus up to three samples for the payload's list, a note
// otherwise. Agent payloads wrap their list in an object ({"facts": [...]}),
// so objects are probed for an array-valued field first.
func summarizeRaw(raw json.RawMessage) *models.ResultSummary {
	if s := listSummary(raw); s != nil {
		return s
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, v := range obj {
			if s := listSummary(v); s != nil {
				return s
			}
		}
	}
	return &models.ResultSummary{ItemCount: 1, Note: "offloaded during compaction"}
}

func listSummary(raw json.RawMessage) *models.ResultSummary {
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil || list == nil {
		return nil
	}
	s := &models.ResultSummary{ItemCount: len(list)}
	for i := 0; i < len(list) && i < 3; i++ {
		s.Samples = append(s.Samples, list[i])
	}
	return s
}
