package orchestrator

import (
	"context"
	"fmt"

	"github.com/docket-ai/docket/pkg/models"
	"github.com/docket-ai/docket/pkg/store"
)

// patternHint is the stored shape the prompt builder reads back when it
// prefixes future prompts with learned patterns.
type patternHint struct {
	Hint string `json:"hint"`
}

// persistPatterns records a reusable hint for every result that scored at or
// above minScore, keyed by run id so a re-run overwrites its own entry.
// Nothing is learned from untyped cases.
func persistPatterns(ctx context.Context, st store.Store, state *models.AnalysisState,
	scores []Score, minScore float64) error {

	caseType := state.Metadata.CaseType
	if caseType == "" {
		return nil
	}
	for _, sc := range scores {
		if sc.Aggregate() < minScore {
			continue
		}
		env := state.Results[sc.Kind]
		if env == nil || env.ExpectedEmpty {
			continue
		}
		ns := store.PatternsNS(string(sc.Kind), caseType)
		hint := patternHint{Hint: hintFor(sc, env)}
		if err := store.PutJSON(ctx, st, ns, state.RunID, hint); err != nil {
			return fmt.Errorf("orchestrator: persisting %s pattern: %w", sc.Kind, err)
		}
	}
	return nil
}

func hintFor(sc Score, env *models.ResultEnvelope) string {
	items := 0
	if env.Summary != nil {
		items = env.Summary.ItemCount
	} else if len(env.Inline) > 0 {
		items = len(collectionItems(env.Inline))
	}
	if items > 0 {
		return fmt.Sprintf(
			"A prior %s analysis of this case type produced %d well-formed item(s); "+
				"aim for similar coverage and cite a source document for every item.",
			sc.Kind, items)
	}
	return fmt.Sprintf(
		"A prior %s analysis of this case type validated cleanly; "+
			"keep the same structure and cite a source document for every finding.",
		sc.Kind)
}

// completePayload assembles the closing event: references to every offloaded
// result plus a per-agent verdict, ordered by kind name.
func completePayload(state *models.AnalysisState) models.CompletePayload {
	payload := models.CompletePayload{RunID: state.RunID}

	seen := make(map[models.AgentKind]bool)
	for _, kind := range state.SortedResultKinds() {
		env := state.Results[kind]
		if !env.Populated() {
			continue
		}
		seen[kind] = true
		out := models.AgentOutcome{Agent: kind, Succeeded: true, Cached: env.Cached}
		if env.Summary != nil {
			out.ItemCount = env.Summary.ItemCount
		} else if len(env.Inline) > 0 {
			out.ItemCount = len(collectionItems(env.Inline))
		}
		payload.Outcomes = append(payload.Outcomes, out)
		if env.Offloaded() {
			payload.ResultRefs = append(payload.ResultRefs, *env.Ref)
		}
	}

	// Failed and skipped steps still appear in the verdict, after the
	// successes, in plan order.
	for i := range state.Plan {
		step := &state.Plan[i]
		if seen[step.AgentKind] || step.Status == models.StepDone {
			continue
		}
		if step.Status == models.StepFailed || step.Status == models.StepSkipped {
			seen[step.AgentKind] = true
			payload.Outcomes = append(payload.Outcomes,
				models.AgentOutcome{Agent: step.AgentKind, Succeeded: false})
		}
	}
	return payload
}
