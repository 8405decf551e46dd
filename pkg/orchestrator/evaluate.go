package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/docket-ai/docket/pkg/models"
	"github.com/docket-ai/docket/pkg/store"
	"github.com/docket-ai/docket/pkg/tabular"
)

// Metric weights: completeness and accuracy carry most of the score.
const (
	weightCompleteness = 0.3
	weightAccuracy     = 0.3
	weightRelevance    = 0.2
	weightConsistency  = 0.2
)

// Score is one agent result's quality breakdown.
type Score struct {
	Kind         models.AgentKind `json:"kind"`
	Completeness float64          `json:"completeness"`
	Accuracy     float64          `json:"accuracy"`
	Relevance    float64          `json:"relevance"`
	Consistency  float64          `json:"consistency"`
}

// Aggregate is the weighted mean of the four metrics.
func (s Score) Aggregate() float64 {
	return weightCompleteness*s.Completeness +
		weightAccuracy*s.Accuracy +
		weightRelevance*s.Relevance +
		weightConsistency*s.Consistency
}

// Evaluator scores completed agent results and decides replanning.
type Evaluator struct {
	store      store.Store
	threshold  float64
	maxReplans int
}

func NewEvaluator(st store.Store, threshold float64, maxReplans int) *Evaluator {
	if threshold <= 0 {
		threshold = 0.6
	}
	if maxReplans < 0 {
		maxReplans = 1
	}
	return &Evaluator{store: st, threshold: threshold, maxReplans: maxReplans}
}

// Evaluate scores every populated result slot. Expected-empty results score
// full marks; they are legitimate findings of nothing.
func (e *Evaluator) Evaluate(ctx context.Context, state *models.AnalysisState) ([]Score, error) {
	var scores []Score
	for _, kind := range state.SortedResultKinds() {
		env := state.Results[kind]
		if !env.Populated() {
			continue
		}
		if kind == models.AgentTabularExtract {
			// Cells are confidence-gated and human-reviewed; the evaluator
			// does not second-guess them.
			continue
		}
		if env.ExpectedEmpty {
			scores = append(scores, Score{Kind: kind, Completeness: 1, Accuracy: 1, Relevance: 1, Consistency: 1})
			continue
		}
		raw, err := e.resolve(ctx, state.CaseID, env)
		if err != nil {
			return nil, err
		}
		scores = append(scores, scoreResult(kind, raw, state.Metadata.DocumentCount))
	}
	return scores, nil
}

// Replan decides whether a weak result earns a second attempt and, if so,
// appends a new step for the weakest agent with sharpened hints.
func (e *Evaluator) Replan(state *models.AnalysisState, scores []Score) (*models.PlanStep, bool) {
	if len(scores) == 0 || state.Metadata.ReplanCount >= e.maxReplans {
		return nil, false
	}

	weakest := scores[0]
	for _, s := range scores[1:] {
		if s.Aggregate() < weakest.Aggregate() {
			weakest = s
		}
	}
	if weakest.Aggregate() >= e.threshold {
		return nil, false
	}

	step := models.PlanStep{
		StepID:    fmt.Sprintf("replan-%02d-%s", state.Metadata.ReplanCount+1, weakest.Kind),
		AgentKind: weakest.Kind,
		DependsOn: state.StepForKind(weakest.Kind).DependsOn,
		Status:    models.StepPending,
		Hints: &models.StepHints{
			RetrievalK:     20,
			ForceTier:      models.TierPro,
			RequireSources: weakest.Accuracy < 0.5,
		},
	}
	return &step, true
}

func (e *Evaluator) resolve(ctx context.Context, caseID string, env *models.ResultEnvelope) (json.RawMessage, error) {
	if len(env.Inline) > 0 {
		return env.Inline, nil
	}
	raw, err := e.store.Get(ctx, env.Ref.Namespace, env.Ref.Key)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: dereferencing %s result: %w", env.AgentKind, err)
	}
	return raw, nil
}

// scoreResult computes the four metrics over the result's main collection.
func scoreResult(kind models.AgentKind, raw json.RawMessage, docCount int) Score {
	score := Score{Kind: kind}
	items := collectionItems(raw)

	// Completeness: produced vs a coarse expectation. The classifier should
	// cover every document; others earn full marks from three items up.
	expected := 3.0
	if kind == models.AgentDocumentClassifier && docCount > 0 {
		expected = float64(docCount)
	}
	score.Completeness = clamp01(float64(len(items)) / expected)
	if len(items) == 0 {
		// A lone non-list payload (summary text) counts as one item.
		if len(raw) > 2 {
			score.Completeness = 1
		}
	}

	// Accuracy: fraction of items carrying a source citation.
	if len(items) == 0 {
		score.Accuracy = 0.5
	} else {
		cited := 0
		for _, item := range items {
			if hasCitation(item) {
				cited++
			}
		}
		score.Accuracy = float64(cited) / float64(len(items))
	}

	// Relevance: structural sanity — items are objects with non-empty text.
	score.Relevance = relevance(items, raw)

	// Consistency: per-kind structural checks.
	score.Consistency = consistency(kind, items)
	return score
}

// collectionItems returns the elements of the output's main list field.
func collectionItems(raw json.RawMessage) []map[string]json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	for _, v := range obj {
		var list []map[string]json.RawMessage
		if err := json.Unmarshal(v, &list); err == nil && list != nil {
			return list
		}
	}
	return nil
}

var citationKeys = []string{"source", "sources", "basis", "document", "file_id", "verbatim_quote"}

func hasCitation(item map[string]json.RawMessage) bool {
	for _, key := range citationKeys {
		if v, ok := item[key]; ok && len(v) > 4 {
			return true
		}
	}
	return false
}

func relevance(items []map[string]json.RawMessage, raw json.RawMessage) float64 {
	if len(items) == 0 {
		if strings.TrimSpace(string(raw)) == "{}" {
			return 0
		}
		return 0.5
	}
	nonEmpty := 0
	for _, item := range items {
		for _, v := range item {
			var s string
			if err := json.Unmarshal(v, &s); err == nil && strings.TrimSpace(s) != "" {
				nonEmpty++
				break
			}
		}
	}
	return float64(nonEmpty) / float64(len(items))
}

// consistency checks monotone-parseable dates for timelines and unique
// identifying fields elsewhere.
func consistency(kind models.AgentKind, items []map[string]json.RawMessage) float64 {
	if len(items) == 0 {
		return 0.5
	}
	switch kind {
	case models.AgentTimeline:
		ok := 0
		for _, item := range items {
			var date string
			if err := json.Unmarshal(item["date"], &date); err != nil {
				continue
			}
			if _, err := tabular.NormalizeDate(date, time.Time{}); err == nil {
				ok++
			}
		}
		return float64(ok) / float64(len(items))
	default:
		seen := make(map[string]bool)
		dupes := 0
		for _, item := range items {
			key := identity(item)
			if key == "" {
				continue
			}
			if seen[key] {
				dupes++
			}
			seen[key] = true
		}
		return clamp01(1 - float64(dupes)/float64(len(items)))
	}
}

var identityKeys = []string{"file_id", "name", "fact", "description", "summary"}

func identity(item map[string]json.RawMessage) string {
	for _, key := range identityKeys {
		if v, ok := item[key]; ok {
			var s string
			if err := json.Unmarshal(v, &s); err == nil {
				return key + ":" + strings.ToLower(strings.TrimSpace(s))
			}
		}
	}
	return ""
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
