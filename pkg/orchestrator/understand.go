package orchestrator

import (
	"strings"

	"github.com/docket-ai/docket/pkg/models"
)

// Keyword groups for task understanding. Cases arrive in Russian and
// English, often mixed; matching is substring-based over the lowered task
// so inflected Russian forms still hit their stems.
var (
	highComplexityTerms = []string{
		"compare", "precedent", "risk", "litigation strategy", "cross-reference",
		"сравн", "прецедент", "риск", "противореч", "стратег",
	}
	simpleTerms = []string{
		"extract", "find", "list", "when", "извлек", "найди", "найти", "перечисл",
	}

	kindTerms = map[models.AgentKind][]string{
		models.AgentTimeline: {
			"date", "chronolog", "timeline", "дат", "хронолог", "срок",
		},
		models.AgentKeyFacts: {
			"fact", "obligation", "amount", "факт", "обязательств", "сумм",
		},
		models.AgentEntityExtraction: {
			"part", "person", "entit", "organization", "сторон", "лиц", "организац",
		},
		models.AgentDiscrepancy: {
			"discrepanc", "contradict", "inconsisten", "противореч", "расхожден",
		},
		models.AgentRisk: {
			"risk", "exposure", "liabilit", "риск", "ответственност",
		},
		models.AgentSummary: {
			"summar", "overview", "резюме", "саммари", "обзор", "кратк",
		},
		models.AgentPrivilegeCheck: {
			"privileg", "confidential", "привилег", "конфиденциальн",
		},
		models.AgentTabularExtract: {
			"table", "spreadsheet", "column", "таблиц", "колон",
		},
		models.AgentDraftEditor: {
			"draft", "edit", "redline", "правк", "черновик",
		},
	}
)

// Understand derives task understanding from the request: complexity from
// keyword groups and document count, analysis kinds from explicit request or
// task keywords. Heuristics only; the planner's LLM pass refines when
// needs_planning is set.
func Understand(task string, docCount int, explicit []models.AgentKind) *models.Understanding {
	lowered := strings.ToLower(task)

	complexity := models.ComplexityMedium
	switch {
	case docCount > 20 || containsAny(lowered, highComplexityTerms):
		complexity = models.ComplexityHigh
	case containsAny(lowered, simpleTerms):
		complexity = models.ComplexitySimple
	}

	u := &models.Understanding{
		Complexity:    complexity,
		TaskType:      strings.TrimSpace(task),
		NeedsPlanning: complexity == models.ComplexityHigh && len(explicit) == 0,
	}
	if task != "" {
		u.Goals = []string{strings.TrimSpace(task)}
	}
	return u
}

// InferKinds maps task keywords onto agent kinds, in registry order so the
// resulting plan is deterministic. Falls back to key_facts + summary when
// nothing matches.
func InferKinds(task string) []models.AgentKind {
	lowered := strings.ToLower(task)
	var out []models.AgentKind
	for _, kind := range models.AllAgentKinds {
		if containsAny(lowered, kindTerms[kind]) {
			out = append(out, kind)
		}
	}
	if len(out) == 0 {
		out = []models.AgentKind{models.AgentKeyFacts, models.AgentSummary}
	}
	return out
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
