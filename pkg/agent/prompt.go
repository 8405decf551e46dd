package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/docket-ai/docket/pkg/models"
	"github.com/docket-ai/docket/pkg/store"
)

// PromptBuilder composes all prompt text for agent invocations. Stateless;
// everything comes from parameters.
type PromptBuilder struct {
	store store.Store
}

func NewPromptBuilder(st store.Store) *PromptBuilder {
	return &PromptBuilder{store: st}
}

// PromptInput collects what one invocation's prompt is built from.
type PromptInput struct {
	Decl           Declaration
	Task           string
	Goals          []string
	PhaseSummaries string
	Excerpts       []models.ScoredChunk
	DocTitles      map[string]string // document id -> title for markers
	Dependencies   map[models.AgentKind]string
	Patterns       []string
	Hints          *models.StepHints
}

// System returns the system message for the invocation.
func (b *PromptBuilder) System(in PromptInput) string {
	return in.Decl.SystemPrompt
}

// User renders the user message: instructions, compacted context, retrieved
// excerpts with source markers, dependency results, learned patterns, and
// the output schema contract.
func (b *PromptBuilder) User(in PromptInput) (string, error) {
	var sb strings.Builder
	sb.WriteString(in.Decl.Instructions)

	if in.Task != "" {
		fmt.Fprintf(&sb, "\n\nTask: %s", in.Task)
	}
	if len(in.Goals) > 0 {
		fmt.Fprintf(&sb, "\nGoals: %s", strings.Join(in.Goals, "; "))
	}
	if in.Hints != nil && in.Hints.RequireSources {
		sb.WriteString("\nEvery finding must cite a source document.")
	}

	if in.PhaseSummaries != "" {
		sb.WriteString("\n\n# Context from earlier analysis\n")
		sb.WriteString(in.PhaseSummaries)
	}

	for kind, summary := range in.Dependencies {
		fmt.Fprintf(&sb, "\n\n# Result of %s\n%s", kind, summary)
	}

	if len(in.Patterns) > 0 {
		sb.WriteString("\n\n# Patterns seen in similar cases\n")
		for _, p := range in.Patterns {
			sb.WriteString("- " + p + "\n")
		}
	}

	if len(in.Excerpts) > 0 {
		sb.WriteString("\n\n# Document excerpts\n")
		for _, sc := range in.Excerpts {
			name := in.DocTitles[sc.DocumentID]
			if name == "" {
				name = sc.DocumentID
			}
			fmt.Fprintf(&sb, "\n[doc:%s, p.%d]\n%s\n", name, sc.Seq+1, sc.Text)
		}
	}

	schema, err := SchemaFor(in.Decl.Kind)
	if err != nil {
		return "", err
	}
	sb.WriteString("\n\nRespond with a single JSON value matching this schema:\n")
	sb.Write(schema)
	return sb.String(), nil
}

// RepairPrompt asks the model to fix an output that failed validation.
func (b *PromptBuilder) RepairPrompt(kind models.AgentKind, response string, validationErr error) (string, error) {
	schema, err := SchemaFor(kind)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"Your previous response did not validate: %v\n\nPrevious response:\n%s\n\n"+
			"Return ONLY corrected JSON matching this schema:\n%s",
		validationErr, response, schema), nil
}

// LoadPatterns fetches learned patterns for (kind, caseType); absence is
// not an error.
func (b *PromptBuilder) LoadPatterns(ctx context.Context, kind models.AgentKind, caseType string) []string {
	if b.store == nil || caseType == "" {
		return nil
	}
	items, err := b.store.List(ctx, store.PatternsNS(string(kind), caseType))
	if err != nil {
		return nil
	}
	var patterns []string
	for _, item := range items {
		var p struct {
			Hint string `json:"hint"`
		}
		if err := unmarshalLoose(item.Value, &p); err == nil && p.Hint != "" {
			patterns = append(patterns, p.Hint)
		}
	}
	return patterns
}
