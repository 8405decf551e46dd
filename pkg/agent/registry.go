package agent

import (
	"fmt"
	"time"

	"github.com/docket-ai/docket/pkg/config"
	"github.com/docket-ai/docket/pkg/models"
)

// Declaration is one agent kind's static contract: what it depends on,
// which model class it runs, how it retrieves, and how long it may take.
type Declaration struct {
	Kind           models.AgentKind
	DependsOn      []models.AgentKind
	Tier           models.ModelTier
	Tools          []string
	Parallelizable bool
	Idempotent     bool
	Timeout        time.Duration

	SystemPrompt string
	Instructions string

	// QueryTemplates seed retrieval; "{task}" expands to the user task.
	QueryTemplates []string

	Disabled bool
}

const defaultTimeout = 120 * time.Second

// builtins is the fixed declaration table. Dependency edges here are the
// only ones in the system: risk after discrepancy, summary after key facts,
// relationship after entity extraction, privilege check after the
// classifier.
var builtins = []Declaration{
	{
		Kind:           models.AgentDocumentClassifier,
		Tier:           models.TierLite,
		Parallelizable: true,
		Idempotent:     true,
		Timeout:        defaultTimeout,
		SystemPrompt:   "You classify legal documents by type and sensitivity.",
		Instructions: "Assign each document a category (contract, correspondence, court_filing, " +
			"invoice, memo, other) and flag documents that may be privileged attorney-client material.",
		QueryTemplates: []string{"document type classification {task}"},
	},
	{
		Kind:           models.AgentEntityExtraction,
		Tier:           models.TierLite,
		Parallelizable: true,
		Idempotent:     true,
		Timeout:        defaultTimeout,
		SystemPrompt:   "You extract named entities from legal documents.",
		Instructions: "List every party, person, organization, and defined term. " +
			"Cite the document each entity first appears in.",
		QueryTemplates: []string{"parties persons organizations defined terms"},
	},
	{
		Kind:           models.AgentTimeline,
		Tier:           models.TierLite,
		Parallelizable: true,
		Idempotent:     true,
		Timeout:        defaultTimeout,
		SystemPrompt:   "You reconstruct event chronologies from legal documents.",
		Instructions: "Extract dated events in chronological order. Dates must be exact " +
			"when the document gives them; cite the source document and page.",
		QueryTemplates: []string{"dates deadlines events chronology {task}"},
	},
	{
		Kind:           models.AgentKeyFacts,
		Tier:           models.TierLite,
		Parallelizable: true,
		Idempotent:     true,
		Timeout:        defaultTimeout,
		SystemPrompt:   "You distill the facts that decide legal disputes.",
		Instructions: "Extract the material facts: obligations, amounts, breaches, notices. " +
			"Rank by importance and cite sources.",
		QueryTemplates: []string{"key facts obligations amounts {task}"},
	},
	{
		Kind:           models.AgentDiscrepancy,
		Tier:           models.TierPro,
		Parallelizable: true,
		Idempotent:     true,
		Timeout:        defaultTimeout,
		SystemPrompt:   "You find contradictions between documents.",
		Instructions: "Report statements that two or more documents make inconsistently. " +
			"Every discrepancy must cite at least two distinct documents. " +
			"Finding nothing is a valid result.",
		QueryTemplates: []string{"contradictions inconsistent statements {task}"},
	},
	{
		Kind:         models.AgentRisk,
		DependsOn:    []models.AgentKind{models.AgentDiscrepancy},
		Tier:         models.TierPro,
		Idempotent:   true,
		Timeout:      defaultTimeout,
		SystemPrompt: "You assess legal risk exposure.",
		Instructions: "Given the discrepancy findings and the documents, list risks with a level " +
			"of critical, high, medium, or low and the grounds for each.",
		QueryTemplates: []string{"liability penalties termination breach {task}"},
	},
	{
		Kind:         models.AgentSummary,
		DependsOn:    []models.AgentKind{models.AgentKeyFacts},
		Tier:         models.TierLite,
		Idempotent:   true,
		Timeout:      defaultTimeout,
		SystemPrompt: "You write executive case summaries.",
		Instructions: "Using the key facts, summarize the case in one page: parties, dispute, " +
			"posture, and the points that matter.",
		QueryTemplates: []string{"overview background parties {task}"},
	},
	{
		Kind:         models.AgentPrivilegeCheck,
		DependsOn:    []models.AgentKind{models.AgentDocumentClassifier},
		Tier:         models.TierPro,
		Idempotent:   true,
		Timeout:      defaultTimeout,
		SystemPrompt: "You screen documents for attorney-client privilege.",
		Instructions: "For each document the classifier flagged, decide whether privilege " +
			"plausibly attaches and explain why.",
		QueryTemplates: []string{"legal advice counsel confidential communication"},
	},
	{
		Kind:         models.AgentRelationship,
		DependsOn:    []models.AgentKind{models.AgentEntityExtraction},
		Tier:         models.TierLite,
		Idempotent:   true,
		Timeout:      defaultTimeout,
		SystemPrompt: "You map relationships between case entities.",
		Instructions: "From the extracted entities, derive who contracts with, owns, employs, " +
			"or represents whom.",
		QueryTemplates: []string{"relationships between parties agreements"},
	},
	{
		Kind:           models.AgentTabularExtract,
		Tier:           models.TierPro,
		Parallelizable: false, // runs the tabular sub-graph, not a single call
		Timeout:        10 * time.Minute,
		SystemPrompt:   "You extract structured table cells from documents.",
	},
	{
		Kind:           models.AgentDraftEditor,
		Tier:           models.TierPro,
		Timeout:        defaultTimeout,
		SystemPrompt:   "You edit legal drafts for consistency with the case record.",
		Instructions:   "Propose edits as a list of {location, original, replacement, reason}.",
		QueryTemplates: []string{"draft clauses terms {task}"},
	},
	{
		Kind:           models.AgentDeepReason,
		Tier:           models.TierPro,
		Timeout:        5 * time.Minute,
		SystemPrompt:   "You reason carefully about complex legal questions.",
		Instructions:   "Work step by step. State assumptions. Cite documents for every claim.",
		QueryTemplates: []string{"{task}"},
	},
}

// Registry resolves agent declarations, with optional config overrides
// layered on top of the built-in table.
type Registry struct {
	decls map[models.AgentKind]Declaration
	order []models.AgentKind
}

// NewRegistry builds the registry from builtins plus the overrides file
// (nil means no overrides).
func NewRegistry(overrides *config.AgentsFile) (*Registry, error) {
	r := &Registry{decls: make(map[models.AgentKind]Declaration, len(builtins))}
	for _, d := range builtins {
		r.decls[d.Kind] = d
		r.order = append(r.order, d.Kind)
	}
	if overrides == nil {
		return r, nil
	}

	for name, ov := range overrides.Agents {
		kind := models.AgentKind(name)
		decl, ok := r.decls[kind]
		if !ok {
			return nil, fmt.Errorf("agent: override for unknown kind %q", name)
		}
		if ov.Tier != "" {
			decl.Tier = models.ModelTier(ov.Tier)
		}
		if ov.TimeoutSeconds > 0 {
			decl.Timeout = time.Duration(ov.TimeoutSeconds) * time.Second
		}
		if ov.SystemPrompt != "" {
			decl.SystemPrompt = ov.SystemPrompt
		}
		if ov.Instructions != "" {
			decl.Instructions = ov.Instructions
		}
		decl.Disabled = ov.Disabled
		r.decls[kind] = decl
	}
	if overrides.SystemPreamble != "" {
		for kind, decl := range r.decls {
			decl.SystemPrompt = overrides.SystemPreamble + "\n\n" + decl.SystemPrompt
			r.decls[kind] = decl
		}
	}
	return r, nil
}

// Get returns the declaration for a kind.
func (r *Registry) Get(kind models.AgentKind) (Declaration, error) {
	decl, ok := r.decls[kind]
	if !ok {
		return Declaration{}, fmt.Errorf("agent: unknown kind %q", kind)
	}
	if decl.Disabled {
		return Declaration{}, fmt.Errorf("agent: kind %q is disabled", kind)
	}
	return decl, nil
}

// All returns declarations in built-in order, skipping disabled kinds.
func (r *Registry) All() []Declaration {
	out := make([]Declaration, 0, len(r.order))
	for _, kind := range r.order {
		if d := r.decls[kind]; !d.Disabled {
			out = append(out, d)
		}
	}
	return out
}

// Independent reports whether the kind has no dependencies.
func (r *Registry) Independent(kind models.AgentKind) bool {
	d, ok := r.decls[kind]
	return ok && len(d.DependsOn) == 0
}

// Dependencies returns the kind's dependency set (nil for unknown kinds).
func (r *Registry) Dependencies(kind models.AgentKind) []models.AgentKind {
	return r.decls[kind].DependsOn
}
