package agent

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/docket-ai/docket/pkg/models"
)

// SourceRef cites where a finding came from.
type SourceRef struct {
	Document string `json:"document" jsonschema:"required,description=Document title or id"`
	Page     int    `json:"page,omitempty" jsonschema:"description=Page number when known"`
}

// ClassifiedDocument is one classifier verdict.
type ClassifiedDocument struct {
	FileID     string  `json:"file_id" jsonschema:"required"`
	Category   string  `json:"category" jsonschema:"required,enum=contract,enum=correspondence,enum=court_filing,enum=invoice,enum=memo,enum=other"`
	Privileged bool    `json:"privileged"`
	Confidence float64 `json:"confidence" jsonschema:"minimum=0,maximum=1"`
}

type ClassifierOutput struct {
	Documents []ClassifiedDocument `json:"documents" jsonschema:"required"`
}

type Entity struct {
	Name    string      `json:"name" jsonschema:"required"`
	Type    string      `json:"type" jsonschema:"required,enum=person,enum=organization,enum=term,enum=other"`
	Sources []SourceRef `json:"sources,omitempty"`
}

type EntityOutput struct {
	Entities []Entity `json:"entities" jsonschema:"required"`
}

type TimelineEvent struct {
	Date        string     `json:"date" jsonschema:"required,description=Event date"`
	Description string     `json:"description" jsonschema:"required"`
	Source      *SourceRef `json:"source,omitempty"`
}

type TimelineOutput struct {
	Events []TimelineEvent `json:"events" jsonschema:"required"`
}

type KeyFact struct {
	Fact       string     `json:"fact" jsonschema:"required"`
	Importance string     `json:"importance,omitempty" jsonschema:"enum=high,enum=medium,enum=low"`
	Source     *SourceRef `json:"source,omitempty"`
}

type KeyFactsOutput struct {
	Facts []KeyFact `json:"facts" jsonschema:"required"`
}

type Discrepancy struct {
	Description string      `json:"description" jsonschema:"required"`
	Sources     []SourceRef `json:"sources" jsonschema:"required,description=At least two distinct documents"`
}

type DiscrepancyOutput struct {
	Discrepancies []Discrepancy `json:"discrepancies" jsonschema:"required"`
}

type Risk struct {
	Description string     `json:"description" jsonschema:"required"`
	Level       string     `json:"level" jsonschema:"required,enum=critical,enum=high,enum=medium,enum=low"`
	Basis       *SourceRef `json:"basis,omitempty"`
}

type RiskOutput struct {
	Risks []Risk `json:"risks" jsonschema:"required"`
}

type SummaryOutput struct {
	Summary   string   `json:"summary" jsonschema:"required"`
	KeyPoints []string `json:"key_points,omitempty"`
}

type PrivilegeItem struct {
	FileID     string `json:"file_id" jsonschema:"required"`
	Privileged bool   `json:"privileged"`
	Reason     string `json:"reason,omitempty"`
}

type PrivilegeOutput struct {
	Items []PrivilegeItem `json:"items" jsonschema:"required"`
}

type Relation struct {
	From string `json:"from" jsonschema:"required"`
	To   string `json:"to" jsonschema:"required"`
	Type string `json:"type" jsonschema:"required,description=contracts_with|owns|employs|represents|other"`
}

type RelationshipOutput struct {
	Relations []Relation `json:"relations" jsonschema:"required"`
}

type DraftEdit struct {
	Location    string `json:"location" jsonschema:"required"`
	Original    string `json:"original" jsonschema:"required"`
	Replacement string `json:"replacement" jsonschema:"required"`
	Reason      string `json:"reason,omitempty"`
}

type DraftEditorOutput struct {
	Edits []DraftEdit `json:"edits" jsonschema:"required"`
}

type DeepReasonOutput struct {
	Answer      string      `json:"answer" jsonschema:"required"`
	Assumptions []string    `json:"assumptions,omitempty"`
	Sources     []SourceRef `json:"sources,omitempty"`
}

// outputPrototypes maps each kind to a fresh typed output value.
var outputPrototypes = map[models.AgentKind]func() any{
	models.AgentDocumentClassifier: func() any { return &ClassifierOutput{} },
	models.AgentEntityExtraction:   func() any { return &EntityOutput{} },
	models.AgentTimeline:           func() any { return &TimelineOutput{} },
	models.AgentKeyFacts:           func() any { return &KeyFactsOutput{} },
	models.AgentDiscrepancy:        func() any { return &DiscrepancyOutput{} },
	models.AgentRisk:               func() any { return &RiskOutput{} },
	models.AgentSummary:            func() any { return &SummaryOutput{} },
	models.AgentPrivilegeCheck:     func() any { return &PrivilegeOutput{} },
	models.AgentRelationship:       func() any { return &RelationshipOutput{} },
	models.AgentDraftEditor:        func() any { return &DraftEditorOutput{} },
	models.AgentDeepReason:         func() any { return &DeepReasonOutput{} },
}

// NewOutput returns a fresh typed output container for the kind.
func NewOutput(kind models.AgentKind) (any, error) {
	proto, ok := outputPrototypes[kind]
	if !ok {
		return nil, fmt.Errorf("agent: no output type for kind %q", kind)
	}
	return proto(), nil
}

var (
	schemaMu    sync.Mutex
	schemaCache = make(map[models.AgentKind]json.RawMessage)
)

// SchemaFor generates (and memoizes) the JSON schema for a kind's output,
// inlined with no $ref indirection so it can be embedded in prompts and fed
// to the validator directly.
func SchemaFor(kind models.AgentKind) (json.RawMessage, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if raw, ok := schemaCache[kind]; ok {
		return raw, nil
	}

	proto, err := NewOutput(kind)
	if err != nil {
		return nil, err
	}
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	raw, err := json.Marshal(reflector.Reflect(proto))
	if err != nil {
		return nil, fmt.Errorf("agent: marshaling schema for %s: %w", kind, err)
	}

	// $schema and $id only add noise in prompts.
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("agent: reparsing schema for %s: %w", kind, err)
	}
	delete(m, "$schema")
	delete(m, "$id")
	raw, err = json.Marshal(m)
	if err != nil {
		return nil, err
	}

	schemaCache[kind] = raw
	return raw, nil
}
