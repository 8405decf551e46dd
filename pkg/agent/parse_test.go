package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docket-ai/docket/pkg/models"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     string
		wantErr  bool
	}{
		{
			name:     "bare object",
			response: `{"events": []}`,
			want:     `{"events": []}`,
		},
		{
			name:     "fenced with language tag",
			response: "Here you go:\n```json\n{\"events\": []}\n```\nDone.",
			want:     `{"events": []}`,
		},
		{
			name:     "prose around the object",
			response: `Sure. The answer is {"summary": "short"} as requested.`,
			want:     `{"summary": "short"}`,
		},
		{
			name:     "braces inside strings",
			response: `{"summary": "clause {a} beats clause {b}"}`,
			want:     `{"summary": "clause {a} beats clause {b}"}`,
		},
		{
			name:     "escaped quote inside string",
			response: `{"summary": "he said \"no}\" twice"}`,
			want:     `{"summary": "he said \"no}\" twice"}`,
		},
		{
			name:     "top-level array",
			response: `[{"x": 1}, {"x": 2}]`,
			want:     `[{"x": 1}, {"x": 2}]`,
		},
		{
			name:     "no json at all",
			response: "I cannot answer that.",
			wantErr:  true,
		},
		{
			name:     "unbalanced",
			response: `{"events": [`,
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := ExtractJSON(tt.response)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(raw))
		})
	}
}

func TestSchemaForMarksRequiredFields(t *testing.T) {
	raw, err := SchemaFor(models.AgentTimeline)
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(raw, &schema))
	assert.Equal(t, "object", schema["type"])
	assert.Contains(t, schema["required"], "events")
	assert.NotContains(t, schema, "$schema")
	assert.NotContains(t, schema, "$id")
}

func TestSchemaForUnknownKind(t *testing.T) {
	_, err := SchemaFor(models.AgentKind("bogus"))
	assert.Error(t, err)
}

func TestParseValidTimeline(t *testing.T) {
	response := `{"events": [{"date": "2024-01-15", "description": "Contract signed",
		"source": {"document": "msa.pdf", "page": 3}}]}`

	out, raw, err := Parse(models.AgentTimeline, response)
	require.NoError(t, err)
	assert.True(t, json.Valid(raw))

	timeline := out.(*TimelineOutput)
	require.Len(t, timeline.Events, 1)
	assert.Equal(t, "Contract signed", timeline.Events[0].Description)
	assert.Equal(t, "msa.pdf", timeline.Events[0].Source.Document)
	assert.Equal(t, 3, timeline.Events[0].Source.Page)
}

func TestParseRejectsSchemaViolation(t *testing.T) {
	// "description" is required on every event.
	response := `{"events": [{"date": "2024-01-15"}]}`

	_, raw, err := Parse(models.AgentTimeline, response)
	assert.Error(t, err)
	// The extracted raw comes back so callers can keep the partial output.
	assert.NotEmpty(t, raw)
}

func TestParseWeaklyTypedNumbers(t *testing.T) {
	// LLMs emit confidence as a bare number; page sometimes as a float.
	response := `{"documents": [{"file_id": "d1", "category": "contract",
		"privileged": false, "confidence": 0.92}]}`

	out, _, err := Parse(models.AgentDocumentClassifier, response)
	require.NoError(t, err)
	cls := out.(*ClassifierOutput)
	require.Len(t, cls.Documents, 1)
	assert.InDelta(t, 0.92, cls.Documents[0].Confidence, 1e-9)
}

func TestPostValidateTimelineNormalizesDates(t *testing.T) {
	out := &TimelineOutput{Events: []TimelineEvent{
		{Date: "15.01.2024", Description: "filed"},
		{Date: "2024-02-01", Description: "served"},
	}}
	require.NoError(t, PostValidate(models.AgentTimeline, out))
	assert.Equal(t, "2024-01-15", out.Events[0].Date)
	assert.Equal(t, "2024-02-01", out.Events[1].Date)
}

func TestPostValidateTimelineRejectsGarbageDates(t *testing.T) {
	out := &TimelineOutput{Events: []TimelineEvent{
		{Date: "sometime in spring", Description: "unclear"},
	}}
	assert.Error(t, PostValidate(models.AgentTimeline, out))
}

func TestPostValidateDiscrepancyNeedsTwoDocuments(t *testing.T) {
	single := &DiscrepancyOutput{Discrepancies: []Discrepancy{{
		Description: "amounts differ",
		Sources:     []SourceRef{{Document: "a.pdf"}, {Document: "a.pdf"}},
	}}}
	assert.Error(t, PostValidate(models.AgentDiscrepancy, single))

	crossRef := &DiscrepancyOutput{Discrepancies: []Discrepancy{{
		Description: "amounts differ",
		Sources:     []SourceRef{{Document: "a.pdf"}, {Document: "b.pdf"}},
	}}}
	assert.NoError(t, PostValidate(models.AgentDiscrepancy, crossRef))
}

func TestPostValidateRiskNormalizesLevels(t *testing.T) {
	out := &RiskOutput{Risks: []Risk{{Description: "late penalty", Level: " High "}}}
	require.NoError(t, PostValidate(models.AgentRisk, out))
	assert.Equal(t, "high", out.Risks[0].Level)

	bad := &RiskOutput{Risks: []Risk{{Description: "x", Level: "severe"}}}
	assert.Error(t, PostValidate(models.AgentRisk, bad))
}

func TestExpectedEmpty(t *testing.T) {
	assert.True(t, ExpectedEmpty(models.AgentDiscrepancy, &DiscrepancyOutput{}))
	assert.False(t, ExpectedEmpty(models.AgentDiscrepancy, &DiscrepancyOutput{
		Discrepancies: []Discrepancy{{Description: "x"}},
	}))
	assert.False(t, ExpectedEmpty(models.AgentTimeline, &TimelineOutput{}))
}
