package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends under test; leveldb gets a temp dir per run.
func testBackends(t *testing.T) map[string]Store {
	t.Helper()
	ldb, err := NewLevelDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ldb.Close() })
	return map[string]Store{
		"memory":  NewMemory(),
		"leveldb": ldb,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ns := AgentResultsNS("case-1")

			_, err := s.Get(ctx, ns, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			value := json.RawMessage(`{"events":[1,2,3]}`)
			require.NoError(t, s.Put(ctx, ns, "timeline_run1", value))

			got, err := s.Get(ctx, ns, "timeline_run1")
			require.NoError(t, err)
			assert.JSONEq(t, string(value), string(got))

			// Overwrite wins.
			require.NoError(t, s.Put(ctx, ns, "timeline_run1", json.RawMessage(`{"events":[]}`)))
			got, err = s.Get(ctx, ns, "timeline_run1")
			require.NoError(t, err)
			assert.JSONEq(t, `{"events":[]}`, string(got))
		})
	}
}

func TestStoreListSortedAndScoped(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Put(ctx, "phase_summaries/c1", "b", json.RawMessage(`2`)))
			require.NoError(t, s.Put(ctx, "phase_summaries/c1", "a", json.RawMessage(`1`)))
			require.NoError(t, s.Put(ctx, "phase_summaries/c2", "z", json.RawMessage(`3`)))

			items, err := s.List(ctx, "phase_summaries/c1")
			require.NoError(t, err)
			require.Len(t, items, 2)
			assert.Equal(t, "a", items[0].Key)
			assert.Equal(t, "b", items[1].Key)
		})
	}
}

func TestStoreSearchFallback(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ns := PatternsNS("timeline", "contract_dispute")
			require.NoError(t, s.Put(ctx, ns, "p1", json.RawMessage(`{"hint":"look for effective dates"}`)))
			require.NoError(t, s.Put(ctx, ns, "p2", json.RawMessage(`{"hint":"termination clauses"}`)))

			items, err := s.Search(ctx, ns, "EFFECTIVE")
			require.NoError(t, err)
			require.Len(t, items, 1)
			assert.Equal(t, "p1", items[0].Key)
		})
	}
}

func TestPutGetJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	type summary struct {
		Agents []string `json:"agents"`
		Text   string   `json:"text"`
	}
	in := summary{Agents: []string{"timeline"}, Text: "three filings in January"}
	require.NoError(t, PutJSON(ctx, s, PhaseSummariesNS("c1"), "run1", in))

	var out summary
	require.NoError(t, GetJSON(ctx, s, PhaseSummariesNS("c1"), "run1", &out))
	assert.Equal(t, in, out)
}

func TestNamespaceLayout(t *testing.T) {
	assert.Equal(t, "agent_results/c1", AgentResultsNS("c1"))
	assert.Equal(t, "phase_summaries/c1", PhaseSummariesNS("c1"))
	assert.Equal(t, "patterns/risk/lease", PatternsNS("risk", "lease"))
	assert.Equal(t, "tabular/r1", TabularNS("r1"))
}
