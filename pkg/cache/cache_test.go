package cache

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docket-ai/docket/pkg/models"
)

func TestResultCacheRoundTrip(t *testing.T) {
	c := NewResultCache(10, time.Minute)
	key := ResultFingerprint("case-1", models.AgentTimeline, "docset-hash")

	_, ok := c.Get(key)
	require.False(t, ok)

	value := []byte(`{"events":[{"date":"2024-01-15"}]}`)
	c.Set(key, value)

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, value, got)
}

func TestResultCacheCopiesValues(t *testing.T) {
	c := NewResultCache(10, time.Minute)
	value := []byte("original")
	c.Set("k", value)
	value[0] = 'X'

	got, _ := c.Get("k")
	assert.Equal(t, []byte("original"), got)

	got[0] = 'Y'
	again, _ := c.Get("k")
	assert.Equal(t, []byte("original"), again)
}

func TestResultCacheTTLExpiry(t *testing.T) {
	c := NewResultCache(10, 20*time.Millisecond)
	c.Set("k", []byte("v"))

	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestResultCacheLRUEviction(t *testing.T) {
	c := NewResultCache(2, time.Minute)
	c.Set("a", []byte("1"))
	c.Set("b", []byte("2"))
	c.Set("c", []byte("3"))

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry evicted")
}

func TestRetrievalFingerprintNormalization(t *testing.T) {
	a := RetrievalFingerprint("c1", "  Key   DATES ", 5, "hybrid", []string{"contract", "letter"})
	b := RetrievalFingerprint("c1", "key dates", 5, "hybrid", []string{"letter", "contract"})
	assert.Equal(t, a, b, "query normalization and doc-type ordering are canonical")

	c := RetrievalFingerprint("c1", "key dates", 6, "hybrid", []string{"letter", "contract"})
	assert.NotEqual(t, a, c)
}

func TestDocumentSetHashOrderInsensitive(t *testing.T) {
	assert.Equal(t,
		DocumentSetHash([]string{"d2", "d1", "d3"}),
		DocumentSetHash([]string{"d1", "d3", "d2"}))
}

func TestFingerprintDeterminismProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("same inputs always hash alike, distinct cases never collide trivially", prop.ForAll(
		func(caseID, query string, k int) bool {
			a := RetrievalFingerprint(caseID, query, k, "simple", nil)
			b := RetrievalFingerprint(caseID, query, k, "simple", nil)
			other := RetrievalFingerprint(caseID+"x", query, k, "simple", nil)
			return a == b && a != other
		},
		gen.AlphaString(), gen.AlphaString(), gen.IntRange(1, 50),
	))
	properties.TestingRun(t)
}
