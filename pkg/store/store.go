// Package store is the namespaced key-value layer for offloaded agent
// results, phase summaries, learned patterns and tabular artifacts.
//
// Namespaces are path-like strings ("agent_results/case-1"); values are
// opaque JSON. Three backends ship: Postgres, goleveldb and memory.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get for a missing (namespace, key) pair.
var ErrNotFound = errors.New("store: entry not found")

// Item is one listed entry.
type Item struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Store is the persistence contract. List returns items sorted by key.
// Search matches a case-insensitive substring over keys and values;
// backends without native search use ListFilter.
type Store interface {
	Put(ctx context.Context, namespace, key string, value json.RawMessage) error
	Get(ctx context.Context, namespace, key string) (json.RawMessage, error)
	List(ctx context.Context, namespace string) ([]Item, error)
	Search(ctx context.Context, namespace, query string) ([]Item, error)
}

// Namespace constructors for the fixed layout.

// AgentResultsNS is where large agent outputs are offloaded.
func AgentResultsNS(caseID string) string { return "agent_results/" + caseID }

// PhaseSummariesNS holds compactor summaries for a case.
func PhaseSummariesNS(caseID string) string { return "phase_summaries/" + caseID }

// PatternsNS holds learned extraction patterns per (agent kind, case type).
func PatternsNS(agentKind, caseType string) string {
	return "patterns/" + agentKind + "/" + caseType
}

// TabularNS mirrors a review's cell artifacts.
func TabularNS(reviewID string) string { return "tabular/" + reviewID }

// ResumeNS parks resume payloads for suspended runs until a worker
// re-claims them.
func ResumeNS(runID string) string { return "resume/" + runID }

// PutJSON marshals v and stores it.
func PutJSON(ctx context.Context, s Store, namespace, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshaling %s/%s: %w", namespace, key, err)
	}
	return s.Put(ctx, namespace, key, raw)
}

// GetJSON loads and unmarshals an entry into out.
func GetJSON(ctx context.Context, s Store, namespace, key string, out any) error {
	raw, err := s.Get(ctx, namespace, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("store: unmarshaling %s/%s: %w", namespace, key, err)
	}
	return nil
}

// ListFilter is the Search fallback: list and keep entries whose key or
// value contains query (case-insensitive).
func ListFilter(ctx context.Context, s Store, namespace, query string) ([]Item, error) {
	items, err := s.List(ctx, namespace)
	if err != nil {
		return nil, err
	}
	if query == "" {
		return items, nil
	}
	needle := strings.ToLower(query)
	var out []Item
	for _, it := range items {
		if strings.Contains(strings.ToLower(it.Key), needle) ||
			strings.Contains(strings.ToLower(string(it.Value)), needle) {
			out = append(out, it)
		}
	}
	return out, nil
}
