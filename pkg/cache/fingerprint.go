// Package cache memoizes agent outputs and retrieved documents by
// fingerprint with TTL and LRU eviction.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/docket-ai/docket/pkg/models"
)

// ResultFingerprint keys a memoized agent result: same case, same kind,
// same document set → same key.
func ResultFingerprint(caseID string, kind models.AgentKind, documentSetHash string) string {
	return fingerprint("result", caseID, string(kind), documentSetHash)
}

// RetrievalFingerprint keys a memoized retrieval. The query is normalized
// (lowercased, whitespace collapsed) and doc types are sorted so equivalent
// requests collide.
func RetrievalFingerprint(caseID, query string, k int, strategy string, docTypes []string) string {
	sorted := make([]string, len(docTypes))
	copy(sorted, docTypes)
	sort.Strings(sorted)
	return fingerprint("retrieval", caseID, normalizeQuery(query), strconv.Itoa(k), strategy,
		strings.Join(sorted, ","))
}

// DocumentSetHash fingerprints a case's document set by sorted ids so any
// membership change invalidates dependent result entries.
func DocumentSetHash(docIDs []string) string {
	sorted := make([]string, len(docIDs))
	copy(sorted, docIDs)
	sort.Strings(sorted)
	return fingerprint("docset", strings.Join(sorted, ","))
}

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

func fingerprint(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
