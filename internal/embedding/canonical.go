// Package embedding turns security events into dense vectors for similarity
// retrieval, cache-first with single-flight de-duplication.
package embedding

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/rcourtman/vigil/internal/models"
)

// CanonicalText builds the deterministic normalized projection of an event
// used as the embedding and cache-key input: selected fields joined with
// pipes, lowercased, runs of whitespace collapsed to a single space. Empty
// fields stay as empty strings so field positions are stable.
func CanonicalText(e *models.SecurityEvent) string {
	parts := []string{
		e.Channel,
		fmt.Sprintf("%d", e.EventID),
		e.Summary,
		e.Host,
		e.User,
		e.Process,
		e.SourceIP,
	}
	joined := strings.Join(parts, "|")
	joined = strings.ToLower(joined)
	return strings.Join(strings.Fields(joined), " ")
}

// Normalize applies the same lowering/whitespace collapse to arbitrary text,
// used for ad-hoc vector search queries.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// CacheKey returns the stable hash of normalized text used as the embedding
// cache key.
func CacheKey(normalized string) string {
	h := fnv.New64a()
	h.Write([]byte(normalized))
	return fmt.Sprintf("%016x", h.Sum64())
}
