package cache

import (
	"math"
	"time"
)

// GetSimilar returns a cached value whose stored vector has cosine
// similarity to query at or above the configured threshold. Entries stored
// without a vector never match. Expired entries are skipped, not removed;
// the regular Get path reaps them.
//
// The scan is linear over the keyspace, which the per-keyspace entry cap
// keeps bounded.
func (c *Cache) GetSimilar(ksName string, query []float32) (interface{}, float64, bool) {
	ks := c.keyspace(ksName)
	now := time.Now()

	ks.mu.Lock()
	var best *entry
	var bestSim float64
	for el := ks.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.vector == nil || e.expired(now) {
			continue
		}
		sim := CosineSimilarity(query, e.vector)
		if sim >= c.cfg.SimilarityThreshold && sim > bestSim {
			best, bestSim = e, sim
		}
	}
	if best == nil {
		ks.mu.Unlock()
		c.recordMiss()
		return nil, 0, false
	}
	best.lastAccess = now
	if best.extendTTL {
		best.created = now
	}
	val := best.value
	ks.mu.Unlock()

	c.recordSemanticHit()
	return val, bestSim, true
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
