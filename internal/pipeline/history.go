package pipeline

import (
	"sync"
	"time"

	"github.com/rcourtman/vigil/internal/models"
)

const historyMaxEntries = 10000

// historyRing keeps the recent event summaries in memory for dashboard
// bootstraps. Entries age out by retention and the ring is hard-capped.
type historyRing struct {
	retention time.Duration

	mu      sync.Mutex
	entries []models.EventSummary
}

func newHistoryRing(retention time.Duration) *historyRing {
	if retention <= 0 {
		retention = time.Hour
	}
	return &historyRing{retention: retention}
}

func (h *historyRing) add(s models.EventSummary) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, s)
	h.prune()
}

func (h *historyRing) prune() {
	cutoff := time.Now().Add(-h.retention)
	i := 0
	for i < len(h.entries) && h.entries[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		h.entries = h.entries[i:]
	}
	if len(h.entries) > historyMaxEntries {
		h.entries = h.entries[len(h.entries)-historyMaxEntries:]
	}
}

// snapshot returns the retained summaries, newest first.
func (h *historyRing) snapshot() []models.EventSummary {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prune()
	out := make([]models.EventSummary, len(h.entries))
	for i, e := range h.entries {
		out[len(h.entries)-1-i] = e
	}
	return out
}

// trim shrinks the ring to at most keep entries, oldest dropped first.
func (h *historyRing) trim(keep int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if keep < 0 {
		keep = 0
	}
	if len(h.entries) > keep {
		h.entries = h.entries[len(h.entries)-keep:]
	}
}

func (h *historyRing) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
