// Package dashboard assembles the consolidated snapshot dashboards poll and
// the hub pushes. Snapshots are recomputed on demand and cached briefly, so
// a burst of clients costs one store round trip.
package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/vigil/internal/models"
)

const snapshotTTL = 30 * time.Second

// EventAggregator supplies event statistics from the store.
type EventAggregator interface {
	GetEventAggregates(ctx context.Context, timeRange models.TimeRange, recentLimit int) (*models.SecurityEventStats, error)
}

// ScannerStats supplies threat scanner counters; nil when no scanner is
// attached.
type ScannerStats interface {
	Stats() models.ThreatScannerStats
}

// Builder computes and caches dashboard snapshots.
type Builder struct {
	store    EventAggregator
	registry *HealthRegistry
	scanner  ScannerStats

	mu     sync.Mutex
	cached map[models.TimeRange]*cachedSnapshot
}

type cachedSnapshot struct {
	snap    *models.DashboardSnapshot
	builtAt time.Time
}

// NewBuilder creates the snapshot builder.
func NewBuilder(store EventAggregator, registry *HealthRegistry, scanner ScannerStats) *Builder {
	return &Builder{
		store:    store,
		registry: registry,
		scanner:  scanner,
		cached:   make(map[models.TimeRange]*cachedSnapshot),
	}
}

// Snapshot returns the consolidated view for the range, at most snapshotTTL
// stale.
func (b *Builder) Snapshot(ctx context.Context, timeRange models.TimeRange) (*models.DashboardSnapshot, error) {
	b.mu.Lock()
	if c, ok := b.cached[timeRange]; ok && time.Since(c.builtAt) < snapshotTTL {
		snap := c.snap
		b.mu.Unlock()
		return snap, nil
	}
	b.mu.Unlock()

	snap, err := b.build(ctx, timeRange)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.cached[timeRange] = &cachedSnapshot{snap: snap, builtAt: time.Now()}
	b.mu.Unlock()
	return snap, nil
}

// Invalidate drops all cached snapshots, forcing the next Snapshot call to
// rebuild. Used after high-risk events so pushes are not stale.
func (b *Builder) Invalidate() {
	b.mu.Lock()
	b.cached = make(map[models.TimeRange]*cachedSnapshot)
	b.mu.Unlock()
}

func (b *Builder) build(ctx context.Context, timeRange models.TimeRange) (*models.DashboardSnapshot, error) {
	events, err := b.store.GetEventAggregates(ctx, timeRange, 25)
	if err != nil {
		return nil, err
	}

	snap := &models.DashboardSnapshot{
		SecurityEvents: *events,
		SystemStatus:   b.registry.Stats(),
		LastUpdated:    time.Now(),
		TimeRange:      timeRange,
	}
	if b.scanner != nil {
		snap.ThreatScanner = b.scanner.Stats()
	}
	log.Debug().Str("range", string(timeRange)).Int("events", events.Total).Msg("Dashboard snapshot built")
	return snap, nil
}
