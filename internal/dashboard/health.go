package dashboard

import (
	"sync"
	"time"

	"github.com/rcourtman/vigil/internal/models"
)

// HealthRegistry collects component health reports from subsystems. Each
// subsystem registers a probe; Stats polls them with a short staleness
// cache so status endpoints stay cheap.
type HealthRegistry struct {
	mu     sync.RWMutex
	probes map[string]func() models.ComponentHealth

	cacheMu  sync.Mutex
	cached   models.SystemStatusStats
	cachedAt time.Time
}

const healthCacheTTL = 5 * time.Second

// NewHealthRegistry creates an empty registry.
func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{probes: make(map[string]func() models.ComponentHealth)}
}

// Register adds a component probe. Re-registering a name replaces it.
func (r *HealthRegistry) Register(name string, probe func() models.ComponentHealth) {
	r.mu.Lock()
	r.probes[name] = probe
	r.mu.Unlock()
}

// RegisterStatic registers a fixed health value, useful for components that
// push their state instead of being polled.
func (r *HealthRegistry) RegisterStatic(name string, healthy func() (bool, string)) {
	r.Register(name, func() models.ComponentHealth {
		ok, detail := healthy()
		status := "ok"
		if !ok {
			status = "degraded"
		}
		return models.ComponentHealth{
			Name:      name,
			Healthy:   ok,
			Status:    status,
			Detail:    detail,
			CheckedAt: time.Now(),
		}
	})
}

// Stats polls every probe and summarizes.
func (r *HealthRegistry) Stats() models.SystemStatusStats {
	r.cacheMu.Lock()
	if time.Since(r.cachedAt) < healthCacheTTL && r.cached.ComponentStatuses != nil {
		stats := r.cached
		r.cacheMu.Unlock()
		return stats
	}
	r.cacheMu.Unlock()

	r.mu.RLock()
	probes := make(map[string]func() models.ComponentHealth, len(r.probes))
	for name, p := range r.probes {
		probes[name] = p
	}
	r.mu.RUnlock()

	stats := models.SystemStatusStats{
		ComponentStatuses: make(map[string]models.ComponentHealth, len(probes)),
	}
	for name, probe := range probes {
		h := probe()
		stats.ComponentStatuses[name] = h
		stats.TotalComponents++
		if h.Healthy {
			stats.HealthyComponents++
		}
	}

	r.cacheMu.Lock()
	r.cached = stats
	r.cachedAt = time.Now()
	r.cacheMu.Unlock()
	return stats
}

// Healthy reports whether every registered component is healthy.
func (r *HealthRegistry) Healthy() bool {
	stats := r.Stats()
	return stats.TotalComponents == stats.HealthyComponents
}
