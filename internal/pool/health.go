package pool

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// probeLoop runs active HTTP health checks against every instance on the
// configured interval until Stop is called.
func (p *Pool) probeLoop() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probeAll()
		}
	}
}

func (p *Pool) probeAll() {
	p.mu.Lock()
	instances := make([]*Instance, len(p.instances))
	copy(instances, p.instances)
	p.mu.Unlock()

	for _, inst := range instances {
		p.probeInstance(inst)
	}

	if p.Degraded() {
		log.Warn().
			Int("healthy", p.HealthyCount()).
			Int("min_required", p.cfg.MinHealthyInstances).
			Msg("Pool degraded: healthy instances below floor")
	}
}

// probeInstance performs one health check and applies the transition
// thresholds: Healthy→Unhealthy after N consecutive probe failures,
// Unhealthy→Healthy after M consecutive probe successes.
func (p *Pool) probeInstance(inst *Instance) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HealthCheckTimeout)
	defer cancel()

	ok := p.checkOnce(ctx, inst)

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if ok {
		inst.consecutiveSuccesses++
		inst.consecutiveFailures = 0
		if !inst.healthy && inst.consecutiveSuccesses >= p.cfg.ConsecutiveSuccessThreshold {
			inst.healthy = true
			inst.breaker.Reset()
			log.Info().Str("instance", inst.Name()).Msg("Pool instance recovered")
		}
		return
	}

	inst.consecutiveFailures++
	inst.consecutiveSuccesses = 0
	if inst.healthy && inst.consecutiveFailures >= p.cfg.ConsecutiveFailureThreshold {
		inst.healthy = false
		log.Warn().Str("instance", inst.Name()).
			Int("failures", inst.consecutiveFailures).
			Msg("Pool instance marked unhealthy by probe")
	}
}

func (p *Pool) checkOnce(ctx context.Context, inst *Instance) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.BaseURL()+p.cfg.HealthCheckPath, nil)
	if err != nil {
		return false
	}
	resp, err := p.probe.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// ReservePendingWrite accounts one queued write while the pool is degraded.
// Returns ErrPoolDegraded once the bounded queue is full.
func (p *Pool) ReservePendingWrite() error {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	if p.pending >= p.cfg.PendingWriteLimit {
		return ErrPoolDegraded
	}
	p.pending++
	return nil
}

// ReleasePendingWrite releases a reservation made with ReservePendingWrite.
func (p *Pool) ReleasePendingWrite() {
	p.pendingMu.Lock()
	if p.pending > 0 {
		p.pending--
	}
	p.pendingMu.Unlock()
}

// PendingWrites returns the current degraded-mode queue depth.
func (p *Pool) PendingWrites() int {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	return p.pending
}
