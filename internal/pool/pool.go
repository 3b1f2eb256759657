// Package pool manages a set of upstream instances (vector store nodes,
// optionally remote providers) with weighted load balancing, active health
// probes, per-instance circuit breaking and automatic failover.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/vigil/internal/circuit"
)

// Selection algorithms.
const (
	AlgorithmRoundRobin         = "round_robin"
	AlgorithmWeightedRoundRobin = "weighted_round_robin"
	AlgorithmWeightedByHealth   = "weighted_by_health"
)

// Dynamic weight multiplier bounds for weighted-by-health selection.
const (
	minWeightMultiplier = 0.1
	maxWeightMultiplier = 3.0
)

var (
	// ErrNoHealthyInstances is returned when selection finds nothing usable.
	ErrNoHealthyInstances = errors.New("pool: no healthy instances available")
	// ErrPoolDegraded is returned for writes while below the healthy floor
	// and the bounded pending queue is full.
	ErrPoolDegraded = errors.New("pool: degraded, pending queue full")
)

// InstanceConfig identifies one upstream.
type InstanceConfig struct {
	Host     string
	Port     int
	Weight   int
	UseHTTPS bool
}

// Config configures the pool.
type Config struct {
	Instances                   []InstanceConfig
	Algorithm                   string
	ConnectionTimeout           time.Duration
	RequestTimeout              time.Duration
	EnableFailover              bool
	MinHealthyInstances         int
	HealthCheckInterval         time.Duration
	HealthCheckTimeout          time.Duration
	HealthCheckPath             string
	ConsecutiveFailureThreshold int
	ConsecutiveSuccessThreshold int
	PendingWriteLimit           int
}

// Instance is one pooled upstream with its runtime health accounting.
type Instance struct {
	mu sync.Mutex

	Host     string
	Port     int
	Weight   int
	UseHTTPS bool

	healthy              bool
	inFlight             int
	consecutiveFailures  int
	consecutiveSuccesses int
	ewmaLatencyMS        float64
	errorRate            float64 // exponentially decayed failure ratio
	totalRequests        int64
	totalFailures        int64

	// smooth weighted round robin state
	currentWeight int

	breaker *circuit.Breaker
}

// BaseURL returns the scheme://host:port prefix for requests.
func (i *Instance) BaseURL() string {
	scheme := "http"
	if i.UseHTTPS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, i.Host, i.Port)
}

// Name returns host:port for logs and metrics labels.
func (i *Instance) Name() string {
	return fmt.Sprintf("%s:%d", i.Host, i.Port)
}

// Healthy reports the current probe-derived health.
func (i *Instance) Healthy() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.healthy
}

// Status is the wire representation of an instance for the metrics API.
type Status struct {
	Host                 string  `json:"host"`
	Port                 int     `json:"port"`
	Weight               int     `json:"weight"`
	Healthy              bool    `json:"healthy"`
	InFlight             int     `json:"in_flight"`
	ConsecutiveFailures  int     `json:"consecutive_failures"`
	ConsecutiveSuccesses int     `json:"consecutive_successes"`
	EWMALatencyMS        float64 `json:"ewma_latency_ms"`
	ErrorRate            float64 `json:"error_rate"`
	TotalRequests        int64   `json:"total_requests"`
	TotalFailures        int64   `json:"total_failures"`
	CircuitState         string  `json:"circuit_state"`
}

// Pool is the load-balanced instance set.
type Pool struct {
	cfg    Config
	client *http.Client
	probe  *http.Client

	mu        sync.Mutex
	instances []*Instance
	rrIndex   int

	pendingMu sync.Mutex
	pending   int // writes queued while degraded

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// New builds a pool from configuration. Instances start healthy; the first
// probe cycle corrects that if needed.
func New(cfg Config) *Pool {
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgorithmWeightedRoundRobin
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = 5 * time.Second
	}
	if cfg.HealthCheckPath == "" {
		cfg.HealthCheckPath = "/healthz"
	}
	if cfg.ConsecutiveFailureThreshold <= 0 {
		cfg.ConsecutiveFailureThreshold = 3
	}
	if cfg.ConsecutiveSuccessThreshold <= 0 {
		cfg.ConsecutiveSuccessThreshold = 2
	}
	if cfg.MinHealthyInstances <= 0 {
		cfg.MinHealthyInstances = 1
	}
	if cfg.PendingWriteLimit <= 0 {
		cfg.PendingWriteLimit = 1000
	}

	p := &Pool{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   32,
				ResponseHeaderTimeout: cfg.RequestTimeout,
			},
		},
		probe:  &http.Client{Timeout: cfg.HealthCheckTimeout},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, ic := range cfg.Instances {
		weight := ic.Weight
		if weight <= 0 {
			weight = 100
		}
		inst := &Instance{
			Host:     ic.Host,
			Port:     ic.Port,
			Weight:   weight,
			UseHTTPS: ic.UseHTTPS,
			healthy:  true,
		}
		inst.breaker = circuit.NewBreaker("pool-"+inst.Name(), circuit.Config{
			FailureThreshold: cfg.ConsecutiveFailureThreshold,
			SuccessThreshold: cfg.ConsecutiveSuccessThreshold,
		})
		p.instances = append(p.instances, inst)
	}
	return p
}

// Start launches the background health prober.
func (p *Pool) Start() {
	go p.probeLoop()
}

// Stop terminates the prober.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

// Client returns the pooled HTTP client for request execution.
func (p *Pool) Client() *http.Client {
	return p.client
}

// HealthyCount returns how many instances are currently healthy.
func (p *Pool) HealthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, inst := range p.instances {
		if inst.Healthy() {
			n++
		}
	}
	return n
}

// Degraded reports whether the pool is below its healthy floor.
func (p *Pool) Degraded() bool {
	return p.HealthyCount() < p.cfg.MinHealthyInstances
}

// Select picks the next instance per the configured algorithm. Instances
// that are unhealthy or whose circuit is open are skipped; a half-open
// circuit admits its single probe request.
func (p *Pool) Select() (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]*Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		if !inst.Healthy() {
			continue
		}
		if !inst.breaker.Allow() {
			continue
		}
		candidates = append(candidates, inst)
	}
	if len(candidates) == 0 {
		return nil, ErrNoHealthyInstances
	}

	switch p.cfg.Algorithm {
	case AlgorithmRoundRobin:
		inst := candidates[p.rrIndex%len(candidates)]
		p.rrIndex++
		return inst, nil
	case AlgorithmWeightedByHealth:
		return selectByEffectiveWeight(candidates), nil
	default:
		return selectSmoothWRR(candidates), nil
	}
}

// selectSmoothWRR implements smooth weighted round robin over the static
// configured weights.
func selectSmoothWRR(candidates []*Instance) *Instance {
	var best *Instance
	total := 0
	for _, inst := range candidates {
		inst.mu.Lock()
		inst.currentWeight += inst.Weight
		total += inst.Weight
		if best == nil || inst.currentWeight > best.currentWeight {
			best = inst
		}
		inst.mu.Unlock()
	}
	best.mu.Lock()
	best.currentWeight -= total
	best.mu.Unlock()
	return best
}

// selectByEffectiveWeight picks the instance with the highest dynamic
// weight: configured weight scaled by latency, error rate and load factors
// (0.4/0.3/0.3), clamped to [0.1, 3.0] of the base weight. The composition
// is monotone in each input.
func selectByEffectiveWeight(candidates []*Instance) *Instance {
	var best *Instance
	var bestWeight float64
	for _, inst := range candidates {
		w := inst.effectiveWeight()
		if best == nil || w > bestWeight {
			best, bestWeight = inst, w
		}
	}
	return best
}

func (i *Instance) effectiveWeight() float64 {
	i.mu.Lock()
	defer i.mu.Unlock()

	latFactor := 1.0
	if i.ewmaLatencyMS > 0 {
		latFactor = 100.0 / (100.0 + i.ewmaLatencyMS)
	}
	errFactor := 1.0 - i.errorRate
	if errFactor < 0 {
		errFactor = 0
	}
	loadFactor := 1.0 / (1.0 + float64(i.inFlight))

	multiplier := 3.0 * (0.4*latFactor + 0.3*errFactor + 0.3*loadFactor)
	if multiplier < minWeightMultiplier {
		multiplier = minWeightMultiplier
	}
	if multiplier > maxWeightMultiplier {
		multiplier = maxWeightMultiplier
	}
	return float64(i.Weight) * multiplier
}

// Do executes op against a selected instance, recording latency and errors.
// On failure with failover enabled, remaining instances are tried in
// selection order before giving up.
func (p *Pool) Do(ctx context.Context, op func(ctx context.Context, baseURL string, client *http.Client) error) error {
	attempts := 1
	if p.cfg.EnableFailover {
		p.mu.Lock()
		attempts = len(p.instances)
		p.mu.Unlock()
		if attempts == 0 {
			attempts = 1
		}
	}

	var lastErr error
	tried := make(map[*Instance]bool)
	for a := 0; a < attempts; a++ {
		inst, err := p.Select()
		if err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w (last instance error: %v)", err, lastErr)
			}
			return err
		}
		if tried[inst] {
			continue
		}
		tried[inst] = true

		err = p.execute(ctx, inst, op)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return err
		}
		log.Warn().Str("instance", inst.Name()).Err(err).Msg("Pool request failed, trying next instance")
	}
	return lastErr
}

func (p *Pool) execute(ctx context.Context, inst *Instance, op func(ctx context.Context, baseURL string, client *http.Client) error) error {
	inst.mu.Lock()
	inst.inFlight++
	inst.totalRequests++
	inst.mu.Unlock()

	start := time.Now()
	err := op(ctx, inst.BaseURL(), p.client)
	elapsed := time.Since(start)

	inst.mu.Lock()
	inst.inFlight--
	// EWMA with 0.2 smoothing; error rate decays the same way.
	sample := float64(elapsed.Milliseconds())
	if inst.ewmaLatencyMS == 0 {
		inst.ewmaLatencyMS = sample
	} else {
		inst.ewmaLatencyMS = 0.8*inst.ewmaLatencyMS + 0.2*sample
	}
	if err != nil {
		inst.totalFailures++
		inst.errorRate = 0.8*inst.errorRate + 0.2
		inst.consecutiveFailures++
		inst.consecutiveSuccesses = 0
		if inst.consecutiveFailures >= p.cfg.ConsecutiveFailureThreshold && inst.healthy {
			inst.healthy = false
			log.Warn().Str("instance", inst.Name()).Int("failures", inst.consecutiveFailures).
				Msg("Pool instance marked unhealthy after request failures")
		}
	} else {
		inst.errorRate = 0.8 * inst.errorRate
		inst.consecutiveSuccesses++
		inst.consecutiveFailures = 0
	}
	inst.mu.Unlock()

	if err != nil {
		inst.breaker.RecordFailureWithCategory(err, circuit.CategorizeError(err))
		return err
	}
	inst.breaker.RecordSuccess()
	return nil
}

// Statuses returns the per-instance status snapshot.
func (p *Pool) Statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, 0, len(p.instances))
	for _, inst := range p.instances {
		inst.mu.Lock()
		out = append(out, Status{
			Host:                 inst.Host,
			Port:                 inst.Port,
			Weight:               inst.Weight,
			Healthy:              inst.healthy,
			InFlight:             inst.inFlight,
			ConsecutiveFailures:  inst.consecutiveFailures,
			ConsecutiveSuccesses: inst.consecutiveSuccesses,
			EWMALatencyMS:        inst.ewmaLatencyMS,
			ErrorRate:            inst.errorRate,
			TotalRequests:        inst.totalRequests,
			TotalFailures:        inst.totalFailures,
			CircuitState:         inst.breaker.State().String(),
		})
		inst.mu.Unlock()
	}
	return out
}
