// Package circuit provides a circuit breaker for upstream calls (LLM
// providers, vector store instances). It blocks operations after repeated
// failures so a struggling upstream is not hammered while it recovers.
package circuit

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means the circuit is operating normally.
	StateClosed State = iota
	// StateOpen means the circuit is tripped and operations are blocked.
	StateOpen
	// StateHalfOpen means the circuit is probing whether the upstream recovered.
	StateHalfOpen
)

// String returns the state as a string.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrorCategory classifies errors for breaker accounting.
type ErrorCategory int

const (
	// CategoryTransient is a temporary error that counts toward tripping.
	CategoryTransient ErrorCategory = iota
	// CategoryRateLimit trips the breaker immediately.
	CategoryRateLimit
	// CategoryInvalid is a request that will not succeed on retry; ignored.
	CategoryInvalid
	// CategoryFatal requires operator intervention; ignored by the breaker.
	CategoryFatal
)

// Config configures breaker behavior.
type Config struct {
	FailureThreshold  int           // consecutive failures before opening
	SuccessThreshold  int           // successes needed to close from half-open
	InitialBackoff    time.Duration // open interval after the first trip
	MaxBackoff        time.Duration
	BackoffMultiplier float64 // growth of the open interval on repeated trips
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  3,
		SuccessThreshold:  2,
		InitialBackoff:    time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	mu sync.RWMutex

	cfg  Config
	name string

	state                 State
	consecutiveFailures   int
	consecutiveSuccesses  int
	lastError             error
	currentBackoff        time.Duration
	openedAt              time.Time
	halfOpenProbeInFlight bool

	totalFailures  int64
	totalSuccesses int64
	totalTrips     int64
}

// NewBreaker creates a breaker, filling zero config fields with defaults.
func NewBreaker(name string, cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	return &Breaker{
		cfg:            cfg,
		name:           name,
		state:          StateClosed,
		currentBackoff: cfg.InitialBackoff,
	}
}

// Allow reports whether an operation may proceed. Open circuits transition
// to half-open once the backoff interval elapses; half-open admits a single
// probe at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.currentBackoff {
			b.state = StateHalfOpen
			b.halfOpenProbeInFlight = true
			log.Info().Str("breaker", b.name).Msg("Circuit breaker half-open, probing")
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenProbeInFlight {
			return false
		}
		b.halfOpenProbeInFlight = true
		return true
	default:
		return true
	}
}

// RecordSuccess records a successful operation.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.consecutiveSuccesses++
	b.totalSuccesses++

	if b.state == StateHalfOpen {
		b.halfOpenProbeInFlight = false
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.currentBackoff = b.cfg.InitialBackoff
			log.Info().Str("breaker", b.name).Msg("Circuit breaker closed after recovery")
		}
	}
}

// RecordFailure records a failed operation with default transient category.
func (b *Breaker) RecordFailure(err error) {
	b.RecordFailureWithCategory(err, CategoryTransient)
}

// RecordFailureWithCategory records a failed operation. Invalid and fatal
// errors do not count toward tripping: waiting will not fix them.
func (b *Breaker) RecordFailureWithCategory(err error, category ErrorCategory) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastError = err
	b.consecutiveSuccesses = 0
	b.totalFailures++

	switch category {
	case CategoryInvalid, CategoryFatal:
		if b.state == StateHalfOpen {
			b.halfOpenProbeInFlight = false
		}
		return
	case CategoryRateLimit:
		b.consecutiveFailures = b.cfg.FailureThreshold
	default:
		b.consecutiveFailures++
	}

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.trip(err)
		}
	case StateHalfOpen:
		b.halfOpenProbeInFlight = false
		b.currentBackoff = time.Duration(float64(b.currentBackoff) * b.cfg.BackoffMultiplier)
		if b.currentBackoff > b.cfg.MaxBackoff {
			b.currentBackoff = b.cfg.MaxBackoff
		}
		b.trip(err)
	}
}

func (b *Breaker) trip(err error) {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.halfOpenProbeInFlight = false
	b.totalTrips++
	log.Warn().
		Str("breaker", b.name).
		Dur("backoff", b.currentBackoff).
		Int("failures", b.consecutiveFailures).
		Err(err).
		Msg("Circuit breaker tripped")
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// IsOpen reports whether the circuit currently blocks operations.
func (b *Breaker) IsOpen() bool {
	return b.State() == StateOpen
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.currentBackoff = b.cfg.InitialBackoff
	b.lastError = nil
	b.halfOpenProbeInFlight = false
}

// Status is a point-in-time summary for the status API.
type Status struct {
	Name                 string        `json:"name"`
	State                string        `json:"state"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	LastError            string        `json:"last_error,omitempty"`
	CurrentBackoff       time.Duration `json:"current_backoff_ms"`
	TotalFailures        int64         `json:"total_failures"`
	TotalSuccesses       int64         `json:"total_successes"`
	TotalTrips           int64         `json:"total_trips"`
}

// GetStatus returns the breaker status snapshot.
func (b *Breaker) GetStatus() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := Status{
		Name:                 b.name,
		State:                b.state.String(),
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		CurrentBackoff:       b.currentBackoff,
		TotalFailures:        b.totalFailures,
		TotalSuccesses:       b.totalSuccesses,
		TotalTrips:           b.totalTrips,
	}
	if b.lastError != nil {
		s.LastError = b.lastError.Error()
	}
	return s
}

// Execute wraps an operation with breaker accounting.
func (b *Breaker) Execute(op func() error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}
	if err := op(); err != nil {
		b.RecordFailureWithCategory(err, CategorizeError(err))
		return err
	}
	b.RecordSuccess()
	return nil
}

// ErrCircuitOpen is returned when an operation is blocked by an open circuit.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CategorizeError maps an error to a breaker category from its message.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return CategoryTransient
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "rate limit", "429", "too many requests", "quota exceeded"):
		return CategoryRateLimit
	case containsAny(msg, "400", "bad request", "invalid", "malformed"):
		return CategoryInvalid
	case containsAny(msg, "401", "403", "unauthorized", "forbidden", "api key"):
		return CategoryFatal
	default:
		return CategoryTransient
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
