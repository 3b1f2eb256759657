package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/vigil/internal/circuit"
)

// Middleware wraps a provider with cross-cutting behavior. The standard
// chain, inner to outer, is strict-JSON, resilience, telemetry.
type Middleware func(Provider) Provider

// Chain applies middlewares so the first listed is the outermost.
func Chain(p Provider, mws ...Middleware) Provider {
	for i := len(mws) - 1; i >= 0; i-- {
		p = mws[i](p)
	}
	return p
}

type resilientProvider struct {
	next       Provider
	breaker    *circuit.Breaker
	maxRetries int
	timeout    time.Duration
}

// WithResilience retries transient failures with exponential backoff and
// jitter, bounds each attempt with a timeout, and routes every call through
// the model's circuit breaker. Invalid and fatal errors are not retried.
func WithResilience(breaker *circuit.Breaker, maxRetries int, timeout time.Duration) Middleware {
	return func(next Provider) Provider {
		if maxRetries <= 0 {
			maxRetries = 3
		}
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		return &resilientProvider{next: next, breaker: breaker, maxRetries: maxRetries, timeout: timeout}
	}
}

func (p *resilientProvider) Name() string { return p.next.Name() }

func (p *resilientProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	var lastErr error
	backoff := 500 * time.Millisecond

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff + time.Duration(rand.Int63n(int64(backoff/2)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			backoff *= 2
			if backoff > 10*time.Second {
				backoff = 10 * time.Second
			}
		}

		if !p.breaker.Allow() {
			lastErr = circuit.ErrCircuitOpen
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
		resp, err := p.next.Chat(attemptCtx, req)
		cancel()
		if err == nil {
			p.breaker.RecordSuccess()
			return resp, nil
		}

		category := circuit.CategorizeError(err)
		p.breaker.RecordFailureWithCategory(err, category)
		lastErr = err
		if category == circuit.CategoryInvalid || category == circuit.CategoryFatal {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Debug().Str("model", p.next.Name()).Int("attempt", attempt+1).Err(err).
			Msg("LLM call failed, retrying")
	}
	return nil, fmt.Errorf("llm %s exhausted %d retries: %w", p.next.Name(), p.maxRetries, lastErr)
}

type strictJSONProvider struct {
	next Provider
}

// WithStrictJSON validates that the model reply carries a JSON object and,
// when it does not, issues a single repair round-trip asking the model to
// re-emit valid JSON. A second malformed reply fails the call.
func WithStrictJSON() Middleware {
	return func(next Provider) Provider {
		return &strictJSONProvider{next: next}
	}
}

func (p *strictJSONProvider) Name() string { return p.next.Name() }

func (p *strictJSONProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, err := p.next.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, jerr := ExtractJSON(resp.Content); jerr == nil {
		return resp, nil
	}

	log.Debug().Str("model", p.next.Name()).Msg("Malformed JSON reply, issuing repair request")
	repair := &ChatRequest{
		System:      req.System,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Prompt: req.Prompt + "\n\nYour previous reply was not valid JSON:\n" +
			truncate(resp.Content, 2000) + "\n\nRespond again with only the corrected JSON object.",
	}
	resp, err = p.next.Chat(ctx, repair)
	if err != nil {
		return nil, err
	}
	if _, jerr := ExtractJSON(resp.Content); jerr != nil {
		return nil, fmt.Errorf("llm %s returned malformed JSON after repair: %w", p.next.Name(), jerr)
	}
	return resp, nil
}

// ExtractJSON pulls the first JSON object out of a model reply, tolerating
// code fences and surrounding prose.
func ExtractJSON(content string) (json.RawMessage, error) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in reply")
	}
	raw := json.RawMessage(s[start : end+1])
	var probe map[string]interface{}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var (
	llmRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_llm_requests_total",
		Help: "LLM requests by model and outcome.",
	}, []string{"model", "outcome"})
	llmLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vigil_llm_latency_seconds",
		Help:    "LLM request latency by model.",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"model"})
	llmTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_llm_tokens_total",
		Help: "LLM tokens consumed by model and direction.",
	}, []string{"model", "direction"})
)

type telemetryProvider struct {
	next Provider
}

// WithTelemetry records latency, token usage and outcomes for every call.
func WithTelemetry() Middleware {
	return func(next Provider) Provider {
		return &telemetryProvider{next: next}
	}
}

func (p *telemetryProvider) Name() string { return p.next.Name() }

func (p *telemetryProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()
	resp, err := p.next.Chat(ctx, req)
	elapsed := time.Since(start)

	llmLatency.WithLabelValues(p.next.Name()).Observe(elapsed.Seconds())
	if err != nil {
		llmRequests.WithLabelValues(p.next.Name(), "error").Inc()
		log.Warn().Str("model", p.next.Name()).Dur("elapsed", elapsed).Err(err).
			Msg("LLM request failed")
		return nil, err
	}
	llmRequests.WithLabelValues(p.next.Name(), "success").Inc()
	llmTokens.WithLabelValues(p.next.Name(), "prompt").Add(float64(resp.PromptTokens))
	llmTokens.WithLabelValues(p.next.Name(), "completion").Add(float64(resp.CompletionTokens))
	log.Debug().Str("model", p.next.Name()).Dur("elapsed", elapsed).
		Int("promptTokens", resp.PromptTokens).Int("completionTokens", resp.CompletionTokens).
		Msg("LLM request completed")
	return resp, nil
}
