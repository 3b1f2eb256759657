package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/rcourtman/vigil/internal/cache"
	"github.com/rcourtman/vigil/internal/circuit"
	"github.com/rcourtman/vigil/internal/config"
	"github.com/rcourtman/vigil/internal/models"
)

const analystSystemPrompt = `You are a security analyst reviewing host event logs.
Assess the event and respond with ONLY a JSON object with these fields:
  "risk_level": one of "Critical", "High", "Medium", "Low"
  "event_type": one of "AuthenticationSuccess", "AuthenticationFailure", "ProcessCreation", "NetworkConnection", "PrivilegeEscalation", "FileSystem", "Other"
  "confidence": number between 0 and 1
  "summary": one sentence describing what happened
  "mitre_techniques": array of MITRE ATT&CK technique IDs, e.g. ["T1110"]
  "recommended_actions": array of short remediation steps`

// Neighbor is a similar historical event included in the prompt as context.
type Neighbor struct {
	ID         string
	Similarity float64
	Summary    string
	RiskLevel  string
}

// Analyzer is the AI analysis stage: prompt construction, response cache and
// ensemble invocation.
type Analyzer struct {
	ensemble *Ensemble
	cache    *cache.Cache
	modelTag string
}

// NewAnalyzer wires the ensemble from configuration. Each member gets its
// own circuit breaker and the full middleware chain.
func NewAnalyzer(cfg config.LLMConfig, c *cache.Cache) (*Analyzer, error) {
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("llm enabled with no models configured")
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	members := make([]Member, 0, len(cfg.Models))
	tags := make([]string, 0, len(cfg.Models))
	for _, mc := range cfg.Models {
		p, err := NewProvider(mc)
		if err != nil {
			return nil, err
		}
		breaker := circuit.NewBreaker("llm-"+mc.Model, circuit.DefaultConfig())
		wrapped := Chain(p,
			WithTelemetry(),
			WithResilience(breaker, cfg.MaxRetries, timeout),
			WithStrictJSON(),
		)
		members = append(members, Member{Provider: wrapped, Weight: mc.Weight})
		tags = append(tags, mc.Model)
	}
	return &Analyzer{
		ensemble: NewEnsemble(members, cfg.VotingStrategy, cfg.ConfidenceAggregation, cfg.MinQuorum),
		cache:    c,
		modelTag: strings.Join(tags, ","),
	}, nil
}

// Analyze scores an event through the ensemble. Identical prompts within the
// cache TTL are served from the llm_response keyspace; TTL scales with the
// verdict's confidence so shaky answers age out fast.
func (a *Analyzer) Analyze(ctx context.Context, event *models.SecurityEvent, neighbors []Neighbor) (*EnsembleResult, error) {
	prompt := BuildPrompt(event, neighbors)
	key := promptKey(prompt, a.modelTag)

	if v, ok := a.cache.Get(cache.KeyspaceLLMResponse, key); ok {
		return v.(*EnsembleResult), nil
	}

	req := &ChatRequest{
		System:      analystSystemPrompt,
		Prompt:      prompt,
		Temperature: 0.1,
	}
	result, err := a.ensemble.Analyze(ctx, req)
	if err != nil {
		return nil, err
	}

	ttl := 30 * time.Minute
	switch {
	case result.Confidence >= 0.8:
		ttl = 60 * time.Minute
	case result.Confidence < 0.5:
		ttl = 10 * time.Minute
	}
	a.cache.Put(cache.KeyspaceLLMResponse, key, result, ttl, int64(len(prompt)+512))
	return result, nil
}

// BuildPrompt renders the event and its nearest historical neighbors into
// the analysis prompt.
func BuildPrompt(e *models.SecurityEvent, neighbors []Neighbor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Event to assess:\n")
	fmt.Fprintf(&b, "  channel: %s\n  event_id: %d\n  host: %s\n", e.Channel, e.EventID, e.Host)
	fmt.Fprintf(&b, "  timestamp: %s\n", e.Timestamp.UTC().Format(time.RFC3339))
	if e.User != "" {
		fmt.Fprintf(&b, "  user: %s\n", e.User)
	}
	if e.SourceIP != "" {
		fmt.Fprintf(&b, "  source_ip: %s\n", e.SourceIP)
	}
	if e.DestIP != "" {
		fmt.Fprintf(&b, "  dest_ip: %s\n", e.DestIP)
	}
	if e.Process != "" {
		fmt.Fprintf(&b, "  process: %s\n", e.Process)
	}
	if e.CommandLine != "" {
		fmt.Fprintf(&b, "  command_line: %s\n", e.CommandLine)
	}
	if e.ParentProcess != "" {
		fmt.Fprintf(&b, "  parent_process: %s\n", e.ParentProcess)
	}
	if e.Summary != "" {
		fmt.Fprintf(&b, "  summary: %s\n", e.Summary)
	}
	if enr := e.IPEnrichment; enr != nil && enr.Known {
		fmt.Fprintf(&b, "  source_geo: %s %s AS%d %s", enr.Country, enr.City, enr.ASN, enr.Organization)
		if enr.IsHighRisk {
			b.WriteString(" (high-risk network)")
		}
		b.WriteString("\n")
	}

	if len(neighbors) > 0 {
		b.WriteString("\nSimilar past events on this deployment:\n")
		for _, n := range neighbors {
			fmt.Fprintf(&b, "  - [%.2f] %s (%s)\n", n.Similarity, n.Summary, n.RiskLevel)
		}
	}
	return b.String()
}

func promptKey(prompt, modelTag string) string {
	h := fnv.New64a()
	h.Write([]byte(prompt))
	h.Write([]byte{'|'})
	h.Write([]byte(modelTag))
	return fmt.Sprintf("llm:%016x", h.Sum64())
}
