package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/vigil/internal/models"
)

// Analysis is one model's structured verdict on an event.
type Analysis struct {
	RiskLevel          models.RiskLevel `json:"risk_level"`
	EventType          models.EventType `json:"event_type"`
	Confidence         float64          `json:"confidence"`
	Summary            string           `json:"summary"`
	MitreTechniques    []string         `json:"mitre_techniques"`
	RecommendedActions []string         `json:"recommended_actions"`
}

// EnsembleResult is the combined verdict plus provenance.
type EnsembleResult struct {
	Analysis
	Models   []string `json:"models"`
	Votes    int      `json:"votes"`
	Degraded bool     `json:"degraded"`
}

// ErrNoVerdict is returned when no model produced a usable analysis.
var ErrNoVerdict = errors.New("llm: no model produced a verdict")

// Member is one weighted model in the ensemble.
type Member struct {
	Provider Provider
	Weight   float64
}

// Ensemble queries all members concurrently and combines their verdicts.
type Ensemble struct {
	members     []Member
	voting      string
	aggregation string
	minQuorum   int
}

// NewEnsemble creates an ensemble. voting is one of majority, weighted,
// unanimous; aggregation one of mean, median, min, max, weighted_mean.
func NewEnsemble(members []Member, voting, aggregation string, minQuorum int) *Ensemble {
	if voting == "" {
		voting = "weighted"
	}
	if aggregation == "" {
		aggregation = "weighted_mean"
	}
	if minQuorum <= 0 {
		minQuorum = 2
	}
	if minQuorum > len(members) {
		minQuorum = len(members)
	}
	return &Ensemble{members: members, voting: voting, aggregation: aggregation, minQuorum: minQuorum}
}

type memberVerdict struct {
	analysis *Analysis
	model    string
	weight   float64
}

// Analyze fans the request out to every member and votes on the results.
// Member failures shrink the vote; below quorum the result is marked
// degraded, and with zero verdicts ErrNoVerdict is returned.
func (e *Ensemble) Analyze(ctx context.Context, req *ChatRequest) (*EnsembleResult, error) {
	verdicts := make([]memberVerdict, len(e.members))
	var wg sync.WaitGroup
	for i, m := range e.members {
		wg.Add(1)
		go func(i int, m Member) {
			defer wg.Done()
			resp, err := m.Provider.Chat(ctx, req)
			if err != nil {
				log.Warn().Str("model", m.Provider.Name()).Err(err).Msg("Ensemble member failed")
				return
			}
			a, err := ParseAnalysis(resp.Content)
			if err != nil {
				log.Warn().Str("model", m.Provider.Name()).Err(err).Msg("Ensemble member reply unparseable")
				return
			}
			verdicts[i] = memberVerdict{analysis: a, model: m.Provider.Name(), weight: m.Weight}
		}(i, m)
	}
	wg.Wait()

	var usable []memberVerdict
	for _, v := range verdicts {
		if v.analysis != nil {
			usable = append(usable, v)
		}
	}
	if len(usable) == 0 {
		return nil, ErrNoVerdict
	}

	if len(usable) < e.minQuorum {
		// Below quorum a vote is not meaningful; hand back the heaviest
		// surviving verdict, flagged so downstream merge stays cautious.
		best := usable[0]
		for _, v := range usable[1:] {
			if v.weight > best.weight {
				best = v
			}
		}
		log.Warn().Int("votes", len(usable)).Int("quorum", e.minQuorum).
			Str("model", best.model).Msg("Ensemble below quorum, using single-model verdict")
		return &EnsembleResult{
			Analysis: *best.analysis,
			Models:   []string{best.model},
			Votes:    len(usable),
			Degraded: true,
		}, nil
	}

	result := e.combine(usable)
	result.Votes = len(usable)
	return result, nil
}

func (e *Ensemble) combine(vs []memberVerdict) *EnsembleResult {
	res := &EnsembleResult{}
	for _, v := range vs {
		res.Models = append(res.Models, v.model)
	}

	res.RiskLevel = e.voteRisk(vs)
	res.EventType = voteEventType(vs)
	res.Confidence = e.aggregateConfidence(vs)
	res.MitreTechniques = unionStrings(vs, func(a *Analysis) []string { return a.MitreTechniques })
	res.RecommendedActions = unionStrings(vs, func(a *Analysis) []string { return a.RecommendedActions })

	// Summary comes from the heaviest member that produced one.
	best := vs[0]
	for _, v := range vs[1:] {
		if v.weight > best.weight && v.analysis.Summary != "" {
			best = v
		}
	}
	res.Summary = best.analysis.Summary
	return res
}

func (e *Ensemble) voteRisk(vs []memberVerdict) models.RiskLevel {
	switch e.voting {
	case "unanimous":
		first := vs[0].analysis.RiskLevel
		for _, v := range vs[1:] {
			if v.analysis.RiskLevel != first {
				// Disagreement resolves to the most severe view.
				worst := first
				for _, w := range vs {
					worst = models.MaxRisk(worst, w.analysis.RiskLevel)
				}
				return worst
			}
		}
		return first
	case "majority":
		counts := map[models.RiskLevel]int{}
		for _, v := range vs {
			counts[v.analysis.RiskLevel]++
		}
		return pickRisk(counts, func(r models.RiskLevel) float64 { return float64(counts[r]) })
	default: // weighted
		weights := map[models.RiskLevel]float64{}
		for _, v := range vs {
			w := v.weight
			if w <= 0 {
				w = 1
			}
			weights[v.analysis.RiskLevel] += w
		}
		counts := map[models.RiskLevel]int{}
		for r := range weights {
			counts[r] = 1
		}
		return pickRisk(counts, func(r models.RiskLevel) float64 { return weights[r] })
	}
}

// pickRisk selects the risk level with the highest score, breaking ties
// toward the more severe level.
func pickRisk(candidates map[models.RiskLevel]int, score func(models.RiskLevel) float64) models.RiskLevel {
	best := models.RiskLow
	bestScore := -1.0
	for r := range candidates {
		s := score(r)
		if s > bestScore || (s == bestScore && r.Exceeds(best)) {
			best = r
			bestScore = s
		}
	}
	return best
}

func voteEventType(vs []memberVerdict) models.EventType {
	weights := map[models.EventType]float64{}
	for _, v := range vs {
		w := v.weight
		if w <= 0 {
			w = 1
		}
		weights[v.analysis.EventType] += w
	}
	best := models.EventTypeOther
	bestScore := -1.0
	for t, w := range weights {
		if w > bestScore {
			best = t
			bestScore = w
		}
	}
	return best
}

func (e *Ensemble) aggregateConfidence(vs []memberVerdict) float64 {
	confs := make([]float64, 0, len(vs))
	for _, v := range vs {
		confs = append(confs, v.analysis.Confidence)
	}
	sort.Float64s(confs)

	switch e.aggregation {
	case "min":
		return confs[0]
	case "max":
		return confs[len(confs)-1]
	case "median":
		n := len(confs)
		if n%2 == 1 {
			return confs[n/2]
		}
		return (confs[n/2-1] + confs[n/2]) / 2
	case "mean":
		sum := 0.0
		for _, c := range confs {
			sum += c
		}
		return sum / float64(len(confs))
	default: // weighted_mean
		var sum, wsum float64
		for _, v := range vs {
			w := v.weight
			if w <= 0 {
				w = 1
			}
			sum += v.analysis.Confidence * w
			wsum += w
		}
		if wsum == 0 {
			return 0
		}
		return sum / wsum
	}
}

func unionStrings(vs []memberVerdict, get func(*Analysis) []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range vs {
		for _, s := range get(v.analysis) {
			s = strings.TrimSpace(s)
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// ParseAnalysis decodes a model reply into an Analysis, tolerating 0-100
// confidence scales and unknown enum values.
func ParseAnalysis(content string) (*Analysis, error) {
	raw, err := ExtractJSON(content)
	if err != nil {
		return nil, err
	}
	var a Analysis
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("analysis decode failed: %w", err)
	}
	if a.Confidence > 1 {
		a.Confidence = a.Confidence / 100
	}
	if a.Confidence < 0 {
		a.Confidence = 0
	}
	if a.Confidence > 1 {
		a.Confidence = 1
	}
	a.RiskLevel = normalizeRisk(string(a.RiskLevel))
	if a.EventType == "" {
		a.EventType = models.EventTypeOther
	}
	return &a, nil
}

func normalizeRisk(s string) models.RiskLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return models.RiskCritical
	case "high":
		return models.RiskHigh
	case "medium", "moderate":
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}
