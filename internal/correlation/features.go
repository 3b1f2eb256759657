package correlation

import (
	"math"
	"strings"
	"time"

	"github.com/rcourtman/vigil/internal/models"
)

// featureVector captures the shape of a candidate incident. Each feature is
// normalized to [0, 1] before the logistic model sees it.
type featureVector struct {
	eventRate       float64 // events relative to twice the rule minimum
	riskMix         float64 // mean participant risk, scaled
	uniqueHosts     float64
	uniqueUsers     float64
	uniqueProcesses float64
	failureRatio    float64 // auth-failure share of the group
	timeSpan        float64 // how tightly the events cluster inside the window
	offHours        float64 // fraction of events outside working hours
}

var featureWeights = [8]float64{1.2, 0.8, 0.6, 0.6, 1.0, 0.8, 0.9, 0.4}

const featureBias = -1.0

// extractFeatures computes the feature vector for a matched event group.
func extractFeatures(rule *models.CorrelationRule, events []*models.SecurityEvent) featureVector {
	var fv featureVector
	if len(events) == 0 {
		return fv
	}

	denom := float64(2 * rule.MinEventCount)
	if denom == 0 {
		denom = 2
	}
	fv.eventRate = clamp01(float64(len(events)) / denom)

	hosts := map[string]bool{}
	users := map[string]bool{}
	procs := map[string]bool{}
	riskSum := 0.0
	failures := 0
	offHours := 0
	for _, e := range events {
		if e.Host != "" {
			hosts[strings.ToLower(e.Host)] = true
		}
		if e.User != "" {
			users[strings.ToLower(e.User)] = true
		}
		if e.Process != "" {
			procs[strings.ToLower(e.Process)] = true
		}
		riskSum += riskScore(e.RiskLevel)
		if e.EventType == models.EventTypeAuthFailure {
			failures++
		}
		h := e.Timestamp.UTC().Hour()
		if h < 8 || h >= 18 {
			offHours++
		}
	}

	n := float64(len(events))
	fv.riskMix = clamp01(riskSum / n)
	fv.uniqueHosts = clamp01(float64(len(hosts)) / 5)
	fv.uniqueUsers = clamp01(float64(len(users)) / 5)
	fv.uniqueProcesses = clamp01(float64(len(procs)) / 5)
	fv.failureRatio = float64(failures) / n
	fv.timeSpan = tightness(rule, events)
	fv.offHours = float64(offHours) / n
	return fv
}

// score runs the logistic model over the feature vector.
func (fv featureVector) score() float64 {
	x := [8]float64{
		fv.eventRate, fv.riskMix, fv.uniqueHosts, fv.uniqueUsers,
		fv.uniqueProcesses, fv.failureRatio, fv.timeSpan, fv.offHours,
	}
	z := featureBias
	for i := range x {
		z += featureWeights[i] * x[i]
	}
	return 1 / (1 + math.Exp(-z))
}

// rawConfidence is the rule-family score computed from the pattern evidence
// itself, before the feature model weighs in.
func rawConfidence(rule *models.CorrelationRule, events []*models.SecurityEvent) float64 {
	if len(events) == 0 {
		return 0
	}
	switch rule.Type {
	case models.CorrelationTemporalBurst:
		denom := float64(2 * rule.MinEventCount)
		if denom == 0 {
			denom = 2
		}
		var confSum float64
		for _, e := range events {
			confSum += float64(e.Confidence) / 100
		}
		mean := confSum / float64(len(events))
		return clamp01(0.4 + 0.3*clamp01(float64(len(events))/denom) + 0.3*mean)

	case models.CorrelationBruteForce:
		// More failures and a tighter run both point at automation.
		failures := 0
		for _, e := range events {
			if e.EventType == models.EventTypeAuthFailure {
				failures++
			}
		}
		return clamp01(0.5 + 0.04*float64(failures) + 0.2*tightness(rule, events))

	case models.CorrelationLateralMovement:
		hosts := map[string]bool{}
		for _, e := range events {
			if e.Host != "" {
				hosts[strings.ToLower(e.Host)] = true
			}
		}
		return clamp01(0.5 + 0.12*float64(len(hosts)))

	case models.CorrelationPrivilegeEscalation:
		return clamp01(0.8 + 0.15*tightness(rule, events))

	default:
		return rule.MinConfidence
	}
}

// confidence blends the rule-family raw score with the feature model,
// weighted toward the pattern evidence.
func confidence(rule *models.CorrelationRule, events []*models.SecurityEvent) float64 {
	model := extractFeatures(rule, events).score()
	return clamp01(0.6*rawConfidence(rule, events) + 0.4*model)
}

// tightness is 1 when the matched events cluster at a point and approaches 0
// as they spread across the full window.
func tightness(rule *models.CorrelationRule, events []*models.SecurityEvent) float64 {
	if rule.TimeWindow <= 0 || len(events) == 0 {
		return 0
	}
	return clamp01(1 - float64(windowSpan(events))/float64(rule.TimeWindow))
}

func riskScore(r models.RiskLevel) float64 {
	switch r {
	case models.RiskCritical:
		return 1.0
	case models.RiskHigh:
		return 0.75
	case models.RiskMedium:
		return 0.5
	case models.RiskLow:
		return 0.25
	default:
		return 0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// windowSpan reports the time covered by a matched group.
func windowSpan(events []*models.SecurityEvent) time.Duration {
	if len(events) == 0 {
		return 0
	}
	first, last := events[0].Timestamp, events[0].Timestamp
	for _, e := range events[1:] {
		if e.Timestamp.Before(first) {
			first = e.Timestamp
		}
		if e.Timestamp.After(last) {
			last = e.Timestamp
		}
	}
	return last.Sub(first)
}
