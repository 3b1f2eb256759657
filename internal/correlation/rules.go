package correlation

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rcourtman/vigil/internal/models"
)

// DefaultRules returns the built-in pattern matchers used when no rules file
// is configured.
func DefaultRules() []models.CorrelationRule {
	return []models.CorrelationRule{
		{
			ID:            "temporal-burst",
			Type:          models.CorrelationTemporalBurst,
			TimeWindow:    5 * time.Minute,
			MinEventCount: 10,
			MinConfidence: 0.6,
			Enabled:       true,
		},
		{
			ID:            "brute-force",
			Type:          models.CorrelationBruteForce,
			TimeWindow:    10 * time.Minute,
			MinEventCount: 5,
			MinConfidence: 0.85,
			Enabled:       true,
		},
		{
			ID:            "lateral-movement",
			Type:          models.CorrelationLateralMovement,
			TimeWindow:    30 * time.Minute,
			MinEventCount: 3,
			MinConfidence: 0.75,
			Enabled:       true,
		},
		{
			ID:            "privilege-escalation",
			Type:          models.CorrelationPrivilegeEscalation,
			TimeWindow:    15 * time.Minute,
			MinEventCount: 2,
			MinConfidence: 0.8,
			Enabled:       true,
			RequiredEventTypes: []models.EventType{
				models.EventTypeProcessCreation,
				models.EventTypePrivilegeEscalation,
			},
		},
	}
}

type ruleFileSpec struct {
	Rules []struct {
		ID                 string                 `json:"id"`
		Type               string                 `json:"type"`
		TimeWindowSeconds  int                    `json:"time_window_seconds"`
		MinEventCount      int                    `json:"min_event_count"`
		MinConfidence      float64                `json:"min_confidence"`
		RequiredEventTypes []string               `json:"required_event_types"`
		Enabled            *bool                  `json:"enabled"`
		Parameters         map[string]interface{} `json:"parameters"`
	} `json:"rules"`
}

// LoadRulesFile parses a correlation rules file. Unknown rule types are
// rejected so misspellings do not silently disable a pattern.
func LoadRulesFile(path string) ([]models.CorrelationRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var spec ruleFileSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	rules := make([]models.CorrelationRule, 0, len(spec.Rules))
	for i, r := range spec.Rules {
		ct, err := parseType(r.Type)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rule := models.CorrelationRule{
			ID:            r.ID,
			Type:          ct,
			TimeWindow:    time.Duration(r.TimeWindowSeconds) * time.Second,
			MinEventCount: r.MinEventCount,
			MinConfidence: r.MinConfidence,
			Enabled:       true,
			Parameters:    r.Parameters,
		}
		if r.Enabled != nil {
			rule.Enabled = *r.Enabled
		}
		if rule.ID == "" {
			rule.ID = strings.ToLower(string(ct))
		}
		if rule.TimeWindow <= 0 {
			rule.TimeWindow = 10 * time.Minute
		}
		if rule.MinEventCount <= 0 {
			rule.MinEventCount = 2
		}
		for _, et := range r.RequiredEventTypes {
			rule.RequiredEventTypes = append(rule.RequiredEventTypes, models.EventType(et))
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func parseType(s string) (models.CorrelationType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "temporalburst", "temporal_burst", "burst":
		return models.CorrelationTemporalBurst, nil
	case "bruteforce", "brute_force":
		return models.CorrelationBruteForce, nil
	case "lateralmovement", "lateral_movement":
		return models.CorrelationLateralMovement, nil
	case "privilegeescalation", "privilege_escalation":
		return models.CorrelationPrivilegeEscalation, nil
	default:
		return "", fmt.Errorf("unknown correlation type %q", s)
	}
}

// groupKey derives the aggregation key a rule accumulates events under.
// Events without the needed identity fields return "" and are skipped.
func groupKey(rule *models.CorrelationRule, e *models.SecurityEvent) string {
	switch rule.Type {
	case models.CorrelationTemporalBurst:
		if e.SourceIP != "" {
			return "burst|" + strings.ToLower(e.SourceIP)
		}
		// No source address: fall back to tracking the host itself. The
		// extra segment keeps host keys from colliding with IP keys.
		if e.Host != "" {
			return "burst|host|" + strings.ToLower(e.Host)
		}
		return ""
	case models.CorrelationBruteForce:
		if e.Host == "" || e.User == "" {
			return ""
		}
		return "brute|" + strings.ToLower(e.Host) + "|" + strings.ToLower(e.User)
	case models.CorrelationLateralMovement:
		if e.User == "" {
			return ""
		}
		return "lateral|" + strings.ToLower(e.User)
	case models.CorrelationPrivilegeEscalation:
		if e.Host == "" || e.User == "" {
			return ""
		}
		return "privesc|" + strings.ToLower(e.Host) + "|" + strings.ToLower(e.User)
	default:
		return ""
	}
}

// relevant filters which events a rule accumulates at all.
func relevant(rule *models.CorrelationRule, e *models.SecurityEvent) bool {
	switch rule.Type {
	case models.CorrelationBruteForce:
		return e.EventType == models.EventTypeAuthFailure || e.EventType == models.EventTypeAuthSuccess
	case models.CorrelationLateralMovement:
		// The pattern is per event type, so any type qualifies unless the
		// rule narrows it.
		if len(rule.RequiredEventTypes) > 0 {
			return containsEventType(rule.RequiredEventTypes, e.EventType)
		}
		return true
	case models.CorrelationPrivilegeEscalation:
		if containsEventType(rule.RequiredEventTypes, e.EventType) {
			return true
		}
		return e.EventType == models.EventTypeAuthSuccess ||
			e.EventType == models.EventTypeProcessCreation ||
			e.EventType == models.EventTypePrivilegeEscalation
	default:
		return true
	}
}

func containsEventType(types []models.EventType, t models.EventType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// match evaluates the rule's pattern over the windowed events, newest last.
// Returns the participating events when the pattern holds.
func match(rule *models.CorrelationRule, events []*models.SecurityEvent) []*models.SecurityEvent {
	if len(events) < rule.MinEventCount {
		return nil
	}
	switch rule.Type {
	case models.CorrelationTemporalBurst:
		// Volume alone is not enough; the participants have to look bad on
		// average too.
		var confSum float64
		for _, e := range events {
			confSum += float64(e.Confidence) / 100
		}
		if confSum/float64(len(events)) < rule.MinConfidence {
			return nil
		}
		return events

	case models.CorrelationBruteForce:
		// A run of failures capped by a success on the same (host, user).
		var failures []*models.SecurityEvent
		for _, e := range events {
			switch e.EventType {
			case models.EventTypeAuthFailure:
				failures = append(failures, e)
			case models.EventTypeAuthSuccess:
				if len(failures) >= rule.MinEventCount {
					return append(failures, e)
				}
			}
		}
		return nil

	case models.CorrelationLateralMovement:
		// Same activity for one user fanning out across hosts. Group hosts
		// per event type and take the widest spread; ties break on type name
		// so reruns stay deterministic.
		hostsByType := map[models.EventType]map[string]bool{}
		for _, e := range events {
			h := strings.ToLower(e.Host)
			if h == "" {
				continue
			}
			set := hostsByType[e.EventType]
			if set == nil {
				set = map[string]bool{}
				hostsByType[e.EventType] = set
			}
			set[h] = true
		}
		var best models.EventType
		bestHosts := 0
		for et, hosts := range hostsByType {
			if len(hosts) > bestHosts || (len(hosts) == bestHosts && et < best) {
				best, bestHosts = et, len(hosts)
			}
		}
		if bestHosts < rule.MinEventCount {
			return nil
		}
		var out []*models.SecurityEvent
		for _, e := range events {
			if e.EventType == best {
				out = append(out, e)
			}
		}
		return out

	case models.CorrelationPrivilegeEscalation:
		// Required types must each occur, in order, within the window.
		// Events of other types in between do not break the sequence.
		required := rule.RequiredEventTypes
		if len(required) == 0 {
			required = []models.EventType{models.EventTypeProcessCreation, models.EventTypePrivilegeEscalation}
		}
		idx := 0
		var out []*models.SecurityEvent
		for _, e := range events {
			if idx < len(required) && e.EventType == required[idx] {
				out = append(out, e)
				idx++
			}
		}
		if idx == len(required) {
			return out
		}
		return nil
	}
	return nil
}

// baseRisk is the severity a correlation type starts at before any
// confidence-driven upgrade.
func baseRisk(t models.CorrelationType) models.RiskLevel {
	switch t {
	case models.CorrelationPrivilegeEscalation:
		return models.RiskCritical
	case models.CorrelationBruteForce, models.CorrelationLateralMovement:
		return models.RiskHigh
	default:
		return models.RiskMedium
	}
}

// mitreFor is the per-type fallback annotation, used when no participant
// brought its own technique from classification.
func mitreFor(t models.CorrelationType) []string {
	switch t {
	case models.CorrelationBruteForce:
		return []string{"T1110"}
	case models.CorrelationLateralMovement:
		return []string{"T1021"}
	case models.CorrelationPrivilegeEscalation:
		return []string{"T1068", "T1078"}
	default:
		return nil
	}
}

// participantTechniques unions the MITRE annotations the matched events
// already carry.
func participantTechniques(events []*models.SecurityEvent) []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range events {
		for _, t := range e.MitreTechniques {
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}
