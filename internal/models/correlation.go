package models

import "time"

// CorrelationType identifies the pattern a correlation rule matches.
type CorrelationType string

const (
	CorrelationTemporalBurst       CorrelationType = "TemporalBurst"
	CorrelationBruteForce          CorrelationType = "BruteForce"
	CorrelationLateralMovement     CorrelationType = "LateralMovement"
	CorrelationPrivilegeEscalation CorrelationType = "PrivilegeEscalation"
)

// Correlation is a higher-order incident grouping related security events.
// Once created it is appended to each referenced event's CorrelationIDs and
// may raise (never lower) participant risk.
type Correlation struct {
	ID              string                 `json:"id"`
	Type            CorrelationType        `json:"type"`
	Confidence      float64                `json:"confidence"`
	RiskLevel       RiskLevel              `json:"risk_level"`
	Pattern         string                 `json:"pattern"`
	EventIDs        []string               `json:"event_ids"`
	MitreTechniques []string               `json:"mitre_techniques,omitempty"`
	DetectedAt      time.Time              `json:"detected_at"`
	TimeWindow      time.Duration          `json:"time_window"`
	MatchedRule     string                 `json:"matched_rule"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// CorrelationRule configures one pattern matcher in the correlation engine.
type CorrelationRule struct {
	ID                 string                 `json:"id"`
	Type               CorrelationType        `json:"type"`
	TimeWindow         time.Duration          `json:"time_window"`
	MinEventCount      int                    `json:"min_event_count"`
	MinConfidence      float64                `json:"min_confidence"`
	RequiredEventTypes []EventType            `json:"required_event_types,omitempty"`
	Enabled            bool                   `json:"enabled"`
	Parameters         map[string]interface{} `json:"parameters,omitempty"`
}

// DetectionRule maps (channel, event_id) to a deterministic classification.
// Uniqueness is on the (EventID, Channel) pair.
type DetectionRule struct {
	ID                 int       `json:"id"`
	EventID            int       `json:"event_id"`
	Channel            string    `json:"channel"`
	EventType          EventType `json:"event_type"`
	RiskLevel          RiskLevel `json:"risk_level"`
	Confidence         int       `json:"confidence"`
	Summary            string    `json:"summary"`
	MitreTechniques    []string  `json:"mitre_techniques,omitempty"`
	RecommendedActions []string  `json:"recommended_actions,omitempty"`
	Enabled            bool      `json:"enabled"`
	Priority           int       `json:"priority"`
	Tags               []string  `json:"tags,omitempty"`
}

// NotificationTemplate is a stored message template consumed by external
// notification channels. The core only persists and serves them.
type NotificationTemplate struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	Channel   string    `json:"channel"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}
