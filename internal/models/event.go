// Package models defines the core data types shared across the Vigil
// pipeline: raw log records, security events, detection rules, correlations
// and dashboard snapshots.
package models

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType classifies what kind of activity a security event describes.
type EventType string

const (
	EventTypeAuthSuccess         EventType = "AuthenticationSuccess"
	EventTypeAuthFailure         EventType = "AuthenticationFailure"
	EventTypeProcessCreation     EventType = "ProcessCreation"
	EventTypeNetworkConnection   EventType = "NetworkConnection"
	EventTypePrivilegeEscalation EventType = "PrivilegeEscalation"
	EventTypeFileSystem          EventType = "FileSystem"
	EventTypeOther               EventType = "Other"
)

// RiskLevel is the assessed severity of an event or correlation.
type RiskLevel string

const (
	RiskCritical RiskLevel = "Critical"
	RiskHigh     RiskLevel = "High"
	RiskMedium   RiskLevel = "Medium"
	RiskLow      RiskLevel = "Low"
)

// riskRank orders risk levels so upgrades can be compared. Higher is worse.
func riskRank(r RiskLevel) int {
	switch r {
	case RiskCritical:
		return 4
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	case RiskLow:
		return 1
	default:
		return 0
	}
}

// Exceeds reports whether r is strictly more severe than other.
func (r RiskLevel) Exceeds(other RiskLevel) bool {
	return riskRank(r) > riskRank(other)
}

// MaxRisk returns the more severe of two risk levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if riskRank(a) >= riskRank(b) {
		return a
	}
	return b
}

// DetectionMethod records which path produced the event's classification.
type DetectionMethod string

const (
	DetectionDeterministic DetectionMethod = "Deterministic"
	DetectionAI            DetectionMethod = "AI"
	DetectionCorrelation   DetectionMethod = "Correlation"
	DetectionHybrid        DetectionMethod = "Hybrid"
)

// EventStatus is the operator-facing triage state of an event.
type EventStatus string

const (
	StatusOpen          EventStatus = "Open"
	StatusInvestigating EventStatus = "Investigating"
	StatusResolved      EventStatus = "Resolved"
)

// RawRecord is a single OS event-log record as delivered by the log watcher.
// Ownership passes to the orchestrator once submit acknowledges it; the
// channel bookmark may then be advanced.
type RawRecord struct {
	Channel       string            `json:"channel"`
	EventID       int               `json:"event_id"`
	TimeCreated   time.Time         `json:"time_created"`
	XMLPayload    string            `json:"xml_payload"`
	Host          string            `json:"host"`
	BookmarkToken string            `json:"bookmark_token"`
	Fields        map[string]string `json:"fields,omitempty"`
}

// IPEnrichment holds geo/ASN context for an external address.
type IPEnrichment struct {
	IP           string `json:"ip"`
	Country      string `json:"country,omitempty"`
	City         string `json:"city,omitempty"`
	ASN          int    `json:"asn,omitempty"`
	Organization string `json:"organization,omitempty"`
	IsHighRisk   bool   `json:"is_high_risk"`
	Known        bool   `json:"known"`
}

// SecurityEvent is the central entity of the pipeline. Once persisted,
// Timestamp, EventID, Channel and Host are immutable; Notes, Status,
// CorrelationScore, CorrelationIDs and MitreTechniques may be revised by
// later stages. RiskLevel only ever moves upward.
type SecurityEvent struct {
	ID                 string          `json:"id"`
	EventID            int             `json:"event_id"`
	Channel            string          `json:"channel"`
	EventType          EventType       `json:"event_type"`
	RiskLevel          RiskLevel       `json:"risk_level"`
	Confidence         int             `json:"confidence"`
	CorrelationScore   float64         `json:"correlation_score"`
	Timestamp          time.Time       `json:"timestamp"`
	CreatedAt          time.Time       `json:"created_at"`
	Host               string          `json:"host"`
	User               string          `json:"user,omitempty"`
	SourceIP           string          `json:"source_ip,omitempty"`
	DestIP             string          `json:"dest_ip,omitempty"`
	Process            string          `json:"process,omitempty"`
	CommandLine        string          `json:"command_line,omitempty"`
	ParentProcess      string          `json:"parent_process,omitempty"`
	MitreTechniques    []string        `json:"mitre_techniques,omitempty"`
	Summary            string          `json:"summary"`
	RecommendedActions []string        `json:"recommended_actions,omitempty"`
	DetectionMethod    DetectionMethod `json:"detection_method"`
	IPEnrichment       *IPEnrichment   `json:"ip_enrichment,omitempty"`
	EmbeddingRef       string          `json:"embedding_ref,omitempty"`
	Notes              string          `json:"notes,omitempty"`
	Status             EventStatus     `json:"status"`
	CorrelationIDs     []string        `json:"correlation_ids,omitempty"`
	RequiresAI         bool            `json:"requires_ai,omitempty"`
	Degraded           bool            `json:"degraded,omitempty"`
	RecordHash         string          `json:"record_hash,omitempty"`
}

// EventSummary is the trimmed projection pushed to dashboards.
type EventSummary struct {
	ID        string    `json:"id"`
	EventType EventType `json:"event_type"`
	RiskLevel RiskLevel `json:"risk_level"`
	Timestamp time.Time `json:"timestamp"`
	Host      string    `json:"host"`
	User      string    `json:"user,omitempty"`
	SourceIP  string    `json:"source_ip,omitempty"`
	Summary   string    `json:"summary"`
}

// Summarize returns the dashboard projection of the event.
func (e *SecurityEvent) Summarize() EventSummary {
	return EventSummary{
		ID:        e.ID,
		EventType: e.EventType,
		RiskLevel: e.RiskLevel,
		Timestamp: e.Timestamp,
		Host:      e.Host,
		User:      e.User,
		SourceIP:  e.SourceIP,
		Summary:   e.Summary,
	}
}

// DedupKey is the uniqueness tuple the pipeline deduplicates on.
func (r *RawRecord) DedupKey(recordHash string) string {
	return fmt.Sprintf("%s|%d|%d|%s|%s",
		strings.ToLower(r.Channel), r.EventID, r.TimeCreated.UnixNano(),
		strings.ToLower(r.Host), recordHash)
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewEventID returns a ULID that is unique and monotonic in creation order.
// Monotonicity is what makes the ID usable for dedup ordering and stable
// pagination.
func NewEventID(now time.Time) string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), ulidEntropy).String()
}
