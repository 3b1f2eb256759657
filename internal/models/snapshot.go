package models

import "time"

// TimeRange is the dashboard lookback window.
type TimeRange string

const (
	Range1h  TimeRange = "1h"
	Range24h TimeRange = "24h"
	Range7d  TimeRange = "7d"
	Range30d TimeRange = "30d"
)

// Duration converts the range to a time.Duration. Unknown values fall back
// to 24 hours.
func (r TimeRange) Duration() time.Duration {
	switch r {
	case Range1h:
		return time.Hour
	case Range7d:
		return 7 * 24 * time.Hour
	case Range30d:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// ComponentHealth describes one subsystem's health for the status endpoint.
type ComponentHealth struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// SecurityEventStats summarizes the event population for a snapshot.
type SecurityEventStats struct {
	Total         int               `json:"total"`
	RiskCounts    map[RiskLevel]int `json:"risk_counts"`
	Recent        []EventSummary    `json:"recent"`
	LastEventTime *time.Time        `json:"last_event_time,omitempty"`
}

// SystemStatusStats summarizes component health for a snapshot.
type SystemStatusStats struct {
	TotalComponents   int                        `json:"total_components"`
	HealthyComponents int                        `json:"healthy_components"`
	ComponentStatuses map[string]ComponentHealth `json:"component_statuses"`
}

// ThreatScannerStats summarizes scanner activity for a snapshot. Scanning is
// an external collaborator; the core only relays its counters.
type ThreatScannerStats struct {
	TotalScans   int        `json:"total_scans"`
	ActiveScans  int        `json:"active_scans"`
	ThreatsFound int        `json:"threats_found"`
	LastScanTime *time.Time `json:"last_scan_time,omitempty"`
}

// DashboardSnapshot is the consolidated, time-ranged summary pushed to
// dashboards. It is never persisted; it is recomputed on demand and cached
// for at most 30 seconds.
type DashboardSnapshot struct {
	SecurityEvents SecurityEventStats `json:"security_events"`
	SystemStatus   SystemStatusStats  `json:"system_status"`
	ThreatScanner  ThreatScannerStats `json:"threat_scanner"`
	LastUpdated    time.Time          `json:"last_updated"`
	TimeRange      TimeRange          `json:"time_range"`
}

// TimelineBucket is one aggregation bucket from the relational store.
type TimelineBucket struct {
	BucketStart time.Time `json:"timestamp"`
	Count       int       `json:"count"`
}
