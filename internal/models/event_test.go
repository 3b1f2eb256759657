package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRiskOrdering(t *testing.T) {
	assert.True(t, RiskCritical.Exceeds(RiskHigh))
	assert.True(t, RiskHigh.Exceeds(RiskMedium))
	assert.True(t, RiskMedium.Exceeds(RiskLow))
	assert.False(t, RiskLow.Exceeds(RiskLow), "Exceeds must be strict")

	assert.Equal(t, RiskHigh, MaxRisk(RiskLow, RiskHigh))
	assert.Equal(t, RiskMedium, MaxRisk(RiskMedium, RiskMedium))
}

func TestNewEventIDMonotonic(t *testing.T) {
	now := time.Now()
	prev := NewEventID(now)
	for i := 0; i < 1000; i++ {
		id := NewEventID(now)
		require.Len(t, id, 26)
		require.Greater(t, id, prev, "IDs must be monotonic within a timestamp")
		prev = id
	}
}

func TestDedupKey(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := RawRecord{Channel: "Security", EventID: 4625, TimeCreated: ts, Host: "WS01"}
	b := RawRecord{Channel: "security", EventID: 4625, TimeCreated: ts, Host: "ws01"}

	assert.Equal(t, a.DedupKey("h1"), b.DedupKey("h1"),
		"channel and host must be case-insensitive")
	assert.NotEqual(t, a.DedupKey("h1"), a.DedupKey("h2"))

	c := a
	c.TimeCreated = ts.Add(time.Millisecond)
	assert.NotEqual(t, a.DedupKey("h1"), c.DedupKey("h1"))
}

func TestSummarize(t *testing.T) {
	e := SecurityEvent{
		ID:          "01ABC",
		EventType:   EventTypeAuthFailure,
		RiskLevel:   RiskHigh,
		Host:        "WS01",
		User:        "alice",
		SourceIP:    "203.0.113.7",
		Summary:     "Failed logon",
		CommandLine: "should not leak",
		Notes:       "internal note",
	}
	s := e.Summarize()
	assert.Equal(t, e.ID, s.ID)
	assert.Equal(t, RiskHigh, s.RiskLevel)
	assert.Equal(t, "Failed logon", s.Summary)
}
