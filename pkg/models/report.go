package models

import (
	"encoding/json"
	"time"
)

// SignalKind classifies a threat signal
type SignalKind string

const (
	SignalBlacklist         SignalKind = "blacklist"
	SignalSensitiveEndpoint SignalKind = "sensitive_endpoint"
	SignalBurst             SignalKind = "burst"
	SignalSuspiciousAgent   SignalKind = "suspicious_agent"
)

// EntryRef points at an entry in the report's time-ordered entry set
type EntryRef struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
}

// ThreatSignal is a single security finding
type ThreatSignal struct {
	Kind      SignalKind `json:"kind"`
	Subject   string     `json:"subject"`
	Detail    string     `json:"detail,omitempty"`
	Evidence  []EntryRef `json:"evidence"`
	Magnitude int        `json:"magnitude"`
}

// StatusCounts holds request counts per status class
type StatusCounts struct {
	Class2xx int `json:"2xx"`
	Class3xx int `json:"3xx"`
	Class4xx int `json:"4xx"`
	Class5xx int `json:"5xx"`
}

// Total returns the sum of all classes
func (s StatusCounts) Total() int {
	return s.Class2xx + s.Class3xx + s.Class4xx + s.Class5xx
}

// TimeCount is one point of a per-minute series, encoded as [timestamp, count]
type TimeCount struct {
	Time  time.Time
	Count int
}

func (p TimeCount) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Time.UTC().Format(time.RFC3339), p.Count})
}

// BotHumanPoint is one minute of the bot/human split, encoded as [timestamp, bot, human]
type BotHumanPoint struct {
	Time  time.Time
	Bot   int
	Human int
}

func (p BotHumanPoint) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Time.UTC().Format(time.RFC3339), p.Bot, p.Human})
}

// GeoMarker aggregates request volume for one location cell
type GeoMarker struct {
	ID           string   `json:"id"`
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	City         string   `json:"city"`
	Country      string   `json:"country"`
	ISP          string   `json:"isp"`
	RequestCount int      `json:"request_count"`
	Addresses    []string `json:"addresses"`
}

// GeoStats accounts for every distinct address seen by geo enrichment.
// The request counts cover entries whose address produced no marker.
type GeoStats struct {
	Resolved           int `json:"resolved"`
	Private            int `json:"private"`
	Unresolved         int `json:"unresolved"`
	PrivateRequests    int `json:"private_requests"`
	UnresolvedRequests int `json:"unresolved_requests"`
}

// DegradedSection marks a report section that was emptied or replaced by a fallback
type DegradedSection struct {
	Section string `json:"section"`
	Reason  string `json:"reason"`
}

// Report sections that can degrade independently
const (
	SectionThreats = "threats"
	SectionGeo     = "geo"
	SectionSummary = "summary"
)

// Summary sources
const (
	SummaryFromPhraser  = "phraser"
	SummaryFromFallback = "fallback"
	SummaryNone         = "none"
)

// LogAnalysisReport is the complete analysis for one query.
// Every collection is non-nil so the wire form never carries null for a known field.
type LogAnalysisReport struct {
	ID          string          `json:"id"`
	GeneratedAt time.Time       `json:"generated_at"`
	Filter      json.RawMessage `json:"filter"`

	TotalEntries     int  `json:"total_entries"`
	AnalysedEntries  int  `json:"analysed_entries"`
	ParseFailures    int  `json:"parse_failures"`
	MalformedRecords int  `json:"malformed_records"`
	Truncated        bool `json:"truncated"`

	StatusCounts      StatusCounts   `json:"status_counts"`
	MethodCounts      map[string]int `json:"method_counts"`
	PathCounts        map[string]int `json:"path_counts"`
	RequestsPerMinute []TimeCount    `json:"requests_per_minute"`
	UserAgentCounts   map[string]int `json:"user_agent_counts"`
	IPCounts          map[string]int `json:"ip_counts"`
	HighFrequencyIPs  map[string]int `json:"high_frequency_ips"`

	SensitiveEndpointCounts map[string]int  `json:"sensitive_endpoint_counts"`
	BurstCounts             map[string]int  `json:"burst_counts"`
	BlacklistedIPs          []string        `json:"blacklisted_ips"`
	ThreatSignals           []ThreatSignal  `json:"threat_signals"`
	BotVsHumanTraffic       []BotHumanPoint `json:"bot_vs_human_traffic"`

	MapMarkers []GeoMarker `json:"map_markers"`
	GeoStats   GeoStats    `json:"geo_stats"`

	Summary       string `json:"summary"`
	SummarySource string `json:"summary_source"`

	Degraded []DegradedSection `json:"degraded"`
	Warnings []string          `json:"warnings"`
	Logs     []LogEntry        `json:"logs"`
}

// IsDegraded reports whether the named section was degraded
func (r *LogAnalysisReport) IsDegraded(section string) bool {
	for _, d := range r.Degraded {
		if d.Section == section {
			return true
		}
	}
	return false
}

// AddDegraded records a degraded section once; the first reason wins
func (r *LogAnalysisReport) AddDegraded(section, reason string) {
	if r.IsDegraded(section) {
		return
	}
	r.Degraded = append(r.Degraded, DegradedSection{Section: section, Reason: reason})
}
