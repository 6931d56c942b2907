package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oicur0t/loglens/internal/geo"
	"github.com/oicur0t/loglens/pkg/models"
)

// ErrInvariant means an assembled report is internally inconsistent
var ErrInvariant = errors.New("report invariant violated")

// Meta is the request-level information of a report
type Meta struct {
	ID          string
	GeneratedAt time.Time
	Filter      json.RawMessage
	Malformed   int
	Truncated   bool
	LogsLimit   int
}

// Sections carries the joined component outputs. Threats and Geo are nil when
// their component failed; Degraded names the reason.
type Sections struct {
	Counts   *Counts
	Threats  *Threats
	Geo      *geo.Result
	Degraded []models.DegradedSection
}

// Assemble merges the component outputs into a report. Every collection is
// non-nil. The summary is filled in separately.
func Assemble(meta Meta, d *Dataset, s Sections) *models.LogAnalysisReport {
	filterJSON := meta.Filter
	if len(filterJSON) == 0 {
		filterJSON = json.RawMessage(`{"must":[]}`)
	}

	r := &models.LogAnalysisReport{
		ID:               meta.ID,
		GeneratedAt:      meta.GeneratedAt.UTC(),
		Filter:           filterJSON,
		TotalEntries:     len(d.Entries),
		AnalysedEntries:  len(d.Analysed),
		ParseFailures:    d.ParseFailures,
		MalformedRecords: meta.Malformed,
		Truncated:        meta.Truncated,

		SummarySource: models.SummaryNone,
		Degraded:      []models.DegradedSection{},
		Warnings:      []string{},
	}

	counts := s.Counts
	if counts == nil {
		counts = Count(&Dataset{}, CountOptions{})
	}
	r.StatusCounts = counts.Status
	r.MethodCounts = counts.Methods
	r.PathCounts = counts.Paths
	r.RequestsPerMinute = counts.RequestsPerMinute
	r.UserAgentCounts = counts.UserAgents
	r.IPCounts = counts.IPs
	r.HighFrequencyIPs = counts.HighFrequencyIPs

	threats := s.Threats
	if threats == nil {
		threats = &Threats{
			SensitiveEndpoints: map[string]int{},
			Bursts:             map[string]int{},
			BlacklistedIPs:     []string{},
			Signals:            []models.ThreatSignal{},
			BotVsHuman:         []models.BotHumanPoint{},
		}
	}
	r.SensitiveEndpointCounts = threats.SensitiveEndpoints
	r.BurstCounts = threats.Bursts
	r.BlacklistedIPs = threats.BlacklistedIPs
	r.ThreatSignals = threats.Signals
	r.BotVsHumanTraffic = threats.BotVsHuman

	r.MapMarkers = []models.GeoMarker{}
	if s.Geo != nil {
		r.MapMarkers = s.Geo.Markers
		r.GeoStats = s.Geo.Stats
	}

	for _, deg := range s.Degraded {
		r.AddDegraded(deg.Section, deg.Reason)
	}

	if d.ParseFailures > 0 {
		r.Warnings = append(r.Warnings, fmt.Sprintf("%d entries excluded from aggregates: unparseable timestamp or status", d.ParseFailures))
	}
	if meta.Malformed > 0 {
		r.Warnings = append(r.Warnings, fmt.Sprintf("%d malformed store records skipped", meta.Malformed))
	}
	if meta.Truncated {
		r.Warnings = append(r.Warnings, fmt.Sprintf("result truncated at %d entries", len(d.Entries)))
	}

	r.Logs = recentEntries(d.Entries, meta.LogsLimit)
	return r
}

// recentEntries copies the last n entries
func recentEntries(entries []models.LogEntry, n int) []models.LogEntry {
	if n <= 0 || n > len(entries) {
		n = len(entries)
	}
	out := make([]models.LogEntry, n)
	copy(out, entries[len(entries)-n:])
	return out
}

// Verify checks the cross-field invariants of r against the dataset it was built from
func Verify(r *models.LogAnalysisReport, d *Dataset, stripQuery bool) error {
	classified, withMethod := 0, 0
	paths := make(map[string]struct{})
	for _, idx := range d.Analysed {
		e := &d.Entries[idx]
		if c := e.Status / 100; c >= 2 && c <= 5 {
			classified++
		}
		if e.Method != "" {
			withMethod++
		}
		paths[pathKey(e.Path, stripQuery)] = struct{}{}
	}

	if got := r.StatusCounts.Total(); got != classified {
		return fmt.Errorf("%w: status counts sum to %d, want %d", ErrInvariant, got, classified)
	}
	if got := sum(r.MethodCounts); got != withMethod {
		return fmt.Errorf("%w: method counts sum to %d, want %d", ErrInvariant, got, withMethod)
	}
	for key := range r.PathCounts {
		if _, ok := paths[key]; !ok {
			return fmt.Errorf("%w: path %q has no analysed entry", ErrInvariant, key)
		}
	}

	if !r.IsDegraded(models.SectionGeo) {
		got := r.GeoStats.PrivateRequests + r.GeoStats.UnresolvedRequests
		for _, m := range r.MapMarkers {
			got += m.RequestCount
		}
		if got != r.AnalysedEntries {
			return fmt.Errorf("%w: geo accounts for %d requests, want %d", ErrInvariant, got, r.AnalysedEntries)
		}
	}

	return nil
}

func sum(m map[string]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
