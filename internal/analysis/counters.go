package analysis

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/oicur0t/loglens/pkg/models"
)

// CountOptions tunes the counting aggregators
type CountOptions struct {
	// StripQueryStrings groups paths without their query component
	StripQueryStrings bool
	// HighFrequencyStddev is k in "count > mean + k*stddev"; zero disables the check
	HighFrequencyStddev float64
}

// Counts is the output of the counting aggregators
type Counts struct {
	Status            models.StatusCounts
	Methods           map[string]int
	Paths             map[string]int
	RequestsPerMinute []models.TimeCount
	UserAgents        map[string]int
	IPs               map[string]int
	HighFrequencyIPs  map[string]int
}

// Count runs the single-pass counters over the analysed entries
func Count(d *Dataset, opts CountOptions) *Counts {
	c := &Counts{
		Methods:          make(map[string]int),
		Paths:            make(map[string]int),
		UserAgents:       make(map[string]int),
		IPs:              make(map[string]int),
		HighFrequencyIPs: make(map[string]int),
	}
	perMinute := make(map[time.Time]int)

	for _, idx := range d.Analysed {
		e := &d.Entries[idx]

		switch e.Status / 100 {
		case 2:
			c.Status.Class2xx++
		case 3:
			c.Status.Class3xx++
		case 4:
			c.Status.Class4xx++
		case 5:
			c.Status.Class5xx++
		}

		if e.Method != "" {
			c.Methods[e.Method]++
		}
		if key := pathKey(e.Path, opts.StripQueryStrings); key != "" {
			c.Paths[key]++
		}
		perMinute[minute(e.Datetime)]++
		c.UserAgents[e.HTTPUserAgent]++
		c.IPs[e.RemoteAddr]++
	}

	c.RequestsPerMinute = sortedSeries(perMinute)
	c.HighFrequencyIPs = highFrequency(c.IPs, opts.HighFrequencyStddev)
	return c
}

// pathKey is the grouping key for a path
func pathKey(path string, stripQuery bool) string {
	if stripQuery {
		if i := strings.IndexByte(path, '?'); i >= 0 {
			return path[:i]
		}
	}
	return path
}

func sortedSeries(buckets map[time.Time]int) []models.TimeCount {
	series := make([]models.TimeCount, 0, len(buckets))
	for t, n := range buckets {
		series = append(series, models.TimeCount{Time: t, Count: n})
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Time.Before(series[j].Time) })
	return series
}

// highFrequency returns the addresses whose count exceeds mean + k population stddevs
func highFrequency(counts map[string]int, k float64) map[string]int {
	out := make(map[string]int)
	if k <= 0 || len(counts) < 2 {
		return out
	}

	var sum float64
	for _, n := range counts {
		sum += float64(n)
	}
	mean := sum / float64(len(counts))

	var variance float64
	for _, n := range counts {
		d := float64(n) - mean
		variance += d * d
	}
	threshold := mean + k*math.Sqrt(variance/float64(len(counts)))

	for addr, n := range counts {
		if float64(n) > threshold {
			out[addr] = n
		}
	}
	return out
}
