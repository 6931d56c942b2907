package analysis

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oicur0t/loglens/pkg/models"
)

// maxBurstBullets bounds how many burst addresses are named individually
const maxBurstBullets = 3

// Phraser turns factual bullets into prose
type Phraser interface {
	Phrase(ctx context.Context, facts []string) (string, error)
}

// Bullets derives factual statements from the aggregated report sections.
// The output is deterministic for a given report.
func Bullets(r *models.LogAnalysisReport) []string {
	var out []string

	if r.AnalysedEntries > 0 && len(r.RequestsPerMinute) > 0 {
		first := r.RequestsPerMinute[0].Time
		last := r.RequestsPerMinute[len(r.RequestsPerMinute)-1].Time
		out = append(out, fmt.Sprintf("%d requests analysed between %s and %s.",
			r.AnalysedEntries, first.Format(time.RFC3339), last.Add(time.Minute).Format(time.RFC3339)))
	}

	if errs := r.StatusCounts.Class4xx + r.StatusCounts.Class5xx; errs > 0 && r.StatusCounts.Total() > 0 {
		out = append(out, fmt.Sprintf("%.1f%% of requests failed (%d client errors, %d server errors).",
			percent(errs, r.StatusCounts.Total()), r.StatusCounts.Class4xx, r.StatusCounts.Class5xx))
	}

	if key, n := top(r.PathCounts); n > 0 {
		out = append(out, fmt.Sprintf("The most requested path was %s with %d requests.", key, n))
	}
	if key, n := top(r.IPCounts); n > 0 {
		out = append(out, fmt.Sprintf("The busiest address was %s with %d requests.", key, n))
	}
	if len(r.HighFrequencyIPs) > 0 {
		out = append(out, fmt.Sprintf("%d addresses sent an unusually high number of requests.", len(r.HighFrequencyIPs)))
	}

	for i, kv := range ranked(r.BurstCounts) {
		if i == maxBurstBullets {
			out = append(out, fmt.Sprintf("%d more addresses exceeded the burst threshold.", len(r.BurstCounts)-maxBurstBullets))
			break
		}
		out = append(out, fmt.Sprintf("%d requests from address %s exceeded the burst threshold.", kv.value, kv.key))
	}

	if len(r.SensitiveEndpointCounts) > 0 {
		total := 0
		for _, n := range r.SensitiveEndpointCounts {
			total += n
		}
		key, _ := top(r.SensitiveEndpointCounts)
		out = append(out, fmt.Sprintf("%d requests touched sensitive endpoints, most often %s.", total, key))
	}

	if len(r.BlacklistedIPs) > 0 {
		out = append(out, fmt.Sprintf("%d blacklisted addresses were seen: %s.", len(r.BlacklistedIPs), strings.Join(r.BlacklistedIPs, ", ")))
	}
	if n := signatureMatches(r.ThreatSignals); n > 0 {
		out = append(out, fmt.Sprintf("%d attack signature matches were found in request paths and user agents.", n))
	}

	bots := 0
	for _, p := range r.BotVsHumanTraffic {
		bots += p.Bot
	}
	if bots > 0 {
		out = append(out, fmt.Sprintf("%d requests (%.1f%%) came from automated or suspicious user agents.",
			bots, percent(bots, r.AnalysedEntries)))
	}

	if len(r.MapMarkers) > 0 {
		m := r.MapMarkers[0]
		place := strings.Trim(strings.Join([]string{m.City, m.Country}, ", "), ", ")
		if place == "" {
			place = m.ID
		}
		out = append(out, fmt.Sprintf("Most traffic came from %s with %d requests.", place, m.RequestCount))
	}

	if r.ParseFailures > 0 {
		out = append(out, fmt.Sprintf("%d entries could not be parsed and were excluded.", r.ParseFailures))
	}
	if r.Truncated {
		out = append(out, fmt.Sprintf("Only the first %d matching entries were analysed.", r.TotalEntries))
	}

	return out
}

// Summarise phrases bullets. With no phraser, or when it fails, the bullets are
// returned newline-joined with SummaryFromFallback and the phraser error.
func Summarise(ctx context.Context, phraser Phraser, bullets []string) (text, source string, err error) {
	if len(bullets) == 0 {
		return "", models.SummaryNone, nil
	}

	fallback := strings.Join(bullets, "\n")
	if phraser == nil {
		return fallback, models.SummaryFromFallback, nil
	}

	text, err = phraser.Phrase(ctx, bullets)
	if err != nil {
		return fallback, models.SummaryFromFallback, err
	}
	return text, models.SummaryFromPhraser, nil
}

type keyCount struct {
	key   string
	value int
}

// ranked sorts a count map by count desc, key asc
func ranked(m map[string]int) []keyCount {
	out := make([]keyCount, 0, len(m))
	for k, v := range m {
		out = append(out, keyCount{k, v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].value != out[j].value {
			return out[i].value > out[j].value
		}
		return out[i].key < out[j].key
	})
	return out
}

func top(m map[string]int) (string, int) {
	r := ranked(m)
	if len(r) == 0 {
		return "", 0
	}
	return r[0].key, r[0].value
}

func signatureMatches(signals []models.ThreatSignal) int {
	n := 0
	for _, s := range signals {
		if s.Kind == models.SignalBlacklist && !strings.HasPrefix(s.Detail, blacklistAddressDetail) {
			n += s.Magnitude
		}
	}
	return n
}

func percent(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return 100 * float64(part) / float64(whole)
}
