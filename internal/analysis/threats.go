package analysis

import (
	"fmt"
	"sort"
	"time"

	"github.com/oicur0t/loglens/pkg/models"
)

// Defaults applied to non-positive ThreatOptions
const (
	DefaultBurstWindow    = 60 * time.Second
	DefaultBurstThreshold = 10
	DefaultEvidenceLimit  = 20
)

// blacklistAddressDetail prefixes the detail of address blacklist signals
const blacklistAddressDetail = "address in "

// ThreatOptions tunes the threat heuristics
type ThreatOptions struct {
	BurstWindow    time.Duration
	BurstThreshold int
	EvidenceLimit  int
}

func (o ThreatOptions) withDefaults() ThreatOptions {
	if o.BurstWindow <= 0 {
		o.BurstWindow = DefaultBurstWindow
	}
	if o.BurstThreshold <= 0 {
		o.BurstThreshold = DefaultBurstThreshold
	}
	if o.EvidenceLimit <= 0 {
		o.EvidenceLimit = DefaultEvidenceLimit
	}
	return o
}

// Threats is the output of the threat heuristics
type Threats struct {
	SensitiveEndpoints map[string]int
	Bursts             map[string]int
	BlacklistedIPs     []string
	Signals            []models.ThreatSignal
	BotVsHuman         []models.BotHumanPoint
	// SuspiciousRequests counts entries whose agent was classified as a bot
	SuspiciousRequests int
}

// signalKey identifies one signal; a subject matched by two signatures yields two signals
type signalKey struct {
	kind    models.SignalKind
	subject string
	detail  string
}

// signalSet accumulates signals with capped evidence
type signalSet struct {
	limit   int
	order   []signalKey
	signals map[signalKey]*models.ThreatSignal
}

func newSignalSet(limit int) *signalSet {
	return &signalSet{limit: limit, signals: make(map[signalKey]*models.ThreatSignal)}
}

func (s *signalSet) add(key signalKey, ref models.EntryRef) {
	sig, ok := s.signals[key]
	if !ok {
		sig = &models.ThreatSignal{
			Kind:     key.kind,
			Subject:  key.subject,
			Detail:   key.detail,
			Evidence: []models.EntryRef{},
		}
		s.signals[key] = sig
		s.order = append(s.order, key)
	}
	sig.Magnitude++
	if len(sig.Evidence) < s.limit {
		sig.Evidence = append(sig.Evidence, ref)
	}
}

var kindOrder = map[models.SignalKind]int{
	models.SignalBlacklist:         0,
	models.SignalSensitiveEndpoint: 1,
	models.SignalBurst:             2,
	models.SignalSuspiciousAgent:   3,
}

// sorted returns signals by kind, magnitude desc, subject, detail
func (s *signalSet) sorted() []models.ThreatSignal {
	out := make([]models.ThreatSignal, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, *s.signals[k])
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Kind != b.Kind {
			return kindOrder[a.Kind] < kindOrder[b.Kind]
		}
		if a.Magnitude != b.Magnitude {
			return a.Magnitude > b.Magnitude
		}
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		return a.Detail < b.Detail
	})
	return out
}

// DetectThreats runs the threat heuristics over the analysed entries
func DetectThreats(d *Dataset, rules *Ruleset, opts ThreatOptions) *Threats {
	opts = opts.withDefaults()
	t := &Threats{
		SensitiveEndpoints: make(map[string]int),
		Bursts:             make(map[string]int),
		BlacklistedIPs:     []string{},
	}
	signals := newSignalSet(opts.EvidenceLimit)
	blacklisted := make(map[string]struct{})
	byAddr := make(map[string][]int)
	agentReasons := make(map[string]string)
	botHuman := make(map[time.Time]*models.BotHumanPoint)

	for _, idx := range d.Analysed {
		e := &d.Entries[idx]
		ref := d.ref(idx)

		if prefix, ok := rules.blacklistedBy(e.RemoteAddr); ok {
			blacklisted[e.RemoteAddr] = struct{}{}
			signals.add(signalKey{models.SignalBlacklist, e.RemoteAddr, blacklistAddressDetail + prefix.String()}, ref)
		}
		for _, sig := range rules.signaturesIn(e.Path) {
			signals.add(signalKey{models.SignalBlacklist, e.Path, "path contains " + sig}, ref)
		}
		for _, sig := range rules.signaturesIn(e.HTTPUserAgent) {
			signals.add(signalKey{models.SignalBlacklist, e.HTTPUserAgent, "user agent contains " + sig}, ref)
		}

		if e.Path != "" && rules.isSensitive(e.Path) {
			t.SensitiveEndpoints[e.Path]++
			signals.add(signalKey{models.SignalSensitiveEndpoint, e.Path, ""}, ref)
		}

		byAddr[e.RemoteAddr] = append(byAddr[e.RemoteAddr], idx)

		reason, seen := agentReasons[e.HTTPUserAgent]
		if !seen {
			reason = rules.classifyAgent(e.HTTPUserAgent)
			agentReasons[e.HTTPUserAgent] = reason
		}

		bucket := minute(e.Datetime)
		point, ok := botHuman[bucket]
		if !ok {
			point = &models.BotHumanPoint{Time: bucket}
			botHuman[bucket] = point
		}
		if reason != "" {
			point.Bot++
			t.SuspiciousRequests++
			signals.add(signalKey{models.SignalSuspiciousAgent, e.HTTPUserAgent, reason}, ref)
		} else {
			point.Human++
		}
	}

	for addr, idxs := range byAddr {
		burst := burstEntries(d, idxs, opts.BurstWindow, opts.BurstThreshold)
		if len(burst) == 0 {
			continue
		}
		t.Bursts[addr] = len(burst)
		key := signalKey{
			kind:    models.SignalBurst,
			subject: addr,
			detail:  fmt.Sprintf("at least %d requests within %s", opts.BurstThreshold, opts.BurstWindow),
		}
		for _, idx := range burst {
			signals.add(key, d.ref(idx))
		}
	}

	for addr := range blacklisted {
		t.BlacklistedIPs = append(t.BlacklistedIPs, addr)
	}
	sort.Strings(t.BlacklistedIPs)

	t.BotVsHuman = make([]models.BotHumanPoint, 0, len(botHuman))
	for _, p := range botHuman {
		t.BotVsHuman = append(t.BotVsHuman, *p)
	}
	sort.Slice(t.BotVsHuman, func(i, j int) bool { return t.BotVsHuman[i].Time.Before(t.BotVsHuman[j].Time) })

	t.Signals = signals.sorted()
	return t
}

// burstEntries returns the entries of one address that fall in any window of
// width window holding at least threshold entries. Each entry is returned once.
func burstEntries(d *Dataset, idxs []int, window time.Duration, threshold int) []int {
	if len(idxs) < threshold {
		return nil
	}

	sorted := make([]int, len(idxs))
	copy(sorted, idxs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return d.Entries[sorted[i]].Datetime.Before(d.Entries[sorted[j]].Datetime)
	})

	var out []int
	marked := 0 // sorted[:marked] are already attributed
	left := 0
	for right := range sorted {
		end := d.Entries[sorted[right]].Datetime
		for end.Sub(d.Entries[sorted[left]].Datetime) >= window {
			left++
		}
		if right-left+1 < threshold {
			continue
		}
		from := left
		if marked > from {
			from = marked
		}
		out = append(out, sorted[from:right+1]...)
		marked = right + 1
	}
	return out
}
