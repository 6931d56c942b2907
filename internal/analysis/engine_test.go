package analysis_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/netip"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/oicur0t/loglens/internal/analysis"
	"github.com/oicur0t/loglens/internal/filter"
	"github.com/oicur0t/loglens/internal/geo"
	"github.com/oicur0t/loglens/internal/metrics"
	"github.com/oicur0t/loglens/internal/store"
	"github.com/oicur0t/loglens/internal/upstream"
	"github.com/oicur0t/loglens/pkg/models"
)

// memoryBackend serves records in stored order
type memoryBackend struct {
	records []models.LogEntry
	err     error
}

func (b *memoryBackend) FetchPage(ctx context.Context, _ *filter.Filter, offset, limit int) (store.Page, error) {
	if err := ctx.Err(); err != nil {
		return store.Page{}, err
	}
	if b.err != nil {
		return store.Page{}, b.err
	}
	page := store.Page{Remaining: -1}
	for i := offset; i < len(b.records) && page.Consumed < limit; i++ {
		page.Consumed++
		page.Entries = append(page.Entries, b.records[i])
	}
	page.Exhausted = page.Consumed < limit
	return page, nil
}

func (b *memoryBackend) Close(context.Context) error { return nil }

type translatorFunc func(ctx context.Context, prompt string) ([]byte, error)

func (f translatorFunc) Translate(ctx context.Context, prompt string) ([]byte, error) {
	return f(ctx, prompt)
}

type phraserFunc func(ctx context.Context, facts []string) (string, error)

func (f phraserFunc) Phrase(ctx context.Context, facts []string) (string, error) {
	return f(ctx, facts)
}

// tableLocator resolves addresses from a fixed table
type tableLocator map[string]geo.Location

func (t tableLocator) Locate(_ context.Context, addr netip.Addr) (geo.Location, error) {
	loc, ok := t[addr.String()]
	if !ok {
		return geo.Location{}, geo.ErrUnresolvable
	}
	return loc, nil
}

func sampleRecords() []models.LogEntry {
	var out []models.LogEntry
	for i := 0; i < 8; i++ {
		out = append(out, entry("81.2.69.142", "GET", "/", 200, base.Add(time.Duration(i)*time.Second)))
	}
	out = append(out,
		entry("10.0.0.5", "GET", "/wp-admin", 404, base.Add(8*time.Second)),
		entry("81.2.69.160", "POST", "/api/items", 500, base.Add(9*time.Second)))
	return out
}

var _ = Describe("Engine", func() {
	var (
		ctx      context.Context
		backend  *memoryBackend
		registry *prometheus.Registry
		m        *metrics.Metrics
		deps     analysis.Dependencies
	)

	BeforeEach(func() {
		ctx = context.Background()
		backend = &memoryBackend{records: sampleRecords()}
		registry = prometheus.NewRegistry()
		m = metrics.NewMetricsWithRegistry(registry)
		deps = analysis.Dependencies{
			Fetcher: store.NewFetcher(backend, 4, 100, zap.NewNop()),
			Rules:   defaultRules(),
			Metrics: m,
			Logger:  zap.NewNop(),
		}
	})

	analyseFilter := func(deps analysis.Dependencies, raw string) (*models.LogAnalysisReport, error) {
		return analysis.NewEngine(deps, analysis.Config{}).Analyse(ctx, analysis.Request{Filter: json.RawMessage(raw)})
	}

	It("should build a consistent report for a structured filter", func() {
		report, err := analyseFilter(deps, `{"must":[{"range":{"datetime":{"gte":"2025-05-16"}}}]}`)
		Expect(err).NotTo(HaveOccurred())

		Expect(report.ID).NotTo(BeEmpty())
		Expect(report.TotalEntries).To(Equal(10))
		Expect(report.AnalysedEntries).To(Equal(10))
		Expect(report.StatusCounts).To(Equal(models.StatusCounts{Class2xx: 8, Class4xx: 1, Class5xx: 1}))
		Expect(report.SensitiveEndpointCounts).To(Equal(map[string]int{"/wp-admin": 1, "/api/items": 1}))
		Expect(report.Logs).To(HaveLen(10))
		Expect(report.Filter).To(MatchJSON(`{"must":[{"range":{"datetime":{"gte":"2025-05-16T00:00:00Z"}}}]}`))
		Expect(testutil.ToFloat64(m.Analysis.Analyses.WithLabelValues(metrics.OutcomeSuccess))).To(Equal(1.0))
	})

	It("should mark geo and summary degraded when their collaborators are not configured", func() {
		report, err := analyseFilter(deps, `{"must":[]}`)
		Expect(err).NotTo(HaveOccurred())

		Expect(report.IsDegraded(models.SectionGeo)).To(BeTrue())
		Expect(report.IsDegraded(models.SectionSummary)).To(BeTrue())
		Expect(report.IsDegraded(models.SectionThreats)).To(BeFalse())
		Expect(report.SummarySource).To(Equal(models.SummaryFromFallback))
		Expect(strings.Split(report.Summary, "\n")).To(ContainElement("10 requests analysed between 2025-05-16T10:00:00Z and 2025-05-16T10:01:00Z."))
	})

	It("should enrich public addresses through the cache", func() {
		cache := geo.NewCache(10, time.Hour, nil, "", m, zap.NewNop())
		locator := tableLocator{
			"81.2.69.142": {Latitude: 51.5072, Longitude: -0.1276, City: "London", Country: "United Kingdom"},
			"81.2.69.160": {Latitude: 51.5321, Longitude: -0.0851, City: "London", Country: "United Kingdom"},
		}
		deps.Enricher = geo.NewEnricher(cache, locator, 2, time.Second, 1, zap.NewNop())

		report, err := analyseFilter(deps, `{"must":[]}`)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.IsDegraded(models.SectionGeo)).To(BeFalse())
		Expect(report.MapMarkers).To(HaveLen(1))
		Expect(report.MapMarkers[0].RequestCount).To(Equal(9))
		Expect(report.GeoStats.PrivateRequests).To(Equal(1))
	})

	It("should use the phraser when it answers", func() {
		var got []string
		deps.Phraser = phraserFunc(func(_ context.Context, facts []string) (string, error) {
			got = facts
			return "Traffic looks normal.", nil
		})

		report, err := analyseFilter(deps, `{"must":[]}`)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Summary).To(Equal("Traffic looks normal."))
		Expect(report.SummarySource).To(Equal(models.SummaryFromPhraser))
		Expect(report.IsDegraded(models.SectionSummary)).To(BeFalse())
		Expect(got).NotTo(BeEmpty())
	})

	It("should fall back to the bullets when the phraser fails", func() {
		deps.Phraser = phraserFunc(func(context.Context, []string) (string, error) {
			return "", upstream.ErrUpstreamDegraded
		})

		report, err := analyseFilter(deps, `{"must":[]}`)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.SummarySource).To(Equal(models.SummaryFromFallback))
		Expect(report.IsDegraded(models.SectionSummary)).To(BeTrue())
		Expect(strings.Count(report.Summary, "\n")).To(BeNumerically(">=", 1))
	})

	It("should recover from a panicking phraser", func() {
		deps.Phraser = phraserFunc(func(context.Context, []string) (string, error) {
			panic("boom")
		})

		report, err := analyseFilter(deps, `{"must":[]}`)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.SummarySource).To(Equal(models.SummaryFromFallback))
		Expect(report.Summary).NotTo(BeEmpty())
	})

	It("should translate prompts and validate the answer", func() {
		deps.Translator = translatorFunc(func(_ context.Context, prompt string) ([]byte, error) {
			Expect(prompt).To(Equal("server errors"))
			return []byte("```json\n{\"bool\":{\"must\":[{\"range\":{\"status\":{\"gte\":500,\"lte\":599}}}]}}\n```"), nil
		})

		report, err := analysis.NewEngine(deps, analysis.Config{}).Analyse(ctx, analysis.Request{Prompt: "server errors"})
		Expect(err).NotTo(HaveOccurred())
		Expect(report.TotalEntries).To(Equal(1))
		Expect(report.StatusCounts.Class5xx).To(Equal(1))
	})

	It("should reject an invalid translator answer", func() {
		deps.Translator = translatorFunc(func(context.Context, string) ([]byte, error) {
			return []byte(`{"must":[{"script":{"source":"drop"}}]}`), nil
		})

		_, err := analysis.NewEngine(deps, analysis.Config{}).Analyse(ctx, analysis.Request{Prompt: "anything"})
		Expect(errors.Is(err, filter.ErrInvalidFilter)).To(BeTrue())
	})

	It("should fail prompts without a translator", func() {
		_, err := analysis.NewEngine(deps, analysis.Config{}).Analyse(ctx, analysis.Request{Prompt: "anything"})
		Expect(errors.Is(err, upstream.ErrTranslationUnavailable)).To(BeTrue())
	})

	DescribeTable("request shape",
		func(req analysis.Request) {
			_, err := analysis.NewEngine(deps, analysis.Config{}).Analyse(ctx, req)
			Expect(errors.Is(err, filter.ErrInvalidFilter)).To(BeTrue())
		},
		Entry("neither filter nor prompt", analysis.Request{}),
		Entry("both filter and prompt", analysis.Request{Filter: json.RawMessage(`{"must":[]}`), Prompt: "errors"}),
		Entry("unknown field", analysis.Request{Filter: json.RawMessage(`{"must":[{"term":{"password":"x"}}]}`)}),
	)

	It("should record invalid filters in metrics", func() {
		_, err := analyseFilter(deps, `{"must":[{"term":{"password":"x"}}]}`)
		Expect(err).To(HaveOccurred())
		Expect(testutil.ToFloat64(m.Analysis.Analyses.WithLabelValues(metrics.OutcomeInvalid))).To(Equal(1.0))
	})

	It("should fail when the store is unavailable", func() {
		backend.err = store.ErrStoreUnavailable

		_, err := analyseFilter(deps, `{"must":[]}`)
		Expect(errors.Is(err, store.ErrStoreUnavailable)).To(BeTrue())
	})

	It("should produce an all-zero report for an empty result", func() {
		backend.records = nil

		report, err := analyseFilter(deps, `{"must":[]}`)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.TotalEntries).To(BeZero())
		Expect(report.StatusCounts.Total()).To(BeZero())
		Expect(report.Summary).To(BeEmpty())
		Expect(report.SummarySource).To(Equal(models.SummaryNone))

		raw, err := json.Marshal(report)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(raw)).NotTo(ContainSubstring("null"))
	})

	It("should count parse failures and warn about them", func() {
		backend.records = append(sampleRecords(), models.LogEntry{RemoteAddr: "81.2.69.142", Request: "GET / HTTP/1.1", Status: 200, TimeLocal: "garbage"})

		report, err := analyseFilter(deps, `{"must":[]}`)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.TotalEntries).To(Equal(11))
		Expect(report.AnalysedEntries).To(Equal(10))
		Expect(report.ParseFailures).To(Equal(1))
		Expect(report.Warnings).To(ContainElement(ContainSubstring("1 entries excluded")))
	})

	It("should keep only the most recent entries in logs", func() {
		report, err := analysis.NewEngine(deps, analysis.Config{LogsLimit: 3}).Analyse(ctx, analysis.Request{Filter: json.RawMessage(`{"must":[]}`)})
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Logs).To(HaveLen(3))
		Expect(report.Logs[2].Datetime).To(Equal(base.Add(9 * time.Second)))
	})

	It("should return the caller's cancellation", func() {
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := analysis.NewEngine(deps, analysis.Config{}).Analyse(cctx, analysis.Request{Filter: json.RawMessage(`{"must":[]}`)})
		Expect(errors.Is(err, context.Canceled)).To(BeTrue())
	})
})

var _ = Describe("Summarise", func() {
	It("should return nothing without bullets", func() {
		text, source, err := analysis.Summarise(context.Background(), nil, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(text).To(BeEmpty())
		Expect(source).To(Equal(models.SummaryNone))
	})

	It("should join bullets when the phraser fails", func() {
		failing := phraserFunc(func(context.Context, []string) (string, error) {
			return "", errors.New("timeout")
		})
		text, source, err := analysis.Summarise(context.Background(), failing, []string{"a.", "b."})
		Expect(err).To(HaveOccurred())
		Expect(text).To(Equal("a.\nb."))
		Expect(source).To(Equal(models.SummaryFromFallback))
	})
})

var _ = Describe("Verify", func() {
	It("should reject a report whose status counts disagree with the entries", func() {
		d := analysis.NewDataset(sampleRecords())
		report := analysis.Assemble(analysis.Meta{ID: "x", GeneratedAt: base}, d, analysis.Sections{
			Counts: analysis.Count(d, analysis.CountOptions{}),
		})
		report.AddDegraded(models.SectionGeo, "not configured")
		Expect(analysis.Verify(report, d, false)).To(Succeed())

		report.StatusCounts.Class2xx++
		Expect(errors.Is(analysis.Verify(report, d, false), analysis.ErrInvariant)).To(BeTrue())
	})
})
