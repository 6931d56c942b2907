package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oicur0t/loglens/internal/config"
	"github.com/oicur0t/loglens/internal/filter"
	"github.com/oicur0t/loglens/internal/geo"
	"github.com/oicur0t/loglens/internal/metrics"
	"github.com/oicur0t/loglens/internal/store"
	"github.com/oicur0t/loglens/internal/upstream"
	"github.com/oicur0t/loglens/pkg/models"
	"go.uber.org/zap"
)

// DefaultLogsLimit is the number of recent entries echoed in a report
const DefaultLogsLimit = 100

// Config tunes the engine
type Config struct {
	Counting  CountOptions
	Threats   ThreatOptions
	LogsLimit int
}

// Dependencies are the long-lived collaborators of the engine.
// Optional ones are left nil when not configured.
type Dependencies struct {
	Fetcher    *store.Fetcher
	Rules      *Ruleset
	Translator filter.Translator // nil rejects prompt requests
	Enricher   *geo.Enricher     // nil marks the geo section degraded
	Phraser    Phraser           // nil uses the bullet fallback
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Request selects the entries to analyse: a structured filter or a free-text prompt
type Request struct {
	Filter json.RawMessage
	Prompt string
}

// Engine runs one analysis per request. It holds no per-request state.
type Engine struct {
	deps  Dependencies
	cfg   Config
	now   func() time.Time
	newID func() string
}

// NewEngine creates an engine
func NewEngine(deps Dependencies, cfg Config) *Engine {
	if cfg.LogsLimit <= 0 {
		cfg.LogsLimit = DefaultLogsLimit
	}
	cfg.Threats = cfg.Threats.withDefaults()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Rules == nil {
		deps.Rules, _ = NewRuleset(config.DefaultRules())
	}

	return &Engine{
		deps:  deps,
		cfg:   cfg,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Analyse validates the request, fetches the matching entries and builds the report.
//
// Validation failures wrap filter.ErrInvalidFilter, an unavailable translator
// wraps upstream.ErrTranslationUnavailable and an unreachable store wraps
// store.ErrStoreUnavailable; none of them produce a report. Threats, geo and
// summary failures degrade their section only.
func (e *Engine) Analyse(ctx context.Context, req Request) (report *models.LogAnalysisReport, err error) {
	start := e.now()
	defer func() { e.observe(report, err, start) }()

	f, err := e.resolveFilter(ctx, req)
	if err != nil {
		return nil, err
	}

	fetched, err := e.deps.Fetcher.Fetch(ctx, f)
	if err != nil {
		return nil, err
	}

	d := NewDataset(fetched.Entries)
	sections, err := e.runComponents(ctx, d)
	if err != nil {
		return nil, err
	}

	filterJSON, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode filter: %w", err)
	}

	report = Assemble(Meta{
		ID:          e.newID(),
		GeneratedAt: e.now(),
		Filter:      filterJSON,
		Malformed:   fetched.Malformed,
		Truncated:   fetched.Truncated,
		LogsLimit:   e.cfg.LogsLimit,
	}, d, sections)

	if err := e.summarise(ctx, report); err != nil {
		return nil, err
	}

	if err := Verify(report, d, e.cfg.Counting.StripQueryStrings); err != nil {
		e.deps.Logger.Error("Assembled report is inconsistent", zap.String("report_id", report.ID), zap.Error(err))
		return nil, err
	}

	e.deps.Logger.Info("Analysis complete",
		zap.String("report_id", report.ID),
		zap.Int("entries", report.TotalEntries),
		zap.Int("parse_failures", report.ParseFailures),
		zap.Bool("truncated", report.Truncated),
		zap.Int("signals", len(report.ThreatSignals)),
		zap.Int("degraded", len(report.Degraded)),
		zap.Duration("elapsed", e.now().Sub(start)))

	return report, nil
}

// resolveFilter parses the structured filter or translates the prompt
func (e *Engine) resolveFilter(ctx context.Context, req Request) (*filter.Filter, error) {
	hasFilter := len(req.Filter) > 0 && string(req.Filter) != "null"
	hasPrompt := strings.TrimSpace(req.Prompt) != ""

	switch {
	case hasFilter && hasPrompt:
		return nil, &filter.ValidationError{Path: "request", Reason: "filter and prompt are mutually exclusive"}
	case hasFilter:
		return filter.Parse(req.Filter)
	case hasPrompt:
		if e.deps.Translator == nil {
			return nil, fmt.Errorf("%w: translator not configured", upstream.ErrTranslationUnavailable)
		}
		f, err := filter.FromPrompt(ctx, e.deps.Translator, req.Prompt)
		if err != nil {
			e.deps.Logger.Info("Prompt translation rejected", zap.Error(err))
			return nil, err
		}
		return f, nil
	default:
		return nil, &filter.ValidationError{Path: "request", Reason: "one of filter or prompt is required"}
	}
}

// runComponents fans the dataset out to the counters, the threat heuristics
// and geo enrichment and joins them
func (e *Engine) runComponents(ctx context.Context, d *Dataset) (Sections, error) {
	var (
		wg        sync.WaitGroup
		sections  Sections
		countErr  error
		threatErr error
		geoErr    error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		countErr = safely(func() error {
			sections.Counts = Count(d, e.cfg.Counting)
			return nil
		})
	}()
	go func() {
		defer wg.Done()
		threatErr = safely(func() error {
			sections.Threats = DetectThreats(d, e.deps.Rules, e.cfg.Threats)
			return nil
		})
	}()

	if e.deps.Enricher != nil {
		entries := d.AnalysedEntries()
		wg.Add(1)
		go func() {
			defer wg.Done()
			geoErr = safely(func() error {
				res, err := e.deps.Enricher.Enrich(ctx, entries)
				sections.Geo = res
				return err
			})
		}()
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return Sections{}, err
	}
	if countErr != nil {
		return Sections{}, fmt.Errorf("counting failed: %w", countErr)
	}

	if threatErr != nil {
		e.deps.Logger.Error("Threat heuristics failed", zap.Error(threatErr))
		sections.Threats = nil
		sections.Degraded = append(sections.Degraded, models.DegradedSection{Section: models.SectionThreats, Reason: threatErr.Error()})
	}

	switch {
	case e.deps.Enricher == nil:
		sections.Degraded = append(sections.Degraded, models.DegradedSection{Section: models.SectionGeo, Reason: "geolocation not configured"})
	case geoErr != nil:
		e.deps.Logger.Warn("Geo enrichment degraded", zap.Error(geoErr))
		sections.Degraded = append(sections.Degraded, models.DegradedSection{Section: models.SectionGeo, Reason: geoErr.Error()})
	}

	return sections, nil
}

// summarise fills the narrative; only caller cancellation is returned as an error
func (e *Engine) summarise(ctx context.Context, report *models.LogAnalysisReport) error {
	bullets := Bullets(report)

	var (
		text, source string
		phraseErr    error
	)
	err := safely(func() error {
		text, source, phraseErr = Summarise(ctx, e.deps.Phraser, bullets)
		return nil
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		text, source, phraseErr = strings.Join(bullets, "\n"), models.SummaryFromFallback, err
	}

	report.Summary = text
	report.SummarySource = source

	switch {
	case phraseErr != nil:
		e.deps.Logger.Warn("Phrasing failed, using fallback summary", zap.Error(phraseErr))
		report.AddDegraded(models.SectionSummary, phraseErr.Error())
	case e.deps.Phraser == nil && source == models.SummaryFromFallback:
		report.AddDegraded(models.SectionSummary, "phraser not configured")
	}
	return nil
}

func (e *Engine) observe(report *models.LogAnalysisReport, err error, start time.Time) {
	m := e.deps.Metrics
	if m == nil {
		return
	}

	m.Analysis.Analyses.WithLabelValues(outcome(err)).Inc()
	m.Analysis.Duration.Observe(e.now().Sub(start).Seconds())
	if report == nil {
		return
	}
	m.Analysis.EntriesFetched.Observe(float64(report.TotalEntries))
	m.Analysis.MalformedRecords.Add(float64(report.MalformedRecords))
	m.Analysis.ParseFailures.Add(float64(report.ParseFailures))
	for _, d := range report.Degraded {
		m.Analysis.DegradedSections.WithLabelValues(d.Section).Inc()
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, filter.ErrInvalidFilter):
		return metrics.OutcomeInvalid
	case errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeError
	}
}

// safely converts a panic in fn into an error
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
