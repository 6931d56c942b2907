package geo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"sort"
	"strconv"
	"time"

	"github.com/oicur0t/loglens/internal/upstream"
	"github.com/oicur0t/loglens/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Defaults applied by NewEnricher to non-positive settings
const (
	DefaultConcurrency  = 8
	DefaultBatchTimeout = 2 * time.Second
)

// Result is the geo section of a report
type Result struct {
	Markers []models.GeoMarker
	Stats   models.GeoStats
}

// Enricher resolves the distinct addresses of an entry set through the shared cache
type Enricher struct {
	cache        *Cache
	locator      Locator
	concurrency  int
	batchTimeout time.Duration
	precision    int
	logger       *zap.Logger
}

// NewEnricher creates an enricher. precision is the number of decimals kept when
// grouping coordinates into cells.
func NewEnricher(cache *Cache, locator Locator, concurrency int, batchTimeout time.Duration, precision int, logger *zap.Logger) *Enricher {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if batchTimeout <= 0 {
		batchTimeout = DefaultBatchTimeout
	}
	if precision < 0 {
		precision = 0
	}

	return &Enricher{
		cache:        cache,
		locator:      locator,
		concurrency:  concurrency,
		batchTimeout: batchTimeout,
		precision:    precision,
		logger:       logger,
	}
}

// lookup is the outcome for one public address
type lookup struct {
	addr     string
	requests int
	loc      Location
	err      error
}

// Enrich builds markers for entries.
//
// Non-routable and malformed addresses are counted but never sent to the
// locator. When the batch times out, or every lookup fails for a reason other
// than an unresolvable address, the markers are emptied and the returned error
// wraps upstream.ErrUpstreamDegraded. Caller cancellation returns ctx.Err().
func (e *Enricher) Enrich(ctx context.Context, entries []models.LogEntry) (*Result, error) {
	result := &Result{Markers: []models.GeoMarker{}}

	counts := make(map[string]int)
	for i := range entries {
		counts[entries[i].RemoteAddr]++
	}

	lookups := make([]lookup, 0, len(counts))
	for raw, n := range counts {
		addr, err := netip.ParseAddr(raw)
		switch {
		case err != nil:
			result.Stats.Unresolved++
			result.Stats.UnresolvedRequests += n
		case !isRoutable(addr.Unmap()):
			result.Stats.Private++
			result.Stats.PrivateRequests += n
		default:
			lookups = append(lookups, lookup{addr: raw, requests: n})
		}
	}
	if len(lookups) == 0 {
		return result, nil
	}

	sort.Slice(lookups, func(i, j int) bool { return lookups[i].addr < lookups[j].addr })

	batchCtx, cancel := context.WithTimeout(ctx, e.batchTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(batchCtx)
	g.SetLimit(e.concurrency)
	for i := range lookups {
		l := &lookups[i]
		g.Go(func() error {
			addr := netip.MustParseAddr(l.addr).Unmap()
			l.loc, l.err = e.cache.Lookup(gctx, addr.String(), func(ctx context.Context) (Location, error) {
				return e.locator.Locate(ctx, addr)
			})
			// Individual failures never cancel the rest of the batch
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if timedOut(lookups) {
		e.logger.Warn("Geo batch timed out", zap.Int("addresses", len(lookups)), zap.Duration("timeout", e.batchTimeout))
		return e.degrade(result, lookups), fmt.Errorf("%w: geolocation batch timed out after %s", upstream.ErrUpstreamDegraded, e.batchTimeout)
	}

	failed := 0
	var lastErr error
	for _, l := range lookups {
		if l.err != nil && !errors.Is(l.err, ErrUnresolvable) {
			failed++
			lastErr = l.err
		}
	}
	if failed == len(lookups) {
		e.logger.Warn("Geolocation failed for every address", zap.Int("addresses", failed), zap.Error(lastErr))
		return e.degrade(result, lookups), fmt.Errorf("%w: geolocation failed for every address: %w", upstream.ErrUpstreamDegraded, lastErr)
	}

	result.Markers = e.buildMarkers(lookups, &result.Stats)
	return result, nil
}

// degrade empties the markers and accounts every public address as unresolved
func (e *Enricher) degrade(result *Result, lookups []lookup) *Result {
	result.Markers = []models.GeoMarker{}
	for _, l := range lookups {
		result.Stats.Unresolved++
		result.Stats.UnresolvedRequests += l.requests
	}
	return result
}

// buildMarkers groups resolved lookups into cells; lookups must be sorted by address
func (e *Enricher) buildMarkers(lookups []lookup, stats *models.GeoStats) []models.GeoMarker {
	cells := make(map[string]*models.GeoMarker)
	for _, l := range lookups {
		if l.err != nil {
			stats.Unresolved++
			stats.UnresolvedRequests += l.requests
			continue
		}
		stats.Resolved++

		lat := roundTo(l.loc.Latitude, e.precision)
		lon := roundTo(l.loc.Longitude, e.precision)
		id := strconv.FormatFloat(lat, 'f', e.precision, 64) + "," + strconv.FormatFloat(lon, 'f', e.precision, 64)

		marker, ok := cells[id]
		if !ok {
			// The first address in sorted order names the cell
			marker = &models.GeoMarker{
				ID:        id,
				Latitude:  lat,
				Longitude: lon,
				City:      l.loc.City,
				Country:   l.loc.Country,
				ISP:       l.loc.ISP,
				Addresses: []string{},
			}
			cells[id] = marker
		}
		marker.RequestCount += l.requests
		marker.Addresses = append(marker.Addresses, l.addr)
	}

	markers := make([]models.GeoMarker, 0, len(cells))
	for _, m := range cells {
		markers = append(markers, *m)
	}
	sort.Slice(markers, func(i, j int) bool {
		if markers[i].RequestCount != markers[j].RequestCount {
			return markers[i].RequestCount > markers[j].RequestCount
		}
		return markers[i].ID < markers[j].ID
	})
	return markers
}

// timedOut reports whether any lookup was cut short by the batch deadline
func timedOut(lookups []lookup) bool {
	for _, l := range lookups {
		if errors.Is(l.err, context.DeadlineExceeded) {
			return true
		}
	}
	return false
}

// isRoutable reports whether a geolocation lookup can succeed for addr
func isRoutable(addr netip.Addr) bool {
	return !(addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified())
}

func roundTo(v float64, precision int) float64 {
	scale := math.Pow(10, float64(precision))
	r := math.Round(v*scale) / scale
	// Avoid "-0.0" cell ids
	if r == 0 {
		return 0
	}
	return r
}
