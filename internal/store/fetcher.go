package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/oicur0t/loglens/internal/filter"
	"github.com/oicur0t/loglens/pkg/models"
	"go.uber.org/zap"
)

// Defaults for paging and the per-request entry cap
const (
	DefaultPageSize   = 1000
	DefaultMaxEntries = 10000
)

// Result is the bounded, time-ordered entry set for one request
type Result struct {
	Entries []models.LogEntry
	// Malformed counts store records that could not be decoded
	Malformed int
	// Truncated is set when the cap was reached and more records remained
	Truncated bool
}

// Fetcher pages through a Backend up to a fixed cap
type Fetcher struct {
	backend    Backend
	pageSize   int
	maxEntries int
	logger     *zap.Logger
}

// NewFetcher creates a fetcher; non-positive sizes fall back to the defaults
func NewFetcher(backend Backend, pageSize, maxEntries int, logger *zap.Logger) *Fetcher {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if pageSize > maxEntries {
		pageSize = maxEntries
	}

	return &Fetcher{
		backend:    backend,
		pageSize:   pageSize,
		maxEntries: maxEntries,
		logger:     logger,
	}
}

// Fetch retrieves at most maxEntries entries matching f, normalized and sorted by datetime.
// Backend failures are fatal; caller cancellation is returned as ctx.Err().
func (fe *Fetcher) Fetch(ctx context.Context, f *filter.Filter) (*Result, error) {
	result := &Result{Entries: make([]models.LogEntry, 0, fe.pageSize)}

	offset := 0
	exhausted := false
	remaining := int64(-1)
	for len(result.Entries) < fe.maxEntries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		limit := fe.pageSize
		if left := fe.maxEntries - len(result.Entries); left < limit {
			limit = left
		}

		page, err := fe.backend.FetchPage(ctx, f, offset, limit)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("failed to fetch page at offset %d: %w", offset, err)
		}

		offset += page.Consumed
		remaining = page.Remaining
		result.Malformed += page.Malformed

		for i := range page.Entries {
			entry := page.Entries[i]
			models.Normalize(&entry)
			// Backends without native support for a clause rely on this check
			if !f.Matches(&entry) {
				continue
			}
			result.Entries = append(result.Entries, entry)
		}

		fe.logger.Debug("Fetched page",
			zap.Int("offset", offset),
			zap.Int("consumed", page.Consumed),
			zap.Int("malformed", page.Malformed),
			zap.Int("total", len(result.Entries)))

		if page.Exhausted || page.Consumed == 0 {
			// A backend that stops early with known records left reports Remaining > 0
			exhausted = page.Remaining <= 0
			break
		}
	}

	switch {
	case exhausted:
	case remaining >= 0:
		result.Truncated = remaining > 0
	default:
		more, err := fe.hasMore(ctx, f, offset)
		if err != nil {
			return nil, err
		}
		result.Truncated = more
	}

	sort.SliceStable(result.Entries, func(i, j int) bool {
		return result.Entries[i].Datetime.Before(result.Entries[j].Datetime)
	})

	if result.Truncated {
		fe.logger.Warn("Entry cap reached, result truncated", zap.Int("max_entries", fe.maxEntries))
	}

	return result, nil
}

// hasMore probes for at least one raw record past offset
func (fe *Fetcher) hasMore(ctx context.Context, f *filter.Filter, offset int) (bool, error) {
	page, err := fe.backend.FetchPage(ctx, f, offset, 1)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, fmt.Errorf("failed to probe past the entry cap: %w", err)
	}
	return page.Consumed > 0, nil
}
