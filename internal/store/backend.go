// Package store fetches normalized access-log entries from a document store.
//
// A Backend translates a validated filter.Filter into the store's native
// query and returns one page at a time. The Fetcher drives the paging,
// enforces the entry cap and re-applies the filter in memory.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/oicur0t/loglens/internal/config"
	"github.com/oicur0t/loglens/internal/filter"
	"github.com/oicur0t/loglens/pkg/models"
	"go.uber.org/zap"
)

// ErrStoreUnavailable is returned when the document store cannot be reached or queried
var ErrStoreUnavailable = errors.New("document store unavailable")

// Page is one slice of the result set, ordered by datetime ascending
type Page struct {
	Entries []models.LogEntry
	// Consumed is the number of raw records read, including malformed ones
	Consumed int
	// Malformed counts records that could not be decoded into a LogEntry
	Malformed int
	// Exhausted is set when no records remain after this page
	Exhausted bool
	// Remaining is the number of raw records after this page, or -1 when unknown
	Remaining int64
}

// Backend queries one kind of document store
type Backend interface {
	// FetchPage returns up to limit records matching f, skipping the first offset
	FetchPage(ctx context.Context, f *filter.Filter, offset, limit int) (Page, error)
	Close(ctx context.Context) error
}

// Backend names accepted by store.backend
const (
	BackendMongoDB       = "mongodb"
	BackendElasticsearch = "elasticsearch"
	BackendClickHouse    = "clickhouse"
)

// NewBackend connects to the configured document store
func NewBackend(ctx context.Context, cfg *config.ServerConfig, logger *zap.Logger) (Backend, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.Store.Backend {
	case BackendMongoDB:
		backend, err = NewMongoBackend(ctx, cfg.MongoDB, logger)
	case BackendElasticsearch:
		backend, err = NewElasticBackend(ctx, cfg.Elasticsearch, logger)
	case BackendClickHouse:
		backend, err = NewClickHouseBackend(ctx, cfg.ClickHouse, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if err != nil {
		return nil, err
	}
	return backend, nil
}

// unavailable wraps a transport error so callers can match ErrStoreUnavailable
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
