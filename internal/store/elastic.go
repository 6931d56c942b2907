package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oicur0t/loglens/internal/config"
	"github.com/oicur0t/loglens/internal/filter"
	"github.com/oicur0t/loglens/pkg/models"
	"github.com/oicur0t/loglens/pkg/tlsconfig"
	"github.com/olivere/elastic/v7"
	"go.uber.org/zap"
)

// elasticDateFormat keeps millisecond precision, which is what a date field stores
const elasticDateFormat = "2006-01-02T15:04:05.000Z07:00"

// DefaultElasticMaxWindow is the index.max_result_window default
const DefaultElasticMaxWindow = 10000

// ElasticBackend reads entries from an Elasticsearch index
type ElasticBackend struct {
	client    *elastic.Client
	index     string
	maxWindow int
	logger    *zap.Logger
}

// NewElasticBackend connects to Elasticsearch and verifies the cluster answers
func NewElasticBackend(ctx context.Context, cfg config.ElasticsearchConfig, logger *zap.Logger) (*ElasticBackend, error) {
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("at least one elasticsearch url must be provided")
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	if cfg.CACert != "" {
		tlsConfig, err := tlsconfig.LoadClientTLSConfig(cfg.CACert, "", "", "")
		if err != nil {
			return nil, fmt.Errorf("failed to load elasticsearch TLS config: %w", err)
		}
		httpClient.Transport = &http.Transport{
			TLSClientConfig:     tlsConfig,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	options := []elastic.ClientOptionFunc{
		elastic.SetURL(cfg.URLs...),
		elastic.SetSniff(cfg.Sniff),
		elastic.SetHttpClient(httpClient),
	}
	if cfg.Username != "" {
		options = append(options, elastic.SetBasicAuth(cfg.Username, cfg.Password))
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := elastic.DialContext(dialCtx, options...)
	if err != nil {
		return nil, unavailable("failed to connect to Elasticsearch", err)
	}

	info, _, err := client.Ping(cfg.URLs[0]).Do(dialCtx)
	if err != nil {
		client.Stop()
		return nil, unavailable("failed to ping Elasticsearch", err)
	}

	maxWindow := cfg.MaxResultWindow
	if maxWindow <= 0 {
		maxWindow = DefaultElasticMaxWindow
	}

	logger.Info("Connected to Elasticsearch",
		zap.String("index", cfg.Index),
		zap.String("version", info.Version.Number),
		zap.Int("max_result_window", maxWindow))

	return &ElasticBackend{
		client:    client,
		index:     cfg.Index,
		maxWindow: maxWindow,
		logger:    logger,
	}, nil
}

// FetchPage runs a bool/must search with from/size paging
func (b *ElasticBackend) FetchPage(ctx context.Context, f *filter.Filter, offset, limit int) (Page, error) {
	query := ElasticQuery(f)

	// from+size may not exceed the index result window
	if offset+limit > b.maxWindow {
		limit = b.maxWindow - offset
	}
	if limit <= 0 {
		total, err := b.client.Count(b.index).Query(query).Do(ctx)
		if err != nil {
			return Page{}, unavailable("failed to count Elasticsearch hits", err)
		}
		return Page{Remaining: total - int64(offset)}, nil
	}

	res, err := b.client.Search(b.index).
		SearchSource(ElasticSearchSource(query, offset, limit)).
		Do(ctx)
	if err != nil {
		return Page{}, unavailable("failed to search Elasticsearch", err)
	}

	page := Page{Entries: make([]models.LogEntry, 0, limit)}
	if res.Hits != nil {
		for _, hit := range res.Hits.Hits {
			page.Consumed++

			var entry models.LogEntry
			if err := json.Unmarshal(hit.Source, &entry); err != nil {
				page.Malformed++
				b.logger.Debug("Skipping malformed hit", zap.String("id", hit.Id), zap.Error(err))
				continue
			}
			entry.ID = hit.Id
			page.Entries = append(page.Entries, entry)
		}
	}

	page.Remaining = res.TotalHits() - int64(offset+page.Consumed)
	if page.Remaining < 0 {
		page.Remaining = 0
	}
	page.Exhausted = page.Remaining == 0
	return page, nil
}

// ElasticSearchSource pages query in datetime order. Hits sharing a datetime
// are ordered by _id so consecutive pages neither repeat nor skip them.
func ElasticSearchSource(query elastic.Query, offset, limit int) *elastic.SearchSource {
	return elastic.NewSearchSource().
		Query(query).
		SortBy(
			elastic.NewFieldSort(filter.FieldDatetime).Asc(),
			elastic.NewFieldSort("_id").Asc(),
		).
		From(offset).
		Size(limit).
		TrackTotalHits(true)
}

// ElasticQuery translates a filter into a bool/must query.
// remote_addr is mapped as an ip field, so CIDR terms are matched natively.
func ElasticQuery(f *filter.Filter) elastic.Query {
	if len(f.Clauses) == 0 {
		return elastic.NewMatchAllQuery()
	}

	must := make([]elastic.Query, 0, len(f.Clauses))
	for _, c := range f.Clauses {
		switch clause := c.(type) {
		case filter.DatetimeRange:
			q := elastic.NewRangeQuery(filter.FieldDatetime)
			if clause.From != nil {
				q = q.Gte(clause.From.UTC().Format(elasticDateFormat))
			}
			if clause.To != nil {
				q = q.Lte(clause.To.UTC().Format(elasticDateFormat))
			}
			must = append(must, q)
		case filter.StatusRange:
			q := elastic.NewRangeQuery(filter.FieldStatus)
			if clause.From != nil {
				q = q.Gte(*clause.From)
			}
			if clause.To != nil {
				q = q.Lte(*clause.To)
			}
			must = append(must, q)
		case filter.StatusTerm:
			must = append(must, elastic.NewTermQuery(filter.FieldStatus, clause.Status))
		case filter.MethodTerm:
			must = append(must, elastic.NewTermQuery(filter.FieldMethod, clause.Method))
		case filter.PathTerm:
			must = append(must, elastic.NewTermQuery(filter.FieldPath, clause.Path))
		case filter.AddrTerm:
			must = append(must, elastic.NewTermQuery(filter.FieldRemoteAddr, clause.Addr.String()))
		case filter.AddrPrefix:
			must = append(must, elastic.NewTermQuery(filter.FieldRemoteAddr, clause.Prefix.String()))
		case filter.AgentMatch:
			must = append(must, elastic.NewMatchQuery(filter.FieldUserAgent, clause.Text).Operator("and"))
		}
	}

	return elastic.NewBoolQuery().Must(must...)
}

// Close stops the client's background processes
func (b *ElasticBackend) Close(_ context.Context) error {
	b.client.Stop()
	return nil
}
