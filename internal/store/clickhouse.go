package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/oicur0t/loglens/internal/config"
	"github.com/oicur0t/loglens/internal/filter"
	"github.com/oicur0t/loglens/pkg/models"
	"github.com/oicur0t/loglens/pkg/retry"
	"github.com/oicur0t/loglens/pkg/tlsconfig"
	"go.uber.org/zap"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// clickhouseColumns is the projection shared by every page query
const clickhouseColumns = `remote_addr, remote_user, time_local, request, status, body_bytes_sent,
		http_referer, http_user_agent, datetime, method, path, protocol`

// clickhouseOrder sorts by datetime, then by every projected column. Rows
// sharing a datetime keep one order across page queries; rows equal in every
// column are interchangeable.
const clickhouseOrder = `datetime ASC, remote_addr ASC, request ASC, status ASC, body_bytes_sent ASC,
		http_user_agent ASC, http_referer ASC, remote_user ASC, time_local ASC, method ASC, path ASC, protocol ASC`

// ClickHouseBackend reads entries from a ClickHouse table
type ClickHouseBackend struct {
	conn   driver.Conn
	table  string
	logger *zap.Logger
}

// clickhouseRow mirrors the column types of the access log table
type clickhouseRow struct {
	RemoteAddr    string    `ch:"remote_addr"`
	RemoteUser    string    `ch:"remote_user"`
	TimeLocal     string    `ch:"time_local"`
	Request       string    `ch:"request"`
	Status        uint16    `ch:"status"`
	BodyBytesSent uint64    `ch:"body_bytes_sent"`
	HTTPReferer   string    `ch:"http_referer"`
	HTTPUserAgent string    `ch:"http_user_agent"`
	Datetime      time.Time `ch:"datetime"`
	Method        string    `ch:"method"`
	Path          string    `ch:"path"`
	Protocol      string    `ch:"protocol"`
}

func (r clickhouseRow) toEntry() models.LogEntry {
	return models.LogEntry{
		RemoteAddr:    r.RemoteAddr,
		RemoteUser:    r.RemoteUser,
		TimeLocal:     r.TimeLocal,
		Request:       r.Request,
		Status:        int(r.Status),
		BodyBytesSent: int64(r.BodyBytesSent),
		HTTPReferer:   r.HTTPReferer,
		HTTPUserAgent: r.HTTPUserAgent,
		Datetime:      ClickHouseDatetime(r.Datetime),
		Method:        r.Method,
		Path:          r.Path,
		Protocol:      r.Protocol,
	}
}

// ClickHouseDatetime maps the column default, the Unix epoch, to the zero time.
// A non-nullable DateTime stores unparseable source timestamps as the epoch.
func ClickHouseDatetime(t time.Time) time.Time {
	if t.IsZero() || t.Unix() == 0 {
		return time.Time{}
	}
	return t.UTC()
}

// NewClickHouseBackend opens a connection, retrying the initial ping with backoff
func NewClickHouseBackend(ctx context.Context, cfg config.ClickHouseConfig, logger *zap.Logger) (*ClickHouseBackend, error) {
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("at least one clickhouse host must be provided")
	}
	if !identifier.MatchString(cfg.Database) || !identifier.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid clickhouse database or table name %q.%q", cfg.Database, cfg.Table)
	}

	options := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.Timeout,
		// ReadTimeout bounds query execution on the connection
		ReadTimeout: cfg.Timeout,
	}
	if cfg.CACert != "" {
		tlsConfig, err := tlsconfig.LoadClientTLSConfig(cfg.CACert, "", "", "")
		if err != nil {
			return nil, fmt.Errorf("failed to load clickhouse TLS config: %w", err)
		}
		options.TLS = tlsConfig
	}

	var conn driver.Conn
	retryCfg := retry.Config{
		MaxAttempts: cfg.MaxRetries + 1,
		InitialWait: 500 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Multiplier:  2.0,
	}
	err := retry.Do(ctx, retryCfg, func(ctx context.Context) error {
		c, err := clickhouse.Open(options)
		if err != nil {
			return err
		}
		if err := c.Ping(ctx); err != nil {
			_ = c.Close()
			logger.Warn("Failed to ping ClickHouse", zap.Error(err))
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, unavailable("failed to connect to ClickHouse", err)
	}

	logger.Info("Connected to ClickHouse",
		zap.Strings("hosts", cfg.Hosts),
		zap.String("table", cfg.Database+"."+cfg.Table))

	return &ClickHouseBackend{
		conn:   conn,
		table:  cfg.Database + "." + cfg.Table,
		logger: logger,
	}, nil
}

// FetchPage runs a parameterized SELECT ordered by datetime
func (b *ClickHouseBackend) FetchPage(ctx context.Context, f *filter.Filter, offset, limit int) (Page, error) {
	where, args := ClickHouseWhere(f)
	query := ClickHousePageQuery(b.table, where)
	args = append(args, limit, offset)

	rows, err := b.conn.Query(ctx, query, args...)
	if err != nil {
		return Page{}, unavailable("failed to query ClickHouse", err)
	}
	defer rows.Close()

	page := Page{Entries: make([]models.LogEntry, 0, limit), Remaining: -1}
	for rows.Next() {
		page.Consumed++

		var row clickhouseRow
		if err := rows.ScanStruct(&row); err != nil {
			page.Malformed++
			b.logger.Debug("Skipping malformed row", zap.Error(err))
			continue
		}
		page.Entries = append(page.Entries, row.toEntry())
	}
	if err := rows.Err(); err != nil {
		return Page{}, unavailable("failed to read ClickHouse rows", err)
	}

	page.Exhausted = page.Consumed < limit
	return page, nil
}

// ClickHousePageQuery selects one page of table matching where, in a total order
func ClickHousePageQuery(table, where string) string {
	return fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE %s
		ORDER BY %s
		LIMIT ? OFFSET ?`, clickhouseColumns, table, where, clickhouseOrder)
}

// ClickHouseWhere translates a filter into a WHERE expression with positional arguments.
// Caller values only ever travel as arguments.
func ClickHouseWhere(f *filter.Filter) (string, []any) {
	conds := make([]string, 0, len(f.Clauses))
	args := make([]any, 0, len(f.Clauses)+2)

	for _, c := range f.Clauses {
		switch clause := c.(type) {
		case filter.DatetimeRange:
			if clause.From != nil {
				conds = append(conds, "datetime >= ?")
				args = append(args, clause.From.UTC())
			}
			if clause.To != nil {
				conds = append(conds, "datetime <= ?")
				args = append(args, clause.To.UTC())
			}
		case filter.StatusRange:
			if clause.From != nil {
				conds = append(conds, "status >= ?")
				args = append(args, *clause.From)
			}
			if clause.To != nil {
				conds = append(conds, "status <= ?")
				args = append(args, *clause.To)
			}
		case filter.StatusTerm:
			conds = append(conds, "status = ?")
			args = append(args, clause.Status)
		case filter.MethodTerm:
			conds = append(conds, "upper(method) = ?")
			args = append(args, clause.Method)
		case filter.PathTerm:
			conds = append(conds, "path = ?")
			args = append(args, clause.Path)
		case filter.AddrTerm:
			conds = append(conds, "remote_addr = ?")
			args = append(args, clause.Addr.String())
		case filter.AddrPrefix:
			conds = append(conds, "isIPAddressInRange(remote_addr, ?)")
			args = append(args, clause.Prefix.String())
		case filter.AgentMatch:
			conds = append(conds, "positionCaseInsensitiveUTF8(http_user_agent, ?) > 0")
			args = append(args, clause.Text)
		}
	}

	if len(conds) == 0 {
		return "1 = 1", args
	}
	return strings.Join(conds, " AND "), args
}

// Close closes the ClickHouse connection
func (b *ClickHouseBackend) Close(_ context.Context) error {
	return b.conn.Close()
}
