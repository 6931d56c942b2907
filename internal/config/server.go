package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. LOGLENS_STORE_BACKEND
const EnvPrefix = "LOGLENS"

// HTTPServerConfig holds HTTP server settings
type HTTPServerConfig struct {
	ListenAddress   string        `mapstructure:"listen_address" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	// RequestTimeout bounds one analysis end to end
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes" validate:"gt=0"`
	TLS            TLSConfig     `mapstructure:"tls"`
}

// TLSConfig holds the optional listener certificate
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file" validate:"required_if=Enabled true"`
	KeyFile  string `mapstructure:"key_file" validate:"required_if=Enabled true"`
}

// StoreConfig selects the document store and bounds each fetch
type StoreConfig struct {
	Backend    string `mapstructure:"backend" validate:"oneof=mongodb elasticsearch clickhouse"`
	PageSize   int    `mapstructure:"page_size" validate:"gt=0"`
	MaxEntries int    `mapstructure:"max_entries" validate:"gt=0"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI                string        `mapstructure:"uri"`
	Database           string        `mapstructure:"database" validate:"required"`
	Collection         string        `mapstructure:"collection" validate:"required"`
	CertificateKeyFile string        `mapstructure:"certificate_key_file"`
	Timeout            time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxPoolSize        int           `mapstructure:"max_pool_size" validate:"gt=0"`
}

// ElasticsearchConfig holds Elasticsearch connection settings
type ElasticsearchConfig struct {
	URLs            []string      `mapstructure:"urls" validate:"dive,url"`
	Index           string        `mapstructure:"index" validate:"required"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	CACert          string        `mapstructure:"ca_cert"`
	Sniff           bool          `mapstructure:"sniff"`
	Timeout         time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxResultWindow int           `mapstructure:"max_result_window" validate:"gte=0"`
}

// ClickHouseConfig holds ClickHouse connection settings
type ClickHouseConfig struct {
	Hosts      []string      `mapstructure:"hosts"`
	Database   string        `mapstructure:"database" validate:"required"`
	Table      string        `mapstructure:"table" validate:"required"`
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	CACert     string        `mapstructure:"ca_cert"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxRetries int           `mapstructure:"max_retries" validate:"gte=0"`
}

// ServiceConfig describes one HTTP collaborator
type ServiceConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	URL         string        `mapstructure:"url" validate:"omitempty,url"`
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	CACert      string        `mapstructure:"ca_cert"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=1"`
	// BreakerThreshold consecutive failures open the circuit for BreakerTimeout
	BreakerThreshold int           `mapstructure:"breaker_threshold" validate:"gte=1"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout" validate:"gt=0"`
}

// UpstreamConfig groups the collaborator services
type UpstreamConfig struct {
	Translator  ServiceConfig `mapstructure:"translator"`
	Phraser     ServiceConfig `mapstructure:"phraser"`
	Geolocation ServiceConfig `mapstructure:"geolocation"`
}

// RedisConfig holds the optional shared geo cache tier
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Address   string `mapstructure:"address" validate:"required_if=Enabled true"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// GeoConfig holds geo enrichment settings
type GeoConfig struct {
	CacheSize     int           `mapstructure:"cache_size" validate:"gt=0"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl" validate:"gt=0"`
	Concurrency   int           `mapstructure:"concurrency" validate:"gt=0"`
	BatchTimeout  time.Duration `mapstructure:"batch_timeout" validate:"gt=0"`
	CellPrecision int           `mapstructure:"cell_precision" validate:"gte=0,lte=6"`
	Redis         RedisConfig   `mapstructure:"redis"`
}

// AnalysisConfig holds heuristic thresholds
type AnalysisConfig struct {
	BurstWindow         time.Duration `mapstructure:"burst_window" validate:"gt=0"`
	BurstThreshold      int           `mapstructure:"burst_threshold" validate:"gte=2"`
	HighFrequencyStddev float64       `mapstructure:"high_frequency_stddev" validate:"gte=0"`
	StripQueryStrings   bool          `mapstructure:"strip_query_strings"`
	EvidenceLimit       int           `mapstructure:"evidence_limit" validate:"gt=0"`
	LogsLimit           int           `mapstructure:"logs_limit" validate:"gte=0"`
	RulesFile           string        `mapstructure:"rules_file"`
}

// MetricsConfig holds the Prometheus listener settings
type MetricsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ListenAddress string `mapstructure:"listen_address" validate:"required_if=Enabled true"`
}

// ServerConfig represents the complete server configuration
type ServerConfig struct {
	Server        HTTPServerConfig    `mapstructure:"server"`
	Store         StoreConfig         `mapstructure:"store"`
	MongoDB       MongoDBConfig       `mapstructure:"mongodb"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	ClickHouse    ClickHouseConfig    `mapstructure:"clickhouse"`
	Upstream      UpstreamConfig      `mapstructure:"upstream"`
	Geo           GeoConfig           `mapstructure:"geo"`
	Analysis      AnalysisConfig      `mapstructure:"analysis"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	LogLevel      string              `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat     string              `mapstructure:"log_format" validate:"oneof=json console"`
}

// flagBindings maps command-line flags onto configuration keys
var flagBindings = map[string]string{
	"listen":        "server.listen_address",
	"store-backend": "store.backend",
	"log-level":     "log_level",
	"log-format":    "log_format",
	"rules":         "analysis.rules_file",
}

// LoadServerConfig loads the server configuration.
// Precedence: flags, LOGLENS_* environment variables, the config file, defaults.
// configPath may be empty to run from defaults and environment only; flags may be nil.
func LoadServerConfig(configPath string, flags *pflag.FlagSet) (*ServerConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for flagName, key := range flagBindings {
			if f := flags.Lookup(flagName); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", flagName, err)
				}
			}
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config ServerConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_address", "0.0.0.0:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")

	v.SetDefault("store.backend", "mongodb")
	v.SetDefault("store.page_size", 1000)
	v.SetDefault("store.max_entries", 10000)

	v.SetDefault("mongodb.uri", "")
	v.SetDefault("mongodb.database", "loglens")
	v.SetDefault("mongodb.collection", "access_logs")
	v.SetDefault("mongodb.certificate_key_file", "")
	v.SetDefault("mongodb.timeout", "10s")
	v.SetDefault("mongodb.max_pool_size", 100)

	v.SetDefault("elasticsearch.urls", []string{})
	v.SetDefault("elasticsearch.index", "nginx-logs")
	v.SetDefault("elasticsearch.username", "")
	v.SetDefault("elasticsearch.password", "")
	v.SetDefault("elasticsearch.ca_cert", "")
	v.SetDefault("elasticsearch.sniff", false)
	v.SetDefault("elasticsearch.timeout", "10s")
	v.SetDefault("elasticsearch.max_result_window", 10000)

	v.SetDefault("clickhouse.hosts", []string{})
	v.SetDefault("clickhouse.database", "logs")
	v.SetDefault("clickhouse.table", "access_logs")
	v.SetDefault("clickhouse.username", "default")
	v.SetDefault("clickhouse.password", "")
	v.SetDefault("clickhouse.ca_cert", "")
	v.SetDefault("clickhouse.timeout", "10s")
	v.SetDefault("clickhouse.max_retries", 3)

	setServiceDefaults(v, "upstream.translator", false, 10*time.Second, 2)
	setServiceDefaults(v, "upstream.phraser", false, 15*time.Second, 1)
	setServiceDefaults(v, "upstream.geolocation", false, 2*time.Second, 1)

	v.SetDefault("geo.cache_size", 10000)
	v.SetDefault("geo.cache_ttl", "24h")
	v.SetDefault("geo.concurrency", 8)
	v.SetDefault("geo.batch_timeout", "2s")
	v.SetDefault("geo.cell_precision", 1)
	v.SetDefault("geo.redis.enabled", false)
	v.SetDefault("geo.redis.address", "")
	v.SetDefault("geo.redis.password", "")
	v.SetDefault("geo.redis.db", 0)
	v.SetDefault("geo.redis.key_prefix", "loglens:geo:")

	v.SetDefault("analysis.burst_window", "60s")
	v.SetDefault("analysis.burst_threshold", 10)
	v.SetDefault("analysis.high_frequency_stddev", 2.0)
	v.SetDefault("analysis.strip_query_strings", false)
	v.SetDefault("analysis.evidence_limit", 20)
	v.SetDefault("analysis.logs_limit", 100)
	v.SetDefault("analysis.rules_file", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_address", "0.0.0.0:9090")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

func setServiceDefaults(v *viper.Viper, prefix string, enabled bool, timeout time.Duration, attempts int) {
	v.SetDefault(prefix+".enabled", enabled)
	v.SetDefault(prefix+".url", "")
	v.SetDefault(prefix+".model", "")
	v.SetDefault(prefix+".api_key", "")
	v.SetDefault(prefix+".ca_cert", "")
	v.SetDefault(prefix+".timeout", timeout.String())
	v.SetDefault(prefix+".max_attempts", attempts)
	v.SetDefault(prefix+".breaker_threshold", 5)
	v.SetDefault(prefix+".breaker_timeout", "30s")
}

// Validate checks struct tags and the settings required by the selected backend
func (c *ServerConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid configuration: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Validate required fields
	switch c.Store.Backend {
	case "mongodb":
		if c.MongoDB.URI == "" {
			return fmt.Errorf("mongodb.uri is required")
		}
	case "elasticsearch":
		if len(c.Elasticsearch.URLs) == 0 {
			return fmt.Errorf("elasticsearch.urls is required")
		}
	case "clickhouse":
		if len(c.ClickHouse.Hosts) == 0 {
			return fmt.Errorf("clickhouse.hosts is required")
		}
	}

	for name, svc := range map[string]ServiceConfig{
		"translator":  c.Upstream.Translator,
		"phraser":     c.Upstream.Phraser,
		"geolocation": c.Upstream.Geolocation,
	} {
		if svc.Enabled && svc.URL == "" {
			return fmt.Errorf("upstream.%s.url is required when enabled", name)
		}
	}

	if c.Store.PageSize > c.Store.MaxEntries {
		return fmt.Errorf("store.page_size must not exceed store.max_entries")
	}

	return nil
}
