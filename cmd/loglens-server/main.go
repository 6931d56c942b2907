package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/oicur0t/loglens/internal/analysis"
	"github.com/oicur0t/loglens/internal/config"
	"github.com/oicur0t/loglens/internal/geo"
	"github.com/oicur0t/loglens/internal/metrics"
	"github.com/oicur0t/loglens/internal/server"
	"github.com/oicur0t/loglens/internal/store"
	"github.com/oicur0t/loglens/internal/upstream"
	"github.com/oicur0t/loglens/pkg/tlsconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	flags := pflag.NewFlagSet("loglens-server", pflag.ExitOnError)
	configPath := flags.String("config", "", "Path to configuration file")
	flags.String("listen", "", "Listen address (overrides server.listen_address)")
	flags.String("store-backend", "", "Document store: mongodb, elasticsearch or clickhouse")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	flags.String("log-format", "", "Log format: json or console")
	flags.String("rules", "", "Path to a YAML threat rules file")
	_ = flags.Parse(os.Args[1:])

	// Load configuration
	cfg, err := config.LoadServerConfig(*configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting loglens-server",
		zap.String("listen", cfg.Server.ListenAddress),
		zap.String("store", cfg.Store.Backend))

	rules, err := config.LoadRules(cfg.Analysis.RulesFile)
	if err != nil {
		logger.Fatal("Failed to load rules", zap.Error(err))
	}
	ruleset, err := analysis.NewRuleset(*rules)
	if err != nil {
		logger.Fatal("Failed to compile rules", zap.Error(err))
	}

	m := metrics.NewMetrics()
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer, err = metrics.StartServer(cfg.Metrics.ListenAddress, prometheus.DefaultGatherer, logger)
		if err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	backend, err := store.NewBackend(startCtx, cfg, logger)
	if err != nil {
		cancelStart()
		logger.Fatal("Failed to connect to document store", zap.Error(err))
	}

	deps := analysis.Dependencies{
		Fetcher: store.NewFetcher(backend, cfg.Store.PageSize, cfg.Store.MaxEntries, logger),
		Rules:   ruleset,
		Metrics: m,
		Logger:  logger,
	}

	if cfg.Upstream.Translator.Enabled {
		client, err := upstream.NewClient(upstream.ServiceTranslator, cfg.Upstream.Translator, m, logger)
		if err != nil {
			logger.Fatal("Failed to create translator client", zap.Error(err))
		}
		deps.Translator = upstream.NewTranslator(client, cfg.Upstream.Translator.Model, logger)
	}

	if cfg.Upstream.Phraser.Enabled {
		client, err := upstream.NewClient(upstream.ServicePhraser, cfg.Upstream.Phraser, m, logger)
		if err != nil {
			logger.Fatal("Failed to create phraser client", zap.Error(err))
		}
		deps.Phraser = upstream.NewPhraser(client, cfg.Upstream.Phraser.Model)
	}

	var cache *geo.Cache
	if cfg.Upstream.Geolocation.Enabled {
		var shared geo.SharedStore
		if cfg.Geo.Redis.Enabled {
			redisStore, err := geo.NewRedisStore(startCtx, cfg.Geo.Redis)
			if err != nil {
				// The local tier still works without Redis
				logger.Warn("Shared geo cache unavailable, using local cache only", zap.Error(err))
			} else {
				shared = redisStore
			}
		}
		cache = geo.NewCache(cfg.Geo.CacheSize, cfg.Geo.CacheTTL, shared, cfg.Geo.Redis.KeyPrefix, m, logger)

		client, err := upstream.NewClient(upstream.ServiceGeolocation, cfg.Upstream.Geolocation, m, logger)
		if err != nil {
			logger.Fatal("Failed to create geolocation client", zap.Error(err))
		}
		deps.Enricher = geo.NewEnricher(cache, geo.NewIPAPILocator(client),
			cfg.Geo.Concurrency, cfg.Geo.BatchTimeout, cfg.Geo.CellPrecision, logger)
	}
	cancelStart()

	engine := analysis.NewEngine(deps, analysis.Config{
		Counting: analysis.CountOptions{
			StripQueryStrings:   cfg.Analysis.StripQueryStrings,
			HighFrequencyStddev: cfg.Analysis.HighFrequencyStddev,
		},
		Threats: analysis.ThreatOptions{
			BurstWindow:    cfg.Analysis.BurstWindow,
			BurstThreshold: cfg.Analysis.BurstThreshold,
			EvidenceLimit:  cfg.Analysis.EvidenceLimit,
		},
		LogsLimit: cfg.Analysis.LogsLimit,
	})

	// Create handler
	handler := server.NewHandler(engine, cfg.Server.RequestTimeout, logger)

	// Apply middleware
	var httpHandler http.Handler = handler.Routes()
	httpHandler = server.BodyLimitMiddleware(cfg.Server.MaxBodyBytes)(httpHandler)
	httpHandler = server.RecoveryMiddleware(logger)(httpHandler)
	httpHandler = server.LoggingMiddleware(logger)(httpHandler)

	// Create HTTP server
	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      httpHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if cfg.Server.TLS.Enabled {
		tlsConfig, err := tlsconfig.LoadServerTLSConfig(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		if err != nil {
			logger.Fatal("Failed to load TLS config", zap.Error(err))
		}
		httpServer.TLSConfig = tlsConfig
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting",
			zap.String("addr", cfg.Server.ListenAddress),
			zap.Bool("tls", cfg.Server.TLS.Enabled))

		if cfg.Server.TLS.Enabled {
			serverErrors <- httpServer.ListenAndServeTLS("", "") // Certs loaded via TLSConfig
		} else {
			serverErrors <- httpServer.ListenAndServe()
		}
	}()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErrors:
		logger.Fatal("Server error", zap.Error(err))

	case sig := <-sigChan:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

		// Graceful shutdown
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", zap.Error(err))
			httpServer.Close()
		}

		if metricsServer != nil {
			if err := metricsServer.Shutdown(ctx); err != nil {
				logger.Error("Metrics server shutdown error", zap.Error(err))
			}
		}

		if cache != nil {
			if err := cache.Close(); err != nil {
				logger.Error("Failed to close geo cache", zap.Error(err))
			}
		}

		if err := backend.Close(ctx); err != nil {
			logger.Error("Failed to close document store", zap.Error(err))
		}

		logger.Info("Server stopped gracefully")
	}
}

// initLogger creates a configured zap logger
func initLogger(level string, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var loggerConfig zap.Config
	if format == "json" {
		loggerConfig = zap.NewProductionConfig()
	} else {
		loggerConfig = zap.NewDevelopmentConfig()
	}

	loggerConfig.Level = zap.NewAtomicLevelAt(zapLevel)

	return loggerConfig.Build()
}
