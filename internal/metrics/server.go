package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type promhttpErrorLogger struct {
	logger *zap.Logger
}

func (l *promhttpErrorLogger) Println(v ...interface{}) {
	l.logger.Error("Error during handling of metrics request", zap.Any("error_args", v))
}

// StartServer serves gatherer on /metrics at listenAddress.
//
// The listener is bound before returning so address errors surface at startup.
// The returned server should be eventually closed with Close() or Shutdown().
func StartServer(listenAddress string, gatherer prometheus.Gatherer, logger *zap.Logger) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog: &promhttpErrorLogger{logger: logger},
	}))

	metricsServer := &http.Server{
		Handler:           mux,
		Addr:              listenAddress,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listenConfig := &net.ListenConfig{}
	listener, err := listenConfig.Listen(context.Background(), "tcp", metricsServer.Addr)
	if err != nil {
		return nil, err
	}

	// Update server address to reflect actual listening address
	metricsServer.Addr = listener.Addr().String()

	go func() {
		if err := metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	logger.Info("Metrics server started", zap.String("address", metricsServer.Addr))

	return metricsServer, nil
}
