// Package upstream holds the HTTP clients for the external collaborators:
// the filter translator, the narrative phraser and the geolocation service.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oicur0t/loglens/internal/config"
	"github.com/oicur0t/loglens/internal/metrics"
	"github.com/oicur0t/loglens/pkg/retry"
	"github.com/oicur0t/loglens/pkg/tlsconfig"
	"go.uber.org/zap"
)

// maxResponseBytes bounds what is read from a collaborator
const maxResponseBytes = 1 << 20

// StatusError is returned for a non-2xx collaborator response
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
}

// Client calls one collaborator over HTTP with retry and circuit breaking
type Client struct {
	service        string
	baseURL        string
	apiKey         string
	timeout        time.Duration
	httpClient     *http.Client
	retryConfig    retry.Config
	circuitBreaker *CircuitBreaker
	metrics        *metrics.Metrics
	logger         *zap.Logger
}

// CircuitBreaker prevents hammering a failing collaborator
type CircuitBreaker struct {
	failures    int
	lastFailure time.Time
	threshold   int
	timeout     time.Duration
	mu          sync.Mutex
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		timeout:   timeout,
	}
}

// isOpen checks if the circuit breaker is open (blocking requests)
func (cb *CircuitBreaker) isOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.failures >= cb.threshold && time.Since(cb.lastFailure) < cb.timeout {
		return true
	}

	// Half-open: let the next call through once the timeout has passed
	if cb.failures >= cb.threshold {
		cb.failures = cb.threshold - 1
	}

	return false
}

// recordSuccess resets the circuit breaker
func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
}

// recordFailure increments the failure count
func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailure = time.Now()
}

// NewClient creates a collaborator client from its configuration
func NewClient(service string, cfg config.ServiceConfig, m *metrics.Metrics, logger *zap.Logger) (*Client, error) {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if cfg.CACert != "" {
		tlsConfig, err := tlsconfig.LoadClientTLSConfig(cfg.CACert, "", "", "")
		if err != nil {
			return nil, fmt.Errorf("failed to load %s TLS config: %w", service, err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	retryConfig := retry.DefaultConfig()
	retryConfig.MaxAttempts = cfg.MaxAttempts

	return &Client{
		service:        service,
		baseURL:        strings.TrimRight(cfg.URL, "/"),
		apiKey:         cfg.APIKey,
		timeout:        cfg.Timeout,
		httpClient:     &http.Client{Transport: transport},
		retryConfig:    retryConfig,
		circuitBreaker: NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerTimeout),
		metrics:        m,
		logger:         logger.With(zap.String("service", service)),
	}, nil
}

// PostJSON sends body to the base URL and decodes the JSON answer into out
func (c *Client) PostJSON(ctx context.Context, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.call(ctx, http.MethodPost, c.baseURL, payload, out)
}

// GetJSON fetches base URL + "/" + path with query and decodes the JSON answer into out
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	target := c.baseURL + "/" + url.PathEscape(path)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return c.call(ctx, http.MethodGet, target, nil, out)
}

// call applies the circuit breaker, the per-call timeout and the retry policy
func (c *Client) call(ctx context.Context, method, target string, payload []byte, out any) error {
	if c.circuitBreaker.isOpen() {
		c.observe(metrics.OutcomeOpen, 0)
		return fmt.Errorf("%s: %w", c.service, ErrCircuitOpen)
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := retry.Do(callCtx, c.retryConfig, func(ctx context.Context) error {
		return c.sendRequest(ctx, method, target, payload, out)
	})
	elapsed := time.Since(start)

	switch {
	case err == nil:
		c.circuitBreaker.recordSuccess()
		c.observe(metrics.OutcomeSuccess, elapsed)
		return nil
	case ctx.Err() != nil:
		// The caller went away; not the collaborator's fault
		c.observe(metrics.OutcomeError, elapsed)
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		c.circuitBreaker.recordFailure()
		c.observe(metrics.OutcomeTimeout, elapsed)
	default:
		c.circuitBreaker.recordFailure()
		c.observe(metrics.OutcomeError, elapsed)
	}

	c.logger.Warn("Collaborator call failed", zap.Error(err), zap.Duration("elapsed", elapsed))
	return fmt.Errorf("%s: %w", c.service, err)
}

// sendRequest makes a single HTTP request
func (c *Client) sendRequest(ctx context.Context, method, target string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Server errors and throttling are retried, other client errors are not
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return retry.Permanent(&StatusError{StatusCode: resp.StatusCode})
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}

	return nil
}

func (c *Client) observe(outcome string, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.Upstream.Requests.WithLabelValues(c.service, outcome).Inc()
	if elapsed > 0 {
		c.metrics.Upstream.Duration.WithLabelValues(c.service).Observe(elapsed.Seconds())
	}
}
