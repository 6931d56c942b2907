// Package server exposes the analysis engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/oicur0t/loglens/internal/analysis"
	"github.com/oicur0t/loglens/internal/filter"
	"github.com/oicur0t/loglens/internal/store"
	"github.com/oicur0t/loglens/internal/upstream"
	"github.com/oicur0t/loglens/pkg/models"
	"go.uber.org/zap"
)

// statusClientClosedRequest is the nginx status for a client that went away
const statusClientClosedRequest = 499

// Error kinds returned in the "error" field of a failed response
const (
	ErrorInvalidFilter          = "invalid_filter"
	ErrorInvalidRequest         = "invalid_request"
	ErrorTranslationUnavailable = "translation_unavailable"
	ErrorStoreUnavailable       = "store_unavailable"
	ErrorTimeout                = "timeout"
	ErrorCancelled              = "cancelled"
	ErrorInternal               = "internal"
)

// Analyser produces a report for one request
type Analyser interface {
	Analyse(ctx context.Context, req analysis.Request) (*models.LogAnalysisReport, error)
}

// AnalyseRequest is the body of POST /v1/analyse; exactly one field must be set
type AnalyseRequest struct {
	Filter json.RawMessage `json:"filter,omitempty"`
	Prompt string          `json:"prompt,omitempty"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Handler handles HTTP requests
type Handler struct {
	analyser       Analyser
	requestTimeout time.Duration
	logger         *zap.Logger
}

// NewHandler creates a new HTTP handler. requestTimeout bounds one analysis.
func NewHandler(analyser Analyser, requestTimeout time.Duration, logger *zap.Logger) *Handler {
	return &Handler{
		analyser:       analyser,
		requestTimeout: requestTimeout,
		logger:         logger,
	}
}

// Routes registers the API on a new mux
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/analyse", h.Analyse)
	mux.HandleFunc("/v1/health", h.Health)
	return mux
}

// Analyse handles analysis requests
func (h *Handler) Analyse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, ErrorInvalidRequest, "method not allowed")
		return
	}
	defer r.Body.Close()

	var body AnalyseRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrorInvalidRequest, "request body too large")
			return
		}
		h.logger.Debug("Failed to decode request", zap.Error(err))
		writeError(w, http.StatusBadRequest, ErrorInvalidRequest, "invalid JSON: "+err.Error())
		return
	}

	ctx := r.Context()
	if h.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.requestTimeout)
		defer cancel()
	}

	report, err := h.analyser.Analyse(ctx, analysis.Request{Filter: body.Filter, Prompt: body.Prompt})
	if err != nil {
		status, kind := classify(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Analysis failed", zap.Int("status", status), zap.Error(err))
		} else {
			h.logger.Debug("Analysis rejected", zap.Int("status", status), zap.Error(err))
		}
		writeError(w, status, kind, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// Health handles health check requests
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// classify maps an analysis error to its HTTP status and error kind
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, filter.ErrInvalidFilter):
		return http.StatusBadRequest, ErrorInvalidFilter
	case errors.Is(err, upstream.ErrTranslationUnavailable):
		return http.StatusBadGateway, ErrorTranslationUnavailable
	case errors.Is(err, store.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, ErrorStoreUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrorTimeout
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, ErrorCancelled
	default:
		return http.StatusInternalServerError, ErrorInternal
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, ErrorResponse{Error: kind, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
