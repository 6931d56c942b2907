package upstream

import "errors"

var (
	// ErrTranslationUnavailable means no predicate could be obtained for a free-text request
	ErrTranslationUnavailable = errors.New("translation unavailable")

	// ErrUpstreamDegraded means an optional collaborator failed and its section falls back
	ErrUpstreamDegraded = errors.New("upstream degraded")

	// ErrCircuitOpen is returned without calling a collaborator that keeps failing
	ErrCircuitOpen = errors.New("circuit breaker is open")
)
