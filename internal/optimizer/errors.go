package optimizer

import "errors"

// Error kinds for the pipeline. The gateway's response builder is the only
// place that maps these onto HTTP status codes.
var (
	// ErrInvalidInput marks missing or malformed request fields.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUpstreamUnavailable marks embedder or provider failure.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrInvariantViolation marks an internal consistency breach, e.g. more
	// than one system message after compilation. Fatal for the request.
	ErrInvariantViolation = errors.New("invariant violation")
)
