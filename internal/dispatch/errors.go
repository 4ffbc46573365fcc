package dispatch

import "errors"

var (
	// ErrMissingAPIKey is a fatal configuration error: the gateway API key is not set.
	ErrMissingAPIKey = errors.New("gateway api key not configured")
	// ErrInvalidGatewayURL is a fatal configuration error raised at construction.
	ErrInvalidGatewayURL = errors.New("invalid gateway url")
	// ErrStopped is returned for submissions to an engine that is not running.
	ErrStopped = errors.New("dispatch engine stopped")
	// ErrIncomparable is the panic value for comparing unrelated Delayed kinds.
	ErrIncomparable = errors.New("delayed values of different kinds are not comparable")
)
