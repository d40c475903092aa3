package fallback

import (
	"errors"
	"fmt"
)

// ErrInvalidUpstreamResponse means the model answered but its reply could not
// be interpreted as JSON. Callers must fail the request on it.
var ErrInvalidUpstreamResponse = errors.New("fallback LLM returned invalid JSON")

// TransportError wraps every failure to obtain a reply at all: dial errors,
// resets, timeouts and non-2xx statuses. Callers proceed without fallback
// findings on it.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fallback %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("fallback %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
