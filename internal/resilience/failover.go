package resilience

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrAllEndpointsExhausted is matched (via errors.Is) by the error TryInOrder
// returns when every endpoint in the pool failed.
var ErrAllEndpointsExhausted = eris.New("all endpoints exhausted")

// Endpoint is one member of an ordered failover pool.
type Endpoint struct {
	Name string `yaml:"name" mapstructure:"name"`
	URL  string `yaml:"url" mapstructure:"url"`
}

// Attempt records one endpoint's failure during a failover pass.
type Attempt struct {
	Endpoint string
	Err      error
}

// ExhaustedError lists every failed attempt of a pass.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Endpoint, a.Err))
	}
	return fmt.Sprintf("%s after %d endpoint(s) [%s]", ErrAllEndpointsExhausted.Error(), len(e.Attempts), strings.Join(parts, "; "))
}

// Is makes errors.Is(err, ErrAllEndpointsExhausted) hold.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllEndpointsExhausted
}

// RateLimited counts the attempts that failed with HTTP 429.
func (e *ExhaustedError) RateLimited() int {
	n := 0
	for _, a := range e.Attempts {
		if IsRateLimited(a.Err) {
			n++
		}
	}
	return n
}

// TryInOrder calls op for each endpoint in priority order and returns the
// first success together with the endpoint that produced it. Every endpoint
// is called at most once. Any error moves on to the next endpoint; a cancelled
// context stops the pass. When all endpoints fail the returned error is an
// *ExhaustedError.
func TryInOrder[T any](ctx context.Context, endpoints []Endpoint, op func(ctx context.Context, ep Endpoint) (T, error)) (T, Endpoint, error) {
	var zero T
	if len(endpoints) == 0 {
		return zero, Endpoint{}, &ExhaustedError{}
	}

	attempts := make([]Attempt, 0, len(endpoints))
	for _, ep := range endpoints {
		if err := ctx.Err(); err != nil {
			return zero, Endpoint{}, eris.Wrap(err, "failover: cancelled")
		}

		val, err := op(ctx, ep)
		if err == nil {
			return val, ep, nil
		}
		attempts = append(attempts, Attempt{Endpoint: ep.Name, Err: err})
	}

	return zero, Endpoint{}, &ExhaustedError{Attempts: attempts}
}
