// Package fetcher performs rate-limited HTTP requests against the public
// services the resolver talks to.
package fetcher

import (
	"context"
	"fmt"
	"net/url"
)

// Fetcher defines the interface for requesting remote data.
type Fetcher interface {
	// Get fetches the URL and returns the response body.
	Get(ctx context.Context, rawURL string) ([]byte, error)

	// PostForm posts form values to the URL and returns the response body.
	PostForm(ctx context.Context, rawURL string, form url.Values) ([]byte, error)
}

// StatusError is returned for a response with an unexpected status code.
// Statuses worth another attempt are additionally wrapped in a
// resilience.TransientError.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}
