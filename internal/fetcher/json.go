package fetcher

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
)

// DecodeJSON decodes a single JSON document.
func DecodeJSON[T any](data []byte) (*T, error) {
	var obj T
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, eris.Wrap(err, "json: decode object")
	}
	return &obj, nil
}

// GetJSON fetches rawURL with f and decodes the body into T.
func GetJSON[T any](ctx context.Context, f Fetcher, rawURL string) (*T, error) {
	data, err := f.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return DecodeJSON[T](data)
}
