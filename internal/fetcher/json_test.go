package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRecord struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestDecodeJSON(t *testing.T) {
	rec, err := DecodeJSON[testRecord]([]byte(`{"id":1,"name":"alpha"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.ID)
	assert.Equal(t, "alpha", rec.Name)
}

func TestDecodeJSON_Invalid(t *testing.T) {
	_, err := DecodeJSON[testRecord]([]byte(`<html>busy</html>`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "json: decode object")
}

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":7,"name":"Silverstone"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	rec, err := GetJSON[testRecord](context.Background(), newTestFetcher(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 7, rec.ID)
	assert.Equal(t, "Silverstone", rec.Name)
}
