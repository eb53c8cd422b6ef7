package wikidata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/circuit-geo/internal/fetcher"
	"github.com/sells-group/circuit-geo/internal/resilience"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		HostRate: rate.Inf,
		Retry:    resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond},
	})
	return NewClient(f,
		WithAPIURL(srv.URL+"/w/api.php"),
		WithEntityURL(srv.URL+"/wiki/Special:EntityData"),
		WithSearchLimit(5),
	)
}

func TestResolveName_PrefersCircuits(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/w/api.php", r.URL.Path)
		assert.Equal(t, "wbsearchentities", r.URL.Query().Get("action"))
		assert.Equal(t, "Silverstone Circuit", r.URL.Query().Get("search"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		fmt.Fprint(w, `{"search":[
			{"id":"Q1000","label":"Silverstone","description":"village in Northamptonshire, England"},
			{"id":"Q188822","label":"Silverstone Circuit","description":"motor racing circuit in England, home of the British Grand Prix"},
			{"id":"Q2000","label":"Silverstone Circuit","description":"Formula One race track"}
		]}`)
	})

	qid, err := c.ResolveName(context.Background(), "Silverstone Circuit")
	require.NoError(t, err)
	assert.Equal(t, "Q2000", qid)
}

func TestResolveName_TieKeepsSearchOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"search":[
			{"id":"Q188822","description":"motor racing circuit in England"},
			{"id":"Q5","description":"racing track"}
		]}`)
	})

	qid, err := c.ResolveName(context.Background(), "Silverstone Circuit")
	require.NoError(t, err)
	assert.Equal(t, "Q188822", qid)
}

func TestResolveName_NoHits(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"search":[]}`)
	})

	_, err := c.ResolveName(context.Background(), "Ain-Diab Circuit")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestResolveName_ServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.ResolveName(context.Background(), "Monza")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestGetProperty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wiki/Special:EntityData/Q188822.json", r.URL.Path)
		fmt.Fprint(w, `{"entities":{"Q188822":{"id":"Q188822","claims":{
			"P402":[{"mainsnak":{"snaktype":"value","datavalue":{"value":"2783447","type":"string"}}}],
			"P625":[{"mainsnak":{"snaktype":"value","datavalue":{"value":{"latitude":52.07,"longitude":-1.01}}}}]
		}}}}`)
	})

	v, ok, err := c.GetProperty(context.Background(), "Q188822", PropOSMRelation)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2783447", v)

	v, ok, err = c.GetProperty(context.Background(), "Q188822", "P625")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, strings.HasPrefix(v, "{"))

	_, ok, err = c.GetProperty(context.Background(), "Q188822", "P17")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetProperty_SkipsNoValueSnaks(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"entities":{"Q1":{"claims":{"P402":[{"mainsnak":{"snaktype":"novalue"}}]}}}}`)
	})

	_, ok, err := c.GetProperty(context.Background(), "Q1", PropOSMRelation)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetProperty_Redirect(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"entities":{"Q42":{"claims":{"P402":[{"mainsnak":{"datavalue":{"value":"99"}}}]}}}}`)
	})

	v, ok, err := c.GetProperty(context.Background(), "Q7", PropOSMRelation)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "99", v)
}

func TestGetProperty_MissingEntity(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, _, err := c.GetProperty(context.Background(), "Q999999999", PropOSMRelation)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestGetProperty_MalformedQID(t *testing.T) {
	c := newTestClient(t, func(http.ResponseWriter, *http.Request) {
		t.Error("no request expected")
	})

	_, _, err := c.GetProperty(context.Background(), "188822", PropOSMRelation)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed item id")
}

func TestRelevance(t *testing.T) {
	assert.Equal(t, 15, Relevance(SearchResult{Description: "Formula One racing circuit"}))
	assert.Equal(t, 10, Relevance(SearchResult{Description: "Motorsport venue"}))
	assert.Equal(t, 5, Relevance(SearchResult{Description: "F1 team"}))
	assert.Equal(t, 0, Relevance(SearchResult{Description: "village"}))
}
