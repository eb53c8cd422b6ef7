package overpass

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/circuit-geo/internal/model"
	"github.com/sells-group/circuit-geo/internal/resilience"
)

// fakeServer is an Overpass endpoint whose answer depends on the query text.
type fakeServer struct {
	mu      sync.Mutex
	queries []string
	handle  func(w http.ResponseWriter, query string)
	srv     *httptest.Server
}

func newFakeServer(t *testing.T, handle func(w http.ResponseWriter, query string)) *fakeServer {
	t.Helper()
	f := &fakeServer{handle: handle}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		q := r.PostForm.Get("data")
		f.mu.Lock()
		f.queries = append(f.queries, q)
		f.mu.Unlock()
		f.handle(w, q)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func status(code int) func(http.ResponseWriter, string) {
	return func(w http.ResponseWriter, _ string) { w.WriteHeader(code) }
}

func body(s string) func(http.ResponseWriter, string) {
	return func(w http.ResponseWriter, _ string) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, s)
	}
}

func newTestClient(servers ...*fakeServer) Client {
	eps := make([]resilience.Endpoint, len(servers))
	for i, s := range servers {
		eps[i] = resilience.Endpoint{Name: fmt.Sprintf("ep%d", i+1), URL: s.srv.URL}
	}
	return NewClient(eps,
		WithRequestDelay(0),
		WithRateLimitCooldown(0),
		WithTimeout(5*time.Second),
		WithBreakers(resilience.NewEndpointBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 100, ResetTimeout: time.Minute})),
	)
}

const silverstoneGeom = `{"version":0.6,"elements":[{"type":"relation","id":2783447,"version":42,
"tags":{"type":"circuit","name":"Silverstone Circuit"},
"members":[
 {"type":"way","ref":10,"role":"","geometry":[{"lat":52.07,"lon":-1.01},{"lat":52.08,"lon":-1.02}]},
 {"type":"node","ref":5,"role":"start"},
 {"type":"way","ref":11,"role":"pit_lane","geometry":[{"lat":52.071,"lon":-1.011},{"lat":52.072,"lon":-1.012}]}
]}]}`

func TestFetchElement(t *testing.T) {
	srv := newFakeServer(t, body(silverstoneGeom))
	c := newTestClient(srv)

	geom, err := c.FetchElement(context.Background(), model.NewGeoRef(2783447, model.Relation))
	require.NoError(t, err)
	assert.Equal(t, 42, geom.Version)
	assert.Equal(t, "ep1", geom.Endpoint)
	require.Len(t, geom.Parts, 2)
	assert.Equal(t, int64(11), geom.Parts[1].Ref)
	assert.Equal(t, "pit_lane", geom.Parts[1].Role)

	require.Equal(t, 1, srv.calls())
	assert.Contains(t, srv.queries[0], "relation(2783447);out geom meta;")
}

func TestFetchElement_NotFound(t *testing.T) {
	c := newTestClient(newFakeServer(t, body(`{"elements":[]}`)))

	_, err := c.FetchElement(context.Background(), model.NewGeoRef(1, model.Way))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFailover_FifthEndpointAnswers(t *testing.T) {
	failing := []*fakeServer{
		newFakeServer(t, status(http.StatusServiceUnavailable)),
		newFakeServer(t, status(http.StatusGatewayTimeout)),
		newFakeServer(t, body(`<html>overloaded</html>`)),
		newFakeServer(t, status(http.StatusForbidden)),
	}
	good := newFakeServer(t, body(silverstoneGeom))
	c := newTestClient(append(failing, good)...)

	geom, err := c.FetchElement(context.Background(), model.NewGeoRef(2783447, model.Relation))
	require.NoError(t, err)
	assert.Equal(t, "ep5", geom.Endpoint)
	assert.Equal(t, 42, geom.Version)

	for i, s := range append(failing, good) {
		assert.Equal(t, 1, s.calls(), "endpoint %d contacted %d times", i+1, s.calls())
	}
}

func TestFailover_AllExhausted(t *testing.T) {
	a := newFakeServer(t, status(http.StatusInternalServerError))
	b := newFakeServer(t, status(http.StatusBadGateway))
	c := newTestClient(a, b)

	_, err := c.ElementVersion(context.Background(), model.NewGeoRef(1, model.Relation))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "all endpoints exhausted")
	assert.Equal(t, 1, a.calls())
	assert.Equal(t, 1, b.calls())
}

func TestFailover_RuntimeErrorRemark(t *testing.T) {
	a := newFakeServer(t, body(`{"elements":[],"remark":"runtime error: Query timed out in \"query\" at line 1 after 25 seconds."}`))
	b := newFakeServer(t, body(`{"elements":[{"type":"relation","id":7,"version":3}]}`))
	c := newTestClient(a, b)

	v, err := c.ElementVersion(context.Background(), model.NewGeoRef(7, model.Relation))
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestRateLimited_EachEndpointContactedOnce(t *testing.T) {
	var servers []*fakeServer
	var eps []resilience.Endpoint
	for i := range 5 {
		s := newFakeServer(t, status(http.StatusTooManyRequests))
		servers = append(servers, s)
		eps = append(eps, resilience.Endpoint{Name: fmt.Sprintf("ep%d", i+1), URL: s.srv.URL})
	}
	c := NewClient(eps, WithRequestDelay(0), WithRateLimitCooldown(time.Millisecond))

	_, err := c.FetchElement(context.Background(), model.NewGeoRef(2783447, model.Relation))
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrAllEndpointsExhausted))

	for i, s := range servers {
		assert.LessOrEqual(t, s.calls(), 1, "ep%d contacted %d times", i+1, s.calls())
	}
}

func TestRateLimitCooldown_DelaysNextCall(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	limited := newFakeServer(t, func(w http.ResponseWriter, _ string) {
		mu.Lock()
		defer mu.Unlock()
		hits++
		if hits == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"elements":[{"type":"way","id":9,"version":2}]}`)
	})

	eps := []resilience.Endpoint{{Name: "only", URL: limited.srv.URL}}
	c := NewClient(eps, WithRequestDelay(0), WithRateLimitCooldown(50*time.Millisecond))

	_, err := c.ElementVersion(context.Background(), model.NewGeoRef(9, model.Way))
	require.Error(t, err)
	assert.Equal(t, 1, limited.calls())

	start := time.Now()
	v, err := c.ElementVersion(context.Background(), model.NewGeoRef(9, model.Way))
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, 2, limited.calls())
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestNoCooldownWithoutRateLimit(t *testing.T) {
	down := newFakeServer(t, status(http.StatusServiceUnavailable))
	eps := []resilience.Endpoint{{Name: "only", URL: down.srv.URL}}
	c := NewClient(eps, WithRequestDelay(0), WithRateLimitCooldown(time.Hour))

	for range 2 {
		_, err := c.ElementVersion(context.Background(), model.NewGeoRef(9, model.Way))
		require.Error(t, err)
	}
	assert.Equal(t, 2, down.calls())
}

func TestCooldownRespectsCancel(t *testing.T) {
	limited := newFakeServer(t, status(http.StatusTooManyRequests))
	eps := []resilience.Endpoint{{Name: "only", URL: limited.srv.URL}}
	c := NewClient(eps, WithRequestDelay(0), WithRateLimitCooldown(time.Hour))

	_, err := c.ElementVersion(context.Background(), model.NewGeoRef(9, model.Way))
	require.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.ElementVersion(ctx, model.NewGeoRef(9, model.Way))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, limited.calls())
}

func TestOpenBreakerSkipsEndpoint(t *testing.T) {
	bad := newFakeServer(t, status(http.StatusInternalServerError))
	good := newFakeServer(t, body(`{"elements":[{"type":"way","id":9,"version":2}]}`))
	eps := []resilience.Endpoint{{Name: "bad", URL: bad.srv.URL}, {Name: "good", URL: good.srv.URL}}
	breakers := resilience.NewEndpointBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	c := NewClient(eps, WithRequestDelay(0), WithRateLimitCooldown(0), WithBreakers(breakers))

	for range 3 {
		_, err := c.ElementVersion(context.Background(), model.NewGeoRef(9, model.Way))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, bad.calls())
	assert.Equal(t, 3, good.calls())
	assert.Equal(t, resilience.CircuitOpen, breakers.States()["bad"])
}

func TestSearchByTag_OrdersByScore(t *testing.T) {
	srv := newFakeServer(t, body(`{"elements":[
		{"type":"way","id":1,"tags":{"leisure":"track","wikidata":"Q188822"}},
		{"type":"relation","id":2783447,"tags":{"type":"circuit","wikidata":"Q188822"}}
	]}`))
	c := newTestClient(srv)

	refs, err := c.SearchByTag(context.Background(), "wikidata", "Q188822")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "relation/2783447", refs[0].String())
	assert.Equal(t, "way/1", refs[1].String())
	assert.Contains(t, srv.queries[0], `relation["wikidata"="Q188822"];way["wikidata"="Q188822"];`)
}

func TestSearchByTag_NoHits(t *testing.T) {
	c := newTestClient(newFakeServer(t, body(`{"elements":[]}`)))

	_, err := c.SearchByTag(context.Background(), "wikidata", "Q1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSearchByName_DescendsIntoComplex(t *testing.T) {
	srv := newFakeServer(t, func(w http.ResponseWriter, q string) {
		if strings.Contains(q, ">>;") {
			fmt.Fprint(w, `{"elements":[
				{"type":"way","id":55,"tags":{"highway":"raceway"}},
				{"type":"way","id":56,"tags":{"highway":"services"}}
			]}`)
			return
		}
		fmt.Fprint(w, `{"elements":[{"type":"relation","id":300,"tags":{"type":"site","leisure":"sports_centre","name":"Autodromo"}}]}`)
	})
	c := newTestClient(srv)

	refs, err := c.SearchByName(context.Background(), "Autodromo")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "way/55", refs[0].String())
	assert.Equal(t, "relation/300", refs[1].String())
	assert.Equal(t, 2, srv.calls())
	assert.Contains(t, srv.queries[1], "relation(300);>>;")
}

func TestSearchByName_EscapesRegex(t *testing.T) {
	srv := newFakeServer(t, body(`{"elements":[]}`))
	c := newTestClient(srv)

	_, err := c.SearchByName(context.Background(), `Circuit "Gilles" (Montréal)`)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, srv.queries[0], `["name"~"Circuit \"Gilles\" \\(Montréal\\)",i]`)
}

func TestCancelledContext(t *testing.T) {
	srv := newFakeServer(t, body(silverstoneGeom))
	c := newTestClient(srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.FetchElement(ctx, model.NewGeoRef(2783447, model.Relation))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, 0, srv.calls())
}
