// Package overpass queries the OpenStreetMap Overpass API through an ordered
// pool of public endpoints.
package overpass

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/circuit-geo/internal/fetcher"
	"github.com/sells-group/circuit-geo/internal/model"
	"github.com/sells-group/circuit-geo/internal/resilience"
)

var (
	// ErrNotFound means every endpoint answered and none knew the element or
	// query. It is a clean miss, not a failure.
	ErrNotFound = eris.New("overpass: not found")

	// ErrParse means an endpoint answered 200 with a body that is not valid
	// Overpass JSON.
	ErrParse = eris.New("overpass: malformed response")
)

// Client defines the geometry source operations.
type Client interface {
	// FetchElement returns the element's geometry and current version.
	FetchElement(ctx context.Context, ref model.GeoRef) (*model.ResolvedGeometry, error)
	// ElementVersion returns the element's current version.
	ElementVersion(ctx context.Context, ref model.GeoRef) (int, error)
	// SearchByTag finds relations and ways tagged key=value, best match first.
	SearchByTag(ctx context.Context, key, value string) ([]model.GeoRef, error)
	// SearchByName finds circuit-like relations and ways whose name matches
	// text case-insensitively, best match first.
	SearchByName(ctx context.Context, text string) ([]model.GeoRef, error)
}

// Response is the Overpass JSON output.
type Response struct {
	Version  float64         `json:"version"`
	Remark   string          `json:"remark,omitempty"`
	Elements []model.Element `json:"elements"`
}

// Option configures the Overpass client.
type Option func(*httpClient)

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f fetcher.Fetcher) Option {
	return func(c *httpClient) {
		c.fetch = f
	}
}

// WithBreakers shares a circuit breaker registry with the client.
func WithBreakers(b *resilience.EndpointBreakers) Option {
	return func(c *httpClient) {
		c.breakers = b
	}
}

// WithRateLimitCooldown sets how long the next call waits after a call whose
// endpoints all failed and at least one answered 429.
func WithRateLimitCooldown(d time.Duration) Option {
	return func(c *httpClient) {
		c.cooldown = d
	}
}

// WithRequestDelay sets the minimum gap between requests to one endpoint.
func WithRequestDelay(d time.Duration) Option {
	return func(c *httpClient) {
		c.requestDelay = d
	}
}

// WithTimeout sets the HTTP timeout and the server-side query timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.timeout = d
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *httpClient) {
		c.userAgent = ua
	}
}

type httpClient struct {
	endpoints    []resilience.Endpoint
	fetch        fetcher.Fetcher
	breakers     *resilience.EndpointBreakers
	cooldown     time.Duration
	requestDelay time.Duration
	timeout      time.Duration
	userAgent    string
	log          *zap.Logger

	mu            sync.Mutex
	cooldownUntil time.Time
}

// NewClient creates an Overpass client that tries endpoints in the given order.
func NewClient(endpoints []resilience.Endpoint, opts ...Option) Client {
	c := &httpClient{
		endpoints:    endpoints,
		cooldown:     10 * time.Second,
		requestDelay: time.Second,
		timeout:      60 * time.Second,
		log:          zap.L().With(zap.String("component", "overpass")),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breakers == nil {
		c.breakers = resilience.NewEndpointBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	if c.fetch == nil {
		hostRate := rate.Inf
		if c.requestDelay > 0 {
			hostRate = rate.Every(c.requestDelay)
		}
		c.fetch = fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent: c.userAgent,
			Timeout:   c.timeout + 30*time.Second,
			Retry:     resilience.NoRetry(),
			HostRate:  hostRate,
		})
	}
	return c
}

func (c *httpClient) queryTimeout() int {
	secs := int(c.timeout / time.Second)
	if secs <= 0 {
		secs = 60
	}
	return secs
}

// query runs q against the endpoint pool in one pass: each endpoint is
// contacted at most once. A pass that failed with 429s delays the next call,
// never this one.
func (c *httpClient) query(ctx context.Context, q string) (*Response, string, error) {
	if err := c.waitCooldown(ctx); err != nil {
		return nil, "", err
	}

	resp, ep, err := resilience.TryInOrder(ctx, c.endpoints, func(ctx context.Context, ep resilience.Endpoint) (*Response, error) {
		cb := c.breakers.Get(ep.Name)
		resp, err := resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (*Response, error) {
			return c.post(ctx, ep, q)
		})
		if err != nil && ctx.Err() == nil {
			c.log.Info("endpoint failed, trying next",
				zap.String("endpoint", ep.Name),
				zap.Error(err),
			)
		}
		return resp, err
	})
	if err == nil {
		return resp, ep.Name, nil
	}

	var ex *resilience.ExhaustedError
	if errors.As(err, &ex) {
		c.log.Warn("all endpoints failed",
			zap.Int("endpoints", len(c.endpoints)),
			zap.Int("rate_limited", ex.RateLimited()),
		)
		if ex.RateLimited() > 0 && c.cooldown > 0 {
			c.mu.Lock()
			c.cooldownUntil = time.Now().Add(c.cooldown)
			c.mu.Unlock()
		}
	}
	return nil, "", err
}

// waitCooldown blocks until a rate-limit cooldown set by an earlier call ends.
func (c *httpClient) waitCooldown(ctx context.Context) error {
	c.mu.Lock()
	wait := time.Until(c.cooldownUntil)
	c.mu.Unlock()
	if wait <= 0 {
		return nil
	}

	c.log.Info("endpoints rate limited, waiting before next call", zap.Duration("wait", wait))
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "overpass: cancelled")
	case <-timer.C:
		return nil
	}
}

func (c *httpClient) post(ctx context.Context, ep resilience.Endpoint, q string) (*Response, error) {
	data, err := c.fetch.PostForm(ctx, ep.URL, url.Values{"data": {q}})
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, eris.Wrapf(ErrParse, "%s: %v", ep.Name, err)
	}
	if strings.HasPrefix(resp.Remark, "runtime error") {
		return nil, resilience.NewTransientError(eris.Errorf("overpass: %s: %s", ep.Name, resp.Remark), 0)
	}
	return &resp, nil
}

// FetchElement returns the element's geometry and current version.
func (c *httpClient) FetchElement(ctx context.Context, ref model.GeoRef) (*model.ResolvedGeometry, error) {
	if ref.Absent() {
		return nil, eris.New("overpass: fetch element: ref has no id")
	}

	resp, endpoint, err := c.query(ctx, geometryQuery(ref, c.queryTimeout()))
	if err != nil {
		return nil, eris.Wrapf(err, "overpass: fetch %s", ref)
	}

	el, ok := findElement(resp.Elements, ref)
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "overpass: fetch %s", ref)
	}

	return &model.ResolvedGeometry{
		Ref:      ref,
		Version:  el.Version,
		Parts:    model.PartsFromElement(el),
		Endpoint: endpoint,
	}, nil
}

// ElementVersion returns the element's current version.
func (c *httpClient) ElementVersion(ctx context.Context, ref model.GeoRef) (int, error) {
	if ref.Absent() {
		return 0, eris.New("overpass: element version: ref has no id")
	}

	resp, _, err := c.query(ctx, versionQuery(ref, c.queryTimeout()))
	if err != nil {
		return 0, eris.Wrapf(err, "overpass: version of %s", ref)
	}

	el, ok := findElement(resp.Elements, ref)
	if !ok {
		return 0, eris.Wrapf(ErrNotFound, "overpass: version of %s", ref)
	}
	return el.Version, nil
}

// SearchByTag finds relations and ways tagged key=value, best match first.
func (c *httpClient) SearchByTag(ctx context.Context, key, value string) ([]model.GeoRef, error) {
	resp, _, err := c.query(ctx, tagQuery(key, value, c.queryTimeout()))
	if err != nil {
		return nil, eris.Wrapf(err, "overpass: search %s=%s", key, value)
	}
	return c.pick(ctx, resp.Elements)
}

// SearchByName finds circuit-like elements whose name matches text.
func (c *httpClient) SearchByName(ctx context.Context, text string) ([]model.GeoRef, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrNotFound
	}
	resp, _, err := c.query(ctx, nameQuery(text, c.queryTimeout()))
	if err != nil {
		return nil, eris.Wrapf(err, "overpass: search name %q", text)
	}
	return c.pick(ctx, resp.Elements)
}

// pick orders search hits best first. When the best hit is a venue rather than
// a track, the best circuit inside it is moved to the front.
func (c *httpClient) pick(ctx context.Context, elements []model.Element) ([]model.GeoRef, error) {
	ranked := rank(elements)
	if len(ranked) == 0 {
		return nil, ErrNotFound
	}

	strong := 0
	for _, s := range ranked {
		if s.score > 50 {
			strong++
		}
	}
	if strong > 1 {
		c.log.Warn("multiple strong candidates, using the first", zap.Int("candidates", strong))
	}

	refs := make([]model.GeoRef, 0, len(ranked)+1)
	best := ranked[0]
	if IsComplex(best.el, best.score) {
		inner, err := c.descend(ctx, best.el.Ref())
		switch {
		case err == nil:
			refs = append(refs, inner)
		case errors.Is(err, ErrNotFound):
		default:
			c.log.Warn("descent into complex failed", zap.String("complex", best.el.Ref().String()), zap.Error(err))
		}
	}

	for _, s := range ranked {
		ref := s.el.Ref()
		if len(refs) > 0 && sameRef(refs[0], ref) {
			continue
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// descend looks for the best positive-scoring circuit inside a venue.
func (c *httpClient) descend(ctx context.Context, parent model.GeoRef) (model.GeoRef, error) {
	resp, _, err := c.query(ctx, descentQuery(parent, c.queryTimeout()))
	if err != nil {
		return model.GeoRef{}, err
	}
	ranked := rank(resp.Elements)
	if len(ranked) == 0 || ranked[0].score <= 0 {
		return model.GeoRef{}, ErrNotFound
	}
	c.log.Info("found circuit inside complex",
		zap.String("complex", parent.String()),
		zap.String("circuit", ranked[0].el.Ref().String()),
	)
	return ranked[0].el.Ref(), nil
}

func findElement(elements []model.Element, ref model.GeoRef) (model.Element, bool) {
	for _, el := range elements {
		if el.ID == *ref.ID && model.ElementType(el.Type) == ref.Type {
			return el, true
		}
	}
	return model.Element{}, false
}

func sameRef(a, b model.GeoRef) bool {
	return a.Type == b.Type && a.ID != nil && b.ID != nil && *a.ID == *b.ID
}
