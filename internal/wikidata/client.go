// Package wikidata resolves circuit names to Wikidata items and reads their
// properties.
package wikidata

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/circuit-geo/internal/fetcher"
	"github.com/sells-group/circuit-geo/internal/model"
)

// PropOSMRelation is the "OpenStreetMap relation ID" property.
const PropOSMRelation = "P402"

// ErrNotFound is returned when a search has no hits or an item does not exist.
var ErrNotFound = eris.New("wikidata: not found")

// Client defines the knowledge-base operations.
type Client interface {
	// ResolveName returns the best-matching item id (QID) for text.
	ResolveName(ctx context.Context, text string) (string, error)
	// GetProperty returns the first value of property on item qid. The bool is
	// false when the item has no such claim.
	GetProperty(ctx context.Context, qid, property string) (string, bool, error)
}

// SearchResult is one wbsearchentities hit.
type SearchResult struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

type searchResponse struct {
	Search []SearchResult `json:"search"`
}

type entityResponse struct {
	Entities map[string]struct {
		ID     string             `json:"id"`
		Claims map[string][]claim `json:"claims"`
	} `json:"entities"`
}

type claim struct {
	Mainsnak struct {
		Snaktype  string `json:"snaktype"`
		Datavalue struct {
			Value json.RawMessage `json:"value"`
		} `json:"datavalue"`
	} `json:"mainsnak"`
}

// Option configures the Wikidata client.
type Option func(*httpClient)

// WithAPIURL sets the MediaWiki API URL (for testing).
func WithAPIURL(u string) Option {
	return func(c *httpClient) {
		c.apiURL = u
	}
}

// WithEntityURL sets the Special:EntityData base URL (for testing).
func WithEntityURL(u string) Option {
	return func(c *httpClient) {
		c.entityURL = u
	}
}

// WithSearchLimit sets how many search hits are scored.
func WithSearchLimit(n int) Option {
	return func(c *httpClient) {
		if n > 0 {
			c.limit = n
		}
	}
}

type httpClient struct {
	fetch     fetcher.Fetcher
	apiURL    string
	entityURL string
	limit     int
	log       *zap.Logger
}

// NewClient creates a Wikidata client on top of f.
func NewClient(f fetcher.Fetcher, opts ...Option) Client {
	c := &httpClient{
		fetch:     f,
		apiURL:    "https://www.wikidata.org/w/api.php",
		entityURL: "https://www.wikidata.org/wiki/Special:EntityData",
		limit:     5,
		log:       zap.L().With(zap.String("component", "wikidata")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var (
	circuitKeywords = []string{"circuit", "track", "raceway", "motorsport", "racing"}
	formulaKeywords = []string{"formula", "f1"}
)

// Relevance scores a search hit by its description.
func Relevance(r SearchResult) int {
	desc := strings.ToLower(r.Description)
	score := 0
	for _, kw := range circuitKeywords {
		if strings.Contains(desc, kw) {
			score += 10
			break
		}
	}
	for _, kw := range formulaKeywords {
		if strings.Contains(desc, kw) {
			score += 5
			break
		}
	}
	return score
}

// ResolveName returns the best-matching item id for text.
func (c *httpClient) ResolveName(ctx context.Context, text string) (string, error) {
	params := url.Values{
		"action":   {"wbsearchentities"},
		"search":   {text},
		"language": {"en"},
		"type":     {"item"},
		"format":   {"json"},
		"limit":    {strconv.Itoa(c.limit)},
	}

	resp, err := fetcher.GetJSON[searchResponse](ctx, c.fetch, c.apiURL+"?"+params.Encode())
	if err != nil {
		return "", eris.Wrapf(err, "wikidata: search %q", text)
	}

	hits := make([]SearchResult, 0, len(resp.Search))
	for _, r := range resp.Search {
		if model.IsQID(r.ID) {
			hits = append(hits, r)
		}
	}
	if len(hits) == 0 {
		return "", eris.Wrapf(ErrNotFound, "wikidata: search %q", text)
	}

	sort.SliceStable(hits, func(i, j int) bool { return Relevance(hits[i]) > Relevance(hits[j]) })
	c.log.Debug("resolved name",
		zap.String("name", text),
		zap.String("qid", hits[0].ID),
		zap.String("description", hits[0].Description),
	)
	return hits[0].ID, nil
}

// GetProperty returns the first value of property on item qid.
func (c *httpClient) GetProperty(ctx context.Context, qid, property string) (string, bool, error) {
	if !model.IsQID(qid) {
		return "", false, eris.Errorf("wikidata: malformed item id %q", qid)
	}

	resp, err := fetcher.GetJSON[entityResponse](ctx, c.fetch, c.entityURL+"/"+qid+".json")
	if err != nil {
		var se *fetcher.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return "", false, eris.Wrapf(ErrNotFound, "wikidata: entity %s", qid)
		}
		return "", false, eris.Wrapf(err, "wikidata: entity %s", qid)
	}

	entity, ok := resp.Entities[qid]
	if !ok {
		// Merged items answer under the id they redirect to.
		for _, e := range resp.Entities {
			entity, ok = e, true
			break
		}
	}
	if !ok {
		return "", false, eris.Wrapf(ErrNotFound, "wikidata: entity %s", qid)
	}

	for _, cl := range entity.Claims[property] {
		if cl.Mainsnak.Snaktype != "" && cl.Mainsnak.Snaktype != "value" {
			continue
		}
		raw := cl.Mainsnak.Datavalue.Value
		if len(raw) == 0 {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, true, nil
		}
		return string(raw), true, nil
	}
	return "", false, nil
}
