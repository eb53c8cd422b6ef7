package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ElementType is the kind of OSM element a circuit maps to.
type ElementType string

const (
	// Relation is an OSM relation (usually a type=circuit route).
	Relation ElementType = "relation"
	// Way is a single OSM way.
	Way ElementType = "way"
)

// ParseElementType validates s as an ElementType.
func ParseElementType(s string) (ElementType, error) {
	switch ElementType(s) {
	case Relation, Way:
		return ElementType(s), nil
	default:
		return "", eris.Errorf("model: unknown element type %q (valid: relation, way)", s)
	}
}

// GeoRef identifies an element in the geographic database. A nil ID marks a
// circuit that is confirmed not to exist there.
type GeoRef struct {
	ID   *int64      `json:"id"`
	Type ElementType `json:"type,omitempty"`
}

// NewGeoRef builds a GeoRef for a known element.
func NewGeoRef(id int64, typ ElementType) GeoRef {
	return GeoRef{ID: &id, Type: typ}
}

// Absent reports whether the ref marks a confirmed-absent element.
func (r GeoRef) Absent() bool { return r.ID == nil }

// String renders the ref as "relation/123".
func (r GeoRef) String() string {
	if r.ID == nil {
		return "absent"
	}
	return fmt.Sprintf("%s/%d", r.Type, *r.ID)
}

// SearchMethod records which resolution tier produced a mapping.
type SearchMethod string

const (
	// MethodDirectXref is a knowledge-base property linking straight to OSM.
	MethodDirectXref SearchMethod = "direct_xref"
	// MethodTaggedSearch is an OSM element tagged with the knowledge-base id.
	MethodTaggedSearch SearchMethod = "tagged_search"
	// MethodNameSearch is an OSM element found by name.
	MethodNameSearch SearchMethod = "name_search"
	// MethodManual is an operator-authored mapping.
	MethodManual SearchMethod = "manual"
)

// Valid reports whether m is a known method.
func (m SearchMethod) Valid() bool {
	switch m {
	case MethodDirectXref, MethodTaggedSearch, MethodNameSearch, MethodManual:
		return true
	default:
		return false
	}
}

// legacyTimeLayout is the minute-resolution layout hand-edited files use.
const legacyTimeLayout = "2006-01-02 15:04"

// Timestamp is a time.Time persisted as RFC 3339. Unmarshal also accepts the
// "2006-01-02 15:04" layout.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to whole seconds so it survives a round trip.
func NewTimestamp(t time.Time) *Timestamp {
	return &Timestamp{Time: t.UTC().Truncate(time.Second)}
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return eris.Wrap(err, "model: timestamp must be a string")
	}
	if parsed, err := time.Parse(time.RFC3339, s); err == nil {
		t.Time = parsed.UTC()
		return nil
	}
	parsed, err := time.ParseInLocation(legacyTimeLayout, s, time.UTC)
	if err != nil {
		return eris.Errorf("model: invalid timestamp %q", s)
	}
	t.Time = parsed
	return nil
}

// CacheEntry is one persisted circuit mapping.
type CacheEntry struct {
	OSMID        *int64       `json:"osm_id"`
	OSMType      ElementType  `json:"osm_type,omitempty"`
	WikidataID   string       `json:"wikidata_id,omitempty"`
	Manual       bool         `json:"manual"`
	Comment      string       `json:"comment,omitempty"`
	SearchMethod SearchMethod `json:"search_method,omitempty"`
	SearchName   string       `json:"search_name,omitempty"`
	VerifiedAt   *Timestamp   `json:"verified_at,omitempty"`
	OSMVersion   *int         `json:"osm_version,omitempty"`
}

// Ref returns the entry's element reference.
func (e CacheEntry) Ref() GeoRef {
	return GeoRef{ID: e.OSMID, Type: e.OSMType}
}

// Absent reports whether the entry marks a confirmed-absent circuit.
func (e CacheEntry) Absent() bool { return e.OSMID == nil }

// Validate checks the entry's closed structure.
func (e CacheEntry) Validate() error {
	if e.OSMType != "" {
		if _, err := ParseElementType(string(e.OSMType)); err != nil {
			return err
		}
	}
	if e.OSMID != nil {
		if *e.OSMID <= 0 {
			return eris.Errorf("model: osm_id must be positive, got %d", *e.OSMID)
		}
		if e.OSMType == "" {
			return eris.New("model: osm_type is required when osm_id is set")
		}
	}
	if e.SearchMethod != "" && !e.SearchMethod.Valid() {
		return eris.Errorf("model: unknown search_method %q", e.SearchMethod)
	}
	if e.WikidataID != "" && !IsQID(e.WikidataID) {
		return eris.Errorf("model: malformed wikidata_id %q", e.WikidataID)
	}
	if e.OSMVersion != nil && *e.OSMVersion < 0 {
		return eris.Errorf("model: osm_version must not be negative, got %d", *e.OSMVersion)
	}
	return nil
}

// IsQID reports whether s looks like a Wikidata item id ("Q" followed by digits).
func IsQID(s string) bool {
	if len(s) < 2 || s[0] != 'Q' {
		return false
	}
	return strings.IndexFunc(s[1:], func(r rune) bool { return r < '0' || r > '9' }) < 0
}
