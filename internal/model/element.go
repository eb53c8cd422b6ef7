package model

// LatLon is a single vertex as returned by the Overpass geometry output.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Member is a relation member.
type Member struct {
	Type     string   `json:"type"`
	Ref      int64    `json:"ref"`
	Role     string   `json:"role"`
	Geometry []LatLon `json:"geometry,omitempty"`
}

// Element is an OSM element from the Overpass JSON output.
type Element struct {
	Type     string            `json:"type"`
	ID       int64             `json:"id"`
	Version  int               `json:"version,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
	Geometry []LatLon          `json:"geometry,omitempty"`
	Members  []Member          `json:"members,omitempty"`
}

// Ref returns the element's reference. Elements of other types (nodes) are
// reported with their raw type.
func (e Element) Ref() GeoRef {
	return NewGeoRef(e.ID, ElementType(e.Type))
}

// Part is one tagged coordinate sequence of a circuit geometry.
type Part struct {
	Role   string
	Ref    int64
	Coords []LatLon
}

// ResolvedGeometry is the geometry of a resolved circuit with its provenance.
type ResolvedGeometry struct {
	Name    string
	Ref     GeoRef
	Version int
	Parts   []Part

	// Endpoint names the server that answered.
	Endpoint string
}

// PartsFromElement converts an element with inline geometry into parts. A
// relation yields one part per way member carrying geometry; a way yields a
// single part.
func PartsFromElement(el Element) []Part {
	var parts []Part
	switch ElementType(el.Type) {
	case Relation:
		for _, m := range el.Members {
			if m.Type != "way" || len(m.Geometry) == 0 {
				continue
			}
			parts = append(parts, Part{Role: m.Role, Ref: m.Ref, Coords: m.Geometry})
		}
	case Way:
		if len(el.Geometry) > 0 {
			parts = append(parts, Part{Ref: el.ID, Coords: el.Geometry})
		}
	}
	return parts
}
