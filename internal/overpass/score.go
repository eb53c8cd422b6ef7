package overpass

import (
	"sort"
	"strings"

	"github.com/sells-group/circuit-geo/internal/model"
)

// Score rates how likely el is the racing line itself rather than the venue
// around it. Higher is better.
func Score(el model.Element) int {
	tags := el.Tags
	score := 0

	if tags["type"] == "circuit" {
		score += 100
	}
	if tags["highway"] == "raceway" {
		score += 50
	}
	if strings.Contains(tags["sport"], "motor") {
		score += 10
	}
	if tags["leisure"] == "track" {
		score += 10
	}

	switch tags["type"] {
	case "multipolygon", "site":
		score -= 30
	}
	if tags["leisure"] == "sports_centre" {
		score -= 50
	}
	if tags["highway"] == "services" {
		score -= 60
	}
	_, landuse := tags["landuse"]
	_, amenity := tags["amenity"]
	if landuse || amenity {
		score -= 20
	}

	if model.ElementType(el.Type) == model.Relation {
		score += 5
	}
	return score
}

// IsComplex reports whether the element looks like a venue that contains the
// circuit rather than the circuit.
func IsComplex(el model.Element, score int) bool {
	if score <= 0 {
		return true
	}
	switch el.Tags["type"] {
	case "site", "multipolygon":
		return true
	}
	return el.Tags["leisure"] == "sports_centre"
}

type scored struct {
	el    model.Element
	score int
}

// rank scores relations and ways and orders them best first. Ties keep the
// response order.
func rank(elements []model.Element) []scored {
	out := make([]scored, 0, len(elements))
	for _, el := range elements {
		switch model.ElementType(el.Type) {
		case model.Relation, model.Way:
			out = append(out, scored{el: el, score: Score(el)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}
