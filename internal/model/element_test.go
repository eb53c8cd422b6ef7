package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartsFromElement_Relation(t *testing.T) {
	t.Parallel()

	el := Element{
		Type: "relation",
		ID:   2783447,
		Members: []Member{
			{Type: "way", Ref: 10, Role: "outer", Geometry: []LatLon{{52.07, -1.01}, {52.08, -1.02}}},
			{Type: "node", Ref: 11, Role: "start"},
			{Type: "way", Ref: 12, Role: "inner", Geometry: []LatLon{{52.06, -1.00}, {52.05, -1.03}}},
			{Type: "way", Ref: 13, Role: "pit_lane"},
		},
	}

	parts := PartsFromElement(el)
	require.Len(t, parts, 2)
	assert.Equal(t, "outer", parts[0].Role)
	assert.Equal(t, int64(10), parts[0].Ref)
	assert.Equal(t, "inner", parts[1].Role)
	assert.Len(t, parts[1].Coords, 2)
}

func TestPartsFromElement_Way(t *testing.T) {
	t.Parallel()

	el := Element{Type: "way", ID: 99, Geometry: []LatLon{{1, 2}, {3, 4}, {5, 6}}}
	parts := PartsFromElement(el)
	require.Len(t, parts, 1)
	assert.Equal(t, int64(99), parts[0].Ref)
	assert.Empty(t, parts[0].Role)
	assert.Len(t, parts[0].Coords, 3)
}

func TestPartsFromElement_NoGeometry(t *testing.T) {
	t.Parallel()

	assert.Empty(t, PartsFromElement(Element{Type: "way", ID: 1}))
	assert.Empty(t, PartsFromElement(Element{Type: "node", ID: 1}))
}
