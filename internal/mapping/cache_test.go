package mapping

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/circuit-geo/internal/model"
)

func ptr[T any](v T) *T { return &v }

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "circuit_mappings.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "circuit_mappings.json")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, c.Names())

	_, statErr := os.Stat(path)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "load must not create the file")

	require.NoError(t, c.Flush())
	_, statErr = os.Stat(path)
	assert.NoError(t, statErr)
}

func TestLoad_Corrupt(t *testing.T) {
	for _, body := range []string{`{"circuits": {`, `[1,2]`, `null`, ``} {
		path := writeFile(t, body)
		_, err := Load(path)
		require.Error(t, err, body)
		assert.True(t, errors.Is(err, ErrCorrupt), body)
	}
}

func TestLoad_BareMap(t *testing.T) {
	path := writeFile(t, `{
		"_comment": "hand written",
		"Monza Circuit": {"osm_id": 123, "osm_type": "way", "manual": true}
	}`)

	c, err := Load(path)
	require.NoError(t, err)
	e, ok, err := c.Get("Monza Circuit")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(123), *e.OSMID)
	assert.True(t, e.Manual)
	assert.Equal(t, []string{"Monza Circuit"}, c.Names())
}

func TestLoad_LegacyMethodNames(t *testing.T) {
	path := writeFile(t, `{"circuits": {
		"A": {"osm_id": 1, "osm_type": "relation", "manual": false, "search_method": "P402", "verified_at": "2024-03-01 12:30"},
		"B": {"osm_id": 2, "osm_type": "way", "manual": false, "search_method": "osm_name"}
	}}`)

	c, err := Load(path)
	require.NoError(t, err)

	a, _, err := c.Get("A")
	require.NoError(t, err)
	assert.Equal(t, model.MethodDirectXref, a.SearchMethod)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC), a.VerifiedAt.Time)

	b, _, err := c.Get("B")
	require.NoError(t, err)
	assert.Equal(t, model.MethodNameSearch, b.SearchMethod)
}

func TestQuarantine(t *testing.T) {
	path := writeFile(t, `{"_schema": {"version": 1}, "circuits": {
		"Good": {"osm_id": 1, "osm_type": "relation", "manual": false},
		"Typo": {"osm_id": 2, "osm_typ": "way", "manual": true},
		"WrongType": {"osm_id": "two", "osm_type": "way", "manual": true},
		"NoID": {"osm_type": "way", "manual": true},
		"BadKind": {"osm_id": 3, "osm_type": "node", "manual": true}
	}}`)

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Stats{Auto: 1, Quarantined: 4}, c.Stats())
	assert.Len(t, c.Quarantined(), 4)

	for _, name := range []string{"Typo", "WrongType", "NoID", "BadKind"} {
		_, _, err := c.Get(name)
		assert.True(t, errors.Is(err, ErrQuarantined), name)

		_, err = c.Upsert(name, model.CacheEntry{OSMID: ptr(int64(9)), OSMType: model.Way})
		assert.True(t, errors.Is(err, ErrQuarantined), name)
	}

	require.NoError(t, c.Flush())

	var onDisk struct {
		Circuits map[string]map[string]any `json:"circuits"`
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, "way", onDisk.Circuits["Typo"]["osm_typ"], "quarantined entries are written back unchanged")
	assert.Equal(t, "two", onDisk.Circuits["WrongType"]["osm_id"])
	assert.Len(t, onDisk.Circuits, 5)
}

func TestUpsert_ManualProtected(t *testing.T) {
	path := writeFile(t, `{"circuits": {
		"Ain-Diab Circuit": {"osm_id": null, "manual": true, "comment": "TODO: manual mapping needed"},
		"Hockenheimring": {"osm_id": 38566, "osm_type": "relation", "wikidata_id": "Q173099", "manual": true}
	}}`)
	c, err := Load(path)
	require.NoError(t, err)

	replaced, err := c.Upsert("Hockenheimring", model.CacheEntry{
		OSMID:        ptr(int64(1)),
		OSMType:      model.Way,
		WikidataID:   "Q1",
		SearchMethod: model.MethodNameSearch,
		VerifiedAt:   model.NewTimestamp(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)),
		OSMVersion:   ptr(17),
	})
	require.NoError(t, err)
	assert.False(t, replaced)

	e, _, err := c.Get("Hockenheimring")
	require.NoError(t, err)
	assert.Equal(t, int64(38566), *e.OSMID)
	assert.Equal(t, model.Relation, e.OSMType)
	assert.Equal(t, "Q173099", e.WikidataID)
	assert.True(t, e.Manual)
	assert.Empty(t, e.SearchMethod)
	assert.Equal(t, 17, *e.OSMVersion)
	assert.Equal(t, 2025, e.VerifiedAt.Year())

	_, err = c.Upsert("Ain-Diab Circuit", model.CacheEntry{OSMID: ptr(int64(5)), OSMType: model.Way})
	require.NoError(t, err)
	e, _, err = c.Get("Ain-Diab Circuit")
	require.NoError(t, err)
	assert.Nil(t, e.OSMID)
	assert.True(t, e.Manual)
}

func TestUpsert_RejectsInvalid(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "m.json"))
	require.NoError(t, err)

	_, err = c.Upsert("X", model.CacheEntry{OSMID: ptr(int64(5))})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "osm_type is required")
}

func TestUpdateVersion(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "m.json"))
	require.NoError(t, err)

	require.Error(t, c.UpdateVersion("Nope", 3, nil))

	_, err = c.Upsert("Imola", model.CacheEntry{OSMID: ptr(int64(7)), OSMType: model.Relation, Manual: true})
	require.NoError(t, err)
	require.NoError(t, c.UpdateVersion("Imola", 12, nil))

	e, _, err := c.Get("Imola")
	require.NoError(t, err)
	assert.Equal(t, 12, *e.OSMVersion)
	assert.Nil(t, e.VerifiedAt)
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.json")
	c, err := Load(path)
	require.NoError(t, err)

	want := map[string]model.CacheEntry{
		"Silverstone Circuit": {
			OSMID:        ptr(int64(2783447)),
			OSMType:      model.Relation,
			WikidataID:   "Q188822",
			SearchMethod: model.MethodDirectXref,
			SearchName:   "Silverstone Circuit",
			VerifiedAt:   model.NewTimestamp(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)),
			OSMVersion:   ptr(42),
		},
		"Ain-Diab Circuit": {
			Manual:  true,
			Comment: "TODO: manual mapping needed",
		},
		"Autódromo José Carlos Pace": {
			OSMID:        ptr(int64(40217)),
			OSMType:      model.Way,
			SearchMethod: model.MethodNameSearch,
			SearchName:   "Interlagos",
		},
	}
	for name, e := range want {
		_, err := c.Upsert(name, e)
		require.NoError(t, err)
	}
	require.NoError(t, c.Flush())

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, reloaded.Snapshot())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"_schema"`)
	assert.Contains(t, string(data), `"osm_id": null`)
	assert.Contains(t, string(data), "Autódromo", "non-ASCII names are not escaped")
}

func TestFlush_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.json")
	c, err := Load(path)
	require.NoError(t, err)

	_, err = c.Upsert("Suzuka", model.CacheEntry{OSMID: ptr(int64(3)), OSMType: model.Way})
	require.NoError(t, err)
	require.NoError(t, c.Flush())
	require.NoError(t, c.Flush())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"m.json", "m.json.lock"}, names)
}

func TestFlush_FailureKeepsOldFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.json")
	original := `{"circuits": {"Monza": {"osm_id": 1, "osm_type": "way", "manual": true}}}`
	require.NoError(t, os.WriteFile(path, []byte(original), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	_, err = c.Upsert("Spa", model.CacheEntry{OSMID: ptr(int64(2)), OSMType: model.Way})
	require.NoError(t, err)

	// A directory at the destination makes the rename fail.
	c.path = filepath.Join(dir, "blocked")
	require.NoError(t, os.MkdirAll(filepath.Join(c.path, "child"), 0o755))
	require.Error(t, c.Flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestConcurrentUpserts(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "m.json"))
	require.NoError(t, err)

	done := make(chan struct{})
	for i := range 8 {
		go func() {
			defer func() { done <- struct{}{} }()
			_, _ = c.Upsert(string(rune('A'+i)), model.CacheEntry{OSMID: ptr(int64(i + 1)), OSMType: model.Way})
			_ = c.Flush()
		}()
	}
	for range 8 {
		<-done
	}
	assert.Len(t, c.Names(), 8)
}
