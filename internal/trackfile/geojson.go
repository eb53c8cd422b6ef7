// Package trackfile writes circuit geometry to disk. Files are written to a
// temporary sibling and renamed into place, so readers see either the old
// file or the complete new one.
package trackfile

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang/geo/s2"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/circuit-geo/internal/model"
)

// ErrNoGeometry is returned when a geometry has no parts to write.
var ErrNoGeometry = eris.New("trackfile: geometry has no parts")

// earthRadiusMeters is the mean Earth radius used for line lengths.
const earthRadiusMeters = 6371008.8

// cellLevel is the S2 level of the _cell property (roughly 1 km cells).
const cellLevel = 13

// Writer persists one circuit's geometry and returns the written path.
type Writer interface {
	Write(name string, g *model.ResolvedGeometry) (string, error)
	Exists(name string) bool
}

// Collection is a GeoJSON FeatureCollection with foreign members.
type Collection struct {
	Type       string             `json:"type"`
	BBox       []float64          `json:"bbox,omitempty"`
	Properties map[string]any     `json:"properties"`
	Features   []*geojson.Feature `json:"features"`
}

// GeoJSONWriter writes <dir>/<safe name>.geojson files.
type GeoJSONWriter struct {
	dir string

	// encode serializes the document into the temp file.
	encode func(w io.Writer, v any) error
}

// NewGeoJSONWriter creates a writer rooted at dir.
func NewGeoJSONWriter(dir string) *GeoJSONWriter {
	return &GeoJSONWriter{dir: dir, encode: encodeIndented}
}

func encodeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Path returns the output path for name.
func (w *GeoJSONWriter) Path(name string) string {
	return filepath.Join(w.dir, model.SafeFilename(name)+".geojson")
}

// Exists reports whether output for name is already on disk.
func (w *GeoJSONWriter) Exists(name string) bool {
	_, err := os.Stat(w.Path(name))
	return err == nil
}

// Write encodes g as a FeatureCollection at Path(name).
func (w *GeoJSONWriter) Write(name string, g *model.ResolvedGeometry) (string, error) {
	doc, err := BuildCollection(name, g)
	if err != nil {
		return "", err
	}

	path := w.Path(name)
	err = WriteAtomic(path, func(f io.Writer) error {
		return w.encode(f, doc)
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// BuildCollection converts g into the on-disk document.
func BuildCollection(name string, g *model.ResolvedGeometry) (*Collection, error) {
	if g == nil || len(g.Parts) == 0 {
		return nil, eris.Wrapf(ErrNoGeometry, "trackfile: %s", name)
	}

	bounds := geom.NewBounds(geom.XY)
	features := make([]*geojson.Feature, 0, len(g.Parts))
	for _, p := range g.Parts {
		if len(p.Coords) < 2 {
			continue
		}
		ls := geom.NewLineStringFlat(geom.XY, flatCoords(p.Coords))
		bounds.Extend(ls)
		features = append(features, &geojson.Feature{
			Geometry: ls,
			Properties: map[string]any{
				"role":     p.Role,
				"ref":      p.Ref,
				"length_m": lengthMeters(p.Coords),
			},
		})
	}
	if len(features) == 0 {
		return nil, eris.Wrapf(ErrNoGeometry, "trackfile: %s has no line with two or more points", name)
	}

	props := map[string]any{
		"name":         name,
		"_osm_type":    string(g.Ref.Type),
		"_osm_version": g.Version,
	}
	if g.Ref.ID != nil {
		props["_osm_id"] = *g.Ref.ID
	}

	minLon, minLat, maxLon, maxLat := bounds.Min(0), bounds.Min(1), bounds.Max(0), bounds.Max(1)
	centre := s2.LatLngFromDegrees((minLat+maxLat)/2, (minLon+maxLon)/2)
	props["_cell"] = s2.CellIDFromLatLng(centre).Parent(cellLevel).ToToken()

	return &Collection{
		Type:       "FeatureCollection",
		BBox:       []float64{minLon, minLat, maxLon, maxLat},
		Properties: props,
		Features:   features,
	}, nil
}

func flatCoords(coords []model.LatLon) []float64 {
	flat := make([]float64, 0, 2*len(coords))
	for _, c := range coords {
		flat = append(flat, c.Lon, c.Lat)
	}
	return flat
}

// lengthMeters is the geodesic length of the line, rounded to decimetres.
func lengthMeters(coords []model.LatLon) float64 {
	var total float64
	for i := 1; i < len(coords); i++ {
		a := s2.LatLngFromDegrees(coords[i-1].Lat, coords[i-1].Lon)
		b := s2.LatLngFromDegrees(coords[i].Lat, coords[i].Lon)
		total += a.Distance(b).Radians() * earthRadiusMeters
	}
	return math.Round(total*10) / 10
}

// WriteAtomic streams content into a temp file next to path, syncs it and
// renames it over path. The temp file is removed on every failure.
func WriteAtomic(path string, write func(io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "trackfile: create dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return eris.Wrap(err, "trackfile: create temp file")
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = write(tmp); err != nil {
		return eris.Wrapf(err, "trackfile: encode %s", filepath.Base(path))
	}
	if err = tmp.Sync(); err != nil {
		return eris.Wrap(err, "trackfile: sync temp file")
	}
	if err = tmp.Close(); err != nil {
		return eris.Wrap(err, "trackfile: close temp file")
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return eris.Wrap(err, "trackfile: chmod temp file")
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return eris.Wrapf(err, "trackfile: rename into %s", path)
	}
	return nil
}

// ReadProperties returns the top-level properties of a written file.
func ReadProperties(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrapf(err, "trackfile: %s not found", filepath.Base(path))
	}
	if err != nil {
		return nil, eris.Wrapf(err, "trackfile: read %s", path)
	}
	var doc struct {
		Properties map[string]any `json:"properties"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "trackfile: decode %s", path)
	}
	return doc.Properties, nil
}

// OSMVersionOf reads _osm_version from a written file. ok is false when the
// file or property is missing.
func OSMVersionOf(path string) (int, bool) {
	props, err := ReadProperties(path)
	if err != nil {
		return 0, false
	}
	switch v := props["_osm_version"].(type) {
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}
