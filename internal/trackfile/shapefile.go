package trackfile

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"

	"github.com/sells-group/circuit-geo/internal/model"
)

// ShapefileWriter writes one PolyLine record per part into
// <dir>/<safe name>_shp/<safe name>.shp with ROLE and REF attributes.
type ShapefileWriter struct {
	dir string
}

// NewShapefileWriter creates a writer rooted at dir.
func NewShapefileWriter(dir string) *ShapefileWriter {
	return &ShapefileWriter{dir: dir}
}

// Path returns the output directory for name.
func (w *ShapefileWriter) Path(name string) string {
	return filepath.Join(w.dir, model.SafeFilename(name)+"_shp")
}

// Exists reports whether output for name is already on disk.
func (w *ShapefileWriter) Exists(name string) bool {
	_, err := os.Stat(filepath.Join(w.Path(name), model.SafeFilename(name)+".shp"))
	return err == nil
}

// Write builds the shapefile set in a temp directory and swaps it into place.
func (w *ShapefileWriter) Write(name string, g *model.ResolvedGeometry) (path string, err error) {
	if g == nil || len(g.Parts) == 0 {
		return "", eris.Wrapf(ErrNoGeometry, "trackfile: %s", name)
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "trackfile: create dir %s", w.dir)
	}

	stem := model.SafeFilename(name)
	tmpDir, err := os.MkdirTemp(w.dir, "."+stem+"_shp.*.tmp")
	if err != nil {
		return "", eris.Wrap(err, "trackfile: create temp dir")
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	written, err := writeShapes(filepath.Join(tmpDir, stem+".shp"), g)
	if err != nil {
		return "", err
	}
	if written == 0 {
		return "", eris.Wrapf(ErrNoGeometry, "trackfile: %s has no line with two or more points", name)
	}

	final := w.Path(name)
	if err = os.RemoveAll(final); err != nil {
		return "", eris.Wrapf(err, "trackfile: remove old %s", final)
	}
	if err = os.Rename(tmpDir, final); err != nil {
		return "", eris.Wrapf(err, "trackfile: rename into %s", final)
	}
	return final, nil
}

func writeShapes(path string, g *model.ResolvedGeometry) (int, error) {
	out, err := shp.Create(path, shp.POLYLINE)
	if err != nil {
		return 0, eris.Wrapf(err, "trackfile: create shapefile %s", filepath.Base(path))
	}
	defer out.Close() //nolint:errcheck

	out.SetFields([]shp.Field{ //nolint:errcheck
		shp.StringField("ROLE", 32),
		shp.StringField("REF", 20),
		shp.NumberField("VERSION", 10),
	})

	written := 0
	for _, p := range g.Parts {
		if len(p.Coords) < 2 {
			continue
		}
		points := make([]shp.Point, len(p.Coords))
		for i, c := range p.Coords {
			points[i] = shp.Point{X: c.Lon, Y: c.Lat}
		}
		row := int(out.Write(shp.NewPolyLine([][]shp.Point{points})))
		out.WriteAttribute(row, 0, p.Role)                       //nolint:errcheck
		out.WriteAttribute(row, 1, strconv.FormatInt(p.Ref, 10)) //nolint:errcheck
		out.WriteAttribute(row, 2, strconv.Itoa(g.Version))      //nolint:errcheck
		written++
	}
	return written, nil
}

// MultiWriter writes through a primary writer and then any extra formats.
// The primary writer's path is returned and decides Exists.
type MultiWriter struct {
	primary Writer
	extra   []Writer
}

// NewMultiWriter combines writers.
func NewMultiWriter(primary Writer, extra ...Writer) *MultiWriter {
	return &MultiWriter{primary: primary, extra: extra}
}

// Write writes every format, stopping at the first failure.
func (m *MultiWriter) Write(name string, g *model.ResolvedGeometry) (string, error) {
	path, err := m.primary.Write(name, g)
	if err != nil {
		return "", err
	}
	for _, w := range m.extra {
		if _, err := w.Write(name, g); err != nil {
			return path, err
		}
	}
	return path, nil
}

// Exists reports whether the primary output exists.
func (m *MultiWriter) Exists(name string) bool {
	return m.primary.Exists(name)
}
