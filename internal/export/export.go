// Package export renders a snapshot of the mapping cache as CSV, XLSX or JSON
// for review outside the tool.
package export

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/circuit-geo/internal/model"
)

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
)

// ParseFormat validates s as a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", eris.Errorf("export: unknown format %q (valid: csv, xlsx, json)", s)
	}
}

// Header is the column order of tabular exports.
var Header = []string{
	"name", "status", "osm_type", "osm_id", "wikidata_id", "manual",
	"search_method", "search_name", "osm_version", "verified_at", "comment",
}

// Row is one exported cache entry.
type Row struct {
	Name  string           `json:"name"`
	Entry model.CacheEntry `json:"entry"`
}

// Rows orders a snapshot by name.
func Rows(snapshot map[string]model.CacheEntry) []Row {
	rows := make([]Row, 0, len(snapshot))
	for name, e := range snapshot {
		rows = append(rows, Row{Name: name, Entry: e})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	return rows
}

// Status classifies an entry for review: mapped, absent or todo.
func Status(e model.CacheEntry) string {
	switch {
	case !e.Absent():
		return "mapped"
	case e.Manual && strings.HasPrefix(e.Comment, "TODO"):
		return "todo"
	default:
		return "absent"
	}
}

// Record flattens a row into Header order.
func (r Row) Record() []string {
	e := r.Entry
	rec := []string{r.Name, Status(e), string(e.OSMType), "", e.WikidataID,
		strconv.FormatBool(e.Manual), string(e.SearchMethod), e.SearchName, "", "", e.Comment}
	if e.OSMID != nil {
		rec[3] = strconv.FormatInt(*e.OSMID, 10)
	}
	if e.OSMVersion != nil {
		rec[8] = strconv.Itoa(*e.OSMVersion)
	}
	if e.VerifiedAt != nil {
		rec[9] = e.VerifiedAt.UTC().Format(time.RFC3339)
	}
	return rec
}

// Write renders rows to w in the given format.
func Write(w io.Writer, format Format, rows []Row) error {
	switch format {
	case FormatCSV:
		return WriteCSV(w, rows)
	case FormatXLSX:
		return WriteXLSX(w, rows)
	case FormatJSON:
		return WriteJSON(w, rows)
	default:
		return eris.Errorf("export: unknown format %q", format)
	}
}

// WriteFile renders rows to path, replacing any existing file atomically.
func WriteFile(path string, format Format, rows []Row) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return eris.Wrap(err, "export: create temp file")
	}
	defer func() {
		if err != nil {
			tmp.Close()           //nolint:errcheck
			os.Remove(tmp.Name()) //nolint:errcheck
		}
	}()

	if err = Write(tmp, format, rows); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return eris.Wrap(err, "export: close temp file")
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return eris.Wrap(err, "export: rename")
	}
	return nil
}

// WriteCSV writes a header line and one record per row.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}
	for _, r := range rows {
		if err := cw.Write(r.Record()); err != nil {
			return eris.Wrapf(err, "export: write csv row %s", r.Name)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush csv")
}

// WriteJSON writes the rows as an indented JSON array.
func WriteJSON(w io.Writer, rows []Row) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(rows), "export: encode json")
}
