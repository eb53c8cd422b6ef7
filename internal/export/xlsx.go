package export

import (
	"io"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/circuit-geo/internal/model"
)

// SheetName is the worksheet exports are written to.
const SheetName = "circuits"

// WriteXLSX writes the rows to a single-sheet workbook with a bold header row.
func WriteXLSX(w io.Writer, rows []Row) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return eris.Wrap(err, "xlsx: add sheet")
	}

	header := sheet.AddRow()
	for _, h := range Header {
		cell := header.AddCell()
		cell.SetString(h)
		style := xlsx.NewStyle()
		style.Font.Bold = true
		cell.SetStyle(style)
	}

	for _, r := range rows {
		row := sheet.AddRow()
		rec := r.Record()
		for i, v := range rec {
			cell := row.AddCell()
			// Numeric columns stay numeric so spreadsheets sort them correctly.
			if (i == 3 || i == 8) && v != "" {
				cell.SetValue(numeric(r.Entry, i))
				continue
			}
			cell.SetString(v)
		}
	}

	return eris.Wrap(f.Write(w), "xlsx: write")
}

// ReadXLSX reads the named sheet of a workbook and returns all rows as
// string slices, header included.
func ReadXLSX(path, sheetName string) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}

	sheet, ok := f.Sheet[sheetName]
	if !ok {
		return nil, eris.Errorf("xlsx: sheet %q not found", sheetName)
	}

	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

func numeric(e model.CacheEntry, col int) any {
	if col == 3 {
		return *e.OSMID
	}
	return *e.OSMVersion
}
