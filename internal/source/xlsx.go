package source

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/recon-engine/internal/catalog"
)

// XLSXSource serves tables from a directory of XLSX workbooks, one workbook
// per table with the data on the first sheet.
type XLSXSource struct {
	dataDir string
	cat     *catalog.Catalog
}

// NewXLSXSource creates an XLSXSource rooted at dataDir.
func NewXLSXSource(dataDir string, cat *catalog.Catalog) *XLSXSource {
	return &XLSXSource{dataDir: dataDir, cat: cat}
}

// Open locates the table's workbook.
func (s *XLSXSource) Open(table string) (TableHandle, error) {
	meta, ok := s.cat.Table(table)
	if !ok {
		return nil, eris.Errorf("source: unknown table %s", table)
	}

	path := meta.Path
	if path == "" {
		path = table + ".xlsx"
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.dataDir, path)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, eris.Wrapf(err, "source: stat %s", path)
	}

	return &xlsxTable{path: path, meta: meta}, nil
}

// Close is a no-op; workbooks are opened per scan.
func (s *XLSXSource) Close() error { return nil }

type xlsxTable struct {
	path string
	meta *catalog.Table
}

func (t *xlsxTable) Name() string              { return t.meta.Name }
func (t *xlsxTable) Columns() []catalog.Column { return t.meta.Columns }

func (t *xlsxTable) Scan(columns []string, pred Predicate, limit int) (RowIterator, error) {
	f, err := xlsx.OpenFile(t.path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: open %s", t.path)
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("source: %s has no sheets", t.path)
	}
	sheet := f.Sheets[0]
	if len(sheet.Rows) == 0 {
		return &sliceIterator{}, nil
	}

	header := make([]string, len(sheet.Rows[0].Cells))
	for i, c := range sheet.Rows[0].Cells {
		header[i] = c.String()
	}

	var rows []Row
	for _, sheetRow := range sheet.Rows[1:] {
		if limit > 0 && len(rows) >= limit {
			break
		}

		row := make(Row, len(header))
		for i, name := range header {
			if i >= len(sheetRow.Cells) {
				break
			}
			col, ok := t.meta.Column(name)
			if !ok {
				col = catalog.Column{Name: name, Type: "string"}
			}
			row[name] = ParseCell(sheetRow.Cells[i].String(), col)
		}

		if pred != nil && !pred(row) {
			continue
		}
		rows = append(rows, project(row, columns))
	}

	return &sliceIterator{rows: rows}, nil
}
