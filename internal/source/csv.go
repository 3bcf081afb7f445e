package source

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recon-engine/internal/catalog"
)

// CSVSource serves tables from a directory of CSV files, one file per table.
// Rows are read lazily so a capped scan never loads the whole file.
type CSVSource struct {
	dataDir string
	cat     *catalog.Catalog
}

// NewCSVSource creates a CSVSource rooted at dataDir.
func NewCSVSource(dataDir string, cat *catalog.Catalog) *CSVSource {
	return &CSVSource{dataDir: dataDir, cat: cat}
}

// Open locates the table's file and reads its header.
func (s *CSVSource) Open(table string) (TableHandle, error) {
	meta, ok := s.cat.Table(table)
	if !ok {
		return nil, eris.Errorf("source: unknown table %s", table)
	}

	path := meta.Path
	if path == "" {
		path = table + ".csv"
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.dataDir, path)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, eris.Wrapf(err, "source: stat %s", path)
	}

	return &csvTable{path: path, meta: meta}, nil
}

// Close is a no-op; files are opened per scan.
func (s *CSVSource) Close() error { return nil }

type csvTable struct {
	path string
	meta *catalog.Table
}

func (t *csvTable) Name() string              { return t.meta.Name }
func (t *csvTable) Columns() []catalog.Column { return t.meta.Columns }

func (t *csvTable) Scan(columns []string, pred Predicate, limit int) (RowIterator, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: open %s", t.path)
	}

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1 // allow variable fields

	header, err := reader.Read()
	if err != nil {
		_ = f.Close()
		return nil, eris.Wrapf(err, "source: read header %s", t.path)
	}

	return &csvIterator{
		file:    f,
		reader:  reader,
		header:  header,
		meta:    t.meta,
		columns: columns,
		pred:    pred,
		limit:   limit,
	}, nil
}

type csvIterator struct {
	file    *os.File
	reader  *csv.Reader
	header  []string
	meta    *catalog.Table
	columns []string
	pred    Predicate
	limit   int
	emitted int
}

func (it *csvIterator) Next() (Row, error) {
	for {
		if it.limit > 0 && it.emitted >= it.limit {
			return nil, nil
		}

		record, err := it.reader.Read()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, eris.Wrapf(err, "source: read %s", it.meta.Name)
		}

		row := make(Row, len(it.header))
		for i, name := range it.header {
			if i >= len(record) {
				break
			}
			col, ok := it.meta.Column(name)
			if !ok {
				// Column present in the file but not declared; keep raw.
				col = catalog.Column{Name: name, Type: "string"}
			}
			row[name] = ParseCell(record[i], col)
		}

		if it.pred != nil && !it.pred(row) {
			continue
		}

		it.emitted++
		return project(row, it.columns), nil
	}
}

func (it *csvIterator) Close() error {
	if err := it.file.Close(); err != nil {
		zap.L().Warn("source: close csv", zap.String("table", it.meta.Name), zap.Error(err))
		return eris.Wrapf(err, "source: close %s", it.meta.Name)
	}
	return nil
}
