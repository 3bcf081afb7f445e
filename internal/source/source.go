// Package source provides read-only access to named tables behind the
// reconciliation engine. Backends parse their own formats; consumers see
// typed rows through TableHandle.Scan and never touch files directly.
package source

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/recon-engine/internal/catalog"
	"github.com/sells-group/recon-engine/internal/config"
)

// Row is one table row. Cell values are string, int64, float64, bool, or nil.
type Row map[string]any

// Predicate narrows a scan. A nil predicate accepts every row.
type Predicate func(Row) bool

// RowIterator yields rows one at a time. Callers must Close it.
type RowIterator interface {
	// Next returns the next row, or (nil, nil) when the scan is exhausted.
	Next() (Row, error)
	Close() error
}

// TableHandle is an opened table.
type TableHandle interface {
	Name() string
	Columns() []catalog.Column

	// Scan yields rows restricted to the named columns (all columns when
	// empty), filtered by pred, capped at limit rows (no cap when <= 0).
	Scan(columns []string, pred Predicate, limit int) (RowIterator, error)
}

// Source opens named tables.
type Source interface {
	Open(table string) (TableHandle, error)
	Close() error
}

// New builds a Source from config, resolving table paths and column types
// through the catalog.
func New(cfg config.SourceConfig, cat *catalog.Catalog) (Source, error) {
	switch cfg.Driver {
	case "csv", "":
		return NewCSVSource(cfg.DataDir, cat), nil
	case "xlsx":
		return NewXLSXSource(cfg.DataDir, cat), nil
	case "sqlite":
		return NewSQLiteSource(cfg.DSN, cat)
	default:
		return nil, eris.Errorf("source: unknown driver %q", cfg.Driver)
	}
}

// ParseCell converts a raw string cell to the typed value declared for its
// column. Empty cells map to nil. Unparseable cells fall back to the raw
// string rather than failing the scan.
func ParseCell(raw string, col catalog.Column) any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	switch col.Type {
	case "integer":
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
	case "float", "numeric", "double":
		if f, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64); err == nil {
			return f
		}
	case "boolean":
		switch strings.ToLower(raw) {
		case "true", "yes", "1":
			return true
		case "false", "no", "0":
			return false
		}
	}
	return raw
}

// Float64 coerces a cell to float64 for arithmetic. The second return is
// false for nil and non-numeric cells.
func Float64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(n, ",", ""), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// CellString renders a cell for key building. Floats use the shortest
// round-trip form so keys are stable across backends.
func CellString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case int64:
		return strconv.FormatInt(s, 10)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return ""
	}
}

// sliceIterator serves pre-collected rows; backends that read eagerly
// (XLSX, memory) share it.
type sliceIterator struct {
	rows []Row
	pos  int
}

func (it *sliceIterator) Next() (Row, error) {
	if it.pos >= len(it.rows) {
		return nil, nil
	}
	r := it.rows[it.pos]
	it.pos++
	return r, nil
}

func (it *sliceIterator) Close() error { return nil }

// project restricts a row to the named columns; empty columns means all.
func project(r Row, columns []string) Row {
	if len(columns) == 0 {
		return r
	}
	out := make(Row, len(columns))
	for _, c := range columns {
		if v, ok := r[c]; ok {
			out[c] = v
		}
	}
	return out
}
