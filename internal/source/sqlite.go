package source

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/recon-engine/internal/catalog"
)

// SQLiteSource serves tables from a SQLite database. Column projection and
// the row cap are pushed into the query; the predicate runs client-side since
// it is an opaque function.
type SQLiteSource struct {
	db  *sql.DB
	cat *catalog.Catalog
}

// NewSQLiteSource opens the database read-only.
func NewSQLiteSource(dsn string, cat *catalog.Catalog) (*SQLiteSource, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "source: open sqlite")
	}
	// The pragma is per-connection; pin the pool to one so it holds.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA query_only=ON"); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "source: set query_only")
	}
	return &SQLiteSource{db: db, cat: cat}, nil
}

// Open verifies the table is declared in the catalog.
func (s *SQLiteSource) Open(table string) (TableHandle, error) {
	meta, ok := s.cat.Table(table)
	if !ok {
		return nil, eris.Errorf("source: unknown table %s", table)
	}
	return &sqliteTable{db: s.db, meta: meta}, nil
}

// Close closes the underlying database.
func (s *SQLiteSource) Close() error { return s.db.Close() }

type sqliteTable struct {
	db   *sql.DB
	meta *catalog.Table
}

func (t *sqliteTable) Name() string              { return t.meta.Name }
func (t *sqliteTable) Columns() []catalog.Column { return t.meta.Columns }

func (t *sqliteTable) Scan(columns []string, pred Predicate, limit int) (RowIterator, error) {
	sel := "*"
	if len(columns) > 0 {
		quoted := make([]string, len(columns))
		for i, c := range columns {
			quoted[i] = `"` + strings.ReplaceAll(c, `"`, `""`) + `"`
		}
		sel = strings.Join(quoted, ", ")
	}

	query := fmt.Sprintf(`SELECT %s FROM "%s"`, sel, strings.ReplaceAll(t.meta.Name, `"`, `""`))
	// The cap can only be pushed down when no client-side predicate filters
	// rows after the query.
	if limit > 0 && pred == nil {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := t.db.Query(query)
	if err != nil {
		return nil, eris.Wrapf(err, "source: query %s", t.meta.Name)
	}

	names, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, eris.Wrapf(err, "source: columns %s", t.meta.Name)
	}

	return &sqliteIterator{
		rows:  rows,
		names: names,
		meta:  t.meta,
		pred:  pred,
		limit: limit,
	}, nil
}

type sqliteIterator struct {
	rows    *sql.Rows
	names   []string
	meta    *catalog.Table
	pred    Predicate
	limit   int
	emitted int
}

func (it *sqliteIterator) Next() (Row, error) {
	for {
		if it.limit > 0 && it.emitted >= it.limit {
			return nil, nil
		}
		if !it.rows.Next() {
			if err := it.rows.Err(); err != nil {
				return nil, eris.Wrapf(err, "source: iterate %s", it.meta.Name)
			}
			return nil, nil
		}

		raw := make([]any, len(it.names))
		ptrs := make([]any, len(it.names))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := it.rows.Scan(ptrs...); err != nil {
			return nil, eris.Wrapf(err, "source: scan %s", it.meta.Name)
		}

		row := make(Row, len(it.names))
		for i, name := range it.names {
			row[name] = normalizeSQLValue(raw[i])
		}

		if it.pred != nil && !it.pred(row) {
			continue
		}

		it.emitted++
		return row, nil
	}
}

func (it *sqliteIterator) Close() error {
	return eris.Wrapf(it.rows.Close(), "source: close %s", it.meta.Name)
}

func normalizeSQLValue(v any) any {
	switch n := v.(type) {
	case []byte:
		return string(n)
	case int:
		return int64(n)
	default:
		return v
	}
}
