package source

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/recon-engine/internal/catalog"
)

// Memory is an in-memory Source used by tests and by probe fixtures.
type Memory struct {
	tables map[string]*memTable
}

type memTable struct {
	meta catalog.Table
	rows []Row
}

// NewMemory creates an empty in-memory source.
func NewMemory() *Memory {
	return &Memory{tables: map[string]*memTable{}}
}

// AddTable registers a table with its rows. Rows are served in insertion
// order.
func (m *Memory) AddTable(meta catalog.Table, rows []Row) *Memory {
	m.tables[meta.Name] = &memTable{meta: meta, rows: rows}
	return m
}

// Open returns the named table.
func (m *Memory) Open(table string) (TableHandle, error) {
	t, ok := m.tables[table]
	if !ok {
		return nil, eris.Errorf("source: unknown table %s", table)
	}
	return t, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

func (t *memTable) Name() string              { return t.meta.Name }
func (t *memTable) Columns() []catalog.Column { return t.meta.Columns }

func (t *memTable) Scan(columns []string, pred Predicate, limit int) (RowIterator, error) {
	var out []Row
	for _, r := range t.rows {
		if limit > 0 && len(out) >= limit {
			break
		}
		if pred != nil && !pred(r) {
			continue
		}
		out = append(out, project(r, columns))
	}
	return &sliceIterator{rows: out}, nil
}
