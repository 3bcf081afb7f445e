// Package canonical normalizes system-local rows onto the shared canonical
// schema so the two sides of a reconciliation become directly comparable.
// Column binding is inferred per row set: exact name first, then Unicode
// case folding, then the schema's synonym table. A canonical column with no
// raw counterpart falls back to its declared default and marks the row
// incomplete rather than failing the run.
package canonical

import (
	"fmt"
	"sort"

	"golang.org/x/text/cases"

	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/source"
)

// MissingKeyError reports a key column that could not be bound to any raw
// column. Keys cannot default; without them the row has no identity.
type MissingKeyError struct {
	Column string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("canonical: key column %s has no raw counterpart", e.Column)
}

// Mapper maps raw rows onto one canonical schema.
type Mapper struct {
	schema *model.CanonicalSchema
	fold   cases.Caser
}

// NewMapper creates a mapper for the schema.
func NewMapper(schema *model.CanonicalSchema) *Mapper {
	return &Mapper{schema: schema, fold: cases.Fold()}
}

// Binding is the inferred raw-to-canonical column mapping for one row set.
// Canonical names with no raw counterpart are absent from Columns.
type Binding struct {
	// Columns maps canonical column name to the raw column it reads from.
	Columns map[string]string
}

// Bind infers the column binding for a set of raw column names. Matching is
// deterministic: raw names are considered in sorted order, first match wins.
func (m *Mapper) Bind(rawColumns []string) (*Binding, error) {
	sorted := append([]string(nil), rawColumns...)
	sort.Strings(sorted)

	b := &Binding{Columns: map[string]string{}}
	for _, key := range m.schema.KeyColumns {
		raw, ok := m.resolve(key, sorted)
		if !ok {
			return nil, &MissingKeyError{Column: key}
		}
		b.Columns[key] = raw
	}
	for _, vc := range m.schema.ValueColumns {
		if raw, ok := m.resolve(vc.Name, sorted); ok {
			b.Columns[vc.Name] = raw
		}
	}
	return b, nil
}

// resolve finds the raw column backing one canonical name: exact, then
// case-folded, then each declared synonym through the same two steps.
func (m *Mapper) resolve(canonical string, sorted []string) (string, bool) {
	names := append([]string{canonical}, m.schema.Synonyms[canonical]...)
	for _, name := range names {
		for _, raw := range sorted {
			if raw == name {
				return raw, true
			}
		}
		folded := m.fold.String(name)
		for _, raw := range sorted {
			if m.fold.String(raw) == folded {
				return raw, true
			}
		}
	}
	return "", false
}

// MapRow normalizes one raw row under a previously inferred binding. The
// result's key follows the schema's key column order regardless of raw
// column order. Mapping is idempotent: a row already in canonical shape maps
// to itself.
func (m *Mapper) MapRow(b *Binding, raw source.Row) model.CanonicalRow {
	keyParts := make([]string, len(m.schema.KeyColumns))
	for i, key := range m.schema.KeyColumns {
		keyParts[i] = source.CellString(raw[b.Columns[key]])
	}

	row := model.CanonicalRow{
		Key:      model.MakeGrainKey(keyParts),
		KeyParts: keyParts,
		Values:   make(map[string]float64, len(m.schema.ValueColumns)),
	}

	bound := map[string]bool{}
	for _, rawCol := range b.Columns {
		bound[rawCol] = true
	}

	for _, vc := range m.schema.ValueColumns {
		rawCol, ok := b.Columns[vc.Name]
		if !ok {
			row.Values[vc.Name] = vc.Default
			row.Incomplete = true
			continue
		}
		cell, present := raw[rawCol]
		v, numeric := source.Float64(cell)
		if !present || cell == nil || !numeric {
			row.Values[vc.Name] = vc.Default
			row.Incomplete = true
			continue
		}
		row.Values[vc.Name] = v
	}

	// Unbound raw columns ride along as attributes for explanations.
	for col, v := range raw {
		if bound[col] {
			continue
		}
		if row.Attributes == nil {
			row.Attributes = map[string]any{}
		}
		row.Attributes[col] = v
	}

	return row
}

// MapRows binds from the union of the rows' columns and maps every row.
func (m *Mapper) MapRows(rows []source.Row) ([]model.CanonicalRow, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	seen := map[string]bool{}
	var columns []string
	for _, r := range rows {
		for col := range r {
			if !seen[col] {
				seen[col] = true
				columns = append(columns, col)
			}
		}
	}

	b, err := m.Bind(columns)
	if err != nil {
		return nil, err
	}

	out := make([]model.CanonicalRow, len(rows))
	for i, r := range rows {
		out[i] = m.MapRow(b, r)
	}
	return out, nil
}
