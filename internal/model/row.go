package model

import "strings"

// grainSep separates key parts inside a GrainKey. Unit separator is not
// expected to appear in business key values.
const grainSep = "\x1f"

// GrainKey identifies one logical entity at the comparison grain. It encodes
// the ordered key column values; equality is value-based, and the column
// order is fixed by the canonical schema, not by source column order.
type GrainKey string

// MakeGrainKey builds a GrainKey from ordered key parts.
func MakeGrainKey(parts []string) GrainKey {
	return GrainKey(strings.Join(parts, grainSep))
}

// Parts splits the key back into its ordered values.
func (k GrainKey) Parts() []string {
	if k == "" {
		return nil
	}
	return strings.Split(string(k), grainSep)
}

// String renders the key human-readably.
func (k GrainKey) String() string {
	return strings.Join(k.Parts(), "|")
}

// ValueColumn declares one compared numeric column in a canonical schema.
// Precision is the number of meaningful decimal places; the comparison
// tolerance derived from it is half a unit in the last place.
type ValueColumn struct {
	Name      string  `json:"name" yaml:"name"`
	Precision int     `json:"precision" yaml:"precision"`
	Default   float64 `json:"default" yaml:"default"`
}

// DefaultPrecision applies when a value column declares none.
const DefaultPrecision = 2

// Tolerance returns the numeric comparison tolerance for this column:
// 0.5 / 10^precision, e.g. precision 2 => 0.005.
func (v ValueColumn) Tolerance() float64 {
	p := v.Precision
	if p <= 0 {
		p = DefaultPrecision
	}
	t := 0.5
	for i := 0; i < p; i++ {
		t /= 10
	}
	return t
}

// CanonicalSchema is the shared row shape both systems are mapped onto before
// diffing: ordered key columns, declared value columns, and a synonym table
// used when inferring the raw-to-canonical column mapping.
type CanonicalSchema struct {
	Name         string              `json:"name" yaml:"name"`
	KeyColumns   []string            `json:"key_columns" yaml:"key_columns"`
	ValueColumns []ValueColumn       `json:"value_columns" yaml:"value_columns"`
	Synonyms     map[string][]string `json:"synonyms,omitempty" yaml:"synonyms,omitempty"`
}

// ValueColumn looks up a declared value column by name.
func (s *CanonicalSchema) ValueColumn(name string) (ValueColumn, bool) {
	for _, v := range s.ValueColumns {
		if v.Name == name {
			return v, true
		}
	}
	return ValueColumn{}, false
}

// PrimaryValueColumn is the column the aggregate verifier sums. By convention
// it is the first declared value column.
func (s *CanonicalSchema) PrimaryValueColumn() string {
	if len(s.ValueColumns) == 0 {
		return ""
	}
	return s.ValueColumns[0].Name
}

// Compatible reports whether two rows produced under this schema are
// comparable: same key arity and same value column set.
func (s *CanonicalSchema) Compatible(other *CanonicalSchema) bool {
	if other == nil || len(s.KeyColumns) != len(other.KeyColumns) || len(s.ValueColumns) != len(other.ValueColumns) {
		return false
	}
	have := map[string]bool{}
	for _, v := range s.ValueColumns {
		have[v.Name] = true
	}
	for _, v := range other.ValueColumns {
		if !have[v.Name] {
			return false
		}
	}
	return true
}

// CanonicalRow is one grain-aligned row normalized onto a CanonicalSchema.
// Attributes carry auxiliary values for explanation and are never compared.
type CanonicalRow struct {
	Key        GrainKey           `json:"key"`
	KeyParts   []string           `json:"key_parts"`
	Values     map[string]float64 `json:"values"`
	Attributes map[string]any     `json:"attributes,omitempty"`

	// Incomplete marks rows where a canonical column had no raw counterpart
	// and was filled with the declared default.
	Incomplete bool `json:"incomplete,omitempty"`
}

// Value returns the named value column, or the zero value when absent.
func (r CanonicalRow) Value(col string) float64 {
	return r.Values[col]
}
