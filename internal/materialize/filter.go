package materialize

import (
	"fmt"

	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/source"
)

// FilterTypeMismatchError reports a filter whose declared value cannot be
// compared against the column's cell type. It is scoped to one row: the row
// is excluded and flagged, the materialization continues.
type FilterTypeMismatchError struct {
	Filter model.FilterSpec
	Cell   any
}

func (e *FilterTypeMismatchError) Error() string {
	return fmt.Sprintf("materialize: filter %s value %v cannot be compared with cell %v",
		e.Filter.ID(), e.Filter.Value, e.Cell)
}

// EvalFilter evaluates one predicate against a row. Null cells fail every
// operator except neq.
func EvalFilter(f model.FilterSpec, row source.Row) (bool, error) {
	cell, ok := row[f.Column]
	if !ok || cell == nil {
		return f.Op == model.OpNeq, nil
	}

	switch f.Op {
	case model.OpEq:
		return equalCells(cell, f.Value), nil
	case model.OpNeq:
		return !equalCells(cell, f.Value), nil
	case model.OpIn:
		values, ok := f.Value.([]any)
		if !ok {
			if strs, sok := f.Value.([]string); sok {
				for _, s := range strs {
					values = append(values, s)
				}
			} else {
				return false, &FilterTypeMismatchError{Filter: f, Cell: cell}
			}
		}
		for _, v := range values {
			if equalCells(cell, v) {
				return true, nil
			}
		}
		return false, nil
	case model.OpGt, model.OpGte, model.OpLt, model.OpLte:
		a, aok := source.Float64(cell)
		b, bok := source.Float64(f.Value)
		if !aok || !bok {
			// Ordered comparison falls back to strings for date-like cells.
			as, bs := source.CellString(cell), fmt.Sprintf("%v", f.Value)
			if aok != bok {
				return false, &FilterTypeMismatchError{Filter: f, Cell: cell}
			}
			return compareOrdered(f.Op, stringCompare(as, bs)), nil
		}
		switch {
		case a > b:
			return compareOrdered(f.Op, 1), nil
		case a < b:
			return compareOrdered(f.Op, -1), nil
		default:
			return compareOrdered(f.Op, 0), nil
		}
	default:
		return false, &FilterTypeMismatchError{Filter: f, Cell: cell}
	}
}

func compareOrdered(op model.FilterOp, cmp int) bool {
	switch op {
	case model.OpGt:
		return cmp > 0
	case model.OpGte:
		return cmp >= 0
	case model.OpLt:
		return cmp < 0
	case model.OpLte:
		return cmp <= 0
	}
	return false
}

func stringCompare(a, b string) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}

// equalCells compares loosely: numerically when both sides are numeric,
// otherwise by canonical string form.
func equalCells(cell, want any) bool {
	if a, aok := source.Float64(cell); aok {
		if b, bok := source.Float64(want); bok {
			return a == b
		}
	}
	return source.CellString(cell) == fmt.Sprintf("%v", want)
}
