// Package diff compares two canonical row sets at the shared grain and
// classifies every key into exactly one bucket: missing on one side, value
// mismatch, or match. Output order is the insertion order of the inputs
// (left side first), never map order, so repeated runs produce identical
// results.
package diff

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/sells-group/recon-engine/internal/config"
	"github.com/sells-group/recon-engine/internal/model"
)

// DuplicateKeyError reports a grain key appearing more than once on one
// side. The comparison grain promises key uniqueness; a duplicate means the
// metric definition or the grain is wrong, so the diff aborts rather than
// guess which row to compare.
type DuplicateKeyError struct {
	Side string
	Key  model.GrainKey
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("diff: duplicate key %s on %s side", e.Key, e.Side)
}

// Engine diffs canonical row sets under one schema.
type Engine struct {
	schema *model.CanonicalSchema
	cfg    config.DiffConfig
}

// New creates an Engine.
func New(schema *model.CanonicalSchema, cfg config.DiffConfig) *Engine {
	return &Engine{schema: schema, cfg: cfg}
}

// tolerance returns the comparison tolerance for one value column: the
// configured override when set, otherwise half a unit in the column's last
// meaningful decimal place.
func (e *Engine) tolerance(col model.ValueColumn) float64 {
	if e.cfg.Tolerance > 0 {
		return e.cfg.Tolerance
	}
	return col.Tolerance()
}

// Compare classifies the union of keys from both sides. Duplicate keys on
// either side are fatal.
func (e *Engine) Compare(left, right []model.CanonicalRow) (*model.RowDiffResult, error) {
	leftIdx, err := index("left", left)
	if err != nil {
		return nil, err
	}
	rightIdx, err := index("right", right)
	if err != nil {
		return nil, err
	}

	result := &model.RowDiffResult{
		LeftCount:  len(left),
		RightCount: len(right),
	}

	for _, lrow := range left {
		rrow, onRight := rightIdx[lrow.Key]
		if !onRight {
			result.MissingRight = append(result.MissingRight, lrow)
			continue
		}
		mismatches := e.compareValues(lrow, rrow)
		if len(mismatches) == 0 {
			result.Matches = append(result.Matches, lrow.Key)
		} else {
			result.ValueMismatches = append(result.ValueMismatches, mismatches...)
		}
	}

	// Right-only keys, in right insertion order.
	for _, rrow := range right {
		if _, onLeft := leftIdx[rrow.Key]; !onLeft {
			result.MissingLeft = append(result.MissingLeft, rrow)
		}
	}

	zap.L().Debug("diff: compared",
		zap.Int("left", len(left)),
		zap.Int("right", len(right)),
		zap.Int("missing_left", len(result.MissingLeft)),
		zap.Int("missing_right", len(result.MissingRight)),
		zap.Int("value_mismatches", len(result.ValueMismatches)),
		zap.Int("matches", len(result.Matches)),
	)

	return result, nil
}

// compareValues compares every declared value column of a key present on
// both sides, one mismatch record per out-of-tolerance column.
func (e *Engine) compareValues(lrow, rrow model.CanonicalRow) []model.ValueMismatch {
	var out []model.ValueMismatch
	for _, vc := range e.schema.ValueColumns {
		lv := lrow.Value(vc.Name)
		rv := rrow.Value(vc.Name)
		delta := rv - lv
		if math.Abs(delta) <= e.tolerance(vc) {
			continue
		}
		out = append(out, model.ValueMismatch{
			Key:    lrow.Key,
			Column: vc.Name,
			Left:   lv,
			Right:  rv,
			Delta:  delta,
			Impact: math.Abs(delta),
		})
	}
	return out
}

// index builds a key lookup, failing on the first duplicate.
func index(side string, rows []model.CanonicalRow) (map[model.GrainKey]model.CanonicalRow, error) {
	idx := make(map[model.GrainKey]model.CanonicalRow, len(rows))
	for _, r := range rows {
		if _, dup := idx[r.Key]; dup {
			return nil, &DuplicateKeyError{Side: side, Key: r.Key}
		}
		idx[r.Key] = r
	}
	return idx, nil
}

// FindDuplicates reports every key appearing more than once, with its
// occurrence count, in insertion order. Used to pinpoint the offending keys
// after a DuplicateKeyError.
func FindDuplicates(rows []model.CanonicalRow) []DuplicateKey {
	counts := map[model.GrainKey]int{}
	var order []model.GrainKey
	for _, r := range rows {
		if counts[r.Key] == 0 {
			order = append(order, r.Key)
		}
		counts[r.Key]++
	}

	var out []DuplicateKey
	for _, k := range order {
		if counts[k] > 1 {
			out = append(out, DuplicateKey{Key: k, Count: counts[k]})
		}
	}
	return out
}

// DuplicateKey is one key violating grain uniqueness.
type DuplicateKey struct {
	Key   model.GrainKey `json:"key"`
	Count int            `json:"count"`
}
