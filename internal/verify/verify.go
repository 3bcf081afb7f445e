// Package verify proves that the row-level differences found by the diff
// account for the reported aggregate gap. A failing verification is not an
// error: it signals that the diff or the materialization was incomplete,
// and the caller must surface it as a warning.
package verify

import (
	"math"

	"go.uber.org/zap"

	"github.com/sells-group/recon-engine/internal/model"
)

// Verify recomputes the aggregate difference from the diff's row buckets
// and checks it against the reported difference:
//
//	calculated = sum(missing_left) - sum(missing_right) + sum(mismatch deltas)
//
// over the schema's primary value column. The reported difference is
// right minus left.
func Verify(d *model.RowDiffResult, schema *model.CanonicalSchema, reported, tolerance float64) model.VerificationResult {
	column := schema.PrimaryValueColumn()

	var calculated float64
	for _, row := range d.MissingLeft {
		calculated += row.Value(column)
	}
	for _, row := range d.MissingRight {
		calculated -= row.Value(column)
	}
	for _, m := range d.ValueMismatches {
		if m.Column == column {
			calculated += m.Delta
		}
	}

	delta := calculated - reported
	result := model.VerificationResult{
		OK:         math.Abs(delta) <= tolerance,
		Column:     column,
		Calculated: calculated,
		Reported:   reported,
		Delta:      delta,
		Tolerance:  tolerance,
	}

	if !result.OK {
		zap.L().Warn("verify: calculated difference does not match reported",
			zap.String("column", column),
			zap.Float64("calculated", calculated),
			zap.Float64("reported", reported),
			zap.Float64("delta", delta),
		)
	}
	return result
}
