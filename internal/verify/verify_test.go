package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/recon-engine/internal/model"
)

func testSchema() *model.CanonicalSchema {
	return &model.CanonicalSchema{
		Name:         "revenue",
		KeyColumns:   []string{"customer_id"},
		ValueColumns: []model.ValueColumn{{Name: "amount", Precision: 2}},
	}
}

func row(k string, amount float64) model.CanonicalRow {
	return model.CanonicalRow{
		Key:    model.MakeGrainKey([]string{k}),
		Values: map[string]float64{"amount": amount},
	}
}

func TestVerifyAccountsForAllBuckets(t *testing.T) {
	// Left {A:10, B:20}, right {A:10, C:30}: the reported difference
	// (right minus left) is 30 - 20 = 10.
	d := &model.RowDiffResult{
		MissingLeft:  []model.CanonicalRow{row("C", 30)},
		MissingRight: []model.CanonicalRow{row("B", 20)},
		Matches:      []model.GrainKey{model.MakeGrainKey([]string{"A"})},
	}

	res := Verify(d, testSchema(), 10, 0.005)
	assert.True(t, res.OK)
	assert.Equal(t, 10.0, res.Calculated)
	assert.Zero(t, res.Delta)
}

func TestVerifyIncludesMismatchDeltas(t *testing.T) {
	d := &model.RowDiffResult{
		MissingLeft: []model.CanonicalRow{row("C", 30)},
		ValueMismatches: []model.ValueMismatch{
			{Key: model.MakeGrainKey([]string{"A"}), Column: "amount", Left: 10, Right: 12, Delta: 2},
		},
	}

	res := Verify(d, testSchema(), 32, 0.005)
	assert.True(t, res.OK)
	assert.Equal(t, 32.0, res.Calculated)
}

func TestVerifyIgnoresSecondaryColumns(t *testing.T) {
	d := &model.RowDiffResult{
		ValueMismatches: []model.ValueMismatch{
			{Key: model.MakeGrainKey([]string{"A"}), Column: "amount", Delta: 2},
			{Key: model.MakeGrainKey([]string{"A"}), Column: "tax", Delta: 99},
		},
	}

	res := Verify(d, testSchema(), 2, 0.005)
	assert.True(t, res.OK)
	assert.Equal(t, 2.0, res.Calculated)
}

func TestVerifyFailureIsAResultNotAnError(t *testing.T) {
	d := &model.RowDiffResult{
		MissingLeft: []model.CanonicalRow{row("C", 30)},
	}

	res := Verify(d, testSchema(), 45, 0.005)
	assert.False(t, res.OK)
	assert.Equal(t, 30.0, res.Calculated)
	assert.Equal(t, -15.0, res.Delta)
	assert.Equal(t, "amount", res.Column)
}

func TestVerifyToleranceBoundary(t *testing.T) {
	d := &model.RowDiffResult{
		MissingLeft: []model.CanonicalRow{row("C", 10.004)},
	}

	res := Verify(d, testSchema(), 10, 0.005)
	assert.True(t, res.OK)

	res = Verify(d, testSchema(), 10, 0.003)
	assert.False(t, res.OK)
}

func TestVerifyEmptyDiff(t *testing.T) {
	res := Verify(&model.RowDiffResult{}, testSchema(), 0, 0.005)
	assert.True(t, res.OK)
	assert.Zero(t, res.Calculated)
}
