package model

// ValueMismatch is one value-level disagreement for a key present on both
// sides. Delta is right minus left; Impact is its magnitude.
type ValueMismatch struct {
	Key    GrainKey `json:"key"`
	Column string   `json:"column"`
	Left   float64  `json:"left"`
	Right  float64  `json:"right"`
	Delta  float64  `json:"delta"`
	Impact float64  `json:"impact"`
}

// RowDiffResult classifies every key seen on either side into exactly one of
// four buckets. MissingLeft holds rows present only on the right side (they
// are missing from the left); MissingRight the converse. Ordering follows the
// insertion order of the union of keys, left side first, so results are
// reproducible regardless of map iteration order.
type RowDiffResult struct {
	MissingLeft     []CanonicalRow  `json:"missing_left"`
	MissingRight    []CanonicalRow  `json:"missing_right"`
	ValueMismatches []ValueMismatch `json:"value_mismatches"`
	Matches         []GrainKey      `json:"matches"`

	// LeftCount/RightCount are the input sizes, kept for summaries.
	LeftCount  int `json:"left_count"`
	RightCount int `json:"right_count"`
}

// MismatchKeys returns the distinct keys with at least one value mismatch,
// in result order.
func (d *RowDiffResult) MismatchKeys() []GrainKey {
	seen := map[GrainKey]bool{}
	var out []GrainKey
	for _, m := range d.ValueMismatches {
		if !seen[m.Key] {
			seen[m.Key] = true
			out = append(out, m.Key)
		}
	}
	return out
}

// TotalKeys is the size of the union of keys on both sides.
func (d *RowDiffResult) TotalKeys() int {
	return len(d.MissingLeft) + len(d.MissingRight) + len(d.MismatchKeys()) + len(d.Matches)
}

// VerificationResult is the outcome of proving that row-level differences sum
// to the reported aggregate gap. A failing verification is a warning the
// caller must surface, not an error: it signals an incomplete diff, not bad
// source data.
type VerificationResult struct {
	OK         bool    `json:"ok"`
	Column     string  `json:"column"`
	Calculated float64 `json:"calculated"`
	Reported   float64 `json:"reported"`
	Delta      float64 `json:"delta"`
	Tolerance  float64 `json:"tolerance"`
}
