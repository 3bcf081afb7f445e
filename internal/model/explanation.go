package model

// DifferenceType classifies what kind of discrepancy a row explanation covers.
type DifferenceType string

const (
	DiffMissingLeft   DifferenceType = "missing_left"
	DiffMissingRight  DifferenceType = "missing_right"
	DiffValueMismatch DifferenceType = "value_mismatch"
)

// ExplanationSource names the pipeline stage a cause was traced to.
type ExplanationSource string

const (
	SourceJoin        ExplanationSource = "join"
	SourceFilter      ExplanationSource = "filter"
	SourceRule        ExplanationSource = "rule"
	SourceDataQuality ExplanationSource = "data_quality"
)

// ExplanationItem is one structured cause with its supporting evidence.
type ExplanationItem struct {
	Source   ExplanationSource `json:"source"`
	Text     string            `json:"text"`
	Evidence map[string]any    `json:"evidence,omitempty"`

	// Contribution is the absolute share of the delta attributed to this
	// cause, set for rule-input attributions and zero otherwise.
	Contribution float64 `json:"contribution,omitempty"`
}

// RowExplanation is the per-row output of attribution: what kind of
// difference, why, and how sure the engine is. Confidence is a deterministic
// function of the evidence: 1.0 minus 0.2 per ambiguous secondary cause in
// the same trace, floored at 0.3.
type RowExplanation struct {
	RowID      GrainKey          `json:"row_id"`
	Type       DifferenceType    `json:"difference_type"`
	Impact     float64           `json:"impact"`
	Items      []ExplanationItem `json:"explanations"`
	Confidence float64           `json:"confidence"`
}
