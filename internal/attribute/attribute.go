// Package attribute combines the row diff with lineage evidence into
// per-row explanations. Missing rows are explained by their first failing
// join or filter on the side where they should have appeared; value
// mismatches are attributed to the rule inputs that differ most between the
// two sides. Confidence is a fixed function of the evidence: 1.0 minus 0.2
// per secondary cause found in the same trace, floored at 0.3.
package attribute

import (
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/sells-group/recon-engine/internal/lineage"
	"github.com/sells-group/recon-engine/internal/model"
)

const (
	confidenceStart   = 1.0
	confidencePenalty = 0.2
	confidenceFloor   = 0.3
)

// Engine attributes diff results to causes.
type Engine struct {
	schema *model.CanonicalSchema
}

// New creates an attribution engine for the schema.
func New(schema *model.CanonicalSchema) *Engine {
	return &Engine{schema: schema}
}

// Attribute explains every difference in the diff, ordered by absolute
// impact descending. The left and right indexes hold the lineage of the
// respective materializations.
func (e *Engine) Attribute(d *model.RowDiffResult, left, right *lineage.TraceIndex) []model.RowExplanation {
	var out []model.RowExplanation

	// Rows present only on the right are missing from the left; their
	// absence is explained by the left-side lineage.
	for _, row := range d.MissingLeft {
		out = append(out, e.explainMissing(row, model.DiffMissingLeft, left, row.Value(e.schema.PrimaryValueColumn())))
	}
	for _, row := range d.MissingRight {
		out = append(out, e.explainMissing(row, model.DiffMissingRight, right, -row.Value(e.schema.PrimaryValueColumn())))
	}

	byKey := map[model.GrainKey][]model.ValueMismatch{}
	for _, m := range d.ValueMismatches {
		byKey[m.Key] = append(byKey[m.Key], m)
	}
	for _, key := range d.MismatchKeys() {
		out = append(out, e.explainMismatch(key, byKey[key], left, right))
	}

	sort.SliceStable(out, func(i, j int) bool {
		return math.Abs(out[i].Impact) > math.Abs(out[j].Impact)
	})

	zap.L().Debug("attribute: explained", zap.Int("rows", len(out)))
	return out
}

// explainMissing wraps an absence explanation as a RowExplanation.
// Secondary failing steps in the same trace, beyond the proximate cause,
// reduce confidence.
func (e *Engine) explainMissing(row model.CanonicalRow, kind model.DifferenceType, idx *lineage.TraceIndex, impact float64) model.RowExplanation {
	absence := idx.ExplainAbsence(row.Key)

	item := model.ExplanationItem{
		Source: absence.Source,
		Text:   absence.Text,
	}
	switch {
	case absence.Join != nil:
		item.Evidence = map[string]any{
			"join":   absence.Join.Join.ID(),
			"reason": absence.Join.Reason,
		}
	case absence.Filter != nil:
		item.Evidence = map[string]any{
			"filter": absence.Filter.Filter.ID(),
			"value":  absence.Filter.Filter.Value,
		}
	}

	return model.RowExplanation{
		RowID:      row.Key,
		Type:       kind,
		Impact:     impact,
		Items:      []model.ExplanationItem{item},
		Confidence: confidence(secondaryFailures(idx, row.Key)),
	}
}

// explainMismatch attributes a value mismatch to the rule inputs that
// differ between the two sides, one item per differing input, sorted by
// contribution descending. Every differing input beyond the dominant one is
// an ambiguous secondary cause.
func (e *Engine) explainMismatch(key model.GrainKey, mismatches []model.ValueMismatch, left, right *lineage.TraceIndex) model.RowExplanation {
	impact := e.mismatchImpact(mismatches)

	items := ruleInputItems(key, left, right)
	if len(items) == 0 {
		// No rule trace on either side (count metrics, or lineage was
		// capped); fall back to the compared values themselves.
		for _, m := range mismatches {
			items = append(items, model.ExplanationItem{
				Source: model.SourceRule,
				Text:   fmt.Sprintf("column %s differs: %g vs %g", m.Column, m.Left, m.Right),
				Evidence: map[string]any{
					"column": m.Column,
					"left":   m.Left,
					"right":  m.Right,
				},
				Contribution: math.Abs(m.Delta),
			})
		}
	}

	secondary := len(items) - 1
	if secondary < 0 {
		secondary = 0
	}

	// Null-coerced inputs on either side are ignored causes: they widen
	// the explanation and lower its confidence.
	for _, sys := range []*lineage.TraceIndex{left, right} {
		for _, col := range sys.NullInputs(key) {
			items = append(items, model.ExplanationItem{
				Source: model.SourceDataQuality,
				Text:   fmt.Sprintf("input %s was null in %s and coerced to the aggregation identity", col, sys.System()),
				Evidence: map[string]any{
					"column": col,
					"system": sys.System(),
				},
			})
			secondary++
		}
	}

	return model.RowExplanation{
		RowID:      key,
		Type:       model.DiffValueMismatch,
		Impact:     impact,
		Items:      items,
		Confidence: confidence(secondary),
	}
}

// mismatchImpact ranks a mismatched key by the primary value column's delta
// when it mismatched, otherwise by the largest column delta.
func (e *Engine) mismatchImpact(mismatches []model.ValueMismatch) float64 {
	primary := e.schema.PrimaryValueColumn()
	var largest float64
	for _, m := range mismatches {
		if m.Column == primary {
			return m.Delta
		}
		if math.Abs(m.Delta) > math.Abs(largest) {
			largest = m.Delta
		}
	}
	return largest
}

// ruleInputItems diffs the rule-trace inputs of the two sides for one key.
func ruleInputItems(key model.GrainKey, left, right *lineage.TraceIndex) []model.ExplanationItem {
	lt := firstRuleTrace(left, key)
	rt := firstRuleTrace(right, key)
	if lt == nil || rt == nil {
		return nil
	}

	names := map[string]bool{}
	for n := range lt.Inputs {
		names[n] = true
	}
	for n := range rt.Inputs {
		names[n] = true
	}
	ordered := make([]string, 0, len(names))
	for n := range names {
		ordered = append(ordered, n)
	}
	sort.Strings(ordered)

	var items []model.ExplanationItem
	for _, n := range ordered {
		lv, rv := lt.Inputs[n], rt.Inputs[n]
		if lv == rv {
			continue
		}
		items = append(items, model.ExplanationItem{
			Source: model.SourceRule,
			Text:   fmt.Sprintf("rule input %s differs: %g vs %g", n, lv, rv),
			Evidence: map[string]any{
				"input": n,
				"left":  lv,
				"right": rv,
			},
			Contribution: math.Abs(rv - lv),
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Contribution > items[j].Contribution
	})
	return items
}

func firstRuleTrace(idx *lineage.TraceIndex, key model.GrainKey) *model.RuleTrace {
	traces := idx.RuleTraces(key)
	if len(traces) == 0 {
		return nil
	}
	return traces[0]
}

// secondaryFailures counts the failing steps in the key's first excluded
// trace beyond the proximate cause.
func secondaryFailures(idx *lineage.TraceIndex, key model.GrainKey) int {
	for _, t := range idx.Traces(key) {
		if !t.Excluded {
			continue
		}
		failures := 0
		for _, j := range t.JoinTrace {
			if !j.Matched && j.Join.Type == model.JoinInner {
				failures++
			}
		}
		for _, f := range t.FilterTrace {
			if !f.Passed {
				failures++
			}
		}
		if failures > 1 {
			return failures - 1
		}
		return 0
	}
	return 0
}

func confidence(secondary int) float64 {
	c := confidenceStart - confidencePenalty*float64(secondary)
	if c < confidenceFloor {
		return confidenceFloor
	}
	return c
}
