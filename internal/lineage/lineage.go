// Package lineage indexes the per-row audit traces produced during
// materialization and answers the question the diff raises: why is this key
// absent from one side? The answer is the first failing join or filter in
// the row's trace; when no trace exists for the key at all, the row never
// entered the pipeline and the explanation degrades to a data-quality guess.
package lineage

import (
	"fmt"

	"github.com/sells-group/recon-engine/internal/model"
)

// TraceIndex holds every trace of one system's materialization, keyed by
// grain key. Fan-out can leave several traces per key.
type TraceIndex struct {
	system string
	byKey  map[model.GrainKey][]*model.LineageTrace
	order  []model.GrainKey
}

// NewIndex builds an index over one materialization's traces.
func NewIndex(system string, traces []*model.LineageTrace) *TraceIndex {
	idx := &TraceIndex{
		system: system,
		byKey:  map[model.GrainKey][]*model.LineageTrace{},
	}
	for _, t := range traces {
		if _, seen := idx.byKey[t.Key]; !seen {
			idx.order = append(idx.order, t.Key)
		}
		idx.byKey[t.Key] = append(idx.byKey[t.Key], t)
	}
	return idx
}

// System returns the system the index covers.
func (idx *TraceIndex) System() string { return idx.system }

// Traces returns every trace recorded for the key.
func (idx *TraceIndex) Traces(key model.GrainKey) []*model.LineageTrace {
	return idx.byKey[key]
}

// Surviving reports whether any trace for the key reached the output.
func (idx *TraceIndex) Surviving(key model.GrainKey) bool {
	for _, t := range idx.byKey[key] {
		if !t.Excluded {
			return true
		}
	}
	return false
}

// Keys returns every indexed key in first-seen order.
func (idx *TraceIndex) Keys() []model.GrainKey {
	return idx.order
}

// Absence is one explained missing row.
type Absence struct {
	Key    model.GrainKey
	System string

	// Source classifies the proximate cause.
	Source model.ExplanationSource

	// Join or Filter carries the failing step; both nil for data-quality
	// absences.
	Join   *model.JoinTraceEntry
	Filter *model.FilterTraceEntry

	Text string
}

// ExplainAbsence explains why a key produced no surviving row in this
// system. The proximate cause is the first failure of the key's first
// excluded trace. A key with no trace at all never appeared in the base
// table scan; that is a source-data question, not a pipeline one.
func (idx *TraceIndex) ExplainAbsence(key model.GrainKey) Absence {
	a := Absence{Key: key, System: idx.system}

	traces := idx.byKey[key]
	if len(traces) == 0 {
		a.Source = model.SourceDataQuality
		a.Text = fmt.Sprintf("no source row in %s produced key %s", idx.system, key.String())
		return a
	}

	for _, t := range traces {
		if !t.Excluded {
			continue
		}
		join, filter := t.FirstFailure()
		switch {
		case join != nil:
			a.Source = model.SourceJoin
			a.Join = join
			a.Text = fmt.Sprintf("row excluded by join %s: %s", join.Join.ID(), join.Reason)
		case filter != nil:
			a.Source = model.SourceFilter
			a.Filter = filter
			a.Text = fmt.Sprintf("row excluded by filter %s", filter.Filter.ID())
		default:
			// Excluded with no recorded failure: flagged filter or a
			// failed value expression.
			a.Source = model.SourceDataQuality
			a.Text = fmt.Sprintf("row for key %s excluded without a recorded step failure", key.String())
		}
		return a
	}

	// Traces exist and none is excluded; the row survived here, so the
	// absence is on the other side of the pipeline.
	a.Source = model.SourceDataQuality
	a.Text = fmt.Sprintf("key %s survived materialization in %s", key.String(), idx.system)
	return a
}

// NullInputs returns the null-coerced value columns recorded for the key's
// surviving traces, deduplicated in first-seen order.
func (idx *TraceIndex) NullInputs(key model.GrainKey) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range idx.byKey[key] {
		if t.Excluded {
			continue
		}
		for _, col := range t.NullValueColumns {
			if !seen[col] {
				seen[col] = true
				out = append(out, col)
			}
		}
	}
	return out
}

// RuleTraces returns the rule evaluations of the key's surviving traces.
func (idx *TraceIndex) RuleTraces(key model.GrainKey) []*model.RuleTrace {
	var out []*model.RuleTrace
	for _, t := range idx.byKey[key] {
		if !t.Excluded && t.RuleTrace != nil {
			out = append(out, t.RuleTrace)
		}
	}
	return out
}
