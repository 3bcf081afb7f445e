package model

// JoinTraceEntry records the outcome of one join attempt for one source row.
type JoinTraceEntry struct {
	Join    JoinSpec `json:"join"`
	Matched bool     `json:"matched"`
	Reason  string   `json:"reason,omitempty"`
}

// FilterTraceEntry records one filter evaluation for one source row.
type FilterTraceEntry struct {
	Filter FilterSpec `json:"filter"`
	Passed bool       `json:"passed"`
}

// RuleTrace records the rule transform applied to one row: the bound input
// column values and the computed output.
type RuleTrace struct {
	RuleID string             `json:"rule_id"`
	Inputs map[string]float64 `json:"inputs"`
	Output float64            `json:"output"`
}

// LineageTrace is the per-row audit record built during materialization, one
// per source row before aggregation collapses rows. Traces are emitted even
// for rows that a join or filter removed, so absence can be explained later.
// They live only for the duration of one reconciliation run.
type LineageTrace struct {
	Key    GrainKey `json:"key"`
	System string   `json:"system"`

	JoinTrace   []JoinTraceEntry   `json:"join_trace,omitempty"`
	FilterTrace []FilterTraceEntry `json:"filter_trace,omitempty"`
	RuleTrace   *RuleTrace         `json:"rule_trace,omitempty"`

	// NullValueColumns lists value columns that were null in the source and
	// coerced to the aggregation identity.
	NullValueColumns []string `json:"null_value_columns,omitempty"`

	// Excluded is set when the row did not survive to the materialized
	// output (failed join or filter, or a flagged filter type mismatch).
	Excluded bool `json:"excluded,omitempty"`
}

// FirstFailure returns the proximate cause of the row's exclusion: the first
// failing join or filter in trace order, with later steps ignored.
func (t *LineageTrace) FirstFailure() (join *JoinTraceEntry, filter *FilterTraceEntry) {
	for i := range t.JoinTrace {
		if !t.JoinTrace[i].Matched && t.JoinTrace[i].Join.Type == JoinInner {
			return &t.JoinTrace[i], nil
		}
	}
	for i := range t.FilterTrace {
		if !t.FilterTrace[i].Passed {
			return nil, &t.FilterTrace[i]
		}
	}
	return nil, nil
}
