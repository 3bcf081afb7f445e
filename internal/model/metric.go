package model

import (
	"fmt"
	"strings"
)

// JoinType is the relational join kind used when materializing a metric.
type JoinType string

const (
	JoinLeft  JoinType = "left"
	JoinInner JoinType = "inner"
)

// AggFunc is the aggregation applied at the metric's target grain.
type AggFunc string

const (
	AggSum   AggFunc = "sum"
	AggCount AggFunc = "count"
	AggAvg   AggFunc = "avg"
	AggMin   AggFunc = "min"
	AggMax   AggFunc = "max"
)

// FilterOp is a predicate operator in a metric filter.
type FilterOp string

const (
	OpEq  FilterOp = "eq"
	OpNeq FilterOp = "neq"
	OpGt  FilterOp = "gt"
	OpGte FilterOp = "gte"
	OpLt  FilterOp = "lt"
	OpLte FilterOp = "lte"
	OpIn  FilterOp = "in"
)

// JoinSpec declares one join in a metric's materialization plan.
type JoinSpec struct {
	LeftTable  string   `json:"left_table" yaml:"left_table"`
	RightTable string   `json:"right_table" yaml:"right_table"`
	LeftKey    []string `json:"left_key" yaml:"left_key"`
	RightKey   []string `json:"right_key" yaml:"right_key"`
	Type       JoinType `json:"type" yaml:"type"`
}

// ID returns a stable identifier for the join, used in traces and graph nodes.
func (j JoinSpec) ID() string {
	return fmt.Sprintf("join:%s:%s", j.LeftTable, j.RightTable)
}

// FilterSpec declares one ANDed predicate in a metric's materialization plan.
type FilterSpec struct {
	Table    string   `json:"table" yaml:"table"`
	Column   string   `json:"column" yaml:"column"`
	Op       FilterOp `json:"op" yaml:"op"`
	Value    any      `json:"value" yaml:"value"`
}

// ID returns a stable identifier for the filter.
func (f FilterSpec) ID() string {
	return fmt.Sprintf("filter:%s.%s:%s", f.Table, f.Column, f.Op)
}

// Aggregation declares how pre-aggregation rows collapse to the reported metric.
type Aggregation struct {
	Func            AggFunc  `json:"func" yaml:"func"`
	GroupingColumns []string `json:"grouping_columns" yaml:"grouping_columns"`
	ValueExpression string   `json:"value_expression" yaml:"value_expression"`
}

// MetricDefinition is a fully resolved computation spec for one (system, metric)
// pair: base table, join plan, filters, and aggregation. Immutable after
// construction; build via NewMetricDefinition so the grain invariant is checked
// up front rather than at execution time.
type MetricDefinition struct {
	RuleID      string       `json:"rule_id"`
	System      string       `json:"system"`
	Metric      string       `json:"metric"`
	BaseTable   string       `json:"base_table"`
	Joins       []JoinSpec   `json:"joins"`
	Filters     []FilterSpec `json:"filters"`
	Aggregation Aggregation  `json:"aggregation"`

	// ValueColumns are the concrete table.column references bound from the
	// rule formula, needed at materialization time.
	ValueColumns []string `json:"value_columns"`
}

// NewMetricDefinition validates and constructs a MetricDefinition.
// columnsOf maps a table name to its column names; every grouping column must
// be reachable through the join plan starting at the base table.
func NewMetricDefinition(def MetricDefinition, columnsOf func(table string) []string) (*MetricDefinition, error) {
	if def.BaseTable == "" {
		return nil, fmt.Errorf("metric definition %s/%s: base table is empty", def.System, def.Metric)
	}

	reachable := map[string]bool{def.BaseTable: true}
	for _, j := range def.Joins {
		if !reachable[j.LeftTable] {
			return nil, fmt.Errorf("metric definition %s/%s: join %s references table %s before it is reachable",
				def.System, def.Metric, j.ID(), j.LeftTable)
		}
		if len(j.LeftKey) == 0 || len(j.LeftKey) != len(j.RightKey) {
			return nil, fmt.Errorf("metric definition %s/%s: join %s has mismatched keys", def.System, def.Metric, j.ID())
		}
		reachable[j.RightTable] = true
	}

	available := map[string]bool{}
	for table := range reachable {
		for _, c := range columnsOf(table) {
			available[c] = true
			available[table+"."+c] = true
		}
	}
	for _, g := range def.Aggregation.GroupingColumns {
		if !available[g] {
			return nil, fmt.Errorf("metric definition %s/%s: grouping column %q not reachable from %s via joins",
				def.System, def.Metric, g, def.BaseTable)
		}
	}

	out := def
	return &out, nil
}

// Tables returns every table the definition touches, base table first,
// in join order, deduplicated.
func (m *MetricDefinition) Tables() []string {
	seen := map[string]bool{m.BaseTable: true}
	out := []string{m.BaseTable}
	for _, j := range m.Joins {
		for _, t := range []string{j.LeftTable, j.RightTable} {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// SplitColumnRef splits a "table.column" reference. The table part is empty
// for bare column names.
func SplitColumnRef(ref string) (table, column string) {
	if i := strings.LastIndex(ref, "."); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return "", ref
}
