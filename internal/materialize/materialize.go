// Package materialize executes a MetricDefinition in pre-aggregation mode:
// instead of the reported aggregate it produces the individual grain-level
// rows, with a LineageTrace side-channel recording every join match and
// filter verdict — including for rows that did not survive. The probing
// engine reuses the same entry point with a row cap for bounded probes.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recon-engine/internal/catalog"
	"github.com/sells-group/recon-engine/internal/config"
	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/source"
)

// ErrTimeout reports that a materialization exceeded its deadline. The
// probing engine treats it as "no information gained", not as fatal.
var ErrTimeout = eris.New("materialize: timeout")

// JoinExecutionError reports a declared join key missing from a table. Fatal
// for the materialization call; there is nothing to retry.
type JoinExecutionError struct {
	Join  model.JoinSpec
	Table string
	Key   string
}

func (e *JoinExecutionError) Error() string {
	return fmt.Sprintf("materialize: join %s: key %s missing from table %s", e.Join.ID(), e.Key, e.Table)
}

// Constraints narrow one materialization call without re-deriving the
// definition: extra ANDed filters, an output row cap, and a deadline.
type Constraints struct {
	Filters []model.FilterSpec
	Limit   int
	Timeout time.Duration
}

// Row is one materialized pre-aggregation row.
type Row struct {
	Key      model.GrainKey
	Values   source.Row
	Computed float64
	Trace    *model.LineageTrace
}

// Result is the output of one materialization call.
type Result struct {
	System string
	Rows   []Row

	// Traces holds the lineage of every scanned source row, surviving or
	// not, for later absence explanation.
	Traces []*model.LineageTrace

	Scanned        int
	Excluded       int
	FlaggedFilters int
}

// Materializer executes metric definitions against a tabular source.
type Materializer struct {
	src source.Source
	cat *catalog.Catalog
	cfg config.MaterializeConfig
}

// New creates a Materializer.
func New(src source.Source, cat *catalog.Catalog, cfg config.MaterializeConfig) *Materializer {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	return &Materializer{src: src, cat: cat, cfg: cfg}
}

// workRow is a row moving through the join/filter pipeline with its trace.
type workRow struct {
	vals  source.Row
	trace *model.LineageTrace
}

// Materialize runs the definition and returns grain-level rows plus lineage.
func (m *Materializer) Materialize(ctx context.Context, def *model.MetricDefinition, constraints Constraints) (*Result, error) {
	timeout := constraints.Timeout
	if timeout <= 0 {
		timeout = m.cfg.Timeout()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := m.validateJoins(def); err != nil {
		return nil, err
	}

	indexes, err := m.buildJoinIndexes(ctx, def, constraints)
	if err != nil {
		return nil, err
	}

	base, err := m.src.Open(def.BaseTable)
	if err != nil {
		return nil, eris.Wrapf(err, "materialize: open base table %s", def.BaseTable)
	}

	// Constraints on the base table are pushed into the scan; they define
	// the probe population and need no lineage entries.
	basePred := m.constraintPredicate(def.BaseTable, constraints.Filters)
	iter, err := base.Scan(nil, basePred, 0)
	if err != nil {
		return nil, eris.Wrapf(err, "materialize: scan %s", def.BaseTable)
	}
	defer iter.Close()

	result := &Result{System: def.System}

	for {
		if constraints.Limit > 0 && len(result.Rows) >= constraints.Limit {
			break
		}
		// Deadline check every chunk, not every row.
		if result.Scanned%m.cfg.ChunkSize == 0 {
			if err := checkDeadline(ctx); err != nil {
				return nil, err
			}
		}

		baseRow, err := iter.Next()
		if err != nil {
			return nil, err
		}
		if baseRow == nil {
			break
		}
		result.Scanned++

		work := []workRow{{
			vals:  baseRow,
			trace: &model.LineageTrace{System: def.System},
		}}

		// Joins, in plan order. One-to-many matches fan rows out; each
		// fanned row clones the trace accumulated so far.
		for _, join := range def.Joins {
			work = applyJoin(work, join, indexes[join.ID()])
		}

		for i := range work {
			m.finishRow(def, constraints, &work[i], result)
		}
	}

	zap.L().Debug("materialize: done",
		zap.String("system", def.System),
		zap.String("metric", def.Metric),
		zap.Int("scanned", result.Scanned),
		zap.Int("rows", len(result.Rows)),
		zap.Int("excluded", result.Excluded),
		zap.Int("flagged_filters", result.FlaggedFilters),
	)

	return result, nil
}

// finishRow applies declared filters, evaluates the value expression, builds
// the grain key, and records the outcome on the result.
func (m *Materializer) finishRow(def *model.MetricDefinition, constraints Constraints, w *workRow, result *Result) {
	trace := w.trace
	defer func() { result.Traces = append(result.Traces, trace) }()

	// Grain key is computable as soon as the row is joined, so even
	// excluded rows can be looked up by key later.
	trace.Key = grainKey(w.vals, def.Aggregation.GroupingColumns)

	// An inner-join miss already explains the absence; filters on a
	// half-joined row would only add noise.
	if trace.Excluded {
		result.Excluded++
		return
	}

	excluded := false
	for _, f := range def.Filters {
		passed, err := EvalFilter(f, w.vals)
		if err != nil {
			// Type-mismatched filter: exclude and flag, keep going.
			var mismatch *FilterTypeMismatchError
			if errors.As(err, &mismatch) {
				zap.L().Warn("materialize: filter type mismatch",
					zap.String("filter", f.ID()),
					zap.Any("cell", mismatch.Cell),
				)
				result.FlaggedFilters++
			}
			passed = false
		}
		trace.FilterTrace = append(trace.FilterTrace, model.FilterTraceEntry{Filter: f, Passed: passed})
		if !passed {
			excluded = true
		}
	}

	// Post-join constraints (for tables other than the base) exclude
	// silently; they narrow the population rather than explain it.
	for _, f := range constraints.Filters {
		if f.Table == def.BaseTable || f.Table == "" {
			continue
		}
		if passed, err := EvalFilter(f, w.vals); err != nil || !passed {
			excluded = true
		}
	}

	if excluded {
		trace.Excluded = true
		result.Excluded++
		return
	}

	computed := 1.0 // count aggregates each surviving row as 1
	if def.Aggregation.Func != model.AggCount {
		ev, err := EvalExpr(def.Aggregation.ValueExpression, w.vals)
		if err != nil {
			zap.L().Warn("materialize: value expression failed",
				zap.String("key", trace.Key.String()),
				zap.Error(err),
			)
			trace.Excluded = true
			result.Excluded++
			return
		}
		computed = ev.Value
		trace.NullValueColumns = ev.NullColumns
		trace.RuleTrace = &model.RuleTrace{
			RuleID: def.RuleID,
			Inputs: ev.Inputs,
			Output: ev.Value,
		}
	}

	result.Rows = append(result.Rows, Row{
		Key:      trace.Key,
		Values:   w.vals,
		Computed: computed,
		Trace:    trace,
	})
}

// applyJoin advances every working row through one join against the
// pre-built right-side index.
func applyJoin(work []workRow, join model.JoinSpec, index map[string][]source.Row) []workRow {
	var out []workRow
	for _, w := range work {
		key := joinKeyOf(w.vals, join.LeftKey)
		matches := index[key]

		if len(matches) == 0 {
			entry := model.JoinTraceEntry{
				Join:    join,
				Matched: false,
				Reason:  fmt.Sprintf("no row in %s for key %s", join.RightTable, key),
			}
			w.trace.JoinTrace = append(w.trace.JoinTrace, entry)
			if join.Type == model.JoinInner {
				w.trace.Excluded = true
			}
			out = append(out, w)
			continue
		}

		for i, match := range matches {
			next := w
			if i > 0 {
				next = workRow{vals: cloneRow(w.vals), trace: cloneTrace(w.trace)}
			}
			merged := cloneRow(next.vals)
			for col, v := range match {
				if _, exists := merged[col]; !exists {
					merged[col] = v
				}
			}
			next.vals = merged
			next.trace.JoinTrace = append(next.trace.JoinTrace, model.JoinTraceEntry{Join: join, Matched: true})
			out = append(out, next)
		}
	}
	return out
}

// validateJoins confirms every declared join key exists in its table's
// catalog entry before any data is read.
func (m *Materializer) validateJoins(def *model.MetricDefinition) error {
	for _, join := range def.Joins {
		left, ok := m.cat.Table(join.LeftTable)
		if ok {
			for _, k := range join.LeftKey {
				if _, found := left.Column(k); !found {
					return &JoinExecutionError{Join: join, Table: join.LeftTable, Key: k}
				}
			}
		}
		right, ok := m.cat.Table(join.RightTable)
		if !ok {
			return &JoinExecutionError{Join: join, Table: join.RightTable, Key: "*"}
		}
		for _, k := range join.RightKey {
			if _, found := right.Column(k); !found {
				return &JoinExecutionError{Join: join, Table: join.RightTable, Key: k}
			}
		}
	}
	return nil
}

// buildJoinIndexes loads each join's right table into a hash index keyed by
// the join key. Right tables are read through the same constraint pushdown
// as the base table.
func (m *Materializer) buildJoinIndexes(ctx context.Context, def *model.MetricDefinition, constraints Constraints) (map[string]map[string][]source.Row, error) {
	indexes := map[string]map[string][]source.Row{}
	for _, join := range def.Joins {
		if err := checkDeadline(ctx); err != nil {
			return nil, err
		}

		handle, err := m.src.Open(join.RightTable)
		if err != nil {
			return nil, eris.Wrapf(err, "materialize: open join table %s", join.RightTable)
		}
		pred := m.constraintPredicate(join.RightTable, constraints.Filters)
		iter, err := handle.Scan(nil, pred, 0)
		if err != nil {
			return nil, eris.Wrapf(err, "materialize: scan join table %s", join.RightTable)
		}

		index := map[string][]source.Row{}
		for {
			row, err := iter.Next()
			if err != nil {
				iter.Close()
				return nil, err
			}
			if row == nil {
				break
			}
			key := joinKeyOf(row, join.RightKey)
			index[key] = append(index[key], row)
		}
		if err := iter.Close(); err != nil {
			return nil, err
		}
		indexes[join.ID()] = index
	}
	return indexes, nil
}

// constraintPredicate compiles the constraints applicable to one table into
// a scan predicate. Empty-table constraints bind to the base scan.
func (m *Materializer) constraintPredicate(table string, filters []model.FilterSpec) source.Predicate {
	var applicable []model.FilterSpec
	for _, f := range filters {
		if f.Table == table || (f.Table == "" && table != "") {
			if _, ok := m.columnOf(table, f.Column); ok {
				applicable = append(applicable, f)
			}
		}
	}
	if len(applicable) == 0 {
		return nil
	}
	return func(r source.Row) bool {
		for _, f := range applicable {
			passed, err := EvalFilter(f, r)
			if err != nil || !passed {
				return false
			}
		}
		return true
	}
}

func (m *Materializer) columnOf(table, column string) (catalog.Column, bool) {
	t, ok := m.cat.Table(table)
	if !ok {
		return catalog.Column{}, false
	}
	return t.Column(column)
}

func checkDeadline(ctx context.Context) error {
	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return ErrTimeout
		}
		return eris.Wrap(ctx.Err(), "materialize: cancelled")
	default:
		return nil
	}
}

func grainKey(row source.Row, columns []string) model.GrainKey {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = source.CellString(row[c])
	}
	return model.MakeGrainKey(parts)
}

func joinKeyOf(row source.Row, keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = source.CellString(row[k])
	}
	return string(model.MakeGrainKey(parts))
}

func cloneRow(r source.Row) source.Row {
	out := make(source.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func cloneTrace(t *model.LineageTrace) *model.LineageTrace {
	cp := *t
	cp.JoinTrace = append([]model.JoinTraceEntry(nil), t.JoinTrace...)
	cp.FilterTrace = append([]model.FilterTraceEntry(nil), t.FilterTrace...)
	return &cp
}
