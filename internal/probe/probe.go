// Package probe implements the adaptive traversal that hunts for the root
// cause of a reconciliation gap. The loop is strictly sequential: score the
// unvisited graph nodes, probe the best one with a bounded materialization,
// classify what came back, update the hypothesis, and either conclude or go
// around again. One probe's observation determines the next selection, so
// there is no parallelism inside a single investigation.
package probe

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/recon-engine/internal/catalog"
	"github.com/sells-group/recon-engine/internal/config"
	"github.com/sells-group/recon-engine/internal/graph"
	"github.com/sells-group/recon-engine/internal/materialize"
	"github.com/sells-group/recon-engine/internal/model"
)

const (
	confidenceExactMatch  = 0.95
	confidenceCorroborate = 0.6
	confidenceUnanchored  = 0.5

	sampleRows = 5
)

// Engine drives one or more investigations over a knowledge graph. The
// graph and each TraversalState are owned by a single loop at a time.
type Engine struct {
	graph   *graph.Graph
	mat     *materialize.Materializer
	cat     *catalog.Catalog
	cfg     config.ProbeConfig
	limiter *rate.Limiter

	// defs are the resolved definitions by system, used to probe Rule
	// nodes in their original form.
	defs map[string]*model.MetricDefinition

	// base constraints from the original query, extended per probe.
	base materialize.Constraints
}

// New creates an engine. Defaults applied: max depth 20, row cap 100, root
// cause threshold 0.9, five probes per second.
func New(g *graph.Graph, mat *materialize.Materializer, cat *catalog.Catalog, cfg config.ProbeConfig, defs map[string]*model.MetricDefinition, base materialize.Constraints) *Engine {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 20
	}
	if cfg.RowCap <= 0 {
		cfg.RowCap = 100
	}
	if cfg.RootCauseThreshold <= 0 {
		cfg.RootCauseThreshold = 0.9
	}
	if cfg.ProbesPerSecond <= 0 {
		cfg.ProbesPerSecond = 5
	}
	return &Engine{
		graph:   g,
		mat:     mat,
		cat:     cat,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.ProbesPerSecond), 1),
		defs:    defs,
		base:    base,
	}
}

// Run advances the state machine until it concludes or the context is
// cancelled. Cancellation returns the partial state tagged incomplete, not
// an error: work already done is kept.
func (e *Engine) Run(ctx context.Context, ts *TraversalState) *TraversalState {
	if ts.Concluded() {
		return ts
	}

	for depth := 0; depth < e.cfg.MaxDepth; depth++ {
		if err := ctx.Err(); err != nil {
			ts.Incomplete = true
			ts.State = StateConcluded
			return ts
		}

		ts.State = StateSelectingNode
		node := e.selectNode(ts)
		if node == nil {
			// No relevant unvisited node remains; conclude with what we
			// have, possibly nothing.
			break
		}
		ts.VisitedPath = append(ts.VisitedPath, node.ID)

		ts.State = StateProbing
		summary, err := e.probe(ctx, ts, node)
		if err != nil {
			if errors.Is(err, materialize.ErrTimeout) {
				// No information gained; mark and try a different node.
				_ = e.graph.MarkVisited(node.ID, &graph.ProbeSummary{TimedOut: true})
				zap.L().Warn("probe: timed out", zap.String("node", node.ID))
				continue
			}
			zap.L().Warn("probe: failed", zap.String("node", node.ID), zap.Error(err))
			_ = e.graph.MarkVisited(node.ID, nil)
			continue
		}

		ts.State = StateObserving
		expected := expectedRows(node)
		_ = e.graph.MarkVisited(node.ID, summary)
		candidate := e.observe(node, summary, expected)

		ts.State = StateDeciding
		if candidate != nil && e.decide(ts, *candidate) {
			ts.State = StateConcluded
			ts.RootCauseFound = true
			return ts
		}
	}

	ts.State = StateConcluded
	return ts
}

// selectNode scores every unvisited probeable node and returns the best,
// ties broken by node id. Nil when nothing relevant remains.
func (e *Engine) selectNode(ts *TraversalState) *graph.Node {
	var (
		best      *graph.Node
		bestScore float64
	)
	for _, n := range e.graph.Unvisited() {
		score, ok := e.score(ts, n)
		if !ok {
			continue
		}
		if best == nil || score > bestScore || (score == bestScore && n.ID < best.ID) {
			best = n
			bestScore = score
		}
	}
	return best
}

// score ranks a candidate node: cheap ground-truth nodes first, boosted by
// relevance to the latest finding and proximity to the traversal tail.
func (e *Engine) score(ts *TraversalState, n *graph.Node) (float64, bool) {
	var score float64
	switch n.Type {
	case graph.NodeTable:
		score = 1.0
	case graph.NodeRule:
		score = 0.8
	case graph.NodeJoin:
		score = 0.6
	case graph.NodeFilter:
		score = 0.4
	default:
		// Metric nodes carry no rows to probe.
		return 0, false
	}

	score += e.relevance(ts, n)

	if len(ts.VisitedPath) > 0 {
		tail := ts.VisitedPath[len(ts.VisitedPath)-1]
		for _, adj := range e.graph.Adjacent(tail) {
			if adj == n.ID {
				score += 0.5
				break
			}
		}
	}
	return score, true
}

// relevance is the hand-authored heuristic table tying finding types to the
// node types worth probing next.
func (e *Engine) relevance(ts *TraversalState, n *graph.Node) float64 {
	if len(ts.Findings) == 0 {
		return 0
	}
	latest := ts.Findings[len(ts.Findings)-1]

	switch latest.Type {
	case FindingPartialLoss:
		// Rows vanished near a table: the joins and filters touching it
		// are the suspects.
		if n.Type == graph.NodeJoin || n.Type == graph.NodeFilter {
			for _, adj := range e.graph.Adjacent(latest.NodeID) {
				if adj == n.ID {
					return 2.0
				}
			}
			return 1.0
		}
	case FindingJoinFailure:
		if n.Type == graph.NodeTable {
			for _, adj := range e.graph.Adjacent(latest.NodeID) {
				if adj == n.ID {
					return 1.5
				}
			}
		}
	case FindingFilterLoss:
		if n.Type == graph.NodeTable {
			return 1.0
		}
	case FindingDataQuality:
		if n.Type == graph.NodeRule {
			return 1.0
		}
	}
	return 0
}

// probe issues one bounded materialization for the node and digests the
// result. Rate limited; the cap keeps every probe cheap.
func (e *Engine) probe(ctx context.Context, ts *TraversalState, n *graph.Node) (*graph.ProbeSummary, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "probe: rate limit wait")
	}

	def, err := e.probeDefinition(n)
	if err != nil {
		return nil, err
	}

	res, err := e.mat.Materialize(ctx, def, e.constraintsFor(ts, n))
	if err != nil {
		return nil, err
	}
	return summarize(res), nil
}

// constraintsFor builds one probe's constraints: the original query filters
// plus any narrowing derived from the current hypothesis.
func (e *Engine) constraintsFor(ts *TraversalState, n *graph.Node) materialize.Constraints {
	c := materialize.Constraints{
		Filters: e.base.Filters,
		Limit:   e.cfg.RowCap,
		Timeout: e.base.Timeout,
	}
	if extra := e.hypothesisFilter(ts, n); extra != nil {
		filters := make([]model.FilterSpec, 0, len(e.base.Filters)+1)
		filters = append(filters, e.base.Filters...)
		filters = append(filters, *extra)
		c.Filters = filters
	}
	return c
}

// hypothesisFilter narrows a table probe to the rows implicated by the
// latest join-failure finding, identified by their sampled grain keys.
func (e *Engine) hypothesisFilter(ts *TraversalState, n *graph.Node) *model.FilterSpec {
	if n.Type != graph.NodeTable || len(ts.Findings) == 0 {
		return nil
	}
	latest := ts.Findings[len(ts.Findings)-1]
	if latest.Type != FindingJoinFailure {
		return nil
	}
	table, _ := latest.Evidence["table"].(string)
	column, _ := latest.Evidence["key_column"].(string)
	keys, _ := latest.Evidence["sample_keys"].([]string)
	if table != n.Table.Table || column == "" || len(keys) == 0 {
		return nil
	}
	return &model.FilterSpec{Table: table, Column: column, Op: model.OpIn, Value: keys}
}

// probeDefinition builds the minimal definition that exercises one node.
func (e *Engine) probeDefinition(n *graph.Node) (*model.MetricDefinition, error) {
	switch n.Type {
	case graph.NodeTable:
		return e.tableDef(n.Table.Table, nil, nil), nil

	case graph.NodeJoin:
		// Anti-join form: keep the join as LEFT so unmatched rows
		// survive with a null right key; the null rate exposes the
		// failures.
		join := n.Join.Join
		join.Type = model.JoinLeft
		return e.tableDef(join.LeftTable, []model.JoinSpec{join}, nil), nil

	case graph.NodeFilter:
		f := n.Filter.Filter
		return e.tableDef(f.Table, nil, []model.FilterSpec{f}), nil

	case graph.NodeRule:
		def, ok := e.defs[n.Rule.System]
		if !ok || def == nil {
			return nil, eris.Errorf("probe: no resolved definition for system %s", n.Rule.System)
		}
		return def, nil

	default:
		return nil, eris.Errorf("probe: node %s is not probeable", n.ID)
	}
}

// tableDef builds a counting definition over one table.
func (e *Engine) tableDef(table string, joins []model.JoinSpec, filters []model.FilterSpec) *model.MetricDefinition {
	grouping := []string{}
	if t, ok := e.cat.Table(table); ok && len(t.PrimaryKey) > 0 {
		grouping = t.PrimaryKey
	} else if len(joins) > 0 {
		grouping = joins[0].LeftKey
	}
	return &model.MetricDefinition{
		RuleID:    "probe",
		System:    "probe",
		BaseTable: table,
		Joins:     joins,
		Filters:   filters,
		Aggregation: model.Aggregation{
			Func:            model.AggCount,
			GroupingColumns: grouping,
		},
	}
}

// observe classifies the probe result with fixed rules, returning a
// candidate finding or nil for "no new information".
func (e *Engine) observe(n *graph.Node, s *graph.ProbeSummary, expected int) *Finding {
	switch n.Type {
	case graph.NodeJoin:
		join := n.Join.Join
		failed := s.JoinMisses[join.ID()]
		if failed > 0 {
			evidence := map[string]any{
				"join":      join.ID(),
				"unmatched": failed,
				"probed":    s.RowCount,
			}
			// Identify the unmatched rows so later probes can narrow to
			// them. Only single-column keys translate into a filter.
			if t, ok := e.cat.Table(join.LeftTable); ok && len(t.PrimaryKey) == 1 {
				if keys := s.JoinMissKeys[join.ID()]; len(keys) > 0 {
					evidence["table"] = join.LeftTable
					evidence["key_column"] = t.PrimaryKey[0]
					evidence["sample_keys"] = keys
				}
			}
			return &Finding{
				Type:        FindingJoinFailure,
				NodeID:      n.ID,
				Description: fmt.Sprintf("join failure, %d rows unmatched in %s", failed, join.RightTable),
				Evidence:    evidence,
				ImpliedRows: failed,
			}
		}

	case graph.NodeTable:
		if expected > 0 && s.RowCount < expected {
			lost := expected - s.RowCount
			return &Finding{
				Type:        FindingPartialLoss,
				NodeID:      n.ID,
				Description: fmt.Sprintf("partial loss, %d of %d expected rows missing from %s", lost, expected, n.Table.Table),
				Evidence: map[string]any{
					"table":    n.Table.Table,
					"expected": expected,
					"observed": s.RowCount,
				},
				ImpliedRows: lost,
			}
		}
		if col, rate := worstNullRate(s); rate > 0.5 {
			return &Finding{
				Type:        FindingDataQuality,
				NodeID:      n.ID,
				Description: fmt.Sprintf("column %s is null in %.0f%% of probed rows", col, rate*100),
				Evidence: map[string]any{
					"table":     n.Table.Table,
					"column":    col,
					"null_rate": rate,
				},
				ImpliedRows: int(math.Round(rate * float64(s.RowCount))),
			}
		}

	case graph.NodeFilter:
		if expected == 0 {
			// The restricted table's stats stand in for the filter's own.
			if tn, ok := e.graph.Node("table:" + n.Filter.Filter.Table); ok {
				expected = expectedRows(tn)
			}
		}
		if expected > 0 && s.RowCount < expected {
			lost := expected - s.RowCount
			return &Finding{
				Type:        FindingFilterLoss,
				NodeID:      n.ID,
				Description: fmt.Sprintf("filter %s removes %d rows", n.Filter.Filter.ID(), lost),
				Evidence: map[string]any{
					"filter":   n.Filter.Filter.ID(),
					"expected": expected,
					"observed": s.RowCount,
				},
				ImpliedRows: lost,
			}
		}
	}
	return nil
}

// decide appends a candidate whose implied row count lines up with the
// known discrepancy, replaces the hypothesis, and reports whether the
// confidence crossed the root-cause threshold.
func (e *Engine) decide(ts *TraversalState, f Finding) bool {
	switch {
	case ts.KnownDiscrepancy == 0:
		// Nothing to anchor on yet; this finding becomes the anchor.
		f.Confidence = confidenceUnanchored
		ts.KnownDiscrepancy = f.ImpliedRows
	case countsMatch(f.ImpliedRows, ts.KnownDiscrepancy):
		if f.Type == FindingJoinFailure || f.Type == FindingFilterLoss {
			f.Confidence = confidenceExactMatch
		} else {
			// Loss and quality findings corroborate; they do not name
			// the mechanism.
			f.Confidence = confidenceCorroborate
		}
	default:
		// Implied count does not line up; keep it as weak evidence.
		f.Confidence = 0.3
	}

	ts.Findings = append(ts.Findings, f)
	ts.setHypothesis(f.Description, f.Confidence)

	zap.L().Info("probe: finding",
		zap.String("type", string(f.Type)),
		zap.String("node", f.NodeID),
		zap.Float64("confidence", f.Confidence),
		zap.Int("implied_rows", f.ImpliedRows),
	)

	return f.Confidence >= e.cfg.RootCauseThreshold
}

// countsMatch reports whether an implied count accounts for the known
// discrepancy: within one row or five percent, whichever is larger.
func countsMatch(implied, known int) bool {
	diff := math.Abs(float64(implied - known))
	tol := math.Max(1, 0.05*float64(known))
	return diff <= tol
}

func expectedRows(n *graph.Node) int {
	if n.Stats.RowCount != nil {
		return *n.Stats.RowCount
	}
	return 0
}

// summarize digests a materialization into the per-node probe record:
// row count, null rate per column, and a few sample rows.
func summarize(res *materialize.Result) *graph.ProbeSummary {
	s := &graph.ProbeSummary{
		RowCount:     len(res.Rows),
		NullRates:    map[string]float64{},
		JoinMisses:   map[string]int{},
		JoinMissKeys: map[string][]string{},
	}

	for _, t := range res.Traces {
		for _, j := range t.JoinTrace {
			if !j.Matched {
				id := j.Join.ID()
				s.JoinMisses[id]++
				if len(s.JoinMissKeys[id]) < sampleRows {
					if parts := t.Key.Parts(); len(parts) == 1 {
						s.JoinMissKeys[id] = append(s.JoinMissKeys[id], parts[0])
					}
				}
			}
		}
	}

	if len(res.Rows) == 0 {
		return s
	}

	columns := map[string]bool{}
	for _, r := range res.Rows {
		for col := range r.Values {
			columns[col] = true
		}
	}
	for col := range columns {
		nulls := 0
		for _, r := range res.Rows {
			if v, ok := r.Values[col]; !ok || v == nil {
				nulls++
			}
		}
		s.NullRates[col] = float64(nulls) / float64(len(res.Rows))
	}

	for i := 0; i < len(res.Rows) && i < sampleRows; i++ {
		s.Sample = append(s.Sample, res.Rows[i].Values)
	}
	return s
}

// worstNullRate returns the column with the highest null rate.
func worstNullRate(s *graph.ProbeSummary) (string, float64) {
	var (
		col  string
		best float64
	)
	for c, r := range s.NullRates {
		if r > best || (r == best && (col == "" || c < col)) {
			col, best = c, r
		}
	}
	return col, best
}
