// Package recon orchestrates a reconciliation run end to end: resolve both
// systems' rules, materialize both row populations, map them onto the
// canonical schema, diff, attribute every difference to a root cause, and
// verify that the row-level differences explain the reported aggregate gap.
package recon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/recon-engine/internal/attribute"
	"github.com/sells-group/recon-engine/internal/canonical"
	"github.com/sells-group/recon-engine/internal/catalog"
	"github.com/sells-group/recon-engine/internal/config"
	"github.com/sells-group/recon-engine/internal/diff"
	"github.com/sells-group/recon-engine/internal/graph"
	"github.com/sells-group/recon-engine/internal/lineage"
	"github.com/sells-group/recon-engine/internal/materialize"
	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/probe"
	"github.com/sells-group/recon-engine/internal/resolve"
	"github.com/sells-group/recon-engine/internal/source"
	"github.com/sells-group/recon-engine/internal/store"
	"github.com/sells-group/recon-engine/internal/verify"
)

// Pipeline runs reconciliations against one catalog snapshot and one source.
type Pipeline struct {
	cfg *config.Config
	st  store.Store
	src source.Source
	cat *catalog.Catalog
}

// New creates a Pipeline with all dependencies.
func New(cfg *config.Config, st store.Store, src source.Source, cat *catalog.Catalog) *Pipeline {
	return &Pipeline{cfg: cfg, st: st, src: src, cat: cat}
}

// Run executes the full reconciliation pipeline for one request. Cancellation
// between phases yields a partial result marked Incomplete rather than an
// error; everything computed up to that point is retained and persisted.
func (p *Pipeline) Run(ctx context.Context, req model.ReconcileRequest) (*model.ReconciliationResult, error) {
	log := zap.L().With(
		zap.String("metric", req.Metric),
		zap.String("system_a", req.SystemA),
		zap.String("system_b", req.SystemB),
	)
	log.Info("recon: starting run", zap.Float64("reported_diff", req.ReportedDiff()))

	result := &model.ReconciliationResult{Request: req}

	run, err := p.st.CreateRun(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "recon: create run")
	}
	result.RunID = run.ID

	// Store calls after a cancellation must still go through.
	persistCtx := context.WithoutCancel(ctx)

	setStatus := func(status model.RunStatus) {
		if statusErr := p.st.UpdateRunStatus(persistCtx, run.ID, status); statusErr != nil {
			log.Warn("recon: failed to update status", zap.Error(statusErr))
		}
	}

	var phasesMu sync.Mutex
	trackPhase := func(name string, fn func() (*model.PhaseResult, error)) error {
		phase, phaseErr := p.st.CreatePhase(persistCtx, run.ID, name)
		if phaseErr != nil {
			log.Warn("recon: failed to create phase", zap.String("phase", name), zap.Error(phaseErr))
		}

		start := time.Now()
		phaseResult, fnErr := fn()
		duration := time.Since(start).Milliseconds()

		if phaseResult == nil {
			phaseResult = &model.PhaseResult{}
		}
		phaseResult.Name = name
		phaseResult.Duration = duration

		if fnErr != nil {
			phaseResult.Status = model.PhaseStatusFailed
			phaseResult.Error = fnErr.Error()
			log.Error("recon: phase failed",
				zap.String("phase", name),
				zap.Int64("duration_ms", duration),
				zap.Error(fnErr),
			)
		} else {
			phaseResult.Status = model.PhaseStatusComplete
			log.Info("recon: phase complete",
				zap.String("phase", name),
				zap.Int64("duration_ms", duration),
			)
		}

		if phase != nil {
			_ = p.st.CompletePhase(persistCtx, phase.ID, phaseResult)
		}
		phasesMu.Lock()
		result.Phases = append(result.Phases, *phaseResult)
		phasesMu.Unlock()
		return fnErr
	}

	fail := func(err error) (*model.ReconciliationResult, error) {
		setStatus(model.RunStatusFailed)
		return result, err
	}
	cancelled := func() (*model.ReconciliationResult, error) {
		result.Incomplete = true
		result.Warnings = append(result.Warnings, "run cancelled; partial results retained")
		if upErr := p.st.UpdateRunResult(persistCtx, run.ID, result); upErr != nil {
			log.Warn("recon: failed to persist partial result", zap.Error(upErr))
		}
		log.Info("recon: run cancelled", zap.Int("phases_completed", len(result.Phases)))
		return result, nil
	}

	schema, err := p.cat.Schema(req.Metric)
	if err != nil {
		return fail(err)
	}

	// ===== Phase 1: Resolve both systems' rules =====
	setStatus(model.RunStatusResolving)

	var defA, defB *model.MetricDefinition
	err = trackPhase("resolve", func() (*model.PhaseResult, error) {
		var resolveErr error
		if defA, resolveErr = p.resolveSystem(req.SystemA, req.Metric); resolveErr != nil {
			return nil, resolveErr
		}
		if defB, resolveErr = p.resolveSystem(req.SystemB, req.Metric); resolveErr != nil {
			return nil, resolveErr
		}
		return &model.PhaseResult{
			Metadata: map[string]any{
				"rule_a": defA.RuleID,
				"rule_b": defB.RuleID,
			},
		}, nil
	})
	if err != nil {
		return fail(err)
	}
	if ctx.Err() != nil {
		return cancelled()
	}

	// ===== Phase 2: Materialize both populations in parallel =====
	setStatus(model.RunStatusMaterializing)

	mat := materialize.New(p.src, p.cat, p.cfg.Materialize)
	constraints := materialize.Constraints{Filters: req.Constraints}

	var resA, resB *materialize.Result
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return trackPhase("materialize_a", func() (*model.PhaseResult, error) {
			r, matErr := mat.Materialize(gCtx, defA, constraints)
			if matErr != nil {
				return nil, matErr
			}
			resA = r
			return materializePhaseResult(r), nil
		})
	})
	g.Go(func() error {
		return trackPhase("materialize_b", func() (*model.PhaseResult, error) {
			r, matErr := mat.Materialize(gCtx, defB, constraints)
			if matErr != nil {
				return nil, matErr
			}
			resB = r
			return materializePhaseResult(r), nil
		})
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return cancelled()
		}
		return fail(err)
	}
	if ctx.Err() != nil {
		return cancelled()
	}

	if resA.FlaggedFilters > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%s: %d filter evaluations skipped on type mismatches", req.SystemA, resA.FlaggedFilters))
	}
	if resB.FlaggedFilters > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%s: %d filter evaluations skipped on type mismatches", req.SystemB, resB.FlaggedFilters))
	}

	// ===== Phase 3: Canonical mapping =====
	setStatus(model.RunStatusDiffing)

	var rowsA, rowsB []model.CanonicalRow
	err = trackPhase("canonicalize", func() (*model.PhaseResult, error) {
		var mapErr error
		if rowsA, mapErr = canonicalRows(schema, defA, resA); mapErr != nil {
			return nil, eris.Wrapf(mapErr, "recon: canonicalize %s", req.SystemA)
		}
		if rowsB, mapErr = canonicalRows(schema, defB, resB); mapErr != nil {
			return nil, eris.Wrapf(mapErr, "recon: canonicalize %s", req.SystemB)
		}
		return &model.PhaseResult{
			Metadata: map[string]any{
				"rows_a": len(rowsA),
				"rows_b": len(rowsB),
			},
		}, nil
	})
	if err != nil {
		return fail(err)
	}
	if ctx.Err() != nil {
		return cancelled()
	}

	// ===== Phase 4: Diff =====
	var d *model.RowDiffResult
	err = trackPhase("diff", func() (*model.PhaseResult, error) {
		var diffErr error
		d, diffErr = diff.New(schema, p.cfg.Diff).Compare(rowsA, rowsB)
		if diffErr != nil {
			return nil, describeDuplicates(diffErr, rowsA, rowsB)
		}
		return &model.PhaseResult{
			Metadata: map[string]any{
				"missing_left":  len(d.MissingLeft),
				"missing_right": len(d.MissingRight),
				"mismatches":    len(d.ValueMismatches),
				"matches":       len(d.Matches),
			},
		}, nil
	})
	if err != nil {
		return fail(err)
	}
	result.Diff = d
	if ctx.Err() != nil {
		return cancelled()
	}

	// ===== Phase 5: Attribute =====
	setStatus(model.RunStatusAttributing)

	err = trackPhase("attribute", func() (*model.PhaseResult, error) {
		left := lineage.NewIndex(req.SystemA, resA.Traces)
		right := lineage.NewIndex(req.SystemB, resB.Traces)
		result.Explanations = attribute.New(schema).Attribute(d, left, right)
		return &model.PhaseResult{
			Metadata: map[string]any{"explanations": len(result.Explanations)},
		}, nil
	})
	if err != nil {
		return fail(err)
	}
	if ctx.Err() != nil {
		return cancelled()
	}

	// ===== Phase 6: Verify =====
	setStatus(model.RunStatusVerifying)

	_ = trackPhase("verify", func() (*model.PhaseResult, error) {
		v := verifyTolerance(schema, p.cfg.Diff)
		vr := verify.Verify(d, schema, req.ReportedDiff(), v)
		result.Verification = &vr
		if !vr.OK {
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"verification failed: row-level differences sum to %.4f but the reported gap is %.4f",
				vr.Calculated, vr.Reported))
		}
		return &model.PhaseResult{
			Metadata: map[string]any{
				"ok":         vr.OK,
				"calculated": vr.Calculated,
				"reported":   vr.Reported,
			},
		}, nil
	})

	if err := p.st.UpdateRunResult(persistCtx, run.ID, result); err != nil {
		log.Warn("recon: failed to persist result", zap.Error(err))
	}

	log.Info("recon: run complete",
		zap.String("run_id", run.ID),
		zap.Int("explanations", len(result.Explanations)),
		zap.Bool("verified", result.Verification != nil && result.Verification.OK),
	)
	return result, nil
}

// Probe runs the knowledge-graph probing engine instead of the full diff
// pipeline: it resolves both rules, builds the metric graph, and traverses it
// until a root cause for the known row discrepancy is found or the graph is
// exhausted.
func (p *Pipeline) Probe(ctx context.Context, req model.ReconcileRequest, knownDiscrepancy int) (*probe.TraversalState, error) {
	defA, err := p.resolveSystem(req.SystemA, req.Metric)
	if err != nil {
		return nil, err
	}
	defB, err := p.resolveSystem(req.SystemB, req.Metric)
	if err != nil {
		return nil, err
	}

	g := graph.Build(p.cat, req.Metric, defA, defB)
	mat := materialize.New(p.src, p.cat, p.cfg.Materialize)
	defs := map[string]*model.MetricDefinition{
		req.SystemA: defA,
		req.SystemB: defB,
	}
	eng := probe.New(g, mat, p.cat, p.cfg.Probe, defs, materialize.Constraints{Filters: req.Constraints})

	ts := eng.Run(ctx, probe.NewTraversalState(knownDiscrepancy))
	return ts, nil
}

// resolveSystem resolves the single rule computing the metric in one system.
func (p *Pipeline) resolveSystem(system, metric string) (*model.MetricDefinition, error) {
	rules := p.cat.RulesFor(system, metric)
	if len(rules) == 0 {
		return nil, eris.Errorf("recon: no rule computes %s in system %s", metric, system)
	}
	if len(rules) > 1 {
		return nil, eris.Errorf("recon: %d rules compute %s in system %s, expected one", len(rules), metric, system)
	}
	return resolve.New(p.cat, p.cfg.Resolver).Resolve(rules[0])
}

// canonicalRows aggregates materialized rows to the comparison grain and maps
// them onto the canonical schema, preserving first-seen key order.
func canonicalRows(schema *model.CanonicalSchema, def *model.MetricDefinition, res *materialize.Result) ([]model.CanonicalRow, error) {
	vals, err := materialize.AggregateBy(res.Rows, def.Aggregation.Func)
	if err != nil {
		return nil, err
	}

	seen := map[model.GrainKey]bool{}
	var raws []source.Row
	for _, row := range res.Rows {
		if seen[row.Key] {
			continue
		}
		seen[row.Key] = true

		raw := source.Row{}
		parts := row.Key.Parts()
		for i, col := range def.Aggregation.GroupingColumns {
			if i < len(parts) {
				raw[col] = parts[i]
			}
		}
		raw[schema.PrimaryValueColumn()] = vals[row.Key]
		raws = append(raws, raw)
	}
	if len(raws) == 0 {
		return nil, nil
	}
	return canonical.NewMapper(schema).MapRows(raws)
}

func materializePhaseResult(r *materialize.Result) *model.PhaseResult {
	return &model.PhaseResult{
		Metadata: map[string]any{
			"system":   r.System,
			"rows":     len(r.Rows),
			"scanned":  r.Scanned,
			"excluded": r.Excluded,
		},
	}
}

// describeDuplicates enriches a duplicate-key failure with every duplicated
// key on the offending side.
func describeDuplicates(err error, rowsA, rowsB []model.CanonicalRow) error {
	var dup *diff.DuplicateKeyError
	if !errors.As(err, &dup) {
		return err
	}
	rows := rowsA
	if dup.Side == "right" {
		rows = rowsB
	}
	dups := diff.FindDuplicates(rows)
	keys := make([]string, 0, len(dups))
	for _, d := range dups {
		keys = append(keys, fmt.Sprintf("%s (x%d)", d.Key.String(), d.Count))
	}
	return eris.Wrapf(err, "recon: source grain coarser than comparison grain, duplicated keys: %v", keys)
}

// verifyTolerance derives the aggregate verification tolerance: the config
// override when set, otherwise the primary value column's own tolerance.
func verifyTolerance(schema *model.CanonicalSchema, cfg config.DiffConfig) float64 {
	if cfg.Tolerance > 0 {
		return cfg.Tolerance
	}
	if vc, ok := schema.ValueColumn(schema.PrimaryValueColumn()); ok {
		return vc.Tolerance()
	}
	return 0.005
}
