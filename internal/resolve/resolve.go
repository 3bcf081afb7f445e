// Package resolve turns a business rule (formula + source entities + target
// grain) into a normalized MetricDefinition: concrete tables, a join plan
// discovered through catalog lineage, bound column references, and an
// aggregation spec. Resolution is a pure function of the rule and the catalog
// snapshot.
package resolve

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recon-engine/internal/catalog"
	"github.com/sells-group/recon-engine/internal/config"
	"github.com/sells-group/recon-engine/internal/model"
)

// ClarifyFunc lets the caller pick a table when entity matching is ambiguous.
// Returning an empty string declines to choose.
type ClarifyFunc func(entity string, candidates []ScoredCandidate) (string, error)

// Resolver resolves rules against one catalog snapshot.
type Resolver struct {
	cat     *catalog.Catalog
	cfg     config.ResolverConfig
	scorer  Scorer
	clarify ClarifyFunc
}

// New creates a Resolver with the default levenshtein scorer.
func New(cat *catalog.Catalog, cfg config.ResolverConfig) *Resolver {
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.6
	}
	if cfg.DominanceMargin <= 0 {
		cfg.DominanceMargin = 0.15
	}
	return &Resolver{cat: cat, cfg: cfg, scorer: NewLevenshteinScorer()}
}

// WithScorer swaps the candidate scorer.
func (r *Resolver) WithScorer(s Scorer) *Resolver {
	r.scorer = s
	return r
}

// WithClarify installs the disambiguation callback.
func (r *Resolver) WithClarify(fn ClarifyFunc) *Resolver {
	r.clarify = fn
	return r
}

// Resolve builds the MetricDefinition for one rule.
func (r *Resolver) Resolve(rule *catalog.Rule) (*model.MetricDefinition, error) {
	tokens := FormulaTokens(rule.Formula)

	// Step 1: choose a table per source entity.
	chosen := map[string]*catalog.Table{}
	for _, entity := range rule.SourceEntities {
		table, err := r.chooseTable(entity, rule, tokens)
		if err != nil {
			return nil, err
		}
		chosen[entity] = table
	}

	// Step 2: pick the base table and discover join paths to the rest.
	base := r.baseTable(rule, chosen)
	joins, err := r.joinPlan(base, chosen)
	if err != nil {
		return nil, err
	}

	// Step 3: bind formula tokens to concrete columns.
	bound, err := r.bindColumns(tokens, base, chosen)
	if err != nil {
		return nil, err
	}

	// Step 4: assemble.
	fn, inner := AggregationOf(rule.Formula)
	valueExpr := rewriteExpression(inner, bound)

	var valueCols []string
	for _, tok := range tokens {
		valueCols = append(valueCols, bound[tok])
	}

	def := model.MetricDefinition{
		RuleID:    rule.ID,
		System:    rule.System,
		Metric:    rule.Metric,
		BaseTable: base.Name,
		Joins:     joins,
		Filters:   rule.Filters,
		Aggregation: model.Aggregation{
			Func:            fn,
			GroupingColumns: append([]string(nil), rule.TargetGrain...),
			ValueExpression: valueExpr,
		},
		ValueColumns: valueCols,
	}

	resolved, err := model.NewMetricDefinition(def, func(table string) []string {
		t, ok := r.cat.Table(table)
		if !ok {
			return nil
		}
		return t.ColumnNames()
	})
	if err != nil {
		return nil, eris.Wrapf(err, "resolve: rule %s", rule.ID)
	}

	zap.L().Debug("resolve: rule resolved",
		zap.String("rule", rule.ID),
		zap.String("base_table", resolved.BaseTable),
		zap.Int("joins", len(resolved.Joins)),
		zap.String("value_expression", resolved.Aggregation.ValueExpression),
	)

	return resolved, nil
}

// chooseTable scores each of the system's tables for an entity and returns
// the dominant candidate. Scoring blends name similarity (against entity tag,
// table name, and labels) with the overlap between formula tokens and the
// table's columns. Ties within the dominance margin fall back to the table
// whose primary key matches the target grain; an unresolved tie is an
// AmbiguousEntityError unless the clarify callback settles it.
func (r *Resolver) chooseTable(entity string, rule *catalog.Rule, tokens []string) (*catalog.Table, error) {
	tables := r.cat.TablesForSystem(rule.System)
	if len(tables) == 0 {
		return nil, eris.Errorf("resolve: no tables for system %s", rule.System)
	}

	bare := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		_, col := model.SplitColumnRef(tok)
		bare = append(bare, col)
	}

	scored := make([]ScoredCandidate, 0, len(tables))
	byName := map[string]*catalog.Table{}
	for _, t := range tables {
		nameScore := r.scorer.Score(entity, t.Entity)
		if s := r.scorer.Score(entity, t.Name); s > nameScore {
			nameScore = s
		}
		for _, label := range t.Labels {
			if s := r.scorer.Score(entity, label); s > nameScore {
				nameScore = s
			}
		}

		cols := map[string]bool{}
		for _, c := range t.Columns {
			cols[c.Name] = true
		}
		colScore := tokenOverlap(bare, cols)

		score := 0.6*nameScore + 0.4*colScore
		if score < r.cfg.SimilarityThreshold {
			continue
		}
		scored = append(scored, ScoredCandidate{Table: t.Name, Score: score})
		byName[t.Name] = t
	}

	if len(scored) == 0 {
		return nil, &AmbiguousEntityError{Entity: entity}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Table < scored[j].Table
	})

	if len(scored) == 1 || scored[0].Score-scored[1].Score >= r.cfg.DominanceMargin {
		return byName[scored[0].Table], nil
	}

	// Contenders within the margin: prefer a primary key matching the grain.
	var contenders []ScoredCandidate
	for _, c := range scored {
		if scored[0].Score-c.Score < r.cfg.DominanceMargin {
			contenders = append(contenders, c)
		}
	}
	var grainMatches []*catalog.Table
	for _, c := range contenders {
		if keysEqual(byName[c.Table].PrimaryKey, rule.TargetGrain) {
			grainMatches = append(grainMatches, byName[c.Table])
		}
	}
	if len(grainMatches) == 1 {
		return grainMatches[0], nil
	}

	if r.clarify != nil {
		choice, err := r.clarify(entity, contenders)
		if err != nil {
			return nil, eris.Wrapf(err, "resolve: clarify entity %s", entity)
		}
		if t, ok := byName[choice]; ok {
			zap.L().Info("resolve: ambiguity settled by caller",
				zap.String("entity", entity),
				zap.String("table", choice),
			)
			return t, nil
		}
	}

	return nil, &AmbiguousEntityError{Entity: entity, Candidates: contenders}
}

// baseTable prefers the target entity's table, falling back to the first
// source entity.
func (r *Resolver) baseTable(rule *catalog.Rule, chosen map[string]*catalog.Table) *catalog.Table {
	if t, ok := chosen[rule.TargetEntity]; ok {
		return t
	}
	return chosen[rule.SourceEntities[0]]
}

// joinPlan BFS-discovers the shortest lineage path from base to every other
// chosen table, emitting joins in discovery order. Paths may pass through
// tables no entity chose.
func (r *Resolver) joinPlan(base *catalog.Table, chosen map[string]*catalog.Table) ([]model.JoinSpec, error) {
	joined := map[string]bool{base.Name: true}
	var joins []model.JoinSpec

	// Deterministic iteration order over targets.
	var targets []string
	for _, t := range chosen {
		if t.Name != base.Name && !contains(targets, t.Name) {
			targets = append(targets, t.Name)
		}
	}
	sort.Strings(targets)

	for _, target := range targets {
		if joined[target] {
			continue
		}
		path, ok := r.findPath(base.Name, target)
		if !ok {
			return nil, &NoJoinPathError{From: base.Name, To: target}
		}
		for _, edge := range path {
			if joined[edge.To] {
				continue
			}
			leftKey := make([]string, 0, len(edge.Keys))
			for k := range edge.Keys {
				leftKey = append(leftKey, k)
			}
			sort.Strings(leftKey)
			rightKey := make([]string, len(leftKey))
			for i, k := range leftKey {
				rightKey[i] = edge.Keys[k]
			}
			joins = append(joins, model.JoinSpec{
				LeftTable:  edge.From,
				RightTable: edge.To,
				LeftKey:    leftKey,
				RightKey:   rightKey,
				Type:       edge.JoinType(),
			})
			joined[edge.To] = true
		}
	}

	return joins, nil
}

// findPath is a breadth-first search over lineage edges in both directions.
func (r *Resolver) findPath(from, to string) ([]catalog.LineageEdge, bool) {
	type queued struct {
		table string
		path  []catalog.LineageEdge
	}
	queue := []queued{{table: from}}
	seen := map[string]bool{from: true}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.table == to {
			return cur.path, true
		}
		for _, edge := range r.cat.EdgesFrom(cur.table) {
			if seen[edge.To] {
				continue
			}
			seen[edge.To] = true
			path := append(append([]catalog.LineageEdge(nil), cur.path...), edge)
			if edge.To == to {
				return path, true
			}
			queue = append(queue, queued{table: edge.To, path: path})
		}
	}
	return nil, false
}

// bindColumns maps each formula token to a concrete table.column among the
// chosen tables: exact name first, then best fuzzy match above the threshold.
func (r *Resolver) bindColumns(tokens []string, base *catalog.Table, chosen map[string]*catalog.Table) (map[string]string, error) {
	// Base table first so exact matches prefer it.
	tables := []*catalog.Table{base}
	var names []string
	for _, t := range chosen {
		if t.Name != base.Name && !contains(names, t.Name) {
			names = append(names, t.Name)
		}
	}
	sort.Strings(names)
	for _, n := range names {
		t, _ := r.cat.Table(n)
		tables = append(tables, t)
	}

	bound := map[string]string{}
	for _, tok := range tokens {
		wantTable, wantCol := model.SplitColumnRef(tok)

		var exact string
		for _, t := range tables {
			if wantTable != "" && t.Name != wantTable {
				continue
			}
			if _, ok := t.Column(wantCol); ok {
				exact = t.Name + "." + wantCol
				break
			}
		}
		if exact != "" {
			bound[tok] = exact
			continue
		}

		bestScore, bestRef := 0.0, ""
		for _, t := range tables {
			for _, c := range t.Columns {
				if s := r.scorer.Score(wantCol, c.Name); s > bestScore {
					bestScore = s
					bestRef = t.Name + "." + c.Name
				}
			}
		}
		if bestScore < r.cfg.SimilarityThreshold {
			_, closest := model.SplitColumnRef(bestRef)
			return nil, &UnboundColumnError{Token: tok, Closest: closest, Score: bestScore}
		}
		bound[tok] = bestRef
	}
	return bound, nil
}

// rewriteExpression replaces each bound token with the bare column name the
// materializer will see after joining.
func rewriteExpression(expr string, bound map[string]string) string {
	return identRe.ReplaceAllStringFunc(expr, func(tok string) string {
		if formulaKeywords[strings.ToUpper(tok)] {
			return tok
		}
		ref, ok := bound[tok]
		if !ok {
			return tok
		}
		_, col := model.SplitColumnRef(ref)
		return col
	})
}

func keysEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := map[string]bool{}
	for _, k := range a {
		set[k] = true
	}
	for _, k := range b {
		if !set[k] {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
