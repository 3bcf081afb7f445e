package probe

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recon-engine/internal/catalog"
	"github.com/sells-group/recon-engine/internal/config"
	"github.com/sells-group/recon-engine/internal/graph"
	"github.com/sells-group/recon-engine/internal/materialize"
	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/source"
)

func probeCatalog() *catalog.Catalog {
	return &catalog.Catalog{
		Tables: []catalog.Table{
			{Name: "orders", System: "crm", Entity: "order", PrimaryKey: []string{"order_id"},
				Columns: []catalog.Column{
					{Name: "order_id", Type: "string"},
					{Name: "customer_id", Type: "string"},
					{Name: "status", Type: "string"},
				}},
			{Name: "customers", System: "crm", Entity: "customer", PrimaryKey: []string{"customer_id"},
				Columns: []catalog.Column{
					{Name: "customer_id", Type: "string"},
					{Name: "region", Type: "string"},
				}},
		},
	}
}

var ordersJoin = model.JoinSpec{
	LeftTable: "orders", RightTable: "customers",
	LeftKey: []string{"customer_id"}, RightKey: []string{"customer_id"},
	Type: model.JoinInner,
}

// brokenSource serves 950 order rows of which 50 reference a customer that
// does not exist.
func brokenSource(cat *catalog.Catalog) *source.Memory {
	orders, _ := cat.Table("orders")
	customers, _ := cat.Table("customers")

	var orderRows []source.Row
	for i := 0; i < 950; i++ {
		cust := fmt.Sprintf("c%03d", i%900)
		if i >= 900 {
			cust = fmt.Sprintf("ghost%02d", i)
		}
		orderRows = append(orderRows, source.Row{
			"order_id": fmt.Sprintf("o%04d", i), "customer_id": cust, "status": "complete",
		})
	}
	var custRows []source.Row
	for i := 0; i < 900; i++ {
		custRows = append(custRows, source.Row{
			"customer_id": fmt.Sprintf("c%03d", i), "region": "east",
		})
	}
	return source.NewMemory().AddTable(*orders, orderRows).AddTable(*customers, custRows)
}

// twoNodeGraph is the minimal investigation surface: one table node with a
// prior row-count expectation, one join node.
func twoNodeGraph(cat *catalog.Catalog, expectedOrders int) *graph.Graph {
	g := graph.New()
	orders, _ := cat.Table("orders")
	g.Add(&graph.Node{
		ID: "table:orders", Type: graph.NodeTable,
		Table: &graph.TableMeta{Table: "orders", System: "crm", Columns: orders.Columns},
		Stats: graph.Stats{RowCount: &expectedOrders},
	})
	g.Add(&graph.Node{
		ID: ordersJoin.ID(), Type: graph.NodeJoin,
		Join: &graph.JoinMeta{Join: ordersJoin},
	})
	g.Connect("table:orders", ordersJoin.ID(), graph.EdgeParticipates)
	g.Connect(ordersJoin.ID(), "table:customers", graph.EdgeTargets)
	return g
}

func newEngine(g *graph.Graph, cat *catalog.Catalog, src source.Source, cfg config.ProbeConfig) *Engine {
	mat := materialize.New(src, cat, config.MaterializeConfig{ChunkSize: 100})
	if cfg.ProbesPerSecond == 0 {
		cfg.ProbesPerSecond = 10000 // keep tests fast
	}
	return New(g, mat, cat, cfg, nil, materialize.Constraints{})
}

func TestRunFindsJoinFailureRootCause(t *testing.T) {
	cat := probeCatalog()
	g := twoNodeGraph(cat, 1000)
	e := newEngine(g, cat, brokenSource(cat), config.ProbeConfig{RowCap: 1000})

	ts := e.Run(context.Background(), NewTraversalState(0))

	require.True(t, ts.Concluded())
	assert.True(t, ts.RootCauseFound)
	assert.False(t, ts.Incomplete)

	// Table first (partial loss), then the adjacent join (root cause).
	require.Equal(t, []string{"table:orders", ordersJoin.ID()}, ts.VisitedPath)

	require.Len(t, ts.Findings, 2)
	assert.Equal(t, FindingPartialLoss, ts.Findings[0].Type)
	assert.Equal(t, 50, ts.Findings[0].ImpliedRows)

	final := ts.Findings[1]
	assert.Equal(t, FindingJoinFailure, final.Type)
	assert.Equal(t, 50, final.ImpliedRows)
	assert.GreaterOrEqual(t, final.Confidence, 0.9)

	// The finding names the unmatched rows so follow-up probes can narrow
	// to them.
	assert.Equal(t, "orders", final.Evidence["table"])
	assert.Equal(t, "order_id", final.Evidence["key_column"])
	keys, _ := final.Evidence["sample_keys"].([]string)
	assert.Equal(t, []string{"o0900", "o0901", "o0902", "o0903", "o0904"}, keys)

	require.NotNil(t, ts.Hypothesis)
	assert.Contains(t, ts.Hypothesis.Text, "join failure")
	assert.Equal(t, 50, ts.KnownDiscrepancy)
}

func TestRunConcludesWhenNothingRelevantRemains(t *testing.T) {
	cat := probeCatalog()
	g := graph.New()
	g.Add(&graph.Node{ID: "metric:revenue", Type: graph.NodeMetric, Metric: &graph.MetricMeta{Metric: "revenue"}})

	e := newEngine(g, cat, brokenSource(cat), config.ProbeConfig{})
	ts := e.Run(context.Background(), NewTraversalState(0))

	// A concluded state with no findings is a valid outcome, not an error.
	require.True(t, ts.Concluded())
	assert.False(t, ts.RootCauseFound)
	assert.Empty(t, ts.Findings)
	assert.Empty(t, ts.VisitedPath)
}

func TestRunStopsAtMaxDepth(t *testing.T) {
	cat := probeCatalog()

	// Healthy data: probes observe nothing, so only depth stops the loop.
	orders, _ := cat.Table("orders")
	src := source.NewMemory().AddTable(*orders, []source.Row{
		{"order_id": "o1", "customer_id": "c1", "status": "complete"},
	})

	g := graph.New()
	g.Add(&graph.Node{ID: "table:orders", Type: graph.NodeTable,
		Table: &graph.TableMeta{Table: "orders"}})
	g.Add(&graph.Node{ID: "filter:orders.status:eq", Type: graph.NodeFilter,
		Filter: &graph.FilterMeta{Filter: model.FilterSpec{Table: "orders", Column: "status", Op: model.OpEq, Value: "complete"}}})

	e := newEngine(g, cat, src, config.ProbeConfig{MaxDepth: 1})
	ts := e.Run(context.Background(), NewTraversalState(0))

	require.True(t, ts.Concluded())
	assert.False(t, ts.RootCauseFound)
	assert.Len(t, ts.VisitedPath, 1)
}

func TestRunCancellationMarksIncomplete(t *testing.T) {
	cat := probeCatalog()
	g := twoNodeGraph(cat, 1000)
	e := newEngine(g, cat, brokenSource(cat), config.ProbeConfig{RowCap: 1000})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ts := e.Run(ctx, NewTraversalState(0))
	require.True(t, ts.Concluded())
	assert.True(t, ts.Incomplete)
	assert.Empty(t, ts.VisitedPath)
}

func TestRunDoesNotResumeConcludedState(t *testing.T) {
	cat := probeCatalog()
	g := twoNodeGraph(cat, 1000)
	e := newEngine(g, cat, brokenSource(cat), config.ProbeConfig{RowCap: 1000})

	ts := e.Run(context.Background(), NewTraversalState(0))
	require.True(t, ts.Concluded())

	path := append([]string(nil), ts.VisitedPath...)
	again := e.Run(context.Background(), ts)
	assert.Equal(t, path, again.VisitedPath)
}

func TestFilterLossFinding(t *testing.T) {
	cat := probeCatalog()

	orders, _ := cat.Table("orders")
	var rows []source.Row
	for i := 0; i < 100; i++ {
		status := "complete"
		if i < 40 {
			status = "cancelled"
		}
		rows = append(rows, source.Row{
			"order_id": fmt.Sprintf("o%03d", i), "customer_id": "c1", "status": status,
		})
	}
	src := source.NewMemory().AddTable(*orders, rows)

	expected := 100
	g := graph.New()
	g.Add(&graph.Node{ID: "table:orders", Type: graph.NodeTable,
		Table: &graph.TableMeta{Table: "orders"},
		Stats: graph.Stats{RowCount: &expected}})
	g.Add(&graph.Node{ID: "filter:orders.status:eq", Type: graph.NodeFilter,
		Filter: &graph.FilterMeta{Filter: model.FilterSpec{Table: "orders", Column: "status", Op: model.OpEq, Value: "complete"}}})
	g.Connect("filter:orders.status:eq", "table:orders", graph.EdgeRestricts)

	e := newEngine(g, cat, src, config.ProbeConfig{RowCap: 1000})
	ts := e.Run(context.Background(), NewTraversalState(40))

	require.True(t, ts.Concluded())
	assert.True(t, ts.RootCauseFound)

	var filterFinding *Finding
	for i := range ts.Findings {
		if ts.Findings[i].Type == FindingFilterLoss {
			filterFinding = &ts.Findings[i]
		}
	}
	require.NotNil(t, filterFinding)
	assert.Equal(t, 40, filterFinding.ImpliedRows)
	assert.GreaterOrEqual(t, filterFinding.Confidence, 0.9)
}

func TestProbeNarrowsToImplicatedRows(t *testing.T) {
	cat := probeCatalog()
	g := twoNodeGraph(cat, 1000)
	e := newEngine(g, cat, brokenSource(cat), config.ProbeConfig{RowCap: 1000})

	ts := NewTraversalState(50)
	ts.Findings = append(ts.Findings, Finding{
		Type:   FindingJoinFailure,
		NodeID: ordersJoin.ID(),
		Evidence: map[string]any{
			"table":       "orders",
			"key_column":  "order_id",
			"sample_keys": []string{"o0900", "o0901", "o0902"},
		},
	})

	node, ok := g.Node("table:orders")
	require.True(t, ok)

	summary, err := e.probe(context.Background(), ts, node)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.RowCount)
}

func TestHypothesisFilterScope(t *testing.T) {
	cat := probeCatalog()
	g := twoNodeGraph(cat, 1000)
	e := newEngine(g, cat, brokenSource(cat), config.ProbeConfig{})

	tableNode, ok := g.Node("table:orders")
	require.True(t, ok)
	joinNode, ok := g.Node(ordersJoin.ID())
	require.True(t, ok)

	assert.Nil(t, e.hypothesisFilter(NewTraversalState(0), tableNode))

	ts := NewTraversalState(0)
	ts.Findings = []Finding{{
		Type: FindingJoinFailure,
		Evidence: map[string]any{
			"table":       "orders",
			"key_column":  "order_id",
			"sample_keys": []string{"o0900"},
		},
	}}

	f := e.hypothesisFilter(ts, tableNode)
	require.NotNil(t, f)
	assert.Equal(t, model.OpIn, f.Op)
	assert.Equal(t, "order_id", f.Column)
	assert.Equal(t, []string{"o0900"}, f.Value)

	// Only table probes are narrowed, and only the implicated table.
	assert.Nil(t, e.hypothesisFilter(ts, joinNode))

	ts.Findings[0].Evidence["table"] = "customers"
	assert.Nil(t, e.hypothesisFilter(ts, tableNode))

	ts.Findings[0] = Finding{Type: FindingFilterLoss}
	assert.Nil(t, e.hypothesisFilter(ts, tableNode))
}

func TestCountsMatch(t *testing.T) {
	assert.True(t, countsMatch(50, 50))
	assert.True(t, countsMatch(49, 50))  // within 5%
	assert.True(t, countsMatch(1, 2))    // within one row
	assert.False(t, countsMatch(40, 50)) // 20% off
	assert.False(t, countsMatch(0, 50))
}

func TestSelectNodePrefersTablesThenTies(t *testing.T) {
	cat := probeCatalog()
	g := twoNodeGraph(cat, 1000)
	e := newEngine(g, cat, brokenSource(cat), config.ProbeConfig{})

	n := e.selectNode(NewTraversalState(0))
	require.NotNil(t, n)
	assert.Equal(t, "table:orders", n.ID)
}
