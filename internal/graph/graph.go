// Package graph builds the knowledge graph one investigation runs over:
// one node per table, rule, join, filter, and metric referenced by the
// resolved definitions, wired as a directed multigraph. Nodes carry lazily
// populated statistics and probe history; the graph is discarded when the
// investigation concludes.
package graph

import (
	"fmt"
	"sort"

	"github.com/sells-group/recon-engine/internal/catalog"
	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/source"
)

// NodeType tags the node variants. Node-handling code switches over this
// closed set.
type NodeType string

const (
	NodeTable  NodeType = "table"
	NodeRule   NodeType = "rule"
	NodeJoin   NodeType = "join"
	NodeFilter NodeType = "filter"
	NodeMetric NodeType = "metric"
)

// EdgeKind labels the relationship an edge encodes.
type EdgeKind string

const (
	EdgeParticipates EdgeKind = "participates" // Table -> Join
	EdgeTargets      EdgeKind = "targets"      // Join -> Table
	EdgeFeeds        EdgeKind = "feeds"        // Table -> Rule
	EdgeComputes     EdgeKind = "computes"     // Rule -> Metric
	EdgeRestricts    EdgeKind = "restricts"    // Filter -> Table
)

// Edge is one directed edge. Parallel edges are allowed; self-joins make
// the same table participate in one join twice.
type Edge struct {
	From string
	To   string
	Kind EdgeKind
}

// Stats are per-node statistics populated lazily from probes. Nil fields
// have not been observed yet.
type Stats struct {
	RowCount         *int
	DistinctCount    *int
	DataQualityScore *float64
	Selectivity      *float64
}

// ProbeSummary is the digest of one bounded probe kept on the node.
type ProbeSummary struct {
	RowCount  int
	NullRates map[string]float64
	Sample    []source.Row
	TimedOut  bool

	// JoinMisses counts, per join id, the probed source rows whose join
	// found no match.
	JoinMisses map[string]int

	// JoinMissKeys holds a few grain keys of unmatched rows per join id,
	// used to narrow follow-up probes to the implicated rows.
	JoinMissKeys map[string][]string
}

// TableMeta is the Table variant's metadata.
type TableMeta struct {
	Table   string
	System  string
	Columns []catalog.Column
}

// RuleMeta is the Rule variant's metadata.
type RuleMeta struct {
	RuleID         string
	System         string
	Formula        string
	SourceEntities []string
	BaseTable      string
}

// JoinMeta is the Join variant's metadata.
type JoinMeta struct {
	Join model.JoinSpec
}

// FilterMeta is the Filter variant's metadata.
type FilterMeta struct {
	Filter model.FilterSpec
}

// MetricMeta is the Metric variant's metadata.
type MetricMeta struct {
	Metric    string
	Grain     []string
	Precision int
}

// Node is one graph node. Exactly one of the Meta fields is set, matching
// Type.
type Node struct {
	ID         string
	Type       NodeType
	Visited    bool
	VisitCount int
	LastProbe  *ProbeSummary
	Stats      Stats

	Table  *TableMeta
	Rule   *RuleMeta
	Join   *JoinMeta
	Filter *FilterMeta
	Metric *MetricMeta
}

// Graph is a directed multigraph over typed nodes. Insertion order is
// preserved so traversal and scoring are deterministic.
type Graph struct {
	nodes map[string]*Node
	order []string
	edges []Edge
}

// Build constructs the graph from the catalog and the resolved definitions
// of both systems.
func Build(cat *catalog.Catalog, metricName string, defs ...*model.MetricDefinition) *Graph {
	g := &Graph{nodes: map[string]*Node{}}

	metricID := "metric:" + metricName
	var grain []string
	precision := model.DefaultPrecision
	if m, ok := cat.Metric(metricName); ok {
		grain = m.Grain
		precision = m.Precision
	}
	g.add(&Node{ID: metricID, Type: NodeMetric, Metric: &MetricMeta{
		Metric: metricName, Grain: grain, Precision: precision,
	}})

	for _, def := range defs {
		if def == nil {
			continue
		}
		ruleID := "rule:" + def.RuleID
		meta := &RuleMeta{
			RuleID:    def.RuleID,
			System:    def.System,
			BaseTable: def.BaseTable,
		}
		if r, ok := cat.Rule(def.RuleID); ok {
			meta.Formula = r.Formula
			meta.SourceEntities = r.SourceEntities
		}
		g.add(&Node{ID: ruleID, Type: NodeRule, Rule: meta})
		g.addEdge(ruleID, metricID, EdgeComputes)

		for _, table := range def.Tables() {
			tid := g.addTable(cat, table)
			g.addEdge(tid, ruleID, EdgeFeeds)
		}

		for _, join := range def.Joins {
			jid := join.ID()
			g.add(&Node{ID: jid, Type: NodeJoin, Join: &JoinMeta{Join: join}})
			g.addEdge(g.addTable(cat, join.LeftTable), jid, EdgeParticipates)
			g.addEdge(jid, g.addTable(cat, join.RightTable), EdgeTargets)
		}

		for _, filter := range def.Filters {
			fid := filter.ID()
			g.add(&Node{ID: fid, Type: NodeFilter, Filter: &FilterMeta{Filter: filter}})
			g.addEdge(fid, g.addTable(cat, filter.Table), EdgeRestricts)
		}
	}

	return g
}

func (g *Graph) addTable(cat *catalog.Catalog, table string) string {
	id := "table:" + table
	if _, exists := g.nodes[id]; exists {
		return id
	}
	meta := &TableMeta{Table: table}
	if t, ok := cat.Table(table); ok {
		meta.System = t.System
		meta.Columns = t.Columns
	}
	g.add(&Node{ID: id, Type: NodeTable, Table: meta})
	return id
}

// New creates an empty graph for callers assembling nodes directly.
func New() *Graph {
	return &Graph{nodes: map[string]*Node{}}
}

// Add inserts a node; a node with the same id is kept as-is.
func (g *Graph) Add(n *Node) {
	g.add(n)
}

// Connect appends a directed edge.
func (g *Graph) Connect(from, to string, kind EdgeKind) {
	g.addEdge(from, to, kind)
}

func (g *Graph) add(n *Node) {
	if _, exists := g.nodes[n.ID]; exists {
		return
	}
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
}

func (g *Graph) addEdge(from, to string, kind EdgeKind) {
	g.edges = append(g.edges, Edge{From: from, To: to, Kind: kind})
}

// Node returns the node by id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns every node in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, len(g.order))
	for i, id := range g.order {
		out[i] = g.nodes[id]
	}
	return out
}

// Edges returns every edge in insertion order.
func (g *Graph) Edges() []Edge {
	return g.edges
}

// Adjacent returns the ids of nodes connected to id by any edge in either
// direction, deduplicated and sorted.
func (g *Graph) Adjacent(id string) []string {
	seen := map[string]bool{}
	for _, e := range g.edges {
		if e.From == id && e.To != id {
			seen[e.To] = true
		}
		if e.To == id && e.From != id {
			seen[e.From] = true
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// MarkVisited records a probe visit on the node.
func (g *Graph) MarkVisited(id string, probe *ProbeSummary) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("graph: unknown node %s", id)
	}
	n.Visited = true
	n.VisitCount++
	n.LastProbe = probe
	if probe != nil && !probe.TimedOut {
		rc := probe.RowCount
		n.Stats.RowCount = &rc
	}
	return nil
}

// Unvisited returns every node not yet probed, in insertion order.
func (g *Graph) Unvisited() []*Node {
	var out []*Node
	for _, id := range g.order {
		if !g.nodes[id].Visited {
			out = append(out, g.nodes[id])
		}
	}
	return out
}
