package materialize

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recon-engine/internal/catalog"
	"github.com/sells-group/recon-engine/internal/config"
	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/source"
)

func testCatalog() *catalog.Catalog {
	return &catalog.Catalog{
		Tables: []catalog.Table{
			{
				Name:       "orders",
				System:     "crm",
				Entity:     "order",
				PrimaryKey: []string{"order_id"},
				Columns: []catalog.Column{
					{Name: "order_id", Type: "string"},
					{Name: "customer_id", Type: "string"},
					{Name: "amount", Type: "float"},
					{Name: "status", Type: "string"},
				},
			},
			{
				Name:       "customers",
				System:     "crm",
				Entity:     "customer",
				PrimaryKey: []string{"customer_id"},
				Columns: []catalog.Column{
					{Name: "customer_id", Type: "string"},
					{Name: "region", Type: "string"},
				},
			},
		},
	}
}

func testSource() *source.Memory {
	cat := testCatalog()
	orders, _ := cat.Table("orders")
	customers, _ := cat.Table("customers")
	return source.NewMemory().
		AddTable(*orders, []source.Row{
			{"order_id": "o1", "customer_id": "c1", "amount": 100.0, "status": "complete"},
			{"order_id": "o2", "customer_id": "c1", "amount": 50.0, "status": "complete"},
			{"order_id": "o3", "customer_id": "c2", "amount": 25.0, "status": "cancelled"},
			{"order_id": "o4", "customer_id": "cX", "amount": 10.0, "status": "complete"},
		}).
		AddTable(*customers, []source.Row{
			{"customer_id": "c1", "region": "east"},
			{"customer_id": "c2", "region": "west"},
		})
}

func testDef() *model.MetricDefinition {
	return &model.MetricDefinition{
		RuleID:    "crm_revenue",
		System:    "crm",
		Metric:    "revenue",
		BaseTable: "orders",
		Joins: []model.JoinSpec{{
			LeftTable:  "orders",
			RightTable: "customers",
			LeftKey:    []string{"customer_id"},
			RightKey:   []string{"customer_id"},
			Type:       model.JoinInner,
		}},
		Filters: []model.FilterSpec{{
			Table: "orders", Column: "status", Op: model.OpEq, Value: "complete",
		}},
		Aggregation: model.Aggregation{
			Func:            model.AggSum,
			GroupingColumns: []string{"order_id"},
			ValueExpression: "amount",
		},
		ValueColumns: []string{"orders.amount"},
	}
}

func newTestMaterializer() *Materializer {
	return New(testSource(), testCatalog(), config.MaterializeConfig{ChunkSize: 2})
}

func TestMaterializeHappyPath(t *testing.T) {
	m := newTestMaterializer()
	res, err := m.Materialize(context.Background(), testDef(), Constraints{})
	require.NoError(t, err)

	// o3 fails the status filter, o4 misses the inner join.
	require.Len(t, res.Rows, 2)
	assert.Equal(t, model.MakeGrainKey([]string{"o1"}), res.Rows[0].Key)
	assert.Equal(t, 100.0, res.Rows[0].Computed)
	assert.Equal(t, 50.0, res.Rows[1].Computed)
	assert.Equal(t, "east", res.Rows[0].Values["region"])

	assert.Equal(t, 4, res.Scanned)
	assert.Equal(t, 2, res.Excluded)
	assert.Len(t, res.Traces, 4)
}

func TestMaterializeTracesExcludedRows(t *testing.T) {
	m := newTestMaterializer()
	res, err := m.Materialize(context.Background(), testDef(), Constraints{})
	require.NoError(t, err)

	byKey := map[model.GrainKey]*model.LineageTrace{}
	for _, tr := range res.Traces {
		byKey[tr.Key] = tr
	}

	// Filter failure: o3 passed the join but not the status filter.
	o3 := byKey[model.MakeGrainKey([]string{"o3"})]
	require.NotNil(t, o3)
	assert.True(t, o3.Excluded)
	require.Len(t, o3.JoinTrace, 1)
	assert.True(t, o3.JoinTrace[0].Matched)
	require.Len(t, o3.FilterTrace, 1)
	assert.False(t, o3.FilterTrace[0].Passed)

	// Join failure: o4 has no customer row.
	o4 := byKey[model.MakeGrainKey([]string{"o4"})]
	require.NotNil(t, o4)
	assert.True(t, o4.Excluded)
	require.Len(t, o4.JoinTrace, 1)
	assert.False(t, o4.JoinTrace[0].Matched)
	assert.Contains(t, o4.JoinTrace[0].Reason, "customers")
}

func TestMaterializeLeftJoinKeepsMisses(t *testing.T) {
	def := testDef()
	def.Joins[0].Type = model.JoinLeft

	m := newTestMaterializer()
	res, err := m.Materialize(context.Background(), def, Constraints{})
	require.NoError(t, err)

	// o4 survives the left join with no region.
	require.Len(t, res.Rows, 3)
	last := res.Rows[2]
	assert.Equal(t, model.MakeGrainKey([]string{"o4"}), last.Key)
	_, hasRegion := last.Values["region"]
	assert.False(t, hasRegion)
	assert.False(t, last.Trace.JoinTrace[0].Matched)
}

func TestMaterializeOneToManyFansOut(t *testing.T) {
	cat := testCatalog()
	orders, _ := cat.Table("orders")
	customers, _ := cat.Table("customers")
	src := source.NewMemory().
		AddTable(*orders, []source.Row{
			{"order_id": "o1", "customer_id": "c1", "amount": 100.0, "status": "complete"},
		}).
		AddTable(*customers, []source.Row{
			{"customer_id": "c1", "region": "east"},
			{"customer_id": "c1", "region": "west"},
		})

	def := testDef()
	def.Aggregation.GroupingColumns = []string{"order_id", "region"}

	m := New(src, cat, config.MaterializeConfig{})
	res, err := m.Materialize(context.Background(), def, Constraints{})
	require.NoError(t, err)

	require.Len(t, res.Rows, 2)
	assert.Equal(t, model.MakeGrainKey([]string{"o1", "east"}), res.Rows[0].Key)
	assert.Equal(t, model.MakeGrainKey([]string{"o1", "west"}), res.Rows[1].Key)
	// The fanned row carries its own trace.
	assert.NotSame(t, res.Rows[0].Trace, res.Rows[1].Trace)
}

func TestMaterializeConstraintLimit(t *testing.T) {
	m := newTestMaterializer()
	res, err := m.Materialize(context.Background(), testDef(), Constraints{Limit: 1})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, model.MakeGrainKey([]string{"o1"}), res.Rows[0].Key)
}

func TestMaterializeConstraintFilterPushdown(t *testing.T) {
	m := newTestMaterializer()
	res, err := m.Materialize(context.Background(), testDef(), Constraints{
		Filters: []model.FilterSpec{{Table: "orders", Column: "customer_id", Op: model.OpEq, Value: "c1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	require.Len(t, res.Rows, 2)
}

func TestMaterializeJoinKeyMissingFromCatalog(t *testing.T) {
	def := testDef()
	def.Joins[0].RightKey = []string{"cust_id"}

	m := newTestMaterializer()
	_, err := m.Materialize(context.Background(), def, Constraints{})
	require.Error(t, err)

	var jerr *JoinExecutionError
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, "customers", jerr.Table)
	assert.Equal(t, "cust_id", jerr.Key)
}

func TestMaterializeFilterTypeMismatchFlags(t *testing.T) {
	def := testDef()
	def.Filters = []model.FilterSpec{{
		Table: "orders", Column: "status", Op: model.OpGt, Value: 5.0,
	}}

	m := newTestMaterializer()
	res, err := m.Materialize(context.Background(), def, Constraints{})
	require.NoError(t, err)

	assert.Empty(t, res.Rows)
	assert.Equal(t, 3, res.FlaggedFilters) // o4 is dropped at the join first
	for _, tr := range res.Traces {
		assert.True(t, tr.Excluded)
	}
}

func TestMaterializeCountAggregation(t *testing.T) {
	def := testDef()
	def.Aggregation.Func = model.AggCount
	def.Aggregation.ValueExpression = ""

	m := newTestMaterializer()
	res, err := m.Materialize(context.Background(), def, Constraints{})
	require.NoError(t, err)

	require.Len(t, res.Rows, 2)
	for _, r := range res.Rows {
		assert.Equal(t, 1.0, r.Computed)
		assert.Nil(t, r.Trace.RuleTrace)
	}
}

func TestMaterializeCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := newTestMaterializer()
	_, err := m.Materialize(ctx, testDef(), Constraints{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestAggregate(t *testing.T) {
	rows := []Row{{Computed: 10}, {Computed: 30}, {Computed: 20}}

	sum, err := Aggregate(rows, model.AggSum)
	require.NoError(t, err)
	assert.Equal(t, 60.0, sum)

	count, err := Aggregate(rows, model.AggCount)
	require.NoError(t, err)
	assert.Equal(t, 3.0, count)

	avg, err := Aggregate(rows, model.AggAvg)
	require.NoError(t, err)
	assert.Equal(t, 20.0, avg)

	min, err := Aggregate(rows, model.AggMin)
	require.NoError(t, err)
	assert.Equal(t, 10.0, min)

	max, err := Aggregate(rows, model.AggMax)
	require.NoError(t, err)
	assert.Equal(t, 30.0, max)
}

func TestAggregateEmpty(t *testing.T) {
	sum, err := Aggregate(nil, model.AggSum)
	require.NoError(t, err)
	assert.Zero(t, sum)

	_, err = Aggregate(nil, model.AggMin)
	require.Error(t, err)
}

func TestAggregateByGroupsByKey(t *testing.T) {
	k1 := model.MakeGrainKey([]string{"c1"})
	k2 := model.MakeGrainKey([]string{"c2"})
	rows := []Row{
		{Key: k1, Computed: 100},
		{Key: k2, Computed: 25},
		{Key: k1, Computed: 50},
	}

	byKey, err := AggregateBy(rows, model.AggSum)
	require.NoError(t, err)
	require.Len(t, byKey, 2)
	assert.Equal(t, 150.0, byKey[k1])
	assert.Equal(t, 25.0, byKey[k2])
}

// Materializing and re-aggregating reproduces the directly computed metric.
func TestMaterializeRoundTrip(t *testing.T) {
	m := newTestMaterializer()
	res, err := m.Materialize(context.Background(), testDef(), Constraints{})
	require.NoError(t, err)

	total, err := Aggregate(res.Rows, model.AggSum)
	require.NoError(t, err)
	assert.Equal(t, 150.0, total)
}
