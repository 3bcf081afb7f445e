package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recon-engine/internal/model"
)

const sampleCatalog = `
tables:
  - name: invoices
    system: billing
    entity: invoice
    primary_key: [invoice_id]
    columns:
      - {name: invoice_id, type: string}
      - {name: customer_id, type: string}
      - {name: amount, type: float}
      - {name: status, type: string}
  - name: customers
    system: billing
    entity: customer
    primary_key: [customer_id]
    columns:
      - {name: customer_id, type: string}
      - {name: fx_rate, type: float}
lineage:
  - from: invoices
    to: customers
    keys: {customer_id: customer_id}
    relationship: many_to_one
rules:
  - id: billing_net_revenue
    system: billing
    metric: net_revenue
    formula: SUM(amount)
    source_entities: [invoice]
    target_grain: [invoice_id]
metrics:
  - name: net_revenue
    grain: [invoice_id]
    precision: 2
synonyms:
  invoice_id: [inv_id]
`

func writeCatalog(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metadata.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestLoad_Valid(t *testing.T) {
	cat, err := Load(writeCatalog(t, sampleCatalog))
	require.NoError(t, err)

	assert.Len(t, cat.Tables, 2)
	assert.Len(t, cat.Lineage, 1)
	assert.Len(t, cat.Rules, 1)
	assert.Equal(t, []string{"inv_id"}, cat.Synonyms["invoice_id"])
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog: read")
}

func TestLoad_BadYAML(t *testing.T) {
	_, err := Load(writeCatalog(t, "tables: [not: closed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog: parse")
}

func TestValidate_DuplicateTable(t *testing.T) {
	cat := &Catalog{Tables: []Table{{Name: "a"}, {Name: "a"}}}
	err := cat.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate table")
}

func TestValidate_LineageUnknownTable(t *testing.T) {
	cat := &Catalog{
		Tables:  []Table{{Name: "a"}},
		Lineage: []LineageEdge{{From: "a", To: "ghost", Keys: map[string]string{"x": "y"}}},
	}
	err := cat.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown table")
}

func TestValidate_LineageNoKeys(t *testing.T) {
	cat := &Catalog{
		Tables:  []Table{{Name: "a"}, {Name: "b"}},
		Lineage: []LineageEdge{{From: "a", To: "b"}},
	}
	err := cat.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no keys")
}

func TestValidate_RuleWithoutFormula(t *testing.T) {
	cat := &Catalog{Rules: []Rule{{ID: "r1", SourceEntities: []string{"x"}}}}
	err := cat.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no formula")
}

func TestLookups(t *testing.T) {
	cat, err := Load(writeCatalog(t, sampleCatalog))
	require.NoError(t, err)

	tbl, ok := cat.Table("invoices")
	require.True(t, ok)
	assert.Equal(t, "invoice", tbl.Entity)

	col, ok := tbl.Column("amount")
	require.True(t, ok)
	assert.True(t, col.Numeric())

	_, ok = tbl.Column("ghost")
	assert.False(t, ok)

	assert.Equal(t, []string{"invoice_id", "customer_id", "amount", "status"}, tbl.ColumnNames())

	assert.Len(t, cat.TablesForEntity("invoice", "billing"), 1)
	assert.Empty(t, cat.TablesForEntity("invoice", "ledger"))
	assert.Len(t, cat.TablesForSystem("billing"), 2)

	rule, ok := cat.Rule("billing_net_revenue")
	require.True(t, ok)
	assert.Equal(t, "net_revenue", rule.Metric)

	assert.Len(t, cat.RulesFor("billing", "net_revenue"), 1)
	assert.Empty(t, cat.RulesFor("ledger", "net_revenue"))
}

func TestEdge_ForwardAndReversed(t *testing.T) {
	cat, err := Load(writeCatalog(t, sampleCatalog))
	require.NoError(t, err)

	fwd, ok := cat.Edge("invoices", "customers")
	require.True(t, ok)
	assert.Equal(t, "many_to_one", fwd.Relationship)
	assert.Equal(t, model.JoinInner, fwd.JoinType())

	rev, ok := cat.Edge("customers", "invoices")
	require.True(t, ok)
	assert.Equal(t, "one_to_many", rev.Relationship)
	assert.Equal(t, model.JoinLeft, rev.JoinType())
	assert.Equal(t, map[string]string{"customer_id": "customer_id"}, rev.Keys)

	_, ok = cat.Edge("invoices", "ghost")
	assert.False(t, ok)
}

func TestEdgesFrom_OrientsAwayFromTable(t *testing.T) {
	cat, err := Load(writeCatalog(t, sampleCatalog))
	require.NoError(t, err)

	edges := cat.EdgesFrom("customers")
	require.Len(t, edges, 1)
	assert.Equal(t, "customers", edges[0].From)
	assert.Equal(t, "invoices", edges[0].To)
}

func TestSchema_FromMetricDeclaration(t *testing.T) {
	cat, err := Load(writeCatalog(t, sampleCatalog))
	require.NoError(t, err)

	schema, err := cat.Schema("net_revenue")
	require.NoError(t, err)
	assert.Equal(t, []string{"invoice_id"}, schema.KeyColumns)
	require.Len(t, schema.ValueColumns, 1)
	assert.Equal(t, "net_revenue", schema.ValueColumns[0].Name)
	assert.Equal(t, 2, schema.ValueColumns[0].Precision)
	assert.Equal(t, []string{"inv_id"}, schema.Synonyms["invoice_id"])

	_, err = cat.Schema("ghost_metric")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown metric")
}

func TestSchema_DefaultPrecision(t *testing.T) {
	cat := &Catalog{Metrics: []Metric{{Name: "m", Grain: []string{"id"}}}}
	schema, err := cat.Schema("m")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultPrecision, schema.ValueColumns[0].Precision)
}
