// Package catalog loads and serves the metadata catalog: tables, columns,
// keys, lineage edges, business rules, and metric declarations. The catalog
// is loaded once before a reconciliation run and treated as an immutable
// snapshot for the run's duration.
package catalog

import (
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/recon-engine/internal/model"
)

// Column describes one table column.
type Column struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"` // string | integer | float | boolean | date
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Numeric reports whether the column carries an arithmetic value.
func (c Column) Numeric() bool {
	switch c.Type {
	case "integer", "float", "numeric", "double":
		return true
	}
	return false
}

// Table describes one physical table in one system.
type Table struct {
	Name       string   `yaml:"name" json:"name"`
	System     string   `yaml:"system" json:"system"`
	Entity     string   `yaml:"entity" json:"entity"`
	Path       string   `yaml:"path,omitempty" json:"path,omitempty"`
	PrimaryKey []string `yaml:"primary_key" json:"primary_key"`
	TimeColumn string   `yaml:"time_column,omitempty" json:"time_column,omitempty"`
	Columns    []Column `yaml:"columns" json:"columns"`
	Labels     []string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// Column looks up a column by name.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the table's column names in declaration order.
func (t *Table) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// LineageEdge declares a joinable relationship between two tables.
// Keys maps left column to right column.
type LineageEdge struct {
	From         string            `yaml:"from" json:"from"`
	To           string            `yaml:"to" json:"to"`
	Keys         map[string]string `yaml:"keys" json:"keys"`
	Relationship string            `yaml:"relationship,omitempty" json:"relationship,omitempty"`
}

// JoinType derives the join kind from the declared relationship, defaulting
// to a left join when the relationship is unspecified.
func (e LineageEdge) JoinType() model.JoinType {
	switch e.Relationship {
	case "many_to_one", "many_to_many":
		return model.JoinInner
	default:
		return model.JoinLeft
	}
}

// Rule is a business rule: how one system computes one metric.
type Rule struct {
	ID             string             `yaml:"id" json:"id"`
	System         string             `yaml:"system" json:"system"`
	Metric         string             `yaml:"metric" json:"metric"`
	Description    string             `yaml:"description,omitempty" json:"description,omitempty"`
	Formula        string             `yaml:"formula" json:"formula"`
	SourceEntities []string           `yaml:"source_entities" json:"source_entities"`
	TargetEntity   string             `yaml:"target_entity,omitempty" json:"target_entity,omitempty"`
	TargetGrain    []string           `yaml:"target_grain" json:"target_grain"`
	Filters        []model.FilterSpec `yaml:"filters,omitempty" json:"filters,omitempty"`
	Labels         []string           `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// Metric declares a reconciled metric and its comparison schema.
type Metric struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Grain       []string `yaml:"grain" json:"grain"`
	Precision   int      `yaml:"precision,omitempty" json:"precision,omitempty"`
	Unit        string   `yaml:"unit,omitempty" json:"unit,omitempty"`
}

// Catalog is the immutable metadata snapshot a reconciliation run works from.
type Catalog struct {
	Tables  []Table       `yaml:"tables" json:"tables"`
	Lineage []LineageEdge `yaml:"lineage" json:"lineage"`
	Rules   []Rule        `yaml:"rules" json:"rules"`
	Metrics []Metric      `yaml:"metrics" json:"metrics"`

	// Synonyms maps canonical column names to accepted raw spellings,
	// consumed by the canonical mapper.
	Synonyms map[string][]string `yaml:"synonyms,omitempty" json:"synonyms,omitempty"`
}

// Load reads and validates a catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read %s", path)
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, eris.Wrapf(err, "catalog: parse %s", path)
	}

	if err := cat.Validate(); err != nil {
		return nil, err
	}

	zap.L().Info("catalog: loaded",
		zap.String("path", path),
		zap.Int("tables", len(cat.Tables)),
		zap.Int("lineage_edges", len(cat.Lineage)),
		zap.Int("rules", len(cat.Rules)),
		zap.Int("metrics", len(cat.Metrics)),
	)

	return &cat, nil
}

// Validate checks referential integrity of the catalog.
func (c *Catalog) Validate() error {
	byName := map[string]bool{}
	for _, t := range c.Tables {
		if t.Name == "" {
			return eris.New("catalog: table with empty name")
		}
		if byName[t.Name] {
			return eris.Errorf("catalog: duplicate table %s", t.Name)
		}
		byName[t.Name] = true
	}

	for _, e := range c.Lineage {
		if !byName[e.From] || !byName[e.To] {
			return eris.Errorf("catalog: lineage edge %s -> %s references unknown table", e.From, e.To)
		}
		if len(e.Keys) == 0 {
			return eris.Errorf("catalog: lineage edge %s -> %s has no keys", e.From, e.To)
		}
	}

	for _, r := range c.Rules {
		if r.Formula == "" {
			return eris.Errorf("catalog: rule %s has no formula", r.ID)
		}
		if len(r.SourceEntities) == 0 {
			return eris.Errorf("catalog: rule %s has no source entities", r.ID)
		}
	}

	return nil
}

// Table looks up a table by name.
func (c *Catalog) Table(name string) (*Table, bool) {
	for i := range c.Tables {
		if c.Tables[i].Name == name {
			return &c.Tables[i], true
		}
	}
	return nil, false
}

// TablesForEntity returns every table backing an entity in one system.
func (c *Catalog) TablesForEntity(entity, system string) []*Table {
	var out []*Table
	for i := range c.Tables {
		if c.Tables[i].Entity == entity && c.Tables[i].System == system {
			out = append(out, &c.Tables[i])
		}
	}
	return out
}

// TablesForSystem returns every table of one system.
func (c *Catalog) TablesForSystem(system string) []*Table {
	var out []*Table
	for i := range c.Tables {
		if c.Tables[i].System == system {
			out = append(out, &c.Tables[i])
		}
	}
	return out
}

// Rule looks up a rule by id.
func (c *Catalog) Rule(id string) (*Rule, bool) {
	for i := range c.Rules {
		if c.Rules[i].ID == id {
			return &c.Rules[i], true
		}
	}
	return nil, false
}

// RulesFor returns every rule computing a metric in one system.
func (c *Catalog) RulesFor(system, metric string) []*Rule {
	var out []*Rule
	for i := range c.Rules {
		if c.Rules[i].System == system && c.Rules[i].Metric == metric {
			out = append(out, &c.Rules[i])
		}
	}
	return out
}

// Metric looks up a metric declaration by name.
func (c *Catalog) Metric(name string) (*Metric, bool) {
	for i := range c.Metrics {
		if c.Metrics[i].Name == name {
			return &c.Metrics[i], true
		}
	}
	return nil, false
}

// Edge finds the lineage edge between two tables, in either direction. The
// returned edge is oriented from -> to; a reversed edge has its keys flipped.
func (c *Catalog) Edge(from, to string) (LineageEdge, bool) {
	for _, e := range c.Lineage {
		if e.From == from && e.To == to {
			return e, true
		}
		if e.From == to && e.To == from {
			rev := LineageEdge{From: from, To: to, Relationship: reverseRelationship(e.Relationship), Keys: map[string]string{}}
			for k, v := range e.Keys {
				rev.Keys[v] = k
			}
			return rev, true
		}
	}
	return LineageEdge{}, false
}

// EdgesFrom returns every lineage edge touching a table, oriented away from it.
func (c *Catalog) EdgesFrom(table string) []LineageEdge {
	var out []LineageEdge
	for _, e := range c.Lineage {
		if e.From == table {
			out = append(out, e)
		} else if e.To == table {
			rev := LineageEdge{From: table, To: e.From, Relationship: reverseRelationship(e.Relationship), Keys: map[string]string{}}
			for k, v := range e.Keys {
				rev.Keys[v] = k
			}
			out = append(out, rev)
		}
	}
	return out
}

func reverseRelationship(rel string) string {
	switch rel {
	case "one_to_many":
		return "many_to_one"
	case "many_to_one":
		return "one_to_many"
	default:
		return rel
	}
}

// Schema builds the canonical comparison schema for a metric from its
// declaration: grain columns become key columns and the metric itself becomes
// the primary value column at the declared precision.
func (c *Catalog) Schema(metric string) (*model.CanonicalSchema, error) {
	m, ok := c.Metric(metric)
	if !ok {
		return nil, eris.Errorf("catalog: unknown metric %s", metric)
	}
	precision := m.Precision
	if precision <= 0 {
		precision = model.DefaultPrecision
	}
	return &model.CanonicalSchema{
		Name:       m.Name,
		KeyColumns: append([]string(nil), m.Grain...),
		ValueColumns: []model.ValueColumn{
			{Name: m.Name, Precision: precision},
		},
		Synonyms: c.Synonyms,
	}, nil
}
