package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGrainKey_RoundTrip(t *testing.T) {
	k := MakeGrainKey([]string{"acme", "2026-03", "usd"})
	assert.Equal(t, []string{"acme", "2026-03", "usd"}, k.Parts())
	assert.Equal(t, "acme|2026-03|usd", k.String())
}

func TestGrainKey_Empty(t *testing.T) {
	assert.Nil(t, GrainKey("").Parts())
}

func TestGrainKey_OrderMatters(t *testing.T) {
	a := MakeGrainKey([]string{"x", "y"})
	b := MakeGrainKey([]string{"y", "x"})
	assert.NotEqual(t, a, b)
}

func TestValueColumn_Tolerance(t *testing.T) {
	assert.InDelta(t, 0.005, ValueColumn{Precision: 2}.Tolerance(), 1e-12)
	assert.InDelta(t, 0.05, ValueColumn{Precision: 1}.Tolerance(), 1e-12)
	// Undeclared precision falls back to the default.
	assert.InDelta(t, 0.005, ValueColumn{}.Tolerance(), 1e-12)
}

func TestCanonicalSchema_Lookups(t *testing.T) {
	s := &CanonicalSchema{
		KeyColumns: []string{"invoice_id"},
		ValueColumns: []ValueColumn{
			{Name: "net_revenue", Precision: 2},
			{Name: "tax", Precision: 2},
		},
	}

	assert.Equal(t, "net_revenue", s.PrimaryValueColumn())

	v, ok := s.ValueColumn("tax")
	assert.True(t, ok)
	assert.Equal(t, "tax", v.Name)

	_, ok = s.ValueColumn("ghost")
	assert.False(t, ok)
}

func TestCanonicalSchema_Compatible(t *testing.T) {
	base := &CanonicalSchema{
		KeyColumns:   []string{"id"},
		ValueColumns: []ValueColumn{{Name: "amount"}},
	}

	same := &CanonicalSchema{
		KeyColumns:   []string{"id"},
		ValueColumns: []ValueColumn{{Name: "amount"}},
	}
	assert.True(t, base.Compatible(same))

	extraKey := &CanonicalSchema{
		KeyColumns:   []string{"id", "month"},
		ValueColumns: []ValueColumn{{Name: "amount"}},
	}
	assert.False(t, base.Compatible(extraKey))

	renamed := &CanonicalSchema{
		KeyColumns:   []string{"id"},
		ValueColumns: []ValueColumn{{Name: "total"}},
	}
	assert.False(t, base.Compatible(renamed))

	assert.False(t, base.Compatible(nil))
}
