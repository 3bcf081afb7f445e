package materialize

import (
	"math"

	"github.com/rotisserie/eris"

	"github.com/sells-group/recon-engine/internal/model"
)

// Aggregate folds the computed values of materialized rows with one
// aggregate function. Re-aggregating the full row set reproduces the
// metric's reported value when the definition is faithful.
func Aggregate(rows []Row, fn model.AggFunc) (float64, error) {
	if len(rows) == 0 {
		if fn == model.AggCount || fn == model.AggSum {
			return 0, nil
		}
		return 0, eris.Errorf("materialize: %s over empty row set", fn)
	}

	switch fn {
	case model.AggCount:
		return float64(len(rows)), nil
	case model.AggSum:
		var total float64
		for _, r := range rows {
			total += r.Computed
		}
		return total, nil
	case model.AggAvg:
		var total float64
		for _, r := range rows {
			total += r.Computed
		}
		return total / float64(len(rows)), nil
	case model.AggMin:
		min := math.Inf(1)
		for _, r := range rows {
			if r.Computed < min {
				min = r.Computed
			}
		}
		return min, nil
	case model.AggMax:
		max := math.Inf(-1)
		for _, r := range rows {
			if r.Computed > max {
				max = r.Computed
			}
		}
		return max, nil
	default:
		return 0, eris.Errorf("materialize: unknown aggregate %q", fn)
	}
}

// AggregateBy groups rows by grain key and aggregates each group,
// producing one value per key for canonical mapping.
func AggregateBy(rows []Row, fn model.AggFunc) (map[model.GrainKey]float64, error) {
	groups := map[model.GrainKey][]Row{}
	var order []model.GrainKey
	for _, r := range rows {
		if _, seen := groups[r.Key]; !seen {
			order = append(order, r.Key)
		}
		groups[r.Key] = append(groups[r.Key], r)
	}

	out := make(map[model.GrainKey]float64, len(groups))
	for _, key := range order {
		v, err := Aggregate(groups[key], fn)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}
