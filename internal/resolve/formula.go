package resolve

import (
	"regexp"
	"strings"

	"github.com/sells-group/recon-engine/internal/model"
)

var identRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_.]*`)

// formulaKeywords are tokens a formula may contain that are not column
// references.
var formulaKeywords = map[string]bool{
	"SUM": true, "AVG": true, "COUNT": true, "MIN": true, "MAX": true,
	"COALESCE": true, "ABS": true, "CASE": true, "WHEN": true, "THEN": true,
	"ELSE": true, "END": true, "AND": true, "OR": true, "NOT": true,
	"NULL": true, "IS": true, "AS": true, "DISTINCT": true,
}

// FormulaTokens extracts the candidate column references from a formula
// expression, in first-appearance order, deduplicated.
func FormulaTokens(formula string) []string {
	seen := map[string]bool{}
	var out []string
	for _, tok := range identRe.FindAllString(formula, -1) {
		if formulaKeywords[strings.ToUpper(tok)] || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

// AggregationOf extracts the aggregation function and inner expression from a
// formula. A formula without a leading aggregate defaults to sum over the
// whole expression (the original systems report direct column references as
// pre-summed values).
func AggregationOf(formula string) (model.AggFunc, string) {
	trimmed := strings.TrimSpace(formula)
	upper := strings.ToUpper(trimmed)

	for prefix, fn := range map[string]model.AggFunc{
		"SUM(": model.AggSum, "AVG(": model.AggAvg, "COUNT(": model.AggCount,
		"MIN(": model.AggMin, "MAX(": model.AggMax,
	} {
		if strings.HasPrefix(upper, prefix) {
			inner := trimmed[len(prefix):]
			if strings.HasSuffix(inner, ")") {
				inner = inner[:len(inner)-1]
			}
			return fn, strings.TrimSpace(inner)
		}
	}
	return model.AggSum, trimmed
}
