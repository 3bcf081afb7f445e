package resolve

import (
	"regexp"
	"strings"

	"github.com/agext/levenshtein"
)

// Scorer rates how well a candidate schema-object name matches a query name.
// Scores are in [0,1]. The default implementation is deterministic string
// similarity; callers may inject their own.
type Scorer interface {
	Score(query, candidate string) float64
}

// LevenshteinScorer scores by normalized edit-distance similarity over
// normalized names.
type LevenshteinScorer struct {
	params *levenshtein.Params
}

// NewLevenshteinScorer creates the default scorer.
func NewLevenshteinScorer() *LevenshteinScorer {
	return &LevenshteinScorer{params: levenshtein.NewParams()}
}

// Score returns 1.0 for an exact normalized match, otherwise the levenshtein
// similarity of the normalized forms.
func (s *LevenshteinScorer) Score(query, candidate string) float64 {
	q := NormalizeName(query)
	c := NormalizeName(candidate)
	if q == "" || c == "" {
		return 0
	}
	if q == c {
		return 1
	}
	// Substring containment counts as a strong partial match so that e.g.
	// "loan" scores well against "loan_master".
	if strings.Contains(c, q) || strings.Contains(q, c) {
		shorter, longer := len(q), len(c)
		if shorter > longer {
			shorter, longer = longer, shorter
		}
		contained := 0.5 + 0.5*float64(shorter)/float64(longer)
		if sim := levenshtein.Similarity(q, c, s.params); sim > contained {
			return sim
		}
		return contained
	}
	return levenshtein.Similarity(q, c, s.params)
}

var (
	nonAlnumRe   = regexp.MustCompile(`[^a-z0-9]+`)
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)
)

// NormalizeName standardizes a schema-object name for matching: lowercase,
// punctuation and separators collapsed to spaces, trailing plural stripped
// per word.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ""
	}
	name = nonAlnumRe.ReplaceAllString(name, " ")
	name = multiSpaceRe.ReplaceAllString(name, " ")
	name = strings.TrimSpace(name)

	words := strings.Fields(name)
	for i, w := range words {
		// Singularize trivially so "payments" matches "payment".
		if len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") {
			words[i] = w[:len(w)-1]
		}
	}
	return strings.Join(words, " ")
}

// tokenOverlap returns the fraction of wanted tokens found in have.
func tokenOverlap(wanted []string, have map[string]bool) float64 {
	if len(wanted) == 0 {
		return 0
	}
	hit := 0
	for _, w := range wanted {
		if have[w] {
			hit++
		}
	}
	return float64(hit) / float64(len(wanted))
}
