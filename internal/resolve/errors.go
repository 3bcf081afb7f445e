package resolve

import (
	"fmt"
	"strings"
)

// ScoredCandidate is one table considered for an entity, with its match score.
type ScoredCandidate struct {
	Table string  `json:"table"`
	Score float64 `json:"score"`
}

// AmbiguousEntityError reports that several tables matched an entity with no
// dominant winner. Recoverable: the caller can supply an explicit table via
// the clarification callback or a more specific rule.
type AmbiguousEntityError struct {
	Entity     string
	Candidates []ScoredCandidate
}

func (e *AmbiguousEntityError) Error() string {
	names := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		names[i] = fmt.Sprintf("%s (%.2f)", c.Table, c.Score)
	}
	return fmt.Sprintf("resolve: entity %q matches multiple tables without a dominant candidate: %s",
		e.Entity, strings.Join(names, ", "))
}

// NoJoinPathError reports that two chosen tables cannot be connected through
// the catalog's lineage edges.
type NoJoinPathError struct {
	From string
	To   string
}

func (e *NoJoinPathError) Error() string {
	return fmt.Sprintf("resolve: no join path from %s to %s", e.From, e.To)
}

// UnboundColumnError reports a formula token that resolved to no column above
// the similarity threshold.
type UnboundColumnError struct {
	Token   string
	Closest string
	Score   float64
}

func (e *UnboundColumnError) Error() string {
	if e.Closest == "" {
		return fmt.Sprintf("resolve: formula token %q matches no column", e.Token)
	}
	return fmt.Sprintf("resolve: formula token %q matches no column (closest %q at %.2f)",
		e.Token, e.Closest, e.Score)
}
