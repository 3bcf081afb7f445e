package probe

// State names a phase of the probing loop.
type State string

const (
	StateIdle          State = "idle"
	StateSelectingNode State = "selecting_node"
	StateProbing       State = "probing"
	StateObserving     State = "observing"
	StateDeciding      State = "deciding"
	StateConcluded     State = "concluded"
)

// FindingType classifies what a probe observation established.
type FindingType string

const (
	FindingJoinFailure FindingType = "join_failure"
	FindingPartialLoss FindingType = "partial_loss"
	FindingFilterLoss  FindingType = "filter_loss"
	FindingDataQuality FindingType = "data_quality"
)

// Finding is one established observation. Findings are append-only.
type Finding struct {
	Type        FindingType    `json:"finding_type"`
	NodeID      string         `json:"node_id"`
	Description string         `json:"description"`
	Evidence    map[string]any `json:"evidence,omitempty"`
	Confidence  float64        `json:"confidence"`

	// ImpliedRows is the row count the finding accounts for.
	ImpliedRows int `json:"implied_rows"`
}

// Hypothesis is the engine's current best explanation. It is replaced, not
// mutated, on every update so the progression stays auditable.
type Hypothesis struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// TraversalState is the full state of one investigation. It is owned by
// exactly one probing loop; concurrent investigations each construct their
// own. A concluded state is terminal.
type TraversalState struct {
	State       State       `json:"state"`
	VisitedPath []string    `json:"visited_path"`
	Findings    []Finding   `json:"findings"`
	Hypothesis  *Hypothesis `json:"current_hypothesis,omitempty"`

	RootCauseFound bool `json:"root_cause_found"`

	// KnownDiscrepancy is the row count the investigation is trying to
	// account for. Zero means not yet known; the first finding sets it.
	KnownDiscrepancy int `json:"known_discrepancy"`

	// Incomplete is set when the loop was cancelled before concluding.
	Incomplete bool `json:"incomplete,omitempty"`
}

// NewTraversalState starts an investigation. knownDiscrepancy may be zero
// when the caller has no diff to anchor on yet.
func NewTraversalState(knownDiscrepancy int) *TraversalState {
	return &TraversalState{
		State:            StateIdle,
		KnownDiscrepancy: knownDiscrepancy,
	}
}

// Concluded reports whether the investigation is over.
func (ts *TraversalState) Concluded() bool {
	return ts.State == StateConcluded
}

// setHypothesis swaps in a fresh hypothesis value.
func (ts *TraversalState) setHypothesis(text string, confidence float64) {
	ts.Hypothesis = &Hypothesis{Text: text, Confidence: confidence}
}
