package model

import "time"

// RunStatus represents the current state of a reconciliation run.
type RunStatus string

const (
	RunStatusQueued        RunStatus = "queued"
	RunStatusResolving     RunStatus = "resolving"
	RunStatusMaterializing RunStatus = "materializing"
	RunStatusDiffing       RunStatus = "diffing"
	RunStatusAttributing   RunStatus = "attributing"
	RunStatusVerifying     RunStatus = "verifying"
	RunStatusComplete      RunStatus = "complete"
	RunStatusFailed        RunStatus = "failed"
	RunStatusCancelled     RunStatus = "cancelled"
)

// ReconcileRequest is the input to a full pipeline run: which metric to
// reconcile between which two systems, plus optional narrowing constraints.
type ReconcileRequest struct {
	Metric    string  `json:"metric"`
	SystemA   string  `json:"system_a"`
	SystemB   string  `json:"system_b"`
	ReportedA float64 `json:"reported_a"`
	ReportedB float64 `json:"reported_b"`

	// Constraints narrow the materialized population, e.g. a business date.
	Constraints []FilterSpec `json:"constraints,omitempty"`
}

// ReportedDiff is the aggregate gap the run is asked to explain (B minus A).
func (r ReconcileRequest) ReportedDiff() float64 {
	return r.ReportedB - r.ReportedA
}

// PhaseStatus is the outcome of a single pipeline phase.
type PhaseStatus string

const (
	PhaseStatusRunning  PhaseStatus = "running"
	PhaseStatusComplete PhaseStatus = "complete"
	PhaseStatusFailed   PhaseStatus = "failed"
	PhaseStatusSkipped  PhaseStatus = "skipped"
)

// PhaseResult records one pipeline phase for observability and persistence.
type PhaseResult struct {
	Name     string         `json:"name"`
	Status   PhaseStatus    `json:"status"`
	Duration int64          `json:"duration_ms"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ReconciliationResult is the pipeline's single output object.
type ReconciliationResult struct {
	RunID        string              `json:"run_id"`
	Request      ReconcileRequest    `json:"request"`
	Diff         *RowDiffResult      `json:"diff,omitempty"`
	Explanations []RowExplanation    `json:"explanations,omitempty"`
	Verification *VerificationResult `json:"verification,omitempty"`
	Phases       []PhaseResult       `json:"phases,omitempty"`

	// Incomplete marks results from a cancelled run: everything computed up
	// to the cancellation point is retained.
	Incomplete bool     `json:"incomplete,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Run is one persisted reconciliation run.
type Run struct {
	ID        string                `json:"id"`
	Request   ReconcileRequest      `json:"request"`
	Status    RunStatus             `json:"status"`
	Result    *ReconciliationResult `json:"result,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// RunPhase is a persisted phase record attached to a run.
type RunPhase struct {
	ID        string       `json:"id"`
	RunID     string       `json:"run_id"`
	Name      string       `json:"name"`
	Status    PhaseStatus  `json:"status"`
	Result    *PhaseResult `json:"result,omitempty"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
}
