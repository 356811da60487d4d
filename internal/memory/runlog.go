package memory

import (
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/memoryd/internal/scope"
)

// Operation names the three orchestrated operations.
type Operation string

const (
	OpMemorize Operation = "memorize"
	OpRetrieve Operation = "retrieve"
	OpEvolve   Operation = "evolve"
)

// RunStatus is the terminal state of a pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"

	// RunDegraded marks retrieve runs that returned shallower-layer context
	// after a deeper routing layer failed.
	RunDegraded RunStatus = "degraded"
)

// StepLog records one step's execution inside a run.
type StepLog struct {
	StepID   string        `json:"step_id"`
	Status   RunStatus     `json:"status"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// EvolveDiff is the audit record an evolve run emits describing what changed.
type EvolveDiff struct {
	CreatedItems      []string `json:"created_items,omitempty"`
	RevisedItems      []string `json:"revised_items,omitempty"`
	ArchivedItems     []string `json:"archived_items,omitempty"`
	UpdatedCategories []string `json:"updated_categories,omitempty"`
	IntentionChanged  bool     `json:"intention_changed,omitempty"`
}

// Empty reports whether the diff records no changes.
func (d *EvolveDiff) Empty() bool {
	return d == nil ||
		len(d.CreatedItems) == 0 && len(d.RevisedItems) == 0 &&
			len(d.ArchivedItems) == 0 && len(d.UpdatedCategories) == 0 &&
			!d.IntentionChanged
}

// RunLog is retained for every pipeline run regardless of outcome, enabling
// post-hoc diagnosis: input summary, per-step timing, and failure cause.
type RunLog struct {
	RunID            string      `json:"run_id"`
	Scope            scope.Key   `json:"scope,omitempty"`
	Operation        Operation   `json:"operation"`
	PipelineRevision string      `json:"pipeline_revision"`
	InputSummary     string      `json:"input_summary,omitempty"`
	Status           RunStatus   `json:"status"`
	Steps            []StepLog   `json:"steps,omitempty"`
	Error            string      `json:"error,omitempty"`
	Diff             *EvolveDiff `json:"diff,omitempty"`
	StartedAt        time.Time   `json:"started_at"`
	FinishedAt       time.Time   `json:"finished_at,omitempty"`
}

// NewRunLog starts a run log for an operation.
func NewRunLog(sk scope.Key, op Operation, revision, inputSummary string) *RunLog {
	return &RunLog{
		RunID:            uuid.New().String(),
		Scope:            sk.Clone(),
		Operation:        op,
		PipelineRevision: revision,
		InputSummary:     inputSummary,
		Status:           RunRunning,
		StartedAt:        time.Now().UTC(),
	}
}

// Finish marks the run terminal.
func (r *RunLog) Finish(status RunStatus, err error) {
	r.Status = status
	if err != nil {
		r.Error = err.Error()
	}
	r.FinishedAt = time.Now().UTC()
}
