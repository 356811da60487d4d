package runner

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/memerr"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
	"github.com/fyrsmithlabs/memoryd/internal/pipeline"
)

// TaskQueue is the Temporal task queue pipeline workflows run on.
const TaskQueue = "memoryd-pipelines"

// fatalErrorType marks non-retryable application errors so Temporal's retry
// policy stops immediately on validation and policy failures.
const fatalErrorType = "PipelineFatal"

// WorkflowInput carries one run into the pipeline workflow. Step IDs are
// snapshotted at submission: the run executes the revision it started with
// even if the pipeline is edited while it is in flight.
type WorkflowInput struct {
	RevisionID string          `json:"revision_id"`
	StepIDs    []string        `json:"step_ids"`
	State      *pipeline.State `json:"state"`
}

// StepRequest is one activity invocation.
type StepRequest struct {
	RevisionID string          `json:"revision_id"`
	StepID     string          `json:"step_id"`
	State      *pipeline.State `json:"state"`
}

// StepResult is the activity's checkpoint: the full state after the step.
type StepResult struct {
	State    *pipeline.State `json:"state"`
	Duration time.Duration   `json:"duration"`
}

// WorkflowOutput is the run's terminal state and per-step record.
type WorkflowOutput struct {
	State *pipeline.State  `json:"state"`
	Steps []memory.StepLog `json:"steps"`
}

// PipelineWorkflow executes a revision's steps as one activity each. The
// state checkpoints through Temporal history between steps, so a crashed
// worker resumes at the step boundary instead of restarting the run.
func PipelineWorkflow(ctx workflow.Context, in WorkflowInput) (*WorkflowOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{fatalErrorType},
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	out := &WorkflowOutput{State: in.State}
	for _, stepID := range in.StepIDs {
		if out.State.Done {
			break
		}
		var result StepResult
		err := workflow.ExecuteActivity(ctx, "ExecuteStep", StepRequest{
			RevisionID: in.RevisionID,
			StepID:     stepID,
			State:      out.State,
		}).Get(ctx, &result)
		if err != nil {
			out.Steps = append(out.Steps, memory.StepLog{
				StepID: stepID,
				Status: memory.RunFailed,
				Error:  err.Error(),
			})
			return out, err
		}
		out.State = result.State
		out.Steps = append(out.Steps, memory.StepLog{
			StepID:   stepID,
			Status:   memory.RunSucceeded,
			Attempts: 1,
			Duration: result.Duration,
		})
	}
	return out, nil
}

// Activities hosts the step-execution activity. The registry retains every
// installed revision, so in-flight runs resolve their steps after edits.
type Activities struct {
	registry *pipeline.Registry
	deps     pipeline.Deps
}

// NewActivities creates the activity host.
func NewActivities(registry *pipeline.Registry, deps pipeline.Deps) *Activities {
	return &Activities{registry: registry, deps: deps}
}

// ExecuteStep runs one pipeline step against the checkpointed state.
func (a *Activities) ExecuteStep(ctx context.Context, req StepRequest) (*StepResult, error) {
	rev, ok := a.registry.Get(req.RevisionID)
	if !ok {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("pipeline revision %s is not installed", req.RevisionID), fatalErrorType, nil)
	}
	step, ok := rev.Step(req.StepID)
	if !ok {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("step %s not in revision %s", req.StepID, req.RevisionID), fatalErrorType, nil)
	}
	start := time.Now()
	if err := step.Run(ctx, req.State, a.deps); err != nil {
		if memerr.IsTransient(err) {
			return nil, err
		}
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), fatalErrorType, err)
	}
	return &StepResult{State: req.State, Duration: time.Since(start)}, nil
}

// RegisterWorker registers the pipeline workflow and activities on a
// Temporal worker.
func RegisterWorker(w worker.Worker, registry *pipeline.Registry, deps pipeline.Deps) {
	w.RegisterWorkflow(PipelineWorkflow)
	w.RegisterActivity(NewActivities(registry, deps).ExecuteStep)
}

// Temporal submits runs as workflows and blocks for their result, giving
// callers the inline runner's semantics with durable execution underneath.
type Temporal struct {
	client    client.Client
	taskQueue string
	logger    *zap.Logger
}

var _ Runner = (*Temporal)(nil)

// NewTemporal creates the durable runner on an existing Temporal client.
func NewTemporal(c client.Client, logger *zap.Logger) *Temporal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Temporal{client: c, taskQueue: TaskQueue, logger: logger}
}

// Run implements Runner.
func (t *Temporal) Run(ctx context.Context, rev *pipeline.Revision, st *pipeline.State, rl *memory.RunLog) (*pipeline.State, error) {
	opts := client.StartWorkflowOptions{
		ID:        "run-" + rl.RunID,
		TaskQueue: t.taskQueue,
	}
	in := WorkflowInput{
		RevisionID: rev.ID(),
		StepIDs:    rev.StepIDs(),
		State:      st,
	}
	wr, err := t.client.ExecuteWorkflow(ctx, opts, PipelineWorkflow, in)
	if err != nil {
		return st, memerr.E(memerr.KindInternal, "temporal.Run", fmt.Errorf("starting workflow: %w", err))
	}
	t.logger.Debug("pipeline workflow started",
		zap.String("run_id", rl.RunID),
		zap.String("workflow_id", wr.GetID()),
		zap.String("revision", rev.ID()),
	)

	var out WorkflowOutput
	err = wr.Get(ctx, &out)
	if out.State != nil {
		st = out.State
	}
	rl.Steps = append(rl.Steps, out.Steps...)
	if err != nil {
		return st, memerr.WithRun(err, rl.RunID)
	}
	return st, nil
}
