// Package runner executes pipeline revisions step by step.
//
// Two runners satisfy the same contract: an inline runner that executes in
// the calling process with bounded retries, and a Temporal-backed runner
// that checkpoints state between steps so a run survives worker crashes.
// Both honor the short-circuit flag and record per-step outcomes into the
// run log.
package runner

import (
	"context"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
	"github.com/fyrsmithlabs/memoryd/internal/pipeline"
)

// Runner drives one run of a pipeline revision over a state. Step logs are
// appended to rl as steps finish; the returned error is the run's terminal
// failure, if any.
type Runner interface {
	Run(ctx context.Context, rev *pipeline.Revision, st *pipeline.State, rl *memory.RunLog) (*pipeline.State, error)
}
