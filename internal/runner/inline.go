package runner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/memerr"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
	"github.com/fyrsmithlabs/memoryd/internal/pipeline"
)

// InlineConfig configures the in-process runner.
type InlineConfig struct {
	// StepTimeout bounds one attempt of one step. Default: 60s.
	StepTimeout time.Duration

	// MaxAttempts is the per-step attempt budget for transient failures.
	// Default: 3.
	MaxAttempts int

	// Backoff is the base delay between attempts; it doubles per retry.
	// Default: 500ms.
	Backoff time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *InlineConfig) ApplyDefaults() {
	if c.StepTimeout == 0 {
		c.StepTimeout = 60 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff == 0 {
		c.Backoff = 500 * time.Millisecond
	}
}

// Inline runs pipelines in the calling goroutine. Transient store and
// capability failures are retried with exponential backoff; anything else
// fails the step on the first attempt.
type Inline struct {
	config InlineConfig
	deps   pipeline.Deps
	logger *zap.Logger
}

var _ Runner = (*Inline)(nil)

// NewInline creates the in-process runner.
func NewInline(config InlineConfig, deps pipeline.Deps, logger *zap.Logger) *Inline {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	return &Inline{config: config, deps: deps, logger: logger}
}

// Run implements Runner.
func (r *Inline) Run(ctx context.Context, rev *pipeline.Revision, st *pipeline.State, rl *memory.RunLog) (*pipeline.State, error) {
	for _, step := range rev.Steps() {
		if st.Done {
			break
		}
		sl, err := r.runStep(ctx, step, st)
		rl.Steps = append(rl.Steps, sl)
		if err != nil {
			return st, memerr.WithRun(err, rl.RunID)
		}
	}
	return st, nil
}

func (r *Inline) runStep(ctx context.Context, step pipeline.Step, st *pipeline.State) (memory.StepLog, error) {
	sl := memory.StepLog{StepID: step.ID()}
	start := time.Now()
	var err error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		sl.Attempts = attempt
		err = r.attempt(ctx, step, st)
		if err == nil {
			break
		}
		if !memerr.IsTransient(err) || attempt == r.config.MaxAttempts {
			break
		}
		delay := r.config.Backoff << (attempt - 1)
		r.logger.Warn("step attempt failed, retrying",
			zap.String("step", step.ID()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			err = ctx.Err()
			attempt = r.config.MaxAttempts
		}
	}
	sl.Duration = time.Since(start)
	if err != nil {
		sl.Status = memory.RunFailed
		sl.Error = err.Error()
		return sl, err
	}
	sl.Status = memory.RunSucceeded
	return sl, nil
}

func (r *Inline) attempt(ctx context.Context, step pipeline.Step, st *pipeline.State) error {
	ctx, cancel := context.WithTimeout(ctx, r.config.StepTimeout)
	defer cancel()
	return step.Run(ctx, st, r.deps)
}
