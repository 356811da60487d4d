package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/memoryd/internal/memerr"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
	"github.com/fyrsmithlabs/memoryd/internal/pipeline"
)

// scriptedStep fails a configurable number of times before succeeding,
// or marks the state done, depending on its script.
type scriptedStep struct {
	id       string
	failures int
	err      error
	calls    int
	markDone bool
}

func (s *scriptedStep) ID() string             { return s.id }
func (s *scriptedStep) Role() pipeline.Role    { return pipeline.RoleRouting }
func (s *scriptedStep) Requires() []string     { return nil }
func (s *scriptedStep) Produces() []string     { return nil }
func (s *scriptedStep) Capabilities() []string { return nil }

func (s *scriptedStep) Run(ctx context.Context, st *pipeline.State, deps pipeline.Deps) error {
	s.calls++
	if s.calls <= s.failures {
		return s.err
	}
	if s.markDone {
		st.Done = true
	}
	return nil
}

func fastInline() *Inline {
	return NewInline(InlineConfig{
		StepTimeout: time.Second,
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
	}, pipeline.Deps{}, nil)
}

func runRevision(t *testing.T, r *Inline, steps ...pipeline.Step) (*memory.RunLog, error) {
	t.Helper()
	rev, err := pipeline.NewRevision(memory.OpMemorize, steps)
	require.NoError(t, err)
	rl := &memory.RunLog{RunID: "test-run"}
	_, err = r.Run(context.Background(), rev, &pipeline.State{}, rl)
	return rl, err
}

func TestInlineRetriesTransientFailures(t *testing.T) {
	step := &scriptedStep{
		id:       "a",
		failures: 2,
		err:      memerr.E(memerr.KindTransientStore, "test.Step", errors.New("connection reset")),
	}
	rl, err := runRevision(t, fastInline(), step)
	require.NoError(t, err)

	require.Len(t, rl.Steps, 1)
	assert.Equal(t, 3, rl.Steps[0].Attempts)
	assert.Equal(t, memory.RunSucceeded, rl.Steps[0].Status)
	assert.Equal(t, 3, step.calls)
}

func TestInlineExhaustsAttemptBudget(t *testing.T) {
	step := &scriptedStep{
		id:       "a",
		failures: 10,
		err:      memerr.E(memerr.KindTransientCapability, "test.Step", errors.New("rate limited")),
	}
	rl, err := runRevision(t, fastInline(), step)
	require.Error(t, err)
	assert.True(t, memerr.IsTransient(err))

	require.Len(t, rl.Steps, 1)
	assert.Equal(t, 3, rl.Steps[0].Attempts)
	assert.Equal(t, memory.RunFailed, rl.Steps[0].Status)
	assert.NotEmpty(t, rl.Steps[0].Error)
}

func TestInlineFatalFailsFirstAttempt(t *testing.T) {
	step := &scriptedStep{
		id:       "a",
		failures: 10,
		err:      memerr.E(memerr.KindValidation, "test.Step", errors.New("bad input")),
	}
	rl, err := runRevision(t, fastInline(), step)
	require.Error(t, err)
	assert.Equal(t, memerr.KindValidation, memerr.KindOf(err))

	require.Len(t, rl.Steps, 1)
	assert.Equal(t, 1, rl.Steps[0].Attempts)
	assert.Equal(t, 1, step.calls)
}

func TestInlineFailureCarriesRunID(t *testing.T) {
	step := &scriptedStep{
		id:       "a",
		failures: 10,
		err:      memerr.E(memerr.KindInternal, "test.Step", errors.New("boom")),
	}
	_, err := runRevision(t, fastInline(), step)
	require.Error(t, err)
	var me *memerr.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "test-run", me.RunID)
}

func TestInlineStopsAfterFailedStep(t *testing.T) {
	failing := &scriptedStep{
		id:       "a",
		failures: 10,
		err:      memerr.E(memerr.KindValidation, "test.Step", errors.New("bad input")),
	}
	never := &scriptedStep{id: "b"}
	rl, err := runRevision(t, fastInline(), failing, never)
	require.Error(t, err)

	require.Len(t, rl.Steps, 1)
	assert.Zero(t, never.calls)
}

func TestInlineDoneShortCircuits(t *testing.T) {
	first := &scriptedStep{id: "a", markDone: true}
	skipped := &scriptedStep{id: "b"}
	rl, err := runRevision(t, fastInline(), first, skipped)
	require.NoError(t, err)

	require.Len(t, rl.Steps, 1)
	assert.Equal(t, "a", rl.Steps[0].StepID)
	assert.Zero(t, skipped.calls)
}
