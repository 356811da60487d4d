package memerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	e := E(KindValidation, "service.Memorize", "content is required")
	assert.Equal(t, "service.Memorize: validation: content is required", e.Error())

	cause := errors.New("disk full")
	e = E(KindTransientStore, "metastore.Apply", cause)
	assert.Equal(t, "metastore.Apply: transient_store: disk full", e.Error())
	assert.ErrorIs(t, e, cause)
}

func TestKindSentinels(t *testing.T) {
	err := fmt.Errorf("wrapping: %w", E(KindNotFound, "metastore.GetItem", "item x not found"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrPolicyViolation)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, KindPolicyViolation, KindOf(E(KindPolicyViolation, "policy.Evaluate")))
}

func TestWithRun(t *testing.T) {
	require.NoError(t, WithRun(nil, "run-1"))

	orig := E(KindTransientCapability, "step.extract_items", "model timeout")
	annotated := WithRun(orig, "run-1")
	var me *Error
	require.ErrorAs(t, annotated, &me)
	assert.Equal(t, "run-1", me.RunID)
	// The original is untouched.
	assert.Empty(t, orig.RunID)
	assert.Contains(t, annotated.Error(), "run run-1")

	// Unclassified errors are wrapped as internal.
	plain := WithRun(errors.New("boom"), "run-2")
	require.ErrorAs(t, plain, &me)
	assert.Equal(t, KindInternal, me.Kind)
	assert.Equal(t, "run-2", me.RunID)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(E(KindTransientStore, "op")))
	assert.True(t, IsTransient(E(KindTransientCapability, "op")))
	assert.False(t, IsTransient(E(KindValidation, "op")))
	assert.False(t, IsTransient(E(KindPolicyViolation, "op")))
	assert.False(t, IsTransient(nil))

	assert.True(t, IsFatal(E(KindScopeSchemaMismatch, "op")))
	assert.False(t, IsFatal(nil))
}
