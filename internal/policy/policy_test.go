package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/memoryd/internal/memerr"
	"github.com/fyrsmithlabs/memoryd/internal/scope"
)

func policySchema(t *testing.T) *scope.Schema {
	t.Helper()
	s, err := scope.NewSchema("user_id:string", "agent_id:string")
	require.NoError(t, err)
	return s
}

func TestEvaluateExactAlwaysPermitted(t *testing.T) {
	// Fail-closed default config still admits single-scope access.
	e := NewEngine(Config{}, nil)
	d, err := e.Evaluate(policySchema(t), scope.Selector{
		"user_id":  scope.Exact("alice"),
		"agent_id": scope.Exact("coder"),
	})
	require.NoError(t, err)
	assert.False(t, d.CrossScope)
	assert.Equal(t, 256, d.MaxCandidates)
}

func TestEvaluateCrossScopeDisabledByDefault(t *testing.T) {
	e := NewEngine(Config{}, nil)
	_, err := e.Evaluate(policySchema(t), scope.Selector{
		"user_id":  scope.OneOf("alice", "bob"),
		"agent_id": scope.Exact("coder"),
	})
	require.Error(t, err)
	assert.Equal(t, memerr.KindPolicyViolation, memerr.KindOf(err))
}

func TestEvaluateFiniteExpansion(t *testing.T) {
	e := NewEngine(Config{AllowCrossScope: true}, nil)
	d, err := e.Evaluate(policySchema(t), scope.Selector{
		"user_id":  scope.OneOf("alice", "bob"),
		"agent_id": scope.OneOf("coder", "writer"),
	})
	require.NoError(t, err)
	assert.True(t, d.CrossScope)
	assert.Equal(t, 4, d.Combinations)
}

func TestEvaluateCombinationCap(t *testing.T) {
	e := NewEngine(Config{AllowCrossScope: true, MaxScopeCombinations: 3}, nil)
	_, err := e.Evaluate(policySchema(t), scope.Selector{
		"user_id":  scope.OneOf("a", "b"),
		"agent_id": scope.OneOf("c", "d"),
	})
	require.Error(t, err)
	assert.Equal(t, memerr.KindPolicyViolation, memerr.KindOf(err))
}

func TestEvaluateWildcardAllowlist(t *testing.T) {
	e := NewEngine(Config{AllowCrossScope: true, WildcardFields: []string{"agent_id"}}, nil)

	d, err := e.Evaluate(policySchema(t), scope.Selector{
		"user_id":  scope.Exact("alice"),
		"agent_id": scope.Any(),
	})
	require.NoError(t, err)
	assert.True(t, d.CrossScope)
	assert.Zero(t, d.Combinations)

	// user_id is not allowlisted.
	_, err = e.Evaluate(policySchema(t), scope.Selector{
		"user_id":  scope.Any(),
		"agent_id": scope.Exact("coder"),
	})
	require.Error(t, err)
	assert.Equal(t, memerr.KindPolicyViolation, memerr.KindOf(err))
}

func TestEvaluateUnboundedRejected(t *testing.T) {
	e := NewEngine(Config{
		AllowCrossScope: true,
		WildcardFields:  []string{"user_id", "agent_id"},
	}, nil)
	_, err := e.Evaluate(policySchema(t), scope.Selector{
		"user_id":  scope.Any(),
		"agent_id": scope.Any(),
	})
	require.Error(t, err)
	assert.Equal(t, memerr.KindPolicyViolation, memerr.KindOf(err))
}
