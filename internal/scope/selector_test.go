package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoFieldSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewSchema("user_id:string", "agent_id:string")
	require.NoError(t, err)
	return s
}

func TestValidateSelector(t *testing.T) {
	schema := twoFieldSchema(t)

	tests := []struct {
		name    string
		sel     Selector
		wantErr error
	}{
		{
			name: "exact",
			sel:  Selector{"user_id": Exact("alice"), "agent_id": Exact("coder")},
		},
		{
			name: "wildcard field",
			sel:  Selector{"user_id": Exact("alice"), "agent_id": Any()},
		},
		{
			name:    "missing field",
			sel:     Selector{"user_id": Exact("alice")},
			wantErr: ErrMissingField,
		},
		{
			name:    "unknown field",
			sel:     Selector{"user_id": Exact("alice"), "agent_id": Exact("coder"), "x": Exact("y")},
			wantErr: ErrUnknownField,
		},
		{
			name:    "empty value set",
			sel:     Selector{"user_id": {}, "agent_id": Exact("coder")},
			wantErr: ErrEmptyValueSet,
		},
		{
			name:    "empty value",
			sel:     Selector{"user_id": OneOf("alice", ""), "agent_id": Exact("coder")},
			wantErr: ErrEmptyValue,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schema.ValidateSelector(tt.sel)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestSelectorShape(t *testing.T) {
	exact := Selector{"user_id": Exact("alice"), "agent_id": Exact("coder")}
	assert.True(t, exact.IsExact())
	assert.False(t, exact.HasWildcard())

	k, ok := exact.ExactKey()
	require.True(t, ok)
	assert.Equal(t, Key{"user_id": "alice", "agent_id": "coder"}, k)

	multi := Selector{"user_id": OneOf("alice", "bob"), "agent_id": Exact("coder")}
	assert.False(t, multi.IsExact())
	_, ok = multi.ExactKey()
	assert.False(t, ok)

	wild := Selector{"user_id": Any(), "agent_id": Any()}
	assert.True(t, wild.IsUnbounded())
	assert.True(t, wild.HasWildcard())
}

func TestSelectorExpand(t *testing.T) {
	schema := twoFieldSchema(t)

	sel := Selector{"user_id": OneOf("alice", "bob"), "agent_id": OneOf("coder", "writer")}
	n, finite := sel.Combinations(schema)
	require.True(t, finite)
	assert.Equal(t, 4, n)

	keys, ok := sel.Expand(schema)
	require.True(t, ok)
	require.Len(t, keys, 4)
	// Expansion follows schema field order.
	assert.Equal(t, Key{"user_id": "alice", "agent_id": "coder"}, keys[0])
	assert.Equal(t, Key{"user_id": "bob", "agent_id": "writer"}, keys[3])

	wild := Selector{"user_id": Any(), "agent_id": Exact("coder")}
	_, finite = wild.Combinations(schema)
	assert.False(t, finite)
	_, ok = wild.Expand(schema)
	assert.False(t, ok)
}

func TestSelectorMatches(t *testing.T) {
	sel := Selector{"user_id": OneOf("alice", "bob"), "agent_id": Any()}
	assert.True(t, sel.Matches(Key{"user_id": "alice", "agent_id": "coder"}))
	assert.True(t, sel.Matches(Key{"user_id": "bob", "agent_id": "writer"}))
	assert.False(t, sel.Matches(Key{"user_id": "carol", "agent_id": "coder"}))
}
