package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSchema(t *testing.T) {
	tests := []struct {
		name    string
		decls   []string
		wantErr error
	}{
		{
			name:  "two string fields",
			decls: []string{"user_id:string", "agent_id:string"},
		},
		{
			name:  "type defaults to string",
			decls: []string{"user_id"},
		},
		{
			name:  "int field",
			decls: []string{"org_id:int"},
		},
		{
			name:    "empty",
			decls:   nil,
			wantErr: ErrEmptySchema,
		},
		{
			name:    "duplicate field",
			decls:   []string{"user_id:string", "user_id:string"},
			wantErr: ErrDuplicateField,
		},
		{
			name:    "bad field name",
			decls:   []string{"User-ID:string"},
			wantErr: ErrInvalidFieldName,
		},
		{
			name:    "bad field type",
			decls:   []string{"user_id:uuid"},
			wantErr: ErrInvalidFieldType,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSchema(tt.decls...)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, s.Fields, len(tt.decls))
		})
	}
}

func TestSchemaFingerprint(t *testing.T) {
	a, err := NewSchema("user_id:string", "agent_id:string")
	require.NoError(t, err)
	b, err := NewSchema("user_id:string", "agent_id:string")
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	// Order matters.
	c, err := NewSchema("agent_id:string", "user_id:string")
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())

	// Type matters.
	d, err := NewSchema("user_id:int", "agent_id:string")
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint(), d.Fingerprint())
}

func TestValidateKey(t *testing.T) {
	schema, err := NewSchema("user_id:string", "org_id:int")
	require.NoError(t, err)

	tests := []struct {
		name    string
		key     Key
		wantErr error
	}{
		{
			name: "valid",
			key:  Key{"user_id": "alice", "org_id": "42"},
		},
		{
			name:    "missing field",
			key:     Key{"user_id": "alice"},
			wantErr: ErrMissingField,
		},
		{
			name:    "unknown field",
			key:     Key{"user_id": "alice", "org_id": "42", "team_id": "x"},
			wantErr: ErrUnknownField,
		},
		{
			name:    "empty value",
			key:     Key{"user_id": "", "org_id": "42"},
			wantErr: ErrEmptyValue,
		},
		{
			name:    "non-integer int field",
			key:     Key{"user_id": "alice", "org_id": "acme"},
			wantErr: ErrBadIntValue,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schema.ValidateKey(tt.key)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestCanonical(t *testing.T) {
	schema, err := NewSchema("user_id:string", "agent_id:string")
	require.NoError(t, err)

	k := Key{"agent_id": "coder", "user_id": "alice"}
	// Canonical form follows schema order, not map order.
	assert.Equal(t, "alice\x1fcoder", schema.Canonical(k))
}

func TestKeyEqualClone(t *testing.T) {
	k := Key{"user_id": "alice"}
	cp := k.Clone()
	assert.True(t, k.Equal(cp))
	cp["user_id"] = "bob"
	assert.False(t, k.Equal(cp))
	assert.Equal(t, "alice", k["user_id"])
}
