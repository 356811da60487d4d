package scope

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Key errors.
var (
	ErrMissingField = errors.New("scope key missing schema field")
	ErrUnknownField = errors.New("scope key contains unknown field")
	ErrEmptyValue   = errors.New("scope field value cannot be empty")
	ErrBadIntValue  = errors.New("scope field value is not an integer")
)

// Key is a concrete tenant identity: one value per schema field.
//
// Keys are plain maps so callers can construct them literally; they are only
// meaningful after validation against the deployment schema. All store and
// index implementations receive validated keys.
type Key map[string]string

// ValidateKey checks a caller-supplied key against the schema.
//
// The field set must match exactly: a key that omits a schema field or
// supplies an unknown field is rejected, never coerced.
func (s *Schema) ValidateKey(k Key) error {
	for _, f := range s.Fields {
		v, ok := k[f.Name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrMissingField, f.Name)
		}
		if v == "" {
			return fmt.Errorf("%w: %q", ErrEmptyValue, f.Name)
		}
		if f.Type == FieldInt {
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				return fmt.Errorf("%w: %s=%q", ErrBadIntValue, f.Name, v)
			}
		}
	}
	for name := range k {
		if _, ok := s.Field(name); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownField, name)
		}
	}
	return nil
}

// Canonical returns the canonical string form of the key under the schema:
// values joined in schema field order. Used for partition keys, per-scope
// locks, and vector payload filtering.
func (s *Schema) Canonical(k Key) string {
	var b strings.Builder
	for i, f := range s.Fields {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		b.WriteString(k[f.Name])
	}
	return b.String()
}

// Equal reports whether two keys carry identical values.
func (k Key) Equal(other Key) bool {
	if len(k) != len(other) {
		return false
	}
	for name, v := range k {
		if other[name] != v {
			return false
		}
	}
	return true
}

// Clone returns a copy of the key.
func (k Key) Clone() Key {
	cp := make(Key, len(k))
	for name, v := range k {
		cp[name] = v
	}
	return cp
}

// String renders the key for logs, in sorted field order.
func (k Key) String() string {
	names := make([]string, 0, len(k))
	for name := range k {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + k[name]
	}
	return strings.Join(parts, ",")
}
