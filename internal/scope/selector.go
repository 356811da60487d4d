package scope

import (
	"errors"
	"fmt"
)

// Selector errors.
var (
	ErrUnboundedSelector = errors.New("selector wildcards every scope field")
	ErrEmptyValueSet     = errors.New("selector value set cannot be empty")
)

// FieldSelector expresses the match rule for a single scope field:
// an exact value, a finite set (OR) of values, or a wildcard.
type FieldSelector struct {
	// Values holds the accepted values. Empty with Wildcard=true matches any.
	Values []string `json:"values,omitempty"`

	// Wildcard matches any value of the field.
	Wildcard bool `json:"wildcard,omitempty"`
}

// Exact builds a field selector matching one value.
func Exact(v string) FieldSelector { return FieldSelector{Values: []string{v}} }

// OneOf builds a field selector matching a finite set of values.
func OneOf(vs ...string) FieldSelector { return FieldSelector{Values: vs} }

// Any builds a wildcard field selector.
func Any() FieldSelector { return FieldSelector{Wildcard: true} }

// Selector is a cross-scope query expression: one FieldSelector per schema
// field. Single-exact selectors address one tenant and bypass the policy
// engine; anything broader must pass policy evaluation first.
type Selector map[string]FieldSelector

// ExactSelector builds the selector addressing exactly one scope key.
func ExactSelector(k Key) Selector {
	sel := make(Selector, len(k))
	for name, v := range k {
		sel[name] = Exact(v)
	}
	return sel
}

// ValidateSelector checks a selector's field set and value types against the
// schema. Like keys, selectors must name every schema field exactly.
func (s *Schema) ValidateSelector(sel Selector) error {
	for _, f := range s.Fields {
		fs, ok := sel[f.Name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrMissingField, f.Name)
		}
		if !fs.Wildcard && len(fs.Values) == 0 {
			return fmt.Errorf("%w: %q", ErrEmptyValueSet, f.Name)
		}
		for _, v := range fs.Values {
			if v == "" {
				return fmt.Errorf("%w: %q", ErrEmptyValue, f.Name)
			}
		}
	}
	for name := range sel {
		if _, ok := s.Field(name); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownField, name)
		}
	}
	return nil
}

// IsExact reports whether the selector addresses exactly one scope key.
func (sel Selector) IsExact() bool {
	for _, fs := range sel {
		if fs.Wildcard || len(fs.Values) != 1 {
			return false
		}
	}
	return len(sel) > 0
}

// IsUnbounded reports whether every field is a wildcard.
func (sel Selector) IsUnbounded() bool {
	for _, fs := range sel {
		if !fs.Wildcard {
			return false
		}
	}
	return true
}

// HasWildcard reports whether any field is a wildcard.
func (sel Selector) HasWildcard() bool {
	for _, fs := range sel {
		if fs.Wildcard {
			return true
		}
	}
	return false
}

// ExactKey returns the single key an exact selector addresses.
func (sel Selector) ExactKey() (Key, bool) {
	if !sel.IsExact() {
		return nil, false
	}
	k := make(Key, len(sel))
	for name, fs := range sel {
		k[name] = fs.Values[0]
	}
	return k, true
}

// Matches reports whether the key satisfies the selector.
func (sel Selector) Matches(k Key) bool {
	for name, fs := range sel {
		if fs.Wildcard {
			continue
		}
		v, ok := k[name]
		if !ok {
			return false
		}
		found := false
		for _, want := range fs.Values {
			if v == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Combinations returns the number of concrete tenant keys a finite-set
// expansion would produce, and false if any field is a wildcard (in which
// case the expansion is not finite).
func (sel Selector) Combinations(schema *Schema) (int, bool) {
	n := 1
	for _, f := range schema.Fields {
		fs := sel[f.Name]
		if fs.Wildcard {
			return 0, false
		}
		n *= len(fs.Values)
	}
	return n, true
}

// Expand enumerates the concrete keys of a finite selector, in schema field
// order. Returns false if the selector contains a wildcard.
func (sel Selector) Expand(schema *Schema) ([]Key, bool) {
	if _, finite := sel.Combinations(schema); !finite {
		return nil, false
	}
	keys := []Key{{}}
	for _, f := range schema.Fields {
		fs := sel[f.Name]
		next := make([]Key, 0, len(keys)*len(fs.Values))
		for _, base := range keys {
			for _, v := range fs.Values {
				k := base.Clone()
				k[f.Name] = v
				next = append(next, k)
			}
		}
		keys = next
	}
	return keys, true
}
