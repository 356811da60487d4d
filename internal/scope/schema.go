// Package scope defines the tenant identity schema and the scope keys and
// selectors derived from it.
//
// A deployment provisions exactly one Schema: an ordered list of named,
// typed fields (e.g. project_id:string, agent_id:string). Every row in every
// store carries a full scope key shaped by that schema, and every request is
// validated against it. The schema shape is locked at provisioning time;
// changing it requires an operator-driven migration.
package scope

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Common errors for schema handling.
var (
	ErrEmptySchema      = errors.New("schema must declare at least one field")
	ErrDuplicateField   = errors.New("duplicate schema field")
	ErrInvalidFieldName = errors.New("invalid schema field name")
	ErrInvalidFieldType = errors.New("invalid schema field type")
)

// FieldType is the declared type of a scope field.
type FieldType string

const (
	// FieldString accepts any non-empty string value.
	FieldString FieldType = "string"

	// FieldInt accepts base-10 integer values (stored as strings on the wire).
	FieldInt FieldType = "int"
)

// fieldNamePattern restricts field names to identifiers that are safe to use
// as SQL column names and vector payload keys.
var fieldNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Field is one named, typed component of the tenant identity.
type Field struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`
}

// Schema is the ordered tenant identity schema for a deployment.
//
// Field order is significant: it determines the column order of composite
// indexes and the canonical form used for fingerprinting.
type Schema struct {
	Fields []Field `json:"fields"`
}

// NewSchema builds a schema from "name:type" declarations, e.g.
// NewSchema("project_id:string", "agent_id:string").
func NewSchema(decls ...string) (*Schema, error) {
	if len(decls) == 0 {
		return nil, ErrEmptySchema
	}
	fields := make([]Field, 0, len(decls))
	for _, d := range decls {
		name, typ, ok := strings.Cut(d, ":")
		if !ok {
			typ = string(FieldString)
		}
		fields = append(fields, Field{Name: strings.TrimSpace(name), Type: FieldType(strings.TrimSpace(typ))})
	}
	s := &Schema{Fields: fields}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the schema shape.
func (s *Schema) Validate() error {
	if s == nil || len(s.Fields) == 0 {
		return ErrEmptySchema
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if !fieldNamePattern.MatchString(f.Name) {
			return fmt.Errorf("%w: %q", ErrInvalidFieldName, f.Name)
		}
		if f.Type != FieldString && f.Type != FieldInt {
			return fmt.Errorf("%w: %q", ErrInvalidFieldType, f.Type)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: %q", ErrDuplicateField, f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// FieldNames returns the field names in schema order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Field returns the named field and whether it exists.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Fingerprint returns a stable hash of the schema's canonical form.
// Two schemas with the same fields in the same order share a fingerprint.
func (s *Schema) Fingerprint() string {
	var b strings.Builder
	for i, f := range s.Fields {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(f.Name)
		b.WriteByte(':')
		b.WriteString(string(f.Type))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

// Deployment is the per-deployment metadata record persisted alongside the
// schema. There is exactly one per deployment, not one per scope.
type Deployment struct {
	// SchemaFingerprint locks the schema shape.
	SchemaFingerprint string `json:"schema_fingerprint"`

	// Schema is the provisioned schema, stored for operator inspection.
	Schema *Schema `json:"schema"`

	// SchemaVersion increments on operator-driven migrations.
	SchemaVersion int `json:"schema_version"`

	// TaxonomyVersion increments when evolve reshapes the category taxonomy.
	TaxonomyVersion int `json:"taxonomy_version"`

	// PipelineRevisions records the active revision ID per operation.
	PipelineRevisions map[string]string `json:"pipeline_revisions,omitempty"`
}
