// Package memerr defines the classified error taxonomy shared by all
// memoryd components.
//
// Every operation surfaces either a well-formed result or an *Error carrying
// a Kind, the operation that failed, and (when available) the run ID, so
// callers can diagnose failures without seeing raw internal state.
package memerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and reporting decisions.
type Kind string

const (
	// KindScopeSchemaMismatch indicates the caller's scope fields do not
	// match the provisioned tenancy schema. Fatal; requires operator-driven
	// migration, never retried.
	KindScopeSchemaMismatch Kind = "scope_schema_mismatch"

	// KindPolicyViolation indicates a cross-scope request violated boundary
	// or cap rules. Fatal to the request; safe to retry with a narrower
	// selector.
	KindPolicyViolation Kind = "policy_violation"

	// KindCapabilityUnavailable indicates a step demands an external
	// capability that is not configured. Detected at pipeline validation
	// time, before execution.
	KindCapabilityUnavailable Kind = "capability_unavailable"

	// KindTransientStore indicates a timeout or transient I/O failure in a
	// metadata store or vector index. Retried per runner policy.
	KindTransientStore Kind = "transient_store"

	// KindTransientCapability indicates a timeout or transient failure in an
	// external capability call. Retried per runner policy.
	KindTransientCapability Kind = "transient_capability"

	// KindValidation indicates a pipeline edit or request failed static
	// validation. The edit is rejected; the active revision is untouched.
	KindValidation Kind = "validation"

	// KindNotFound indicates a requested entity does not exist in the
	// caller's scope.
	KindNotFound Kind = "not_found"

	// KindInternal covers unclassified failures.
	KindInternal Kind = "internal"
)

// Error is a classified memoryd error.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Op names the operation or step that failed (e.g. "service.Memorize",
	// "step.extract_items").
	Op string

	// RunID identifies the pipeline run, when the failure occurred inside one.
	RunID string

	// Err is the underlying cause, if any.
	Err error

	// Msg is an optional human-readable detail.
	Msg string
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.RunID != "" {
		return fmt.Sprintf("%s: %s (run %s): %s", e.Op, e.Kind, e.RunID, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Kind.
// This lets callers match on kind sentinels via errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil && t.Msg == ""
}

// E constructs a classified error. The variadic argument may be an error
// cause, a message string, or both (in any order).
func E(kind Kind, op string, args ...interface{}) *Error {
	e := &Error{Kind: kind, Op: op}
	for _, a := range args {
		switch v := a.(type) {
		case error:
			e.Err = v
		case string:
			e.Msg = v
		}
	}
	return e
}

// WithRun returns a copy of the error annotated with a run ID.
// Non-classified errors are wrapped as KindInternal.
func WithRun(err error, runID string) error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		cp := *me
		cp.RunID = runID
		return &cp
	}
	return &Error{Kind: KindInternal, RunID: runID, Err: err}
}

// Kind sentinels for errors.Is matching.
var (
	ErrScopeSchemaMismatch   = &Error{Kind: KindScopeSchemaMismatch}
	ErrPolicyViolation       = &Error{Kind: KindPolicyViolation}
	ErrCapabilityUnavailable = &Error{Kind: KindCapabilityUnavailable}
	ErrTransientStore        = &Error{Kind: KindTransientStore}
	ErrTransientCapability   = &Error{Kind: KindTransientCapability}
	ErrValidation            = &Error{Kind: KindValidation}
	ErrNotFound              = &Error{Kind: KindNotFound}
)

// KindOf extracts the Kind from an error chain.
// Returns KindInternal for unclassified errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindInternal
}

// IsTransient reports whether the error should be retried by the runner.
func IsTransient(err error) bool {
	k := KindOf(err)
	return k == KindTransientStore || k == KindTransientCapability
}

// IsFatal reports whether retrying cannot help.
func IsFatal(err error) bool {
	return err != nil && !IsTransient(err)
}
