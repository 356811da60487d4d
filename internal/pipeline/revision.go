package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/memoryd/internal/capability"
	"github.com/fyrsmithlabs/memoryd/internal/memerr"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

// Revision errors.
var (
	ErrNoSteps       = errors.New("revision has no steps")
	ErrDuplicateStep = errors.New("duplicate step id")
	ErrStepNotFound  = errors.New("step not found")
)

// Revision is one immutable version of an operation's pipeline. The ID is
// content-derived: two revisions with the same operation and step sequence
// share an ID, so installing an identical pipeline is a no-op.
type Revision struct {
	id    string
	op    memory.Operation
	steps []Step
}

// NewRevision builds a revision from an ordered step list.
func NewRevision(op memory.Operation, steps []Step) (*Revision, error) {
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}
	seen := make(map[string]bool, len(steps))
	ids := make([]string, len(steps))
	for i, s := range steps {
		if seen[s.ID()] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateStep, s.ID())
		}
		seen[s.ID()] = true
		ids[i] = s.ID()
	}
	sum := sha256.Sum256([]byte(string(op) + "|" + strings.Join(ids, "|")))
	return &Revision{
		id:    hex.EncodeToString(sum[:8]),
		op:    op,
		steps: steps,
	}, nil
}

// ID returns the content-derived revision ID.
func (r *Revision) ID() string { return r.id }

// Operation returns the operation this revision drives.
func (r *Revision) Operation() memory.Operation { return r.op }

// Steps returns the ordered steps. Callers must not mutate the slice.
func (r *Revision) Steps() []Step { return r.steps }

// StepIDs returns the ordered step IDs.
func (r *Revision) StepIDs() []string {
	ids := make([]string, len(r.steps))
	for i, s := range r.steps {
		ids[i] = s.ID()
	}
	return ids
}

// Step returns the step with the given ID.
func (r *Revision) Step(id string) (Step, bool) {
	for _, s := range r.steps {
		if s.ID() == id {
			return s, true
		}
	}
	return nil, false
}

// indexOf returns the position of a step ID, or -1.
func (r *Revision) indexOf(id string) int {
	for i, s := range r.steps {
		if s.ID() == id {
			return i
		}
	}
	return -1
}

// WithStepInserted returns a new revision with step placed after the named
// step ("" prepends).
func (r *Revision) WithStepInserted(after string, step Step) (*Revision, error) {
	pos := 0
	if after != "" {
		i := r.indexOf(after)
		if i < 0 {
			return nil, fmt.Errorf("%w: %q", ErrStepNotFound, after)
		}
		pos = i + 1
	}
	steps := make([]Step, 0, len(r.steps)+1)
	steps = append(steps, r.steps[:pos]...)
	steps = append(steps, step)
	steps = append(steps, r.steps[pos:]...)
	return NewRevision(r.op, steps)
}

// WithStepReplaced returns a new revision with the named step swapped out.
func (r *Revision) WithStepReplaced(id string, step Step) (*Revision, error) {
	i := r.indexOf(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %q", ErrStepNotFound, id)
	}
	steps := append([]Step(nil), r.steps...)
	steps[i] = step
	return NewRevision(r.op, steps)
}

// WithStepRemoved returns a new revision without the named step.
func (r *Revision) WithStepRemoved(id string) (*Revision, error) {
	i := r.indexOf(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %q", ErrStepNotFound, id)
	}
	steps := append([]Step(nil), r.steps[:i]...)
	steps = append(steps, r.steps[i+1:]...)
	return NewRevision(r.op, steps)
}

// Validate checks the revision statically against a capability set:
// every step's requirements must be satisfiable from the initial input and
// the steps before it, and every declared capability must be configured.
// Runs of a validated revision cannot fail on wiring, only on data.
func (r *Revision) Validate(caps *capability.Set) error {
	const op = "pipeline.Validate"
	produced := map[string]bool{KeyInput: true}
	for _, s := range r.steps {
		if !KnownRole(s.Role()) {
			return memerr.E(memerr.KindValidation, op,
				fmt.Sprintf("step %q declares unknown role %q", s.ID(), s.Role()))
		}
		for _, req := range s.Requires() {
			if !produced[req] {
				return memerr.E(memerr.KindValidation, op,
					fmt.Sprintf("step %q requires %q which no earlier step produces", s.ID(), req))
			}
		}
		required := append(s.Role().DefaultCapabilities(), s.Capabilities()...)
		for _, cap := range required {
			if !caps.Has(cap) {
				return memerr.E(memerr.KindCapabilityUnavailable, op,
					fmt.Sprintf("step %q requires capability %q which is not configured", s.ID(), cap))
			}
		}
		for _, p := range s.Produces() {
			produced[p] = true
		}
	}
	return nil
}
