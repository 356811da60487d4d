package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/memoryd/internal/capability"
	"github.com/fyrsmithlabs/memoryd/internal/memerr"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

// fakeStep is a configurable no-op step for revision tests.
type fakeStep struct {
	id       string
	role     Role
	requires []string
	produces []string
	caps     []string
}

func (s *fakeStep) ID() string { return s.id }
func (s *fakeStep) Role() Role {
	if s.role == "" {
		return RoleRouting
	}
	return s.role
}
func (s *fakeStep) Requires() []string     { return s.requires }
func (s *fakeStep) Produces() []string     { return s.produces }
func (s *fakeStep) Capabilities() []string { return s.caps }
func (s *fakeStep) Run(ctx context.Context, st *State, deps Deps) error {
	return nil
}

func testCaps() *capability.Set {
	return &capability.Set{
		Extractor: NewNoopExtractorForTest(),
		Reranker:  capability.NewLexicalReranker(),
	}
}

// NewNoopExtractorForTest returns the heuristic extractor, which needs no
// external service.
func NewNoopExtractorForTest() capability.Extractor {
	return capability.NewHeuristicExtractor(capability.HeuristicConfig{})
}

func TestNewRevisionContentDerivedID(t *testing.T) {
	steps := func() []Step {
		return []Step{
			&fakeStep{id: "a", produces: []string{KeyResource}},
			&fakeStep{id: "b", requires: []string{KeyResource}},
		}
	}
	r1, err := NewRevision(memory.OpMemorize, steps())
	require.NoError(t, err)
	r2, err := NewRevision(memory.OpMemorize, steps())
	require.NoError(t, err)
	assert.Equal(t, r1.ID(), r2.ID())

	// Same steps, different operation: different ID.
	r3, err := NewRevision(memory.OpEvolve, steps())
	require.NoError(t, err)
	assert.NotEqual(t, r1.ID(), r3.ID())

	assert.Equal(t, []string{"a", "b"}, r1.StepIDs())
}

func TestNewRevisionRejectsBadShapes(t *testing.T) {
	_, err := NewRevision(memory.OpMemorize, nil)
	assert.ErrorIs(t, err, ErrNoSteps)

	_, err = NewRevision(memory.OpMemorize, []Step{
		&fakeStep{id: "a"}, &fakeStep{id: "a"},
	})
	assert.ErrorIs(t, err, ErrDuplicateStep)
}

func TestRevisionEditsAreImmutable(t *testing.T) {
	base, err := NewRevision(memory.OpMemorize, []Step{
		&fakeStep{id: "a", produces: []string{KeyResource}},
		&fakeStep{id: "c", requires: []string{KeyResource}},
	})
	require.NoError(t, err)
	baseID := base.ID()

	inserted, err := base.WithStepInserted("a", &fakeStep{id: "b", requires: []string{KeyResource}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, inserted.StepIDs())
	assert.NotEqual(t, baseID, inserted.ID())
	// The base revision is untouched.
	assert.Equal(t, []string{"a", "c"}, base.StepIDs())
	assert.Equal(t, baseID, base.ID())

	replaced, err := base.WithStepReplaced("c", &fakeStep{id: "c2", requires: []string{KeyResource}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c2"}, replaced.StepIDs())

	removed, err := base.WithStepRemoved("c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, removed.StepIDs())

	_, err = base.WithStepRemoved("zzz")
	assert.ErrorIs(t, err, ErrStepNotFound)
}

func TestRevisionValidateDependencies(t *testing.T) {
	// Step b requires a key nothing produces.
	rev, err := NewRevision(memory.OpMemorize, []Step{
		&fakeStep{id: "a", produces: []string{KeyResource}},
		&fakeStep{id: "b", requires: []string{KeyCandidates}},
	})
	require.NoError(t, err)
	err = rev.Validate(testCaps())
	require.Error(t, err)
	assert.Equal(t, memerr.KindValidation, memerr.KindOf(err))

	// Orderable version passes.
	rev, err = NewRevision(memory.OpMemorize, []Step{
		&fakeStep{id: "a", requires: []string{KeyInput}, produces: []string{KeyCandidates}},
		&fakeStep{id: "b", requires: []string{KeyCandidates}},
	})
	require.NoError(t, err)
	require.NoError(t, rev.Validate(testCaps()))
}

func TestRevisionValidateCapabilities(t *testing.T) {
	rev, err := NewRevision(memory.OpMemorize, []Step{
		&fakeStep{id: "a", caps: []string{capability.CapSummarizer}},
	})
	require.NoError(t, err)
	err = rev.Validate(testCaps())
	require.Error(t, err)
	assert.Equal(t, memerr.KindCapabilityUnavailable, memerr.KindOf(err))
}

func TestRevisionValidateRoles(t *testing.T) {
	// An unknown role is rejected outright.
	rev, err := NewRevision(memory.OpMemorize, []Step{
		&fakeStep{id: "a", role: Role("transmutation")},
	})
	require.NoError(t, err)
	err = rev.Validate(testCaps())
	require.Error(t, err)
	assert.Equal(t, memerr.KindValidation, memerr.KindOf(err))

	// A verification step needs the reranker even when it declares no
	// explicit capabilities: the role implies it.
	rev, err = NewRevision(memory.OpRetrieve, []Step{
		&fakeStep{id: "judge", role: RoleVerification},
	})
	require.NoError(t, err)
	noReranker := &capability.Set{Extractor: NewNoopExtractorForTest()}
	err = rev.Validate(noReranker)
	require.Error(t, err)
	assert.Equal(t, memerr.KindCapabilityUnavailable, memerr.KindOf(err))
	require.NoError(t, rev.Validate(testCaps()))

	// Extraction implies the extractor the same way.
	rev, err = NewRevision(memory.OpMemorize, []Step{
		&fakeStep{id: "distill", role: RoleExtraction},
	})
	require.NoError(t, err)
	noExtractor := &capability.Set{Reranker: capability.NewLexicalReranker()}
	err = rev.Validate(noExtractor)
	require.Error(t, err)
	assert.Equal(t, memerr.KindCapabilityUnavailable, memerr.KindOf(err))
}

func TestDefaultPipelinesValidate(t *testing.T) {
	reg := NewRegistry(testCaps(), nil, nil)
	require.NoError(t, reg.InstallDefaults(context.Background()))

	for _, op := range []memory.Operation{memory.OpMemorize, memory.OpRetrieve, memory.OpEvolve} {
		rev, ok := reg.Current(op)
		require.True(t, ok, "no revision for %s", op)
		assert.NotEmpty(t, rev.StepIDs())
	}
}

func TestRegistryRetainsSupersededRevisions(t *testing.T) {
	reg := NewRegistry(testCaps(), nil, nil)
	require.NoError(t, reg.InstallDefaults(context.Background()))
	old, ok := reg.Current(memory.OpRetrieve)
	require.True(t, ok)

	edited, err := old.WithStepRemoved("rerank")
	require.NoError(t, err)
	require.NoError(t, reg.Install(context.Background(), edited))

	current, ok := reg.Current(memory.OpRetrieve)
	require.True(t, ok)
	assert.Equal(t, edited.ID(), current.ID())

	// The old revision is still resolvable for in-flight runs.
	retained, ok := reg.Get(old.ID())
	require.True(t, ok)
	assert.Equal(t, old.ID(), retained.ID())
}

// fakeRecorder captures recorded revision IDs per operation.
type fakeRecorder struct {
	recorded map[string]string
}

func (r *fakeRecorder) RecordPipelineRevision(ctx context.Context, op string, revisionID string) error {
	if r.recorded == nil {
		r.recorded = make(map[string]string)
	}
	r.recorded[op] = revisionID
	return nil
}

func TestRegistryRecordsRevisionIDs(t *testing.T) {
	rec := &fakeRecorder{}
	reg := NewRegistry(testCaps(), rec, nil)
	require.NoError(t, reg.InstallDefaults(context.Background()))

	for _, op := range []memory.Operation{memory.OpMemorize, memory.OpRetrieve, memory.OpEvolve} {
		rev, ok := reg.Current(op)
		require.True(t, ok)
		assert.Equal(t, rev.ID(), rec.recorded[string(op)])
	}

	// An edited install updates the recorded ID.
	old, _ := reg.Current(memory.OpRetrieve)
	edited, err := old.WithStepRemoved("rerank")
	require.NoError(t, err)
	require.NoError(t, reg.Install(context.Background(), edited))
	assert.Equal(t, edited.ID(), rec.recorded[string(memory.OpRetrieve)])
}

func TestRegistryRejectsInvalidInstall(t *testing.T) {
	reg := NewRegistry(testCaps(), nil, nil)
	require.NoError(t, reg.InstallDefaults(context.Background()))
	before, ok := reg.Current(memory.OpMemorize)
	require.True(t, ok)

	bad, err := NewRevision(memory.OpMemorize, []Step{
		&fakeStep{id: "x", requires: []string{"nonexistent_key"}},
	})
	require.NoError(t, err)
	require.Error(t, reg.Install(context.Background(), bad))

	// The previous revision stays current.
	after, ok := reg.Current(memory.OpMemorize)
	require.True(t, ok)
	assert.Equal(t, before.ID(), after.ID())
}
