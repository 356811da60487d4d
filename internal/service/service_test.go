package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/capability"
	"github.com/fyrsmithlabs/memoryd/internal/memerr"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
	"github.com/fyrsmithlabs/memoryd/internal/metastore"
	"github.com/fyrsmithlabs/memoryd/internal/pipeline"
	"github.com/fyrsmithlabs/memoryd/internal/policy"
	"github.com/fyrsmithlabs/memoryd/internal/runner"
	"github.com/fyrsmithlabs/memoryd/internal/scope"
	"github.com/fyrsmithlabs/memoryd/internal/vectorindex"
)

// newTestService wires the full engine on in-process backends: in-memory
// store, brute-force index, heuristic extraction, hash embeddings, and the
// inline runner.
func newTestService(t *testing.T, pol policy.Config) *Service {
	t.Helper()
	ctx := context.Background()

	store := metastore.NewInMemory()
	schema, err := scope.NewSchema("user_id:string", "agent_id:string")
	require.NoError(t, err)
	scopes := scope.NewManager(store, zap.NewNop())
	require.NoError(t, scopes.Provision(ctx, schema))

	caps := &capability.Set{
		Extractor: capability.NewHeuristicExtractor(capability.HeuristicConfig{}),
		Embedder:  capability.NewHashEmbedder(64),
		Reranker:  capability.NewLexicalReranker(),
	}
	index := vectorindex.NewBrute()
	deps := pipeline.Deps{
		Store:  store,
		Index:  index,
		Caps:   caps,
		Policy: policy.NewEngine(pol, nil),
		Scopes: scopes,
		Logger: zap.NewNop(),
	}
	registry := pipeline.NewRegistry(caps, scopes, nil)
	require.NoError(t, registry.InstallDefaults(ctx))
	run := runner.NewInline(runner.InlineConfig{}, deps, nil)

	return New(Config{}, store, index, caps, scopes, registry, run, nil, nil)
}

func aliceKey() scope.Key {
	return scope.Key{"user_id": "alice", "agent_id": "coder"}
}

func aliceSelector() scope.Selector {
	return scope.Selector{
		"user_id":  scope.Exact("alice"),
		"agent_id": scope.Exact("coder"),
	}
}

const sampleConversation = "My favorite color is blue. " +
	"I really love dark roast coffee in the morning. " +
	"The weather report said nothing of interest."

func TestMemorizeThenRetrieve(t *testing.T) {
	svc := newTestService(t, policy.Config{})
	ctx := context.Background()

	res, err := svc.Memorize(ctx, aliceKey(), pipeline.MemorizeInput{
		Modality: memory.ModalityConversation,
		Content:  sampleConversation,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	require.NotNil(t, res.Resource)
	require.NotEmpty(t, res.NewItems)
	assert.False(t, res.Deduplicated)

	got, err := svc.Retrieve(ctx, aliceSelector(), "favorite color", 5)
	require.NoError(t, err)
	require.NotNil(t, got.Context)
	require.NotEmpty(t, got.Context.Items)

	top := got.Context.Items[0]
	assert.Contains(t, strings.ToLower(top.Item.Text), "favorite color")

	// The items carry their source resource as provenance.
	require.NotEmpty(t, got.Context.Resources)
	assert.Equal(t, res.Resource.ID, got.Context.Resources[0].ID)

	// Both runs left inspectable logs.
	for _, runID := range []string{res.RunID, got.RunID} {
		rl, err := svc.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, memory.RunSucceeded, rl.Status)
		assert.NotEmpty(t, rl.Steps)
	}
}

func TestMemorizeDeduplicates(t *testing.T) {
	svc := newTestService(t, policy.Config{})
	ctx := context.Background()

	in := pipeline.MemorizeInput{
		Modality: memory.ModalityConversation,
		Content:  sampleConversation,
	}
	first, err := svc.Memorize(ctx, aliceKey(), in)
	require.NoError(t, err)
	require.False(t, first.Deduplicated)

	second, err := svc.Memorize(ctx, aliceKey(), in)
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Empty(t, second.NewItems)
	assert.Equal(t, first.Resource.ID, second.Resource.ID)
}

func TestMemorizeValidation(t *testing.T) {
	svc := newTestService(t, policy.Config{})
	ctx := context.Background()

	_, err := svc.Memorize(ctx, aliceKey(), pipeline.MemorizeInput{
		Modality: "video",
		Content:  "x",
	})
	require.Error(t, err)
	assert.Equal(t, memerr.KindValidation, memerr.KindOf(err))

	_, err = svc.Memorize(ctx, aliceKey(), pipeline.MemorizeInput{
		Modality: memory.ModalityConversation,
	})
	require.Error(t, err)
	assert.Equal(t, memerr.KindValidation, memerr.KindOf(err))

	big := strings.Repeat("a", (1<<20)+1)
	_, err = svc.Memorize(ctx, aliceKey(), pipeline.MemorizeInput{
		Modality: memory.ModalityConversation,
		Content:  big,
	})
	require.Error(t, err)
	assert.Equal(t, memerr.KindValidation, memerr.KindOf(err))
}

func TestMemorizeRejectsMismatchedScope(t *testing.T) {
	svc := newTestService(t, policy.Config{})

	_, err := svc.Memorize(context.Background(), scope.Key{"user_id": "alice"}, pipeline.MemorizeInput{
		Modality: memory.ModalityConversation,
		Content:  "x",
	})
	require.Error(t, err)
	assert.Equal(t, memerr.KindScopeSchemaMismatch, memerr.KindOf(err))
}

func TestRetrieveCrossScopeDeniedByDefault(t *testing.T) {
	svc := newTestService(t, policy.Config{})

	_, err := svc.Retrieve(context.Background(), scope.Selector{
		"user_id":  scope.OneOf("alice", "bob"),
		"agent_id": scope.Exact("coder"),
	}, "anything", 5)
	require.Error(t, err)
	assert.Equal(t, memerr.KindPolicyViolation, memerr.KindOf(err))

	// The failed run still left a log.
	var me *memerr.Error
	require.ErrorAs(t, err, &me)
	require.NotEmpty(t, me.RunID)
	rl, err := svc.GetRun(context.Background(), me.RunID)
	require.NoError(t, err)
	assert.Equal(t, memory.RunFailed, rl.Status)
}

func TestRetrieveCrossScopeWhenPermitted(t *testing.T) {
	svc := newTestService(t, policy.Config{AllowCrossScope: true})
	ctx := context.Background()

	for _, user := range []string{"alice", "bob"} {
		_, err := svc.Memorize(ctx, scope.Key{"user_id": user, "agent_id": "coder"}, pipeline.MemorizeInput{
			Modality: memory.ModalityConversation,
			Content:  "I really love dark roast coffee, says " + user + ".",
		})
		require.NoError(t, err)
	}

	got, err := svc.Retrieve(ctx, scope.Selector{
		"user_id":  scope.OneOf("alice", "bob"),
		"agent_id": scope.Exact("coder"),
	}, "dark roast coffee", 10)
	require.NoError(t, err)
	require.NotNil(t, got.Context)
	assert.GreaterOrEqual(t, len(got.Context.Items), 2)
}

func TestMemorizeUpdatesIntention(t *testing.T) {
	svc := newTestService(t, policy.Config{})
	ctx := context.Background()
	sk := aliceKey()

	_, err := svc.Memorize(ctx, sk, pipeline.MemorizeInput{
		Modality: memory.ModalityConversation,
		Content:  "I plan to ship the beta release next month.",
	})
	require.NoError(t, err)

	intention, err := svc.GetIntention(ctx, sk)
	require.NoError(t, err)
	assert.Equal(t, 1, intention.Version)
	assert.Contains(t, strings.ToLower(intention.Goals), "ship the beta release")

	// New goal-bearing content revises the intention and bumps its version.
	_, err = svc.Memorize(ctx, sk, pipeline.MemorizeInput{
		Modality: memory.ModalityConversation,
		Content:  "I want to cut the error budget in half.",
	})
	require.NoError(t, err)

	intention, err = svc.GetIntention(ctx, sk)
	require.NoError(t, err)
	assert.Equal(t, 2, intention.Version)
	assert.Contains(t, strings.ToLower(intention.Goals), "cut the error budget")
}

func TestRetrieveAnswersFromIntentionLayer(t *testing.T) {
	svc := newTestService(t, policy.Config{})
	ctx := context.Background()

	_, err := svc.Memorize(ctx, aliceKey(), pipeline.MemorizeInput{
		Modality: memory.ModalityConversation,
		Content:  "I plan to improve retrieval latency. My favorite color is blue.",
	})
	require.NoError(t, err)

	// The intention's goals cover this query, so retrieval answers from the
	// intention layer without descending to categories or items.
	got, err := svc.Retrieve(ctx, aliceSelector(), "improve retrieval latency", 5)
	require.NoError(t, err)
	require.NotNil(t, got.Context)
	require.NotNil(t, got.Context.Intention)
	assert.Empty(t, got.Context.Items)
	assert.Empty(t, got.Context.Categories)
	assert.Equal(t, "improve retrieval latency", got.Context.NextStepQuery)

	// A query outside the intention descends to the item layer as usual.
	got, err = svc.Retrieve(ctx, aliceSelector(), "favorite color", 5)
	require.NoError(t, err)
	require.NotEmpty(t, got.Context.Items)
}

func TestScopeIsolation(t *testing.T) {
	svc := newTestService(t, policy.Config{})
	ctx := context.Background()

	_, err := svc.Memorize(ctx, aliceKey(), pipeline.MemorizeInput{
		Modality: memory.ModalityConversation,
		Content:  sampleConversation,
	})
	require.NoError(t, err)

	// An equally-shaped but different scope sees none of it.
	bob := scope.Selector{
		"user_id":  scope.Exact("bob"),
		"agent_id": scope.Exact("coder"),
	}
	got, err := svc.Retrieve(ctx, bob, "favorite color", 5)
	require.NoError(t, err)
	require.NotNil(t, got.Context)
	assert.Empty(t, got.Context.Items)
	assert.Empty(t, got.Context.Categories)
	assert.Empty(t, got.Context.Resources)
	assert.Nil(t, got.Context.Intention)

	_, err = svc.GetIntention(ctx, scope.Key{"user_id": "bob", "agent_id": "coder"})
	require.Error(t, err)
	assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))
}

func TestEvolveAfterMemorize(t *testing.T) {
	svc := newTestService(t, policy.Config{})
	ctx := context.Background()

	_, err := svc.Memorize(ctx, aliceKey(), pipeline.MemorizeInput{
		Modality: memory.ModalityConversation,
		Content:  sampleConversation,
	})
	require.NoError(t, err)

	res, err := svc.Evolve(ctx, aliceKey())
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	require.NotNil(t, res.Diff)

	rl, err := svc.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, memory.RunSucceeded, rl.Status)
}

func TestReadPathsAfterMemorize(t *testing.T) {
	svc := newTestService(t, policy.Config{})
	ctx := context.Background()
	sk := aliceKey()

	res, err := svc.Memorize(ctx, sk, pipeline.MemorizeInput{
		Modality: memory.ModalityConversation,
		Content:  sampleConversation,
	})
	require.NoError(t, err)

	r, err := svc.GetResource(ctx, sk, res.Resource.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Resource.ID, r.ID)

	cats, err := svc.ListCategories(ctx, sk)
	require.NoError(t, err)
	require.NotEmpty(t, cats)

	detail, err := svc.GetCategory(ctx, sk, cats[0].Name)
	require.NoError(t, err)
	assert.Equal(t, cats[0].Name, detail.Category.Name)
	assert.NotEmpty(t, detail.Items)

	item, err := svc.GetItem(ctx, sk, res.NewItems[0].ID)
	require.NoError(t, err)
	assert.Equal(t, res.NewItems[0].ID, item.ID)
}

func TestDeleteScopePurges(t *testing.T) {
	svc := newTestService(t, policy.Config{})
	ctx := context.Background()
	sk := aliceKey()

	res, err := svc.Memorize(ctx, sk, pipeline.MemorizeInput{
		Modality: memory.ModalityConversation,
		Content:  sampleConversation,
	})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteScope(ctx, sk))

	_, err = svc.GetItem(ctx, sk, res.NewItems[0].ID)
	require.Error(t, err)
	assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))

	got, err := svc.Retrieve(ctx, aliceSelector(), "favorite color", 5)
	require.NoError(t, err)
	assert.Empty(t, got.Context.Items)
}
