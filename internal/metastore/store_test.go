package metastore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/memoryd/internal/memerr"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
	"github.com/fyrsmithlabs/memoryd/internal/scope"
)

// The conformance suite runs against every backend that can be exercised
// without external services. Postgres shares the SQL shape with SQLite and
// is covered by integration environments.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"inmemory": NewInMemory(),
		"sqlite":   sqlite,
	}
}

func testSchema(t *testing.T) *scope.Schema {
	t.Helper()
	schema, err := scope.NewSchema("user_id:string", "agent_id:string")
	require.NoError(t, err)
	return schema
}

func provision(t *testing.T, store Store) {
	t.Helper()
	require.NoError(t, store.Provision(context.Background(), testSchema(t)))
}

var (
	scopeAlice = scope.Key{"user_id": "alice", "agent_id": "coder"}
	scopeBob   = scope.Key{"user_id": "bob", "agent_id": "coder"}
)

func seedScope(t *testing.T, store Store, sk scope.Key) (*memory.Resource, *memory.Item, *memory.Category) {
	t.Helper()
	ctx := context.Background()

	res, err := memory.NewResource(sk, memory.ModalityConversation, "user: I prefer dark roast", "")
	require.NoError(t, err)
	item, err := memory.NewItem(sk, res.ID, "User prefers dark roast coffee", memory.Evidence{Offset: 6}, 0.8, true)
	require.NoError(t, err)
	cat, err := memory.NewCategory(sk, "preferences", "")
	require.NoError(t, err)

	require.NoError(t, store.Apply(ctx, sk, &Batch{
		Resources:  []*memory.Resource{res},
		Items:      []*memory.Item{item},
		Categories: []*memory.Category{cat},
		Links:      []memory.CategoryLink{{Scope: sk, CategoryID: cat.ID, ItemID: item.ID}},
		Intention:  &memory.Intention{Scope: sk, Goals: "learn the user's tastes", Version: 1},
	}))
	return res, item, cat
}

func TestStoreDeploymentRoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d, err := store.LoadDeployment(ctx)
			require.NoError(t, err)
			assert.Nil(t, d)

			schema := testSchema(t)
			require.NoError(t, store.SaveDeployment(ctx, &scope.Deployment{
				SchemaFingerprint: schema.Fingerprint(),
				Schema:            schema,
				SchemaVersion:     1,
				TaxonomyVersion:   1,
			}))

			d, err = store.LoadDeployment(ctx)
			require.NoError(t, err)
			require.NotNil(t, d)
			assert.Equal(t, schema.Fingerprint(), d.SchemaFingerprint)
			assert.Equal(t, schema.FieldNames(), d.Schema.FieldNames())
		})
	}
}

func TestStoreApplyAndRead(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			provision(t, store)
			res, item, cat := seedScope(t, store, scopeAlice)

			got, err := store.GetResource(ctx, scopeAlice, res.ID)
			require.NoError(t, err)
			assert.Equal(t, res.ContentHash, got.ContentHash)
			assert.True(t, got.Scope.Equal(scopeAlice))

			byHash, err := store.FindResourceByHash(ctx, scopeAlice, res.ContentHash)
			require.NoError(t, err)
			assert.Equal(t, res.ID, byHash.ID)

			it, err := store.GetItem(ctx, scopeAlice, item.ID)
			require.NoError(t, err)
			assert.Equal(t, item.Text, it.Text)
			assert.InDelta(t, 0.8, it.Confidence, 1e-9)
			assert.True(t, it.Stable)

			items, err := store.ListItems(ctx, scopeAlice, ListItemsOptions{ActiveOnly: true})
			require.NoError(t, err)
			require.Len(t, items, 1)

			byName, err := store.GetCategoryByName(ctx, scopeAlice, "preferences")
			require.NoError(t, err)
			assert.Equal(t, cat.ID, byName.ID)

			members, err := store.ListItemsInCategory(ctx, scopeAlice, cat.ID)
			require.NoError(t, err)
			require.Len(t, members, 1)
			assert.Equal(t, item.ID, members[0].ID)

			cats, err := store.ListCategoriesForItem(ctx, scopeAlice, item.ID)
			require.NoError(t, err)
			require.Len(t, cats, 1)
			assert.Equal(t, "preferences", cats[0].Name)

			in, err := store.GetIntention(ctx, scopeAlice)
			require.NoError(t, err)
			assert.Equal(t, "learn the user's tastes", in.Goals)
		})
	}
}

func TestStoreScopeIsolation(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			provision(t, store)
			res, item, _ := seedScope(t, store, scopeAlice)

			// Bob's scope sees none of Alice's rows, not even by ID.
			_, err := store.GetResource(ctx, scopeBob, res.ID)
			assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))
			_, err = store.GetItem(ctx, scopeBob, item.ID)
			assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))

			items, err := store.ListItems(ctx, scopeBob, ListItemsOptions{})
			require.NoError(t, err)
			assert.Empty(t, items)
			cats, err := store.ListCategories(ctx, scopeBob, ListCategoriesOptions{})
			require.NoError(t, err)
			assert.Empty(t, cats)
		})
	}
}

func TestStoreMembershipJoinsStayInScope(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			provision(t, store)
			_, aliceItem, aliceCat := seedScope(t, store, scopeAlice)

			// Bob holds entities with the same IDs but no membership link.
			// Alice's link row must not join them together.
			bobItem := *aliceItem
			bobItem.Scope = scopeBob.Clone()
			bobCat := *aliceCat
			bobCat.Scope = scopeBob.Clone()
			require.NoError(t, store.Apply(ctx, scopeBob, &Batch{
				Items:      []*memory.Item{&bobItem},
				Categories: []*memory.Category{&bobCat},
			}))

			members, err := store.ListItemsInCategory(ctx, scopeBob, bobCat.ID)
			require.NoError(t, err)
			assert.Empty(t, members)

			cats, err := store.ListCategoriesForItem(ctx, scopeBob, bobItem.ID)
			require.NoError(t, err)
			assert.Empty(t, cats)

			// Alice's view is unchanged.
			members, err = store.ListItemsInCategory(ctx, scopeAlice, aliceCat.ID)
			require.NoError(t, err)
			assert.Len(t, members, 1)
		})
	}
}

func TestStoreApplyRejectsForeignScope(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			provision(t, store)
			item, err := memory.NewItem(scopeBob, "res-1", "bob's fact", memory.Evidence{}, 0.5, false)
			require.NoError(t, err)

			err = store.Apply(context.Background(), scopeAlice, &Batch{Items: []*memory.Item{item}})
			require.Error(t, err)
			assert.Equal(t, memerr.KindValidation, memerr.KindOf(err))
		})
	}
}

func TestStoreSupersedeItem(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			provision(t, store)
			_, item, _ := seedScope(t, store, scopeAlice)

			revised, err := item.Revise("User prefers dark roast, no sugar", 0.9)
			require.NoError(t, err)
			old := *item
			old.SupersededBy = revised.ID
			require.NoError(t, store.Apply(ctx, scopeAlice, &Batch{
				Items: []*memory.Item{&old, revised},
			}))

			active, err := store.ListItems(ctx, scopeAlice, ListItemsOptions{ActiveOnly: true})
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, revised.ID, active[0].ID)
			assert.Equal(t, 2, active[0].Version)

			// The prior version is retained for audit.
			all, err := store.ListItems(ctx, scopeAlice, ListItemsOptions{})
			require.NoError(t, err)
			assert.Len(t, all, 2)
		})
	}
}

func TestStoreRunLogs(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			provision(t, store)

			rl := memory.NewRunLog(scopeAlice, memory.OpMemorize, "rev-1", "conversation inline")
			require.NoError(t, store.PutRunLog(ctx, rl))

			rl.Finish(memory.RunFailed, assert.AnError)
			require.NoError(t, store.PutRunLog(ctx, rl))

			got, err := store.GetRunLog(ctx, rl.RunID)
			require.NoError(t, err)
			assert.Equal(t, memory.RunFailed, got.Status)
			assert.NotEmpty(t, got.Error)
			assert.False(t, got.FinishedAt.IsZero())

			_, err = store.GetRunLog(ctx, "missing")
			assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))
		})
	}
}

func TestStoreDeleteScope(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			provision(t, store)
			seedScope(t, store, scopeAlice)
			seedScope(t, store, scopeBob)

			require.NoError(t, store.DeleteScope(ctx, scopeAlice))

			items, err := store.ListItems(ctx, scopeAlice, ListItemsOptions{})
			require.NoError(t, err)
			assert.Empty(t, items)
			_, err = store.GetIntention(ctx, scopeAlice)
			assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))

			// Bob is untouched.
			items, err = store.ListItems(ctx, scopeBob, ListItemsOptions{})
			require.NoError(t, err)
			assert.Len(t, items, 1)
		})
	}
}

func TestBatchEmpty(t *testing.T) {
	assert.True(t, (&Batch{}).Empty())
	assert.True(t, (*Batch)(nil).Empty())
	assert.False(t, (&Batch{Intention: &memory.Intention{}}).Empty())
}
