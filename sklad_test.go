package sklad

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/sklad/docs"
	"github.com/drpcorg/sklad/indexing"
)

func testEngine(t *testing.T, store *Store) *indexing.Engine {
	t.Helper()
	return store.NewEngine(indexing.Config{
		Name:                 "test",
		MaxConcurrentIndexes: 2,
		InitialBatchSize:     8,
		IdleInterval:         5 * time.Millisecond,
		Logger:               store.log,
	})
}

func TestEndToEnd_OneCycleIndexesEverything(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.CreateIndex(IndexDefinition{Name: "byName", Fields: []string{"name"}, Entities: []string{"Users"}}))

	var last docs.Etag
	for _, name := range []string{"ada", "bob", "eve"} {
		tag, err := store.Put("users/"+name, json.RawMessage(`{"name":"`+name+`"}`),
			docs.Metadata{docs.MetaEntity: "Users"})
		require.NoError(t, err)
		last = tag
	}

	eng := testEngine(t, store)
	worked, err := eng.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)

	mark, _, err := store.Watermark("byName")
	require.NoError(t, err)
	assert.Equal(t, last, mark)
	assert.False(t, store.IsStale("byName"))

	w := NewWriter(store)
	for _, name := range []string{"ada", "bob", "eve"} {
		keys, lerr := w.Lookup("byName", "name", name)
		require.NoError(t, lerr)
		assert.Equal(t, []string{"users/" + name}, keys)
	}

	worked, err = eng.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, worked, "caught up, nothing to do")
}

func TestEndToEnd_EntityRouting(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.CreateIndex(IndexDefinition{Name: "cars", Fields: []string{"model"}, Entities: []string{"Cars"}}))
	require.NoError(t, store.CreateIndex(IndexDefinition{Name: "everything", Fields: []string{"model", "name"}}))

	_, err := store.Put("cars/1", json.RawMessage(`{"model":"GAZ-24"}`), docs.Metadata{docs.MetaEntity: "Cars"})
	require.NoError(t, err)
	last, err := store.Put("users/ada", json.RawMessage(`{"name":"ada"}`), docs.Metadata{docs.MetaEntity: "Users"})
	require.NoError(t, err)

	eng := testEngine(t, store)
	worked, err := eng.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)

	w := NewWriter(store)
	keys, err := w.Lookup("cars", "model", "GAZ-24")
	require.NoError(t, err)
	assert.Equal(t, []string{"cars/1"}, keys)
	keys, err = w.Lookup("everything", "name", "ada")
	require.NoError(t, err)
	assert.Equal(t, []string{"users/ada"}, keys)

	// the entity-restricted index skipped the user but still moved past it
	for _, index := range []string{"cars", "everything"} {
		mark, _, werr := store.Watermark(index)
		require.NoError(t, werr)
		assert.Equal(t, last, mark, index)
	}
}

func TestEndToEnd_HiddenDocumentMovesWatermarkOnly(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.CreateIndex(IndexDefinition{Name: "byName", Fields: []string{"name"}}))

	tag, err := store.Put("users/ada", json.RawMessage(`{"name":"ada"}`),
		docs.Metadata{docs.MetaHidden: "true"})
	require.NoError(t, err)

	eng := testEngine(t, store)
	worked, err := eng.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)

	mark, _, err := store.Watermark("byName")
	require.NoError(t, err)
	assert.Equal(t, tag, mark)

	keys, err := NewWriter(store).Lookup("byName", "name", "ada")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestEndToEnd_IdleCycleSweepsPostings(t *testing.T) {
	store := testStore(t)
	w := NewWriter(store)
	require.NoError(t, store.CreateIndex(IndexDefinition{Name: "byName", Fields: []string{"name"}}))
	_, err := store.Put("users/ada", json.RawMessage(`{"name":"ada"}`), nil)
	require.NoError(t, err)

	eng := testEngine(t, store)
	worked, err := eng.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)

	require.NoError(t, store.Delete("users/ada"))

	worked, err = eng.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, worked, "no indexing due, the sweep ran instead")
	hashes, err := w.hashesOf("byName", "users/ada")
	require.NoError(t, err)
	assert.Empty(t, hashes)

	worked, err = eng.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestEndToEnd_RunLoopFollowsWrites(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.CreateIndex(IndexDefinition{Name: "byName", Fields: []string{"name"}}))
	eng := testEngine(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(done)
	}()

	tag, err := store.Put("users/ada", json.RawMessage(`{"name":"ada"}`), nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mark, _, werr := store.Watermark("byName")
		return werr == nil && mark == tag
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
