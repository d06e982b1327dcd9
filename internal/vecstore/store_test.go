package vecstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	store, err := Open(":memory:", nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newReadyStore(t *testing.T, dimension int, opts ...Option) *Store {
	t.Helper()
	store := newTestStore(t, opts...)
	require.NoError(t, store.InitializeSchema(context.Background(), "test-model", dimension))
	return store
}

func TestSearch_BeforeSchemaInit(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Search(context.Background(), []float32{1, 0, 0}, SearchOptions{Limit: 5})
	assert.ErrorIs(t, err, ErrIndexNotReady)
}

func TestInitializeSchema_DimensionConflict(t *testing.T) {
	store := newReadyStore(t, 3)
	ctx := context.Background()

	// Same model and dimension validates
	require.NoError(t, store.InitializeSchema(ctx, "test-model", 3))

	// Different dimension is a hard error
	err := store.InitializeSchema(ctx, "test-model", 5)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
	assert.Contains(t, err.Error(), "reset")

	// Different model at the same dimension is also rejected
	err = store.InitializeSchema(ctx, "other-model", 3)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestUpsert_Idempotent(t *testing.T) {
	store := newReadyStore(t, 3)
	ctx := context.Background()

	id1, err := store.Upsert(ctx, "notes/a.md", "hash1", []float32{1, 0, 0})
	require.NoError(t, err)
	assert.NotZero(t, id1)

	// Identical arguments leave exactly one record
	id2, err := store.Upsert(ctx, "notes/a.md", "hash1", []float32{1, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "upsert must keep the surrogate id")

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpsert_ReplacesOnContentChange(t *testing.T) {
	store := newReadyStore(t, 3)
	ctx := context.Background()

	_, err := store.Upsert(ctx, "notes/a.md", "hash1", []float32{1, 0, 0})
	require.NoError(t, err)
	_, err = store.Upsert(ctx, "notes/a.md", "hash2", []float32{0, 1, 0})
	require.NoError(t, err)

	rec, err := store.Get(ctx, "notes/a.md")
	require.NoError(t, err)
	assert.Equal(t, "hash2", rec.ContentHash)
	assert.Equal(t, []float32{0, 1, 0}, rec.Embedding)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpsert_WrongDimension(t *testing.T) {
	store := newReadyStore(t, 3)
	_, err := store.Upsert(context.Background(), "notes/a.md", "hash1", []float32{1, 0})
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestUpsert_BeforeSchemaInit(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Upsert(context.Background(), "notes/a.md", "hash1", []float32{1, 0, 0})
	assert.ErrorIs(t, err, ErrIndexNotReady)
}

func TestDelete(t *testing.T) {
	store := newReadyStore(t, 3)
	ctx := context.Background()

	_, err := store.Upsert(ctx, "notes/a.md", "hash1", []float32{1, 0, 0})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "notes/a.md"))
	_, err = store.Get(ctx, "notes/a.md")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting an absent identity is a no-op
	assert.NoError(t, store.Delete(ctx, "notes/missing.md"))
	// As is deleting before schema init
	assert.NoError(t, newTestStore(t).Delete(ctx, "notes/a.md"))
}

func TestGet_NotFound(t *testing.T) {
	store := newReadyStore(t, 3)
	_, err := store.Get(context.Background(), "notes/missing.md")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList_ScopeFilter(t *testing.T) {
	store := newReadyStore(t, 3)
	ctx := context.Background()

	for _, identity := range []string{"work/a.md", "work/b.md", "personal/c.md"} {
		_, err := store.Upsert(ctx, identity, "h", []float32{1, 0, 0})
		require.NoError(t, err)
	}

	records, err := store.List(ctx, "work/")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "work/a.md", records[0].FileIdentity)
	assert.Equal(t, "work/b.md", records[1].FileIdentity)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestReset(t *testing.T) {
	store := newReadyStore(t, 3)
	ctx := context.Background()

	_, err := store.Upsert(ctx, "notes/a.md", "hash1", []float32{1, 0, 0})
	require.NoError(t, err)

	require.NoError(t, store.Reset(ctx))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, ok := store.Meta()
	assert.False(t, ok)

	_, err = store.Search(ctx, []float32{1, 0, 0}, SearchOptions{Limit: 5})
	assert.ErrorIs(t, err, ErrIndexNotReady)

	// A reset index can be re-initialized with a new dimension
	require.NoError(t, store.InitializeSchema(ctx, "other-model", 5))
	meta, ok := store.Meta()
	require.True(t, ok)
	assert.Equal(t, 5, meta.Dimension)
}

func TestOpen_ReloadsExistingSchema(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/index.db"

	store, err := Open(path, nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.InitializeSchema(ctx, "test-model", 4))
	_, err = store.Upsert(ctx, "notes/a.md", "h", []float32{1, 0, 0, 0})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	meta, ok := reopened.Meta()
	require.True(t, ok)
	assert.Equal(t, Meta{Model: "test-model", Dimension: 4}, meta)

	n, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// And the old dimension is still enforced
	err = reopened.InitializeSchema(ctx, "test-model", 8)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestLikePrefixPattern(t *testing.T) {
	assert.Equal(t, `work/%`, likePrefixPattern("work/"))
	assert.Equal(t, `odd\%name\_%`, likePrefixPattern("odd%name_"))
}
