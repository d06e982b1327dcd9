package vecstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSearchStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	store := newReadyStore(t, 3, opts...)
	ctx := context.Background()

	vectors := map[string][]float32{
		"notes/exact.md":    {1, 0, 0},
		"notes/close.md":    {0.9, 0.1, 0},
		"notes/far.md":      {0, 0, 1},
		"archive/exact.md":  {1, 0, 0},
		"archive/medium.md": {0.5, 0.5, 0},
	}
	for identity, vec := range vectors {
		_, err := store.Upsert(ctx, identity, "h", vec)
		require.NoError(t, err)
	}
	return store
}

func TestSearch_DescendingWithTieBreak(t *testing.T) {
	store := seedSearchStore(t)

	matches, err := store.Search(context.Background(), []float32{1, 0, 0}, SearchOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, matches, 5)

	// Scores strictly descending; equal scores ordered by ascending identity
	for i := 1; i < len(matches); i++ {
		if matches[i-1].Score == matches[i].Score {
			assert.Less(t, matches[i-1].FileIdentity, matches[i].FileIdentity)
		} else {
			assert.Greater(t, matches[i-1].Score, matches[i].Score)
		}
	}

	// The two identical vectors tie at 1.0 and sort by identity
	assert.Equal(t, "archive/exact.md", matches[0].FileIdentity)
	assert.Equal(t, "notes/exact.md", matches[1].FileIdentity)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-9)
}

func TestSearch_Limit(t *testing.T) {
	store := seedSearchStore(t)

	matches, err := store.Search(context.Background(), []float32{1, 0, 0}, SearchOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	matches, err = store.Search(context.Background(), []float32{1, 0, 0}, SearchOptions{Limit: 0})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestSearch_Threshold(t *testing.T) {
	store := seedSearchStore(t)

	matches, err := store.Search(context.Background(), []float32{1, 0, 0},
		SearchOptions{Limit: 10, Threshold: 0.95})
	require.NoError(t, err)
	require.Len(t, matches, 3)
	for _, m := range matches {
		assert.GreaterOrEqual(t, m.Score, 0.95)
	}
}

func TestSearch_ScopeFilter(t *testing.T) {
	store := seedSearchStore(t)

	matches, err := store.Search(context.Background(), []float32{1, 0, 0},
		SearchOptions{Limit: 10, ScopePrefix: "archive/"})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	for _, m := range matches {
		assert.Contains(t, m.FileIdentity, "archive/")
	}
}

func TestSearch_WrongQueryDimension(t *testing.T) {
	store := seedSearchStore(t)
	_, err := store.Search(context.Background(), []float32{1, 0}, SearchOptions{Limit: 5})
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestSearch_ANNPathMatchesExactForTopResults(t *testing.T) {
	// Force the ANN path with a tiny cutoff and compare against the exact
	// scan from an identically seeded store.
	annStore := seedSearchStore(t, WithANNCutoff(1))
	exactStore := seedSearchStore(t)
	ctx := context.Background()

	query := []float32{0.8, 0.2, 0}
	annMatches, err := annStore.Search(ctx, query, SearchOptions{Limit: 3})
	require.NoError(t, err)
	exactMatches, err := exactStore.Search(ctx, query, SearchOptions{Limit: 3})
	require.NoError(t, err)

	// At this scale the graph holds every vector, so ranking is identical
	assert.Equal(t, exactMatches, annMatches)
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1.0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0.0},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestVectorCodecRoundTrip(t *testing.T) {
	vec := []float32{0.1, -2.5, 0, 3.14159, 1e-20}
	assert.Equal(t, vec, deserializeVector(serializeVector(vec)))
	assert.Empty(t, deserializeVector(nil))
}
