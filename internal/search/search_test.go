package search

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiver-kb/quiver/internal/embedding"
	"github.com/quiver-kb/quiver/internal/vault"
	"github.com/quiver-kb/quiver/internal/vecstore"
)

type fixture struct {
	searcher *Searcher
	store    *vecstore.Store
	provider embedding.Provider
}

// newFixture writes the given notes into a temp vault and indexes them all.
func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	ctx := context.Background()

	root := t.TempDir()
	for identity, content := range files {
		path := filepath.Join(root, filepath.FromSlash(identity))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	v, err := vault.New(root)
	require.NoError(t, err)

	provider, err := embedding.New(embedding.Config{Model: "hash-384"}, nil)
	require.NoError(t, err)

	store, err := vecstore.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dim, err := provider.Dimension()
	require.NoError(t, err)
	require.NoError(t, store.InitializeSchema(ctx, provider.Model(), dim))

	for identity, content := range files {
		vec, err := provider.Embed(ctx, content)
		require.NoError(t, err)
		_, err = store.Upsert(ctx, identity, vault.ContentHash(content), vec)
		require.NoError(t, err)
	}

	return &fixture{
		searcher: NewSearcher(store, provider, v, nil),
		store:    store,
		provider: provider,
	}
}

func TestSemanticSearch_RanksAndPreviews(t *testing.T) {
	f := newFixture(t, map[string]string{
		"notes/meeting.md": "Project Alpha kickoff meeting agenda and attendees",
		"notes/recipe.md":  "Slow cooker chili recipe with beans and peppers",
	})

	results, err := f.searcher.SemanticSearch(context.Background(), "Alpha project meeting", Options{Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "notes/meeting.md", results[0].FileIdentity)
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.Contains(t, results[0].Preview, "Project Alpha kickoff")
}

func TestSemanticSearch_ScopeAndThreshold(t *testing.T) {
	f := newFixture(t, map[string]string{
		"work/plan.md":    "quarterly planning goals and milestones",
		"archive/plan.md": "quarterly planning goals and milestones",
		"work/lunch.md":   "sandwich shop around the corner",
	})
	ctx := context.Background()

	results, err := f.searcher.SemanticSearch(ctx, "planning goals", Options{Limit: 10, Scope: "work/"})
	require.NoError(t, err)
	for _, r := range results {
		assert.True(t, strings.HasPrefix(r.FileIdentity, "work/"))
	}

	results, err = f.searcher.SemanticSearch(ctx, "quarterly planning goals and milestones", Options{Limit: 10, Threshold: 0.95})
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestFindSimilar(t *testing.T) {
	f := newFixture(t, map[string]string{
		"a.md": "distributed systems consensus and replication",
		"b.md": "consensus protocols for distributed replication",
		"c.md": "watercolor painting techniques for beginners",
	})
	ctx := context.Background()

	results, err := f.searcher.FindSimilar(ctx, "a.md", 2, true)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "b.md", results[0].FileIdentity)
	for _, r := range results {
		assert.NotEqual(t, "a.md", r.FileIdentity)
	}

	results, err = f.searcher.FindSimilar(ctx, "a.md", 3, false)
	require.NoError(t, err)
	assert.Equal(t, "a.md", results[0].FileIdentity)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
}

func TestFindSimilar_UnindexedReference(t *testing.T) {
	f := newFixture(t, map[string]string{"a.md": "only note"})

	_, err := f.searcher.FindSimilar(context.Background(), "missing.md", 5, true)
	assert.ErrorIs(t, err, vecstore.ErrNotFound)
}

func TestFindDuplicates_IdenticalTriplet(t *testing.T) {
	content := "shopping list: milk, eggs, bread, coffee, and some fruit"
	f := newFixture(t, map[string]string{
		"copy1.md":     content,
		"copy2.md":     content,
		"copy3.md":     content,
		"unrelated.md": "notes from the astronomy lecture about exoplanets",
	})

	groups, err := f.searcher.FindDuplicates(context.Background(), DuplicateOptions{Threshold: 0.99})
	require.NoError(t, err)
	require.Len(t, groups, 1)

	g := groups[0]
	require.Len(t, g.Members, 3)
	identities := make([]string, 0, 3)
	for _, m := range g.Members {
		identities = append(identities, m.FileIdentity)
		assert.InDelta(t, 1.0, m.RepresentativeSimilarity, 1e-6)
	}
	assert.ElementsMatch(t, []string{"copy1.md", "copy2.md", "copy3.md"}, identities)
	assert.InDelta(t, 1.0, g.AvgSimilarity, 1e-6)
	assert.InDelta(t, 1.0, g.MaxSimilarity, 1e-6)
}

func TestFindDuplicates_MinContentLength(t *testing.T) {
	f := newFixture(t, map[string]string{
		"short1.md": "hello",
		"short2.md": "hello",
		"long1.md":  "this considerably longer note describes the deployment runbook in detail",
		"long2.md":  "this considerably longer note describes the deployment runbook in detail",
	})

	groups, err := f.searcher.FindDuplicates(context.Background(), DuplicateOptions{
		Threshold:        0.99,
		MinContentLength: 20,
	})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Members, 2)
	for _, m := range groups[0].Members {
		assert.True(t, strings.HasPrefix(m.FileIdentity, "long"))
	}
}

func TestFindDuplicates_ReorderedSentences(t *testing.T) {
	f := newFixture(t, map[string]string{
		"alpha1.md": "Project Alpha kickoff notes",
		"alpha2.md": "Kickoff notes for Project Alpha",
	})

	groups, err := f.searcher.FindDuplicates(context.Background(), DuplicateOptions{Threshold: 0.8})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Members, 2)
	assert.GreaterOrEqual(t, groups[0].MaxSimilarity, 0.8)
}

func TestFindDuplicates_NoCandidates(t *testing.T) {
	f := newFixture(t, map[string]string{"solo.md": "a single note"})

	groups, err := f.searcher.FindDuplicates(context.Background(), DuplicateOptions{Threshold: 0.9})
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestMakePreview(t *testing.T) {
	assert.Equal(t, "a b c", makePreview("a\n\n  b\tc"))

	long := strings.Repeat("word ", 100)
	preview := makePreview(long)
	assert.Len(t, []rune(preview), previewRunes+3)
	assert.True(t, strings.HasSuffix(preview, "..."))
}
