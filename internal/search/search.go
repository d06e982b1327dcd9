// Package search provides the query-side operations over an indexed
// vault: semantic search with previews, similar-note lookup, and
// duplicate detection.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/quiver-kb/quiver/internal/embedding"
	"github.com/quiver-kb/quiver/internal/vault"
	"github.com/quiver-kb/quiver/internal/vecstore"
)

const previewRunes = 200

// Options narrows a semantic search.
type Options struct {
	Limit     int
	Threshold float64 // results scoring below are excluded when > 0
	Scope     string  // identity path prefix, e.g. "notes/"
}

// Result is one search hit with a short content preview.
type Result struct {
	FileIdentity string
	Score        float64
	Preview      string
}

// DuplicateOptions controls duplicate detection.
type DuplicateOptions struct {
	Threshold        float64 // pairwise similarity forming a duplicate edge
	Scope            string
	MinContentLength int // notes shorter than this many bytes are ignored
}

// GroupMember is one note inside a duplicate group.
type GroupMember struct {
	FileIdentity string
	// RepresentativeSimilarity is the cosine similarity between this
	// member and the group's representative note.
	RepresentativeSimilarity float64
}

// Group is one set of near-duplicate notes.
type Group struct {
	Representative string
	Members        []GroupMember
	AvgSimilarity  float64
	MaxSimilarity  float64
}

// Searcher coordinates query embedding, vector search, and preview reads.
type Searcher struct {
	store    *vecstore.Store
	provider embedding.Provider
	vault    *vault.Vault
	logger   *zap.Logger
}

// NewSearcher creates a Searcher over its collaborators.
func NewSearcher(store *vecstore.Store, provider embedding.Provider, v *vault.Vault, logger *zap.Logger) *Searcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Searcher{
		store:    store,
		provider: provider,
		vault:    v,
		logger:   logger,
	}
}

// SemanticSearch embeds the query and returns the closest notes, sorted
// by descending similarity with ties broken by ascending identity.
func (s *Searcher) SemanticSearch(ctx context.Context, query string, opts Options) ([]Result, error) {
	vec, err := s.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	matches, err := s.store.Search(ctx, vec, vecstore.SearchOptions{
		Limit:       opts.Limit,
		Threshold:   opts.Threshold,
		ScopePrefix: opts.Scope,
	})
	if err != nil {
		return nil, err
	}
	return s.attachPreviews(matches), nil
}

// FindSimilar searches using the stored embedding of reference as the
// query vector. Returns vecstore.ErrNotFound when the reference has not
// been indexed.
func (s *Searcher) FindSimilar(ctx context.Context, reference string, limit int, excludeSelf bool) ([]Result, error) {
	rec, err := s.store.Get(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("reference %s: %w", reference, err)
	}

	fetch := limit
	if excludeSelf && fetch > 0 {
		fetch++ // the reference itself will rank first
	}
	matches, err := s.store.Search(ctx, rec.Embedding, vecstore.SearchOptions{Limit: fetch})
	if err != nil {
		return nil, err
	}

	if excludeSelf {
		filtered := matches[:0]
		for _, m := range matches {
			if m.FileIdentity != reference {
				filtered = append(filtered, m)
			}
		}
		matches = filtered
		if limit > 0 && len(matches) > limit {
			matches = matches[:limit]
		}
	}
	return s.attachPreviews(matches), nil
}

// FindDuplicates groups near-identical notes. Two notes are connected
// when their cosine similarity reaches opts.Threshold; the duplicate
// groups are the connected components with at least two members.
func (s *Searcher) FindDuplicates(ctx context.Context, opts DuplicateOptions) ([]Group, error) {
	records, err := s.store.List(ctx, opts.Scope)
	if err != nil {
		return nil, err
	}

	candidates := records[:0]
	for _, rec := range records {
		if opts.MinContentLength > 0 {
			text, readErr := s.vault.ReadText(rec.FileIdentity)
			if readErr != nil || len(text) < opts.MinContentLength {
				continue
			}
		}
		candidates = append(candidates, rec)
	}
	if len(candidates) < 2 {
		return []Group{}, nil
	}

	uf := newUnionFind(len(candidates))
	sims := make([][]float64, len(candidates))
	for i := range candidates {
		sims[i] = make([]float64, len(candidates))
	}
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			sim := vecstore.CosineSimilarity(candidates[i].Embedding, candidates[j].Embedding)
			sims[i][j], sims[j][i] = sim, sim
			if sim >= opts.Threshold {
				uf.union(i, j)
			}
		}
	}

	components := make(map[int][]int)
	for i := range candidates {
		root := uf.find(i)
		components[root] = append(components[root], i)
	}

	groups := make([]Group, 0, len(components))
	for _, members := range components {
		if len(members) < 2 {
			continue
		}
		groups = append(groups, buildGroup(candidates, members, sims))
	}

	sort.Slice(groups, func(a, b int) bool {
		if groups[a].MaxSimilarity != groups[b].MaxSimilarity {
			return groups[a].MaxSimilarity > groups[b].MaxSimilarity
		}
		return groups[a].Representative < groups[b].Representative
	})
	return groups, nil
}

// buildGroup picks the member nearest the group mean vector as the
// representative and reports each member's similarity to it.
func buildGroup(records []vecstore.Record, members []int, sims [][]float64) Group {
	dim := len(records[members[0]].Embedding)
	mean := make([]float32, dim)
	for _, idx := range members {
		for d, v := range records[idx].Embedding {
			mean[d] += v
		}
	}
	for d := range mean {
		mean[d] /= float32(len(members))
	}

	repIdx := members[0]
	best := -2.0
	for _, idx := range members {
		sim := vecstore.CosineSimilarity(records[idx].Embedding, mean)
		identity := records[idx].FileIdentity
		if sim > best || (sim == best && identity < records[repIdx].FileIdentity) {
			best = sim
			repIdx = idx
		}
	}

	var sum, maxSim float64
	var pairs int
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			sim := sims[members[i]][members[j]]
			sum += sim
			if sim > maxSim {
				maxSim = sim
			}
			pairs++
		}
	}

	group := Group{
		Representative: records[repIdx].FileIdentity,
		AvgSimilarity:  sum / float64(pairs),
		MaxSimilarity:  maxSim,
	}
	for _, idx := range members {
		sim := 1.0
		if idx != repIdx {
			sim = sims[idx][repIdx]
		}
		group.Members = append(group.Members, GroupMember{
			FileIdentity:             records[idx].FileIdentity,
			RepresentativeSimilarity: sim,
		})
	}
	sort.Slice(group.Members, func(a, b int) bool {
		if group.Members[a].RepresentativeSimilarity != group.Members[b].RepresentativeSimilarity {
			return group.Members[a].RepresentativeSimilarity > group.Members[b].RepresentativeSimilarity
		}
		return group.Members[a].FileIdentity < group.Members[b].FileIdentity
	})
	return group
}

// attachPreviews loads a short content preview for each match. A note
// that cannot be read keeps an empty preview rather than failing the
// whole search.
func (s *Searcher) attachPreviews(matches []vecstore.Match) []Result {
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		preview := ""
		if text, err := s.vault.ReadText(m.FileIdentity); err == nil {
			preview = makePreview(text)
		} else {
			s.logger.Debug("preview unavailable",
				zap.String("identity", m.FileIdentity),
				zap.Error(err))
		}
		results = append(results, Result{
			FileIdentity: m.FileIdentity,
			Score:        m.Score,
			Preview:      preview,
		})
	}
	return results
}

// makePreview collapses whitespace and truncates to a fixed rune budget.
func makePreview(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	runes := []rune(collapsed)
	if len(runes) <= previewRunes {
		return collapsed
	}
	return string(runes[:previewRunes]) + "..."
}

// unionFind is a plain disjoint-set with path compression.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}
