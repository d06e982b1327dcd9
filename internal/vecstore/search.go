package vecstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// defaultANNCutoff is the record count above which searches go through the
// HNSW graph. Below it a full scan is both exact and fast enough.
const defaultANNCutoff = 2000

// SearchOptions narrows a vector search.
type SearchOptions struct {
	Limit       int
	Threshold   float64 // results scoring below are excluded when > 0
	ScopePrefix string  // restrict to identities with this path prefix
}

// Match is one search hit.
type Match struct {
	FileIdentity string
	Score        float64
}

// Search returns the records most similar to the query vector, sorted by
// descending cosine similarity with ties broken by ascending file identity.
// Returns ErrIndexNotReady before InitializeSchema.
func (s *Store) Search(ctx context.Context, query []float32, opts SearchOptions) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.meta == nil {
		return nil, ErrIndexNotReady
	}
	if len(query) != s.meta.Dimension {
		return nil, fmt.Errorf("%w: query vector has dimension %d, index requires %d",
			ErrSchemaMismatch, len(query), s.meta.Dimension)
	}
	if opts.Limit <= 0 {
		return []Match{}, nil
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return nil, err
	}

	if n > s.annCutoff {
		return s.searchANN(ctx, query, opts)
	}
	return s.searchLinear(ctx, query, opts)
}

// searchLinear is the exact path: scan every candidate row and rank in Go.
func (s *Store) searchLinear(ctx context.Context, query []float32, opts SearchOptions) ([]Match, error) {
	sqlQuery := `SELECT file_identity, embedding FROM records`
	args := []interface{}{}
	if opts.ScopePrefix != "" {
		sqlQuery += ` WHERE file_identity LIKE ? ESCAPE '\'`
		args = append(args, likePrefixPattern(opts.ScopePrefix))
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	matches := make([]Match, 0, 64)
	for rows.Next() {
		var identity string
		var blob []byte
		if err := rows.Scan(&identity, &blob); err != nil {
			return nil, err
		}
		score := CosineSimilarity(query, deserializeVector(blob))
		if opts.Threshold > 0 && score < opts.Threshold {
			continue
		}
		matches = append(matches, Match{FileIdentity: identity, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortMatches(matches)
	if len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}
	return matches, nil
}

// searchANN selects candidates with the HNSW graph, then rescores them
// exactly. Overfetching compensates for scope and threshold filtering.
func (s *Store) searchANN(ctx context.Context, query []float32, opts SearchOptions) ([]Match, error) {
	graph, err := s.ensureANN(ctx)
	if err != nil {
		return nil, err
	}

	k := opts.Limit * annOverfetch
	if k < minANNCandidates {
		k = minANNCandidates
	}
	candidates := graph.search(query, k)

	matches := make([]Match, 0, opts.Limit)
	for _, c := range candidates {
		if opts.ScopePrefix != "" && !strings.HasPrefix(c.identity, opts.ScopePrefix) {
			continue
		}
		score := CosineSimilarity(query, c.vector)
		if opts.Threshold > 0 && score < opts.Threshold {
			continue
		}
		matches = append(matches, Match{FileIdentity: c.identity, Score: score})
	}

	sortMatches(matches)
	if len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}
	return matches, nil
}

// ensureANN returns the HNSW graph, rebuilding it from the records table
// when stale.
func (s *Store) ensureANN(ctx context.Context) (*hnswGraph, error) {
	s.annMu.Lock()
	defer s.annMu.Unlock()

	if s.ann != nil && !s.annDirty {
		return s.ann, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT file_identity, embedding FROM records`)
	if err != nil {
		return nil, fmt.Errorf("failed to load vectors for ANN rebuild: %w", err)
	}
	defer func() { _ = rows.Close() }()

	graph := newHNSWGraph(hnswConfig{})
	for rows.Next() {
		var identity string
		var blob []byte
		if err := rows.Scan(&identity, &blob); err != nil {
			return nil, err
		}
		graph.insert(identity, deserializeVector(blob))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.ann = graph
	s.annDirty = false
	s.logger.Debug("ANN graph rebuilt")
	return graph, nil
}

// sortMatches orders by descending score, ties by ascending identity for
// deterministic results.
func sortMatches(matches []Match) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].FileIdentity < matches[j].FileIdentity
	})
}
