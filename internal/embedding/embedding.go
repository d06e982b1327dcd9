package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Common errors
var (
	// ErrModelUnavailable is returned when the configured embedding model
	// cannot be loaded. It is raised at first use, not at construction.
	ErrModelUnavailable = errors.New("embedding model unavailable")
	// ErrEmbedding is returned for a backend failure on a specific input.
	ErrEmbedding = errors.New("embedding failed")
	// ErrEmptyText is returned when asked to embed an empty string.
	ErrEmptyText = errors.New("text cannot be empty")
)

// Provider generates embeddings for text.
type Provider interface {
	// Embed generates a single embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts. The whole batch
	// fails on the first bad input; callers needing per-item isolation
	// should call Embed per item.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding width for this provider, loading the
	// model if it has not been loaded yet.
	Dimension() (int, error)

	// Model returns the configured model name.
	Model() string

	// Close releases any resources held by the provider.
	Close() error
}

// Config holds provider configuration.
type Config struct {
	Model     string // e.g. "hash-384"
	CacheSize int    // embedding cache entries, 0 for default
}

// New creates a Provider for the configured model. The model is validated
// and loaded lazily on first Embed/Dimension call so a misconfigured model
// fails at the call that first needs it, with a named-model error.
func New(cfg Config, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return newHashProvider(model, NewCache(cfg.CacheSize), logger), nil
}

// Cache provides in-memory LRU caching of embeddings by content hash.
type Cache struct {
	cache *lru.Cache[string, []float32]
}

// NewCache creates a new embedding cache with LRU eviction.
func NewCache(maxLen int) *Cache {
	if maxLen <= 0 {
		maxLen = 10000
	}
	cache, err := lru.New[string, []float32](maxLen)
	if err != nil {
		// Only possible with a non-positive size
		cache, _ = lru.New[string, []float32](10000)
	}
	return &Cache{cache: cache}
}

// Get retrieves a copy of a cached vector. A copy is returned so caller
// mutations cannot pollute the cache.
func (c *Cache) Get(hash string) ([]float32, bool) {
	vec, ok := c.cache.Get(hash)
	if !ok {
		return nil, false
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, true
}

// Set stores a vector in cache with automatic LRU eviction.
func (c *Cache) Set(hash string, vec []float32) {
	c.cache.Add(hash, vec)
}

// Len returns the current cache size.
func (c *Cache) Len() int {
	return c.cache.Len()
}

// ComputeHash computes the SHA-256 hash of text, hex encoded. The same
// function is used as the stable content hash for index records.
func ComputeHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// validateText rejects inputs no model can embed.
func validateText(text string) error {
	if text == "" {
		return ErrEmptyText
	}
	return nil
}

// validateBatch validates every item of a batch request.
func validateBatch(texts []string) error {
	if len(texts) == 0 {
		return fmt.Errorf("%w: no texts provided", ErrEmbedding)
	}
	for i, text := range texts {
		if text == "" {
			return fmt.Errorf("%w: text at index %d", ErrEmptyText, i)
		}
	}
	return nil
}
