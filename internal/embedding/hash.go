package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"
)

const (
	// DefaultModel is the embedding model used when none is configured.
	DefaultModel = "hash-384"

	// Model dimension bounds for the hash family.
	minHashDimension = 16
	maxHashDimension = 4096
)

// hashProvider embeds text with deterministic feature hashing: each token is
// hashed into one of D buckets, bucket counts are weighted by term frequency
// and the vector is L2 normalized. Texts sharing vocabulary land in shared
// buckets, so cosine similarity tracks word overlap.
type hashProvider struct {
	model  string
	cache  *Cache
	logger *zap.Logger

	loadOnce  sync.Once
	loadErr   error
	dimension int
}

func newHashProvider(model string, cache *Cache, logger *zap.Logger) *hashProvider {
	return &hashProvider{
		model:  model,
		cache:  cache,
		logger: logger,
	}
}

// load parses the model name and fixes the dimension. Called lazily on the
// first embed or dimension request.
func (p *hashProvider) load() error {
	p.loadOnce.Do(func() {
		dim, err := parseHashModel(p.model)
		if err != nil {
			p.loadErr = err
			return
		}
		p.dimension = dim
		p.logger.Debug("embedding model loaded",
			zap.String("model", p.model),
			zap.Int("dimension", dim))
	})
	return p.loadErr
}

// parseHashModel extracts the dimension from a "hash-<D>" model name.
func parseHashModel(model string) (int, error) {
	rest, ok := strings.CutPrefix(model, "hash-")
	if !ok {
		return 0, fmt.Errorf("%w: unknown model %q (supported family: hash-<dimension>, e.g. %s)",
			ErrModelUnavailable, model, DefaultModel)
	}
	dim, err := strconv.Atoi(rest)
	if err != nil || dim < minHashDimension || dim > maxHashDimension {
		return 0, fmt.Errorf("%w: model %q must name a dimension between %d and %d",
			ErrModelUnavailable, model, minHashDimension, maxHashDimension)
	}
	return dim, nil
}

func (p *hashProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := validateText(text); err != nil {
		return nil, err
	}
	if err := p.load(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hash := ComputeHash(text)
	if p.cache != nil {
		if vec, ok := p.cache.Get(hash); ok {
			return vec, nil
		}
	}

	vec := hashEmbed(text, p.dimension)
	if vec == nil {
		return nil, fmt.Errorf("%w: text contains no tokens", ErrEmbedding)
	}

	if p.cache != nil {
		p.cache.Set(hash, vec)
	}
	return vec, nil
}

func (p *hashProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := validateBatch(texts); err != nil {
		return nil, err
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		vectors[i] = vec
	}
	return vectors, nil
}

func (p *hashProvider) Dimension() (int, error) {
	if err := p.load(); err != nil {
		return 0, err
	}
	return p.dimension, nil
}

func (p *hashProvider) Model() string {
	return p.model
}

func (p *hashProvider) Close() error {
	return nil
}

// hashEmbed builds the feature-hashed term-frequency vector for text.
// Returns nil when the text tokenizes to nothing.
func hashEmbed(text string, dimension int) []float32 {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	vec := make([]float32, dimension)
	for _, tok := range tokens {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[h.Sum32()%uint32(dimension)]++
	}

	// L2 normalize so cosine similarity reduces to a dot product
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// tokenize splits text into lowercase letter/digit runs.
func tokenize(text string) []string {
	var words []string
	var word strings.Builder

	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			word.WriteRune(r)
		} else if word.Len() > 0 {
			words = append(words, word.String())
			word.Reset()
		}
	}
	if word.Len() > 0 {
		words = append(words, word.String())
	}
	return words
}
