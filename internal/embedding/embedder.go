package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/rcourtman/vigil/internal/cache"
)

// Embedder is the cache-first embedding stage. Exact cache hits are served
// without a provider call; on a miss the provider runs once per key
// (single-flight) and, when the fresh vector lands within the similarity
// threshold of an already cached one, the cached vector is reused.
type Embedder struct {
	provider  Provider
	cache     *cache.Cache
	dimension int
	ttl       time.Duration

	group singleflight.Group
}

// NewEmbedder builds the stage. dimension is fixed per deployment; provider
// responses of any other length fail with ErrInvalidInput.
func NewEmbedder(provider Provider, c *cache.Cache, dimension int, ttl time.Duration) *Embedder {
	if ttl <= 0 {
		ttl = 60 * time.Minute
	}
	return &Embedder{
		provider:  provider,
		cache:     c,
		dimension: dimension,
		ttl:       ttl,
	}
}

// Embed returns the vector for the already-normalized text.
func (e *Embedder) Embed(ctx context.Context, normalized string) ([]float32, error) {
	key := CacheKey(normalized)

	if v, ok := e.cache.Get(cache.KeyspaceEmbedding, key); ok {
		return v.([]float32), nil
	}

	v, err, _ := e.group.Do(key, func() (interface{}, error) {
		if v, ok := e.cache.Get(cache.KeyspaceEmbedding, key); ok {
			return v, nil
		}
		vec, err := e.provider.Embed(ctx, normalized)
		if err != nil {
			return nil, err
		}
		if len(vec) != e.dimension {
			return nil, fmt.Errorf("%w: provider returned dimension %d, want %d",
				ErrInvalidInput, len(vec), e.dimension)
		}
		// Semantic alias: a near-identical cached vector wins over the
		// fresh one so equivalent texts share one stored embedding.
		if cached, sim, ok := e.cache.GetSimilar(cache.KeyspaceEmbedding, vec); ok {
			log.Debug().Float64("similarity", sim).Msg("Embedding served from semantic cache hit")
			vec = cached.([]float32)
		}
		e.cache.PutVector(cache.KeyspaceEmbedding, key, vec, vec, e.ttl, int64(len(vec)*4))
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// Dimension returns the configured vector dimension.
func (e *Embedder) Dimension() int { return e.dimension }
