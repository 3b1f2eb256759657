// Package vectorstore is the client for the external vector database. All
// requests are routed through the instance pool so upserts and searches are
// load balanced and fail over between configured instances.
package vectorstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/vigil/internal/cache"
	"github.com/rcourtman/vigil/internal/pool"
)

// Point is one embedding with its metadata. Point IDs equal SecurityEvent
// IDs (1:1); metadata carries event_type, risk_level and timestamp so the
// server can filter.
type Point struct {
	ID       string            `json:"id"`
	Vector   []float32         `json:"vector"`
	Metadata map[string]string `json:"payload"`
}

// SearchResult is one similarity hit.
type SearchResult struct {
	ID         string            `json:"id"`
	Similarity float64           `json:"score"`
	Metadata   map[string]string `json:"payload"`
}

// Config configures the client.
type Config struct {
	Collection string
	Dimension  int
	AutoCreate bool
	SearchTTL  time.Duration
}

// Client talks to the vector database through the pool.
type Client struct {
	cfg   Config
	pool  *pool.Pool
	cache *cache.Cache
}

// New creates a vector store client.
func New(cfg Config, p *pool.Pool, c *cache.Cache) *Client {
	if cfg.SearchTTL <= 0 {
		cfg.SearchTTL = 10 * time.Minute
	}
	return &Client{cfg: cfg, pool: p, cache: c}
}

type collectionInfo struct {
	Result struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	} `json:"result"`
}

// EnsureCollection asserts the collection exists with the configured vector
// size and cosine distance, creating it when missing and auto-create is
// enabled. A missing collection without auto-create is fatal for the
// subsystem.
func (c *Client) EnsureCollection(ctx context.Context) error {
	var status int
	var info collectionInfo
	err := c.pool.Do(ctx, func(ctx context.Context, baseURL string, client *http.Client) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/collections/%s", baseURL, c.cfg.Collection), nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		if status == http.StatusOK {
			return json.NewDecoder(resp.Body).Decode(&info)
		}
		io.Copy(io.Discard, resp.Body)
		return nil
	})
	if err != nil {
		return fmt.Errorf("vector store collection check failed: %w", err)
	}

	if status == http.StatusOK {
		size := info.Result.Config.Params.Vectors.Size
		if size != 0 && size != c.cfg.Dimension {
			return fmt.Errorf("collection %s has dimension %d, config requires %d",
				c.cfg.Collection, size, c.cfg.Dimension)
		}
		return nil
	}
	if !c.cfg.AutoCreate {
		return fmt.Errorf("collection %s missing and auto-create disabled", c.cfg.Collection)
	}

	body, _ := json.Marshal(map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     c.cfg.Dimension,
			"distance": "Cosine",
		},
	})
	err = c.pool.Do(ctx, func(ctx context.Context, baseURL string, client *http.Client) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut,
			fmt.Sprintf("%s/collections/%s", baseURL, c.cfg.Collection), bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		return c.expectOK(client, req)
	})
	if err != nil {
		return fmt.Errorf("vector store collection create failed: %w", err)
	}
	log.Info().Str("collection", c.cfg.Collection).Int("dimension", c.cfg.Dimension).
		Msg("Created vector store collection")
	return nil
}

// UpsertBatch writes a batch of points. Instance failures fail over within
// the pool; while the pool is degraded the write consumes a bounded pending
// reservation so callers back off instead of piling up.
func (c *Client) UpsertBatch(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	if c.pool.Degraded() {
		if err := c.pool.ReservePendingWrite(); err != nil {
			return err
		}
		defer c.pool.ReleasePendingWrite()
	}

	body, err := json.Marshal(map[string]interface{}{"points": points})
	if err != nil {
		return err
	}
	return c.pool.Do(ctx, func(ctx context.Context, baseURL string, client *http.Client) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut,
			fmt.Sprintf("%s/collections/%s/points?wait=true", baseURL, c.cfg.Collection),
			bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		return c.expectOK(client, req)
	})
}

type searchResponse struct {
	Result []SearchResult `json:"result"`
}

// Search returns the k nearest points at or above minSimilarity. Equivalent
// recent queries are served from the vector_search cache, including
// semantic-similarity alias hits.
func (c *Client) Search(ctx context.Context, queryVector []float32, k int, minSimilarity float64) ([]SearchResult, error) {
	if k <= 0 {
		k = 10
	}
	key := vectorKey(queryVector)
	if v, ok := c.cache.Get(cache.KeyspaceVectorSearch, key); ok {
		return v.([]SearchResult), nil
	}
	if v, _, ok := c.cache.GetSimilar(cache.KeyspaceVectorSearch, queryVector); ok {
		return v.([]SearchResult), nil
	}

	body, err := json.Marshal(map[string]interface{}{
		"vector":          queryVector,
		"limit":           k,
		"with_payload":    true,
		"score_threshold": minSimilarity,
	})
	if err != nil {
		return nil, err
	}

	var out searchResponse
	err = c.pool.Do(ctx, func(ctx context.Context, baseURL string, client *http.Client) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			fmt.Sprintf("%s/collections/%s/points/search", baseURL, c.cfg.Collection),
			bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("vector search returned %d: %s", resp.StatusCode, string(respBody))
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	if err != nil {
		return nil, err
	}

	results := out.Result
	c.cache.PutVector(cache.KeyspaceVectorSearch, key, results, queryVector,
		c.cfg.SearchTTL, int64(len(results)*128+len(queryVector)*4))
	return results, nil
}

// DeleteBefore removes points whose timestamp metadata is older than cutoff.
// The relational store's retention policy is the authoritative truth driving
// this sweep.
func (c *Client) DeleteBefore(ctx context.Context, cutoff time.Time) error {
	body, _ := json.Marshal(map[string]interface{}{
		"filter": map[string]interface{}{
			"must": []map[string]interface{}{
				{
					"key":   "timestamp_ms",
					"range": map[string]interface{}{"lt": cutoff.UnixMilli()},
				},
			},
		},
	})
	return c.pool.Do(ctx, func(ctx context.Context, baseURL string, client *http.Client) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			fmt.Sprintf("%s/collections/%s/points/delete", baseURL, c.cfg.Collection),
			bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		return c.expectOK(client, req)
	})
}

func (c *Client) expectOK(client *http.Client, req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("vector store returned %d: %s", resp.StatusCode, string(respBody))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// vectorKey hashes a query vector into a stable cache key.
func vectorKey(vec []float32) string {
	h := fnv.New64a()
	buf := make([]byte, 4)
	for _, f := range vec {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(f))
		h.Write(buf)
	}
	return fmt.Sprintf("vs:%016x", h.Sum64())
}
