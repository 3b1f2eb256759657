// Package cache provides the shared multi-keyspace LRU cache used by the
// enrichment stages: embedding, llm_response, ip_enrichment and
// vector_search. Each keyspace has its own entry cap; a global memory bound
// triggers cross-keyspace eviction by least-recently-used overall.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Well-known keyspace names.
const (
	KeyspaceEmbedding    = "embedding"
	KeyspaceLLMResponse  = "llm_response"
	KeyspaceIPEnrichment = "ip_enrichment"
	KeyspaceVectorSearch = "vector_search"
)

// Config controls cache sizing and semantic matching.
type Config struct {
	MaxMemoryBytes      int64
	DefaultTTL          time.Duration
	PerKeyspaceMax      int
	SimilarityThreshold float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxMemoryBytes:      512 * 1024 * 1024,
		DefaultTTL:          60 * time.Minute,
		PerKeyspaceMax:      10000,
		SimilarityThreshold: 0.95,
	}
}

// entry is a cached value with its bookkeeping.
type entry struct {
	key        string
	value      interface{}
	vector     []float32 // optional, enables semantic alias hits
	created    time.Time
	ttl        time.Duration
	lastAccess time.Time
	sizeBytes  int64
	extendTTL  bool
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.created.Add(e.ttl))
}

// keyspace is one named partition with its own LRU order.
type keyspace struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recent
	max     int
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits               int64          `json:"hits"`
	Misses             int64          `json:"misses"`
	SemanticHits       int64          `json:"semantic_hits"`
	Evictions          int64          `json:"evictions"`
	SizeBytes          int64          `json:"size_bytes"`
	EntriesPerKeyspace map[string]int `json:"entries_per_keyspace"`
}

// Cache is the multi-keyspace LRU with TTL and singleflight puts.
type Cache struct {
	cfg Config

	mu        sync.RWMutex
	keyspaces map[string]*keyspace

	statsMu      sync.Mutex
	hits         int64
	misses       int64
	semanticHits int64
	evictions    int64
	sizeBytes    int64

	group singleflight.Group
}

// New creates a cache with the four standard keyspaces registered.
func New(cfg Config) *Cache {
	if cfg.MaxMemoryBytes <= 0 {
		cfg.MaxMemoryBytes = DefaultConfig().MaxMemoryBytes
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultConfig().DefaultTTL
	}
	if cfg.PerKeyspaceMax <= 0 {
		cfg.PerKeyspaceMax = DefaultConfig().PerKeyspaceMax
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultConfig().SimilarityThreshold
	}
	c := &Cache{
		cfg:       cfg,
		keyspaces: make(map[string]*keyspace),
	}
	for _, name := range []string{KeyspaceEmbedding, KeyspaceLLMResponse, KeyspaceIPEnrichment, KeyspaceVectorSearch} {
		c.keyspaces[name] = &keyspace{
			entries: make(map[string]*list.Element),
			lru:     list.New(),
			max:     cfg.PerKeyspaceMax,
		}
	}
	return c
}

func (c *Cache) keyspace(name string) *keyspace {
	c.mu.RLock()
	ks := c.keyspaces[name]
	c.mu.RUnlock()
	if ks != nil {
		return ks
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ks = c.keyspaces[name]; ks == nil {
		ks = &keyspace{
			entries: make(map[string]*list.Element),
			lru:     list.New(),
			max:     c.cfg.PerKeyspaceMax,
		}
		c.keyspaces[name] = ks
	}
	return ks
}

// Get returns the cached value for key, honoring TTL at read time.
func (c *Cache) Get(ksName, key string) (interface{}, bool) {
	ks := c.keyspace(ksName)
	now := time.Now()

	ks.mu.Lock()
	el, ok := ks.entries[key]
	if !ok {
		ks.mu.Unlock()
		c.recordMiss()
		return nil, false
	}
	e := el.Value.(*entry)
	if e.expired(now) {
		ks.removeLocked(el)
		ks.mu.Unlock()
		c.addSize(-e.sizeBytes)
		c.recordMiss()
		return nil, false
	}
	e.lastAccess = now
	if e.extendTTL {
		e.created = now
	}
	ks.lru.MoveToFront(el)
	val := e.value
	ks.mu.Unlock()

	c.recordHit()
	return val, true
}

// Put stores value under key with the given TTL (zero means the default).
func (c *Cache) Put(ksName, key string, value interface{}, ttl time.Duration, sizeBytes int64) {
	c.put(ksName, key, value, nil, ttl, sizeBytes, false)
}

// PutVector stores a value alongside its embedding vector so later lookups
// can resolve semantic-similarity aliases. TTL is extended on access.
func (c *Cache) PutVector(ksName, key string, value interface{}, vector []float32, ttl time.Duration, sizeBytes int64) {
	c.put(ksName, key, value, vector, ttl, sizeBytes, true)
}

func (c *Cache) put(ksName, key string, value interface{}, vector []float32, ttl time.Duration, sizeBytes int64, extend bool) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	if sizeBytes <= 0 {
		sizeBytes = 256 // conservative floor when callers cannot size the value
	}
	ks := c.keyspace(ksName)
	now := time.Now()

	ks.mu.Lock()
	if el, ok := ks.entries[key]; ok {
		old := el.Value.(*entry)
		c.addSize(sizeBytes - old.sizeBytes)
		el.Value = &entry{key: key, value: value, vector: vector, created: now, ttl: ttl, lastAccess: now, sizeBytes: sizeBytes, extendTTL: extend}
		ks.lru.MoveToFront(el)
		ks.mu.Unlock()
		return
	}
	e := &entry{key: key, value: value, vector: vector, created: now, ttl: ttl, lastAccess: now, sizeBytes: sizeBytes, extendTTL: extend}
	ks.entries[key] = ks.lru.PushFront(e)
	c.addSize(sizeBytes)

	// Strict LRU within the keyspace when the entry cap is reached.
	var freed int64
	for ks.lru.Len() > ks.max {
		oldest := ks.lru.Back()
		if oldest == nil {
			break
		}
		freed += oldest.Value.(*entry).sizeBytes
		ks.removeLocked(oldest)
		c.recordEviction()
	}
	ks.mu.Unlock()
	if freed > 0 {
		c.addSize(-freed)
	}

	if c.currentSize() > c.cfg.MaxMemoryBytes {
		c.evictToWatermark()
	}
}

// GetOrCompute returns the cached value or runs compute exactly once for
// concurrent callers of the same key (stampede prevention).
func (c *Cache) GetOrCompute(ksName, key string, ttl time.Duration, compute func() (interface{}, int64, error)) (interface{}, error) {
	if v, ok := c.Get(ksName, key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(ksName+"\x00"+key, func() (interface{}, error) {
		// Another waiter may have populated the key while we queued.
		if v, ok := c.Get(ksName, key); ok {
			return v, nil
		}
		val, size, err := compute()
		if err != nil {
			return nil, err
		}
		c.Put(ksName, key, val, ttl, size)
		return val, nil
	})
	return v, err
}

// Invalidate removes a single key.
func (c *Cache) Invalidate(ksName, key string) {
	ks := c.keyspace(ksName)
	ks.mu.Lock()
	if el, ok := ks.entries[key]; ok {
		size := el.Value.(*entry).sizeBytes
		ks.removeLocked(el)
		ks.mu.Unlock()
		c.addSize(-size)
		return
	}
	ks.mu.Unlock()
}

// Clear empties one keyspace, or all keyspaces when name is empty.
func (c *Cache) Clear(ksName string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, ks := range c.keyspaces {
		if ksName != "" && name != ksName {
			continue
		}
		ks.mu.Lock()
		var freed int64
		for _, el := range ks.entries {
			freed += el.Value.(*entry).sizeBytes
		}
		ks.entries = make(map[string]*list.Element)
		ks.lru.Init()
		ks.mu.Unlock()
		c.addSize(-freed)
	}
}

// EvictToWatermark evicts least-recently-used entries across all keyspaces
// until total size is at or below target bytes. Used on memory pressure.
func (c *Cache) EvictToWatermark() {
	c.evictToWatermark()
}

func (c *Cache) evictToWatermark() {
	target := c.cfg.MaxMemoryBytes * 8 / 10 // low watermark: 80% of max
	for c.currentSize() > target {
		if !c.evictGlobalOldest() {
			return
		}
	}
	log.Debug().Int64("size_bytes", c.currentSize()).Msg("Cache evicted to low watermark")
}

// evictGlobalOldest drops the least recently used entry across keyspaces.
func (c *Cache) evictGlobalOldest() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var victimKs *keyspace
	var victimEl *list.Element
	var oldest time.Time

	for _, ks := range c.keyspaces {
		ks.mu.Lock()
		if back := ks.lru.Back(); back != nil {
			e := back.Value.(*entry)
			if victimEl == nil || e.lastAccess.Before(oldest) {
				victimKs, victimEl, oldest = ks, back, e.lastAccess
			}
		}
		ks.mu.Unlock()
	}
	if victimEl == nil {
		return false
	}

	victimKs.mu.Lock()
	// The element may have been touched since we scanned; re-check it is
	// still resident before removing.
	e := victimEl.Value.(*entry)
	if _, ok := victimKs.entries[e.key]; ok {
		victimKs.removeLocked(victimEl)
		victimKs.mu.Unlock()
		c.addSize(-e.sizeBytes)
		c.recordEviction()
		return true
	}
	victimKs.mu.Unlock()
	return true
}

// Stats returns a point-in-time view of cache effectiveness.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	s := Stats{
		Hits:         c.hits,
		Misses:       c.misses,
		SemanticHits: c.semanticHits,
		Evictions:    c.evictions,
		SizeBytes:    c.sizeBytes,
	}
	c.statsMu.Unlock()

	s.EntriesPerKeyspace = make(map[string]int)
	c.mu.RLock()
	for name, ks := range c.keyspaces {
		ks.mu.Lock()
		s.EntriesPerKeyspace[name] = len(ks.entries)
		ks.mu.Unlock()
	}
	c.mu.RUnlock()
	return s
}

func (ks *keyspace) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	delete(ks.entries, e.key)
	ks.lru.Remove(el)
}

func (c *Cache) recordHit() {
	c.statsMu.Lock()
	c.hits++
	c.statsMu.Unlock()
}

func (c *Cache) recordMiss() {
	c.statsMu.Lock()
	c.misses++
	c.statsMu.Unlock()
}

func (c *Cache) recordSemanticHit() {
	c.statsMu.Lock()
	c.hits++
	c.semanticHits++
	c.statsMu.Unlock()
}

func (c *Cache) recordEviction() {
	c.statsMu.Lock()
	c.evictions++
	c.statsMu.Unlock()
}

func (c *Cache) addSize(delta int64) {
	c.statsMu.Lock()
	c.sizeBytes += delta
	if c.sizeBytes < 0 {
		c.sizeBytes = 0
	}
	c.statsMu.Unlock()
}

func (c *Cache) currentSize() int64 {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.sizeBytes
}
