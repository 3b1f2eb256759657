package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// committer advances a channel's bookmark to the highest contiguously
// acknowledged record. Records ack out of order (the pipeline persists
// concurrently); the bookmark only moves past a record once everything
// before it is also durable, so a crash replays rather than skips.
type committer struct {
	channel string
	store   BookmarkStore

	mu         sync.Mutex
	nextSeq    uint64
	firstUnack uint64
	pending    map[uint64]string // seq -> bookmark token, acked entries removed in order
	acked      map[uint64]bool
	commitTok  string
	dirty      bool
	lastWrite  time.Time
}

const commitInterval = 5 * time.Second

func newCommitter(channel string, store BookmarkStore) *committer {
	return &committer{
		channel: channel,
		store:   store,
		pending: make(map[uint64]string),
		acked:   make(map[uint64]bool),
	}
}

// track registers a record and returns its ack callback.
func (c *committer) track(ctx context.Context, token string) func() {
	c.mu.Lock()
	seq := c.nextSeq
	c.nextSeq++
	c.pending[seq] = token
	c.mu.Unlock()

	return func() {
		c.ack(ctx, seq)
	}
}

func (c *committer) ack(ctx context.Context, seq uint64) {
	c.mu.Lock()
	c.acked[seq] = true

	// Advance over the contiguous acked prefix.
	for c.acked[c.firstUnack] {
		c.commitTok = c.pending[c.firstUnack]
		delete(c.pending, c.firstUnack)
		delete(c.acked, c.firstUnack)
		c.firstUnack++
		c.dirty = true
	}

	shouldWrite := c.dirty && time.Since(c.lastWrite) >= commitInterval
	tok := c.commitTok
	if shouldWrite {
		c.lastWrite = time.Now()
		c.dirty = false
	}
	c.mu.Unlock()

	if shouldWrite {
		c.write(ctx, tok)
	}
}

// flush writes the current commit position unconditionally.
func (c *committer) flush(ctx context.Context) {
	c.mu.Lock()
	tok := c.commitTok
	dirty := c.dirty || tok != ""
	c.dirty = false
	c.mu.Unlock()
	if dirty && tok != "" {
		c.write(ctx, tok)
	}
}

func (c *committer) write(ctx context.Context, token string) {
	if err := c.store.WriteBookmark(ctx, c.channel, token); err != nil {
		log.Warn().Err(err).Str("channel", c.channel).Msg("Bookmark write failed")
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
	}
}
