package pipeline

import (
	"context"
	"sync"
	"time"
)

// dedupWindow remembers recently accepted record keys so replayed records (a
// watcher reconnect, a bookmark behind the last persisted record) are
// discarded before they cost any processing. Keys are marked only once the
// pipeline owns the record; a rejected or dropped record stays unmarked so
// its replay is processed. The store's unique index is the durable backstop;
// this is the cheap front line.
type dedupWindow struct {
	window time.Duration

	mu      sync.Mutex
	entries map[string]time.Time
}

func newDedupWindow(window time.Duration) *dedupWindow {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &dedupWindow{window: window, entries: make(map[string]time.Time)}
}

// seen reports whether the key is live in the window.
func (d *dedupWindow) seen(key string) bool {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	exp, ok := d.entries[key]
	return ok && now.Before(exp)
}

// mark records the key, refreshing its expiry.
func (d *dedupWindow) mark(key string) {
	d.mu.Lock()
	d.entries[key] = time.Now().Add(d.window)
	d.mu.Unlock()
}

// forget removes the key so a replay is processed again.
func (d *dedupWindow) forget(key string) {
	d.mu.Lock()
	delete(d.entries, key)
	d.mu.Unlock()
}

func (d *dedupWindow) start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(d.window / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.sweep()
			}
		}
	}()
}

func (d *dedupWindow) sweep() {
	now := time.Now()
	d.mu.Lock()
	for k, exp := range d.entries {
		if now.After(exp) {
			delete(d.entries, k)
		}
	}
	d.mu.Unlock()
}

func (d *dedupWindow) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
