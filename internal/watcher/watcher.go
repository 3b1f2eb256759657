// Package watcher streams raw records from OS log channels into the
// pipeline, tracking a per-channel bookmark so restarts resume where the
// last persisted record left off.
package watcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/vigil/internal/config"
	"github.com/rcourtman/vigil/internal/models"
)

// Error classes a source reports. Unavailable channels reconnect with
// backoff; denied or invalid-filter channels stop and surface in status.
var (
	ErrChannelUnavailable = errors.New("watcher: channel unavailable")
	ErrPermissionDenied   = errors.New("watcher: permission denied")
	ErrFilterInvalid      = errors.New("watcher: filter invalid")
	ErrParse              = errors.New("watcher: record parse failed")
)

// Source opens subscriptions to log channels.
type Source interface {
	Open(ctx context.Context, channel, xpathFilter, fromBookmark string) (Subscription, error)
}

// Subscription delivers records from one channel. Next blocks until a record
// arrives, the context ends, or the channel fails.
type Subscription interface {
	Next(ctx context.Context) (*models.RawRecord, error)
	Close() error
}

// BookmarkStore persists per-channel resume positions.
type BookmarkStore interface {
	ReadBookmark(ctx context.Context, channel string) (string, error)
	WriteBookmark(ctx context.Context, channel, token string) error
}

// Handler receives each record. ack must be called once the record is
// durably persisted; only then may the channel bookmark advance past it.
type Handler func(ctx context.Context, rec *models.RawRecord, ack func())

// defaultMaxQueue bounds a channel's buffer when the config leaves it unset.
const defaultMaxQueue = 5000

// ChannelStatus is the per-channel view for the status API.
type ChannelStatus struct {
	Name        string    `json:"name"`
	State       string    `json:"state"` // running, reconnecting, stopped, failed
	Records     int64     `json:"records"`
	ParseErrors int64     `json:"parse_errors"`
	Dropped     int64     `json:"dropped"`
	LastRecord  time.Time `json:"last_record,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

type channelRunner struct {
	cfg     config.ChannelConfig
	backoff []int

	mu        sync.Mutex
	state     string
	lastError string
	lastSeen  time.Time

	records     atomic.Int64
	parseErrors atomic.Int64
	dropped     atomic.Int64

	committer *committer
}

// Watcher owns one runner per enabled channel.
type Watcher struct {
	cfg       config.LogWatcherConfig
	source    Source
	bookmarks BookmarkStore
	handler   Handler

	runners []*channelRunner
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// New creates a watcher. SetHandler must be called before Start.
func New(cfg config.LogWatcherConfig, source Source, bookmarks BookmarkStore) *Watcher {
	if len(cfg.ReconnectBackoffSeconds) == 0 {
		cfg.ReconnectBackoffSeconds = []int{1, 2, 5, 10, 30}
	}
	return &Watcher{cfg: cfg, source: source, bookmarks: bookmarks}
}

// SetHandler registers the record handler.
func (w *Watcher) SetHandler(h Handler) { w.handler = h }

// Start launches one loop per enabled channel.
func (w *Watcher) Start(ctx context.Context) error {
	if w.handler == nil {
		return errors.New("watcher: no handler registered")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	for _, ch := range w.cfg.Channels {
		if !ch.Enabled {
			continue
		}
		r := &channelRunner{
			cfg:     ch,
			backoff: w.cfg.ReconnectBackoffSeconds,
			state:   "running",
		}
		if ch.BookmarkPersistence {
			r.committer = newCommitter(ch.Name, w.bookmarks)
		}
		w.runners = append(w.runners, r)
		w.wg.Add(1)
		go func(r *channelRunner) {
			defer w.wg.Done()
			w.runChannel(runCtx, r)
		}(r)
	}
	log.Info().Int("channels", len(w.runners)).Msg("Log watcher started")
	return nil
}

// Stop cancels all channel loops and flushes pending bookmarks.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	for _, r := range w.runners {
		if r.committer != nil {
			r.committer.flush(context.Background())
		}
	}
	log.Info().Msg("Log watcher stopped")
}

func (w *Watcher) runChannel(ctx context.Context, r *channelRunner) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			r.setState("stopped", "")
			return
		}

		from := ""
		if r.committer != nil {
			tok, err := w.bookmarks.ReadBookmark(ctx, r.cfg.Name)
			if err != nil {
				log.Warn().Err(err).Str("channel", r.cfg.Name).Msg("Bookmark read failed, starting from live")
			} else {
				from = tok
			}
		}

		sub, err := w.source.Open(ctx, r.cfg.Name, r.cfg.XPathFilter, from)
		if err != nil {
			if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrFilterInvalid) {
				r.setState("failed", err.Error())
				log.Error().Err(err).Str("channel", r.cfg.Name).Msg("Channel disabled")
				return
			}
			r.setState("reconnecting", err.Error())
			if !w.sleep(ctx, r, attempt) {
				return
			}
			attempt++
			continue
		}

		r.setState("running", "")
		attempt = 0
		err = w.consume(ctx, r, sub)
		sub.Close()
		if ctx.Err() != nil {
			r.setState("stopped", "")
			return
		}
		if err != nil {
			r.setState("reconnecting", err.Error())
			log.Warn().Err(err).Str("channel", r.cfg.Name).Msg("Channel subscription lost, reconnecting")
			if !w.sleep(ctx, r, attempt) {
				return
			}
			attempt++
		}
	}
}

// queuedRecord pairs a buffered record with its bookmark ack.
type queuedRecord struct {
	rec *models.RawRecord
	ack func()
}

// consume pumps records through the channel's bounded queue until the
// subscription fails. A dispatcher goroutine drains the queue into the
// handler; remaining queued records are drained before consume returns so
// their acks are not lost across a reconnect.
func (w *Watcher) consume(ctx context.Context, r *channelRunner, sub Subscription) error {
	maxQueue := r.cfg.MaxQueue
	if maxQueue <= 0 {
		maxQueue = defaultMaxQueue
	}
	queue := make(chan queuedRecord, maxQueue)

	var dispatch sync.WaitGroup
	dispatch.Add(1)
	go func() {
		defer dispatch.Done()
		for q := range queue {
			w.handler(ctx, q.rec, q.ack)
		}
	}()
	defer func() {
		close(queue)
		dispatch.Wait()
	}()

	for {
		rec, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrParse) {
				r.parseErrors.Add(1)
				log.Debug().Err(err).Str("channel", r.cfg.Name).Msg("Skipping unparseable record")
				continue
			}
			return err
		}

		r.records.Add(1)
		r.mu.Lock()
		r.lastSeen = time.Now()
		r.mu.Unlock()

		var ack func()
		if r.committer != nil {
			ack = r.committer.track(ctx, rec.BookmarkToken)
		} else {
			ack = func() {}
		}
		if err := w.enqueue(ctx, r, queue, queuedRecord{rec: rec, ack: ack}); err != nil {
			return err
		}
	}
}

// enqueue applies the channel's overflow policy. The default blocks the
// subscription read until the pipeline drains; drop-oldest evicts the oldest
// queued record instead. A dropped record is never acked, so its bookmark
// position is replayed after restart.
func (w *Watcher) enqueue(ctx context.Context, r *channelRunner, queue chan queuedRecord, q queuedRecord) error {
	if !r.cfg.DropOldestOnFull {
		select {
		case queue <- q:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for {
		select {
		case queue <- q:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		select {
		case <-queue:
			r.dropped.Add(1)
		default:
		}
	}
}

// sleep waits out the reconnect backoff ladder; the last rung repeats.
func (w *Watcher) sleep(ctx context.Context, r *channelRunner, attempt int) bool {
	idx := attempt
	if idx >= len(r.backoff) {
		idx = len(r.backoff) - 1
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(time.Duration(r.backoff[idx]) * time.Second):
		return true
	}
}

func (r *channelRunner) setState(state, errMsg string) {
	r.mu.Lock()
	r.state = state
	r.lastError = errMsg
	r.mu.Unlock()
}

// Statuses returns a snapshot of every channel.
func (w *Watcher) Statuses() []ChannelStatus {
	out := make([]ChannelStatus, 0, len(w.runners))
	for _, r := range w.runners {
		r.mu.Lock()
		st := ChannelStatus{
			Name:        r.cfg.Name,
			State:       r.state,
			Records:     r.records.Load(),
			ParseErrors: r.parseErrors.Load(),
			Dropped:     r.dropped.Load(),
			LastRecord:  r.lastSeen,
			LastError:   r.lastError,
		}
		r.mu.Unlock()
		out = append(out, st)
	}
	return out
}
