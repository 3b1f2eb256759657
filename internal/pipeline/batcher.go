package pipeline

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/vigil/internal/models"
	"github.com/rcourtman/vigil/internal/vectorstore"
)

// vectorBatcher accumulates embedding points and flushes them in batches,
// either when the batch fills or when the flush timer fires. Stop flushes
// whatever remains so no persisted event is left unindexed.
type vectorBatcher struct {
	index        VectorIndex
	maxSize      int
	flushTimeout time.Duration

	mu    sync.Mutex
	batch []vectorstore.Point

	kick chan struct{}
	wg   sync.WaitGroup
}

func newVectorBatcher(index VectorIndex, maxSize int, flushTimeout time.Duration) *vectorBatcher {
	if maxSize <= 0 {
		maxSize = 100
	}
	if flushTimeout <= 0 {
		flushTimeout = 5 * time.Second
	}
	return &vectorBatcher{
		index:        index,
		maxSize:      maxSize,
		flushTimeout: flushTimeout,
		kick:         make(chan struct{}, 1),
	}
}

func (b *vectorBatcher) start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		timer := time.NewTimer(b.flushTimeout)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.kick:
				b.flush(context.Background())
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(b.flushTimeout)
			case <-timer.C:
				b.flush(context.Background())
				timer.Reset(b.flushTimeout)
			}
		}
	}()
}

// add queues one event's embedding for indexing.
func (b *vectorBatcher) add(e *models.SecurityEvent, vec []float32) {
	point := vectorstore.Point{
		ID:     e.ID,
		Vector: vec,
		Metadata: map[string]string{
			"summary":      e.Summary,
			"risk_level":   string(e.RiskLevel),
			"event_type":   string(e.EventType),
			"host":         e.Host,
			"channel":      e.Channel,
			"timestamp_ms": strconv.FormatInt(e.Timestamp.UnixMilli(), 10),
		},
	}

	b.mu.Lock()
	b.batch = append(b.batch, point)
	full := len(b.batch) >= b.maxSize
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

func (b *vectorBatcher) flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.batch
	b.batch = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	// Adds can outpace the flush loop; a single upsert never exceeds the
	// configured batch size.
	for start := 0; start < len(batch); start += b.maxSize {
		end := start + b.maxSize
		if end > len(batch) {
			end = len(batch)
		}
		chunk := batch[start:end]
		flushCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := b.index.UpsertBatch(flushCtx, chunk)
		cancel()
		if err != nil {
			log.Warn().Err(err).Int("points", len(chunk)).Msg("Vector batch flush failed")
			continue
		}
		log.Debug().Int("points", len(chunk)).Msg("Vector batch flushed")
	}
}

// flushFinal runs the shutdown flush after the loop has stopped.
func (b *vectorBatcher) flushFinal() {
	b.wg.Wait()
	b.flush(context.Background())
}
