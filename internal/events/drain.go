// Package events implements the Event Emitter + Drain: a non-blocking
// bounded channel feeding a supervised background batch writer.
//
// Defaults: batch_size=100, flush_interval=1s. Per-event write
// failures are logged and skipped, not fatal to the batch. The
// supervising loop restarts the drain goroutine on panic, waiting at
// most one second between restarts, up to a hard restart cap.
package events

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 1 * time.Second
	maxRestarts          = 100
)

// Event is one emitted domain event.
type Event struct {
	Kind      string
	Payload   []byte
	EmittedAt time.Time
}

// Store is the durable sink a Drain flushes batches into.
type Store interface {
	Append(ctx context.Context, e Event) error
	Flush(ctx context.Context) error
}

// Drain receives events over a bounded channel and flushes them to a
// Store in batches.
type Drain struct {
	events        <-chan Event
	store         Store
	batchSize     int
	flushInterval time.Duration
	log           *zap.SugaredLogger
}

func New(events <-chan Event, store Store, log *zap.SugaredLogger) *Drain {
	return &Drain{
		events:        events,
		store:         store,
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		log:           log,
	}
}

func (d *Drain) WithBatching(batchSize int, flushInterval time.Duration) *Drain {
	d.batchSize = batchSize
	d.flushInterval = flushInterval
	return d
}

// Run drains events into the store until ctx is canceled. A closed
// channel does not end the loop: it keeps ticking with nothing left to
// drain.
func (d *Drain) Run(ctx context.Context) {
	ticker := time.NewTicker(d.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainBatch(ctx)
			if err := d.store.Flush(ctx); err != nil {
				d.log.Warnw("events: non-fatal flush failure", "error", err)
			}
		}
	}
}

// drainBatch pulls up to batchSize already-buffered events off the
// channel without blocking past what's immediately available, writing
// each one; a per-event write failure is logged and does not abort the
// rest of the batch.
func (d *Drain) drainBatch(ctx context.Context) {
	for i := 0; i < d.batchSize; i++ {
		select {
		case e, ok := <-d.events:
			if !ok {
				return
			}
			if err := d.store.Append(ctx, e); err != nil {
				d.log.Warnw("events: failed to write event, continuing batch", "kind", e.Kind, "error", err)
			}
		default:
			return
		}
	}
}

// SpawnSupervised runs Run inside a panic-recovering supervisor loop:
// a panicking drain restarts with a backoff clamped to at most one
// second regardless of how many times it has already restarted, up to
// maxRestarts, after which the supervisor gives up.
func SpawnSupervised(ctx context.Context, d *Drain) {
	go func() {
		restarts := 0
		for {
			if ctx.Err() != nil {
				return
			}

			panicked := false
			func() {
				defer func() {
					if r := recover(); r != nil {
						panicked = true
						restarts++
						d.log.Errorw("events: drain panicked, restarting", "restart_count", restarts, "panic", r)
					}
				}()
				d.Run(ctx)
			}()

			if !panicked || ctx.Err() != nil {
				return
			}
			if restarts > maxRestarts {
				d.log.Errorw("events: drain exceeded max restarts, giving up", "restarts", restarts)
				return
			}

			backoff := time.Duration(min(restarts, 1)) * time.Second
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}()
}
