package events

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Emitter is the executor-facing side of the drain channel. Emit never
// blocks: when the channel is full the event is dropped and a counter
// incremented — the event stream is observability, not system state,
// so losing one under pressure is preferable to stalling a runbook
// step.
type Emitter struct {
	ch      chan Event
	dropped prometheus.Counter
}

func NewEmitter(buffer int) *Emitter {
	if buffer <= 0 {
		buffer = DefaultBatchSize
	}
	return &Emitter{
		ch: make(chan Event, buffer),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "obpoc",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because the drain channel was full.",
		}),
	}
}

// Collector exposes the drop counter for registration with a
// prometheus.Registerer.
func (e *Emitter) Collector() prometheus.Collector { return e.dropped }

// Emit enqueues an event without blocking, stamping its emit time.
// Returns false when the event was dropped.
func (e *Emitter) Emit(kind string, payload []byte) bool {
	select {
	case e.ch <- Event{Kind: kind, Payload: payload, EmittedAt: time.Now()}:
		return true
	default:
		e.dropped.Inc()
		return false
	}
}

// Events is the receive side a Drain consumes.
func (e *Emitter) Events() <-chan Event { return e.ch }

// Close closes the channel; the drain finishes whatever is buffered.
func (e *Emitter) Close() { close(e.ch) }
