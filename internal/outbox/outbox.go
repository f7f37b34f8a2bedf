// Package outbox implements spec.md §4.E: a single-writer queue in front of
// the send half of the stream. The underlying send half is not thread-safe,
// so every component that wants to write a frame — dispatch responses,
// keepalives, a ReAuth token refresh — funnels through this one queue
// instead of writing directly. The Join handshake frame is the exception:
// the Stream Session sends it on the stream itself, before it attaches the
// Outbox.
//
// The drain loop reuses the exact batch-draining technique from the
// teacher's registry.Cell.loop(): once woken by one queued frame, keep
// draining up to a fixed batch size in a tight loop before re-entering
// select, smoothing bursts without starving whatever else shares the
// sender's attention (the Stream Session's keepalive/reconnect logic).
package outbox

import (
	"context"
	"log/slog"
	"sync"

	workflowv1 "github.com/cyoda-platform/cyoda-worker-go/gen/go/workflow/v1"
	"github.com/cyoda-platform/cyoda-worker-go/internal/telemetry"
)

// drainBatch caps how many queued frames get flushed per wakeup before the
// loop yields back to select — the same "sweet spot" constant shape as the
// teacher's Cell.loop (there: 64 events per wakeup).
const drainBatch = 64

// Sink is the narrow interface the Outbox needs from the Stream Session:
// write one frame to the network send half, returning an error on failure.
type Sink interface {
	Send(env *workflowv1.Envelope) error
}

// Outbox is the bounded, ordered, backpressure-aware sender in front of a
// Sink. Ordering is FIFO by submission time, not by requestId.
type Outbox struct {
	logger  *slog.Logger
	queue   chan *workflowv1.Envelope
	resetFn func(error)

	mu   sync.RWMutex
	sink Sink

	done    chan struct{}
	metrics *telemetry.Metrics
}

// SetMetrics attaches the counter this Outbox bumps for every frame
// successfully delivered to the wire. Nil (the default) disables counting.
func (o *Outbox) SetMetrics(m *telemetry.Metrics) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.metrics = m
}

// New builds an Outbox with the given capacity (spec.md default 1024).
// resetFn is called on send failure so the owning Stream Session can tear
// down and reconnect; queued frames are dropped on reset per spec.md §4.E —
// the platform is expected to re-issue them.
func New(capacity int, logger *slog.Logger, resetFn func(error)) *Outbox {
	return &Outbox{
		logger:  logger,
		queue:   make(chan *workflowv1.Envelope, capacity),
		resetFn: resetFn,
		done:    make(chan struct{}),
	}
}

// SetResetFn (re)binds the send-failure callback. Exists so a long-lived
// Outbox can be constructed before the Stream Session that will consume its
// failures (the usual wiring order: build the Outbox, hand it to the
// Dispatcher's Sender adapter, build the Dispatcher, only then build the
// Session that owns resetting itself).
func (o *Outbox) SetResetFn(fn func(error)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resetFn = fn
}

// Attach binds the current session's send half. Called once per session by
// the Stream Session after a successful handshake; Detach clears it on
// session teardown so a stale Outbox never writes to a dead stream.
func (o *Outbox) Attach(sink Sink) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sink = sink
}

func (o *Outbox) Detach() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sink = nil
}

// Submit enqueues a frame. Returns once the frame is accepted into the
// queue — not once it has actually been written to the wire. If the queue
// is full, Submit blocks; callers that need a bound should size capacity
// generously (spec.md default 1024) since backpressure is handled one
// layer up, by the Dispatcher's Overloaded responses.
func (o *Outbox) Submit(env *workflowv1.Envelope) error {
	select {
	case o.queue <- env:
		return nil
	case <-o.done:
		return context.Canceled
	}
}

// Run drains the queue to the attached Sink in submission order until ctx
// is cancelled. The Stream Session calls it once per connection attempt,
// from its Running state; the Outbox itself outlives the attempt.
func (o *Outbox) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-o.queue:
			o.deliver(env)

			for i := 0; i < drainBatch; i++ {
				select {
				case next := <-o.queue:
					o.deliver(next)
				default:
					goto wait
				}
			}
		wait:
		}
	}
}

// Close stops accepting new submissions; callers already blocked in Submit
// are unblocked with context.Canceled.
func (o *Outbox) Close() {
	close(o.done)
}

func (o *Outbox) deliver(env *workflowv1.Envelope) {
	o.mu.RLock()
	sink := o.sink
	resetFn := o.resetFn
	metrics := o.metrics
	o.mu.RUnlock()

	if sink == nil {
		o.logger.Warn("OUTBOX_DROPPED_NO_SINK",
			slog.String("frame_id", env.GetId()),
			slog.String("frame_type", env.GetType()),
		)
		return
	}

	if err := sink.Send(env); err != nil {
		o.logger.Error("OUTBOX_SEND_FAILED",
			slog.String("frame_id", env.GetId()),
			slog.String("frame_type", env.GetType()),
			slog.Any("err", err),
		)
		if resetFn != nil {
			resetFn(err)
		}
		// Frames still queued behind the failed one are dropped with it.
		for {
			select {
			case <-o.queue:
			default:
				return
			}
		}
	}

	if metrics != nil {
		metrics.FramesOut.Add(1)
	}
}
