// Package dispatcher implements spec.md §4.D: for each inbound request
// frame it resolves a handler, decodes the entity, enforces a deadline and a
// bounded concurrency budget, invokes the handler, and hands exactly one
// response frame to the Outbox.
//
// The bounded worker pools are golang.org/x/sync/semaphore.Weighted gates —
// the same x/sync module the teacher already depends on for errgroup
// (service.PeerEnricher.ResolvePeers) — rather than a hand-rolled
// channel-as-semaphore, since x/sync already ships the primitive.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"

	"github.com/cyoda-platform/cyoda-worker-go/internal/codec"
	"github.com/cyoda-platform/cyoda-worker-go/internal/domain/model"
	"github.com/cyoda-platform/cyoda-worker-go/internal/registry"
	"github.com/cyoda-platform/cyoda-worker-go/internal/telemetry"
)

// Config tunes the Dispatcher's pools, queue depth, and default timeouts.
type Config struct {
	ProcessorConcurrency    int64
	CriterionConcurrency    int64
	InboundQueueDepth       int64
	ProcessorDefaultTimeout time.Duration
	CriterionDefaultTimeout time.Duration
	GraceTimeout            time.Duration
	// OverloadRetryAfterMillis is echoed on Overloaded responses as a hint
	// to the platform (SPEC_FULL.md resolved Open Question on backpressure
	// semantics) — not a guaranteed contract.
	OverloadRetryAfterMillis int64
}

// DefaultConfig matches spec.md §4.D's stated defaults.
func DefaultConfig() Config {
	return Config{
		ProcessorConcurrency:     32,
		CriterionConcurrency:     128,
		InboundQueueDepth:        256,
		ProcessorDefaultTimeout:  30 * time.Second,
		CriterionDefaultTimeout:  5 * time.Second,
		GraceTimeout:             10 * time.Second,
		OverloadRetryAfterMillis: 1000,
	}
}

// Sender is the narrow interface the Dispatcher needs from the Outbox:
// submit a response frame, non-blocking from the dispatcher's point of view.
type Sender interface {
	Submit(resp model.Response) error
}

// Request is a decoded inbound request frame, shaped after spec.md §4.D's
// "Inputs" list.
type Request struct {
	RequestID    string
	Kind         model.HandlerKind
	HandlerName  string
	HandlerVer   *int32
	ModelName    string
	ModelVersion int32
	TechnicalID  string
	Payload      map[string]any
	DeadlineHint *time.Duration // nil means "use the kind's default timeout"
}

// Dispatcher routes inbound frames to registered handlers.
//
// The pool sizes and timeouts config.WatchTuning live-reloads are held as
// atomics rather than under d.mu: HandleInbound and run() are on the hot
// path, and a tuning reload should never block a request already in
// flight. processorSem/criterionSem are swapped wholesale on a concurrency
// change — run() is handed the exact *semaphore.Weighted it acquired from,
// so a reload mid-flight never releases against the wrong instance.
type Dispatcher struct {
	registry *registry.Registry
	codec    *codec.Codec
	outbox   Sender
	logger   *slog.Logger

	processorSem atomic.Pointer[semaphore.Weighted]
	criterionSem atomic.Pointer[semaphore.Weighted]

	inboundQueueDepth        atomic.Int64
	processorDefaultTimeout  atomic.Int64 // nanoseconds
	criterionDefaultTimeout  atomic.Int64 // nanoseconds
	graceTimeout             atomic.Int64 // nanoseconds
	overloadRetryAfterMillis atomic.Int64

	mu       sync.Mutex
	inflight map[string]*model.WorkItem
	seen     *lru.Cache[string, struct{}] // request IDs already admitted or answered

	queued  int64 // approximate inbound queue depth, for the Qmax backpressure gate
	metrics *telemetry.Metrics
}

// SetMetrics attaches the counters this Dispatcher bumps on overload,
// timeout, and handler failure. Nil (the default) disables counting.
func (d *Dispatcher) SetMetrics(m *telemetry.Metrics) {
	d.metrics = m
}

// New builds a Dispatcher over the given registry/codec/outbox. The
// "recently completed" LRU is sized to detect a duplicate requestId that
// arrives after its original response has already been sent and dropped
// from inflight (spec.md §4.D/§8 duplicate-requestId invariant).
func New(cfg Config, reg *registry.Registry, cod *codec.Codec, outbox Sender, logger *slog.Logger) *Dispatcher {
	seen, _ := lru.New[string, struct{}](4096)
	d := &Dispatcher{
		registry: reg,
		codec:    cod,
		outbox:   outbox,
		logger:   logger,
		inflight: make(map[string]*model.WorkItem),
		seen:     seen,
	}
	d.processorSem.Store(semaphore.NewWeighted(cfg.ProcessorConcurrency))
	d.criterionSem.Store(semaphore.NewWeighted(cfg.CriterionConcurrency))
	d.inboundQueueDepth.Store(cfg.InboundQueueDepth)
	d.processorDefaultTimeout.Store(int64(cfg.ProcessorDefaultTimeout))
	d.criterionDefaultTimeout.Store(int64(cfg.CriterionDefaultTimeout))
	d.graceTimeout.Store(int64(cfg.GraceTimeout))
	d.overloadRetryAfterMillis.Store(cfg.OverloadRetryAfterMillis)
	return d
}

// UpdateTuning applies a freshly reloaded Config's safe-to-change-under-load
// fields — concurrency limits, queue depth, default timeouts, and the
// overload retry hint — without touching the gRPC endpoint or credentials,
// which never reach the Dispatcher in the first place. Wired to
// config.WatchTuning by pkg/worker.Run.
func (d *Dispatcher) UpdateTuning(cfg Config) {
	if cfg.ProcessorConcurrency > 0 {
		d.processorSem.Store(semaphore.NewWeighted(cfg.ProcessorConcurrency))
	}
	if cfg.CriterionConcurrency > 0 {
		d.criterionSem.Store(semaphore.NewWeighted(cfg.CriterionConcurrency))
	}
	if cfg.InboundQueueDepth > 0 {
		d.inboundQueueDepth.Store(cfg.InboundQueueDepth)
	}
	if cfg.ProcessorDefaultTimeout > 0 {
		d.processorDefaultTimeout.Store(int64(cfg.ProcessorDefaultTimeout))
	}
	if cfg.CriterionDefaultTimeout > 0 {
		d.criterionDefaultTimeout.Store(int64(cfg.CriterionDefaultTimeout))
	}
	if cfg.GraceTimeout > 0 {
		d.graceTimeout.Store(int64(cfg.GraceTimeout))
	}
	if cfg.OverloadRetryAfterMillis > 0 {
		d.overloadRetryAfterMillis.Store(cfg.OverloadRetryAfterMillis)
	}
	d.logger.Info("DISPATCHER_TUNING_RELOADED",
		slog.Int64("processor_concurrency", cfg.ProcessorConcurrency),
		slog.Int64("criterion_concurrency", cfg.CriterionConcurrency),
		slog.Int64("inbound_queue_depth", cfg.InboundQueueDepth),
	)
}

// InflightCount returns the number of work items currently tracked —
// exercised by tests asserting the "Running count <= Wp+Wc" invariant.
func (d *Dispatcher) InflightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// HandleInbound implements spec.md §4.D's public contract: a non-blocking
// call that either enqueues a work item on a worker goroutine or rejects
// with a response frame immediately.
func (d *Dispatcher) HandleInbound(req Request) {
	// [DUPLICATE_GUARD] Respond to the first occurrence of a requestId within
	// the session; log and drop duplicates, without invoking the handler twice.
	d.mu.Lock()
	if _, stillRunning := d.inflight[req.RequestID]; stillRunning {
		d.mu.Unlock()
		d.logger.Warn("DUPLICATE_REQUEST_DROPPED", slog.String("request_id", req.RequestID))
		return
	}
	if _, alreadyAnswered := d.seen.Get(req.RequestID); alreadyAnswered {
		d.mu.Unlock()
		d.logger.Warn("DUPLICATE_REQUEST_DROPPED", slog.String("request_id", req.RequestID))
		return
	}
	// Mark the requestId before any worker goroutine starts, so a duplicate
	// arriving before run() has entered it in inflight is still dropped.
	d.seen.Add(req.RequestID, struct{}{})
	d.mu.Unlock()

	handler, err := d.registry.Resolve(req.Kind, req.HandlerName, req.HandlerVer)
	if err != nil {
		d.respond(req.RequestID, model.Response{
			RequestID:    req.RequestID,
			Kind:         req.Kind,
			Success:      false,
			ErrorKind:    model.ErrorKindHandlerNotFound,
			ErrorMessage: err.Error(),
		})
		return
	}

	entity, err := d.codec.Decode(req.ModelName, req.ModelVersion, req.TechnicalID, req.Payload)
	if err != nil {
		de, _ := model.AsDispatchError(err)
		kind := model.ErrorKindMalformedPayload
		if de != nil {
			kind = de.Kind
		}
		d.respond(req.RequestID, model.Response{
			RequestID:    req.RequestID,
			Kind:         req.Kind,
			Success:      false,
			ErrorKind:    kind,
			ErrorMessage: err.Error(),
		})
		return
	}

	deadline, zeroDeadline := d.effectiveDeadline(req)
	if zeroDeadline {
		// spec.md §8 boundary: deadline hint == 0 rejects immediately without
		// invoking the handler.
		d.respond(req.RequestID, model.Response{
			RequestID:    req.RequestID,
			Kind:         req.Kind,
			Success:      false,
			ErrorKind:    model.ErrorKindTimeout,
			ErrorMessage: "deadline hint of zero rejected without invoking handler",
		})
		return
	}

	sem := d.semFor(req.Kind)
	qmax := d.inboundQueueDepth.Load()
	if !sem.TryAcquire(1) {
		d.mu.Lock()
		depth := d.queued
		d.mu.Unlock()
		if depth >= qmax {
			if d.metrics != nil {
				d.metrics.Overloaded.Add(1)
			}
			retryAfter := d.overloadRetryAfterMillis.Load()
			d.respond(req.RequestID, model.Response{
				RequestID:        req.RequestID,
				Kind:             req.Kind,
				Success:          false,
				ErrorKind:        model.ErrorKindOverloaded,
				ErrorMessage:     "worker pool saturated and inbound queue full",
				RetryAfterMillis: &retryAfter,
			})
			return
		}

		d.mu.Lock()
		d.queued++
		d.mu.Unlock()

		go func() {
			defer func() {
				d.mu.Lock()
				d.queued--
				d.mu.Unlock()
			}()
			if err := sem.Acquire(context.Background(), 1); err != nil {
				return
			}
			d.run(req, handler, entity, deadline, sem)
		}()
		return
	}

	go d.run(req, handler, entity, deadline, sem)
}

// semFor loads the semaphore currently gating kind's concurrency. Captured
// once per admitted request and threaded through to run() so a concurrent
// UpdateTuning reload never acquires from one instance and releases
// against another.
func (d *Dispatcher) semFor(kind model.HandlerKind) *semaphore.Weighted {
	if kind == model.KindCriterion {
		return d.criterionSem.Load()
	}
	return d.processorSem.Load()
}

func (d *Dispatcher) effectiveDeadline(req Request) (time.Time, bool) {
	defaultTimeout := time.Duration(d.processorDefaultTimeout.Load())
	if req.Kind == model.KindCriterion {
		defaultTimeout = time.Duration(d.criterionDefaultTimeout.Load())
	}

	now := time.Now()
	deadline := now.Add(defaultTimeout)

	if req.DeadlineHint != nil {
		if *req.DeadlineHint <= 0 {
			return time.Time{}, true
		}
		if hinted := now.Add(*req.DeadlineHint); hinted.Before(deadline) {
			deadline = hinted
		}
	}
	return deadline, false
}

// run invokes the handler on a worker goroutine/task, enforcing the
// computed deadline, and always produces exactly one response frame. sem is
// the exact semaphore the caller acquired from — not re-resolved here, so a
// concurrency reload mid-flight can't mismatch acquire/release.
func (d *Dispatcher) run(req Request, handler model.Handler, entity *model.Entity, deadline time.Time, sem *semaphore.Weighted) {
	defer sem.Release(1)

	item := &model.WorkItem{
		RequestID:  req.RequestID,
		Kind:       req.Kind,
		HandlerKey: req.HandlerName,
		Entity:     entity,
		Deadline:   deadline,
		State:      model.WorkRunning,
	}
	d.mu.Lock()
	d.inflight[req.RequestID] = item
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inflight, req.RequestID)
		d.seen.Add(req.RequestID, struct{}{})
		d.mu.Unlock()
	}()

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	done := make(chan handlerOutcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerOutcome{err: model.NewDispatchError(model.ErrorKindHandlerFailed, panicMessage(r))}
			}
		}()

		switch req.Kind {
		case model.KindProcessor:
			result, err := handler.Processor(ctx, entity)
			done <- handlerOutcome{entity: result, err: err}
		case model.KindCriterion:
			matches, err := handler.Criterion(ctx, entity)
			done <- handlerOutcome{matches: matches, err: err}
		}
	}()

	select {
	case <-ctx.Done():
		if d.metrics != nil {
			d.metrics.Timeouts.Add(1)
		}
		d.respond(req.RequestID, model.Response{
			RequestID:    req.RequestID,
			Kind:         req.Kind,
			Success:      false,
			ErrorKind:    model.ErrorKindTimeout,
			ErrorMessage: "handler did not complete before deadline",
		})
		d.watchForLateCompletion(req.RequestID, done)
		return

	case out := <-done:
		if out.err != nil {
			de, ok := model.AsDispatchError(out.err)
			kind := model.ErrorKindHandlerFailed
			if ok {
				kind = de.Kind
			}
			if d.metrics != nil {
				d.metrics.HandlerErrs.Add(1)
			}
			d.respond(req.RequestID, model.Response{
				RequestID:    req.RequestID,
				Kind:         req.Kind,
				Success:      false,
				ErrorKind:    kind,
				ErrorMessage: out.err.Error(),
			})
			return
		}

		switch req.Kind {
		case model.KindProcessor:
			payload, err := d.codec.Encode(out.entity)
			if err != nil {
				d.respond(req.RequestID, model.Response{
					RequestID:    req.RequestID,
					Kind:         req.Kind,
					Success:      false,
					ErrorKind:    model.ErrorKindMalformedPayload,
					ErrorMessage: err.Error(),
				})
				return
			}
			d.respond(req.RequestID, model.Response{
				RequestID: req.RequestID,
				Kind:      req.Kind,
				Success:   true,
				Payload:   payload,
			})
		case model.KindCriterion:
			d.respond(req.RequestID, model.Response{
				RequestID:  req.RequestID,
				Kind:       req.Kind,
				Success:    true,
				Matches:    out.matches,
				HasMatches: true,
			})
		}
	}
}

// handlerOutcome carries a handler's result across the done channel shared
// by the deadline race in run() and the late-completion watcher below.
type handlerOutcome struct {
	entity  *model.Entity
	matches bool
	err     error
}

// watchForLateCompletion logs if a cancelled handler does not return within
// GraceTimeout after its context was cancelled. The worker is never forcibly
// killed — Go has no such mechanism — only logged.
func (d *Dispatcher) watchForLateCompletion(requestID string, done <-chan handlerOutcome) {
	grace := time.Duration(d.graceTimeout.Load())
	if grace <= 0 {
		grace = 10 * time.Second
	}
	go func() {
		select {
		case <-done:
		case <-time.After(grace):
			d.logger.Warn("HANDLER_DID_NOT_RETURN_AFTER_CANCEL",
				slog.String("request_id", requestID),
				slog.Duration("grace", grace),
			)
		}
	}()
}

// respond hands a response frame to the Outbox and removes the work item
// from inflight tracking (for the fast-reject paths that never entered
// inflight in the first place, the delete is a harmless no-op).
func (d *Dispatcher) respond(requestID string, resp model.Response) {
	d.mu.Lock()
	delete(d.inflight, requestID)
	d.seen.Add(requestID, struct{}{})
	d.mu.Unlock()

	if err := d.outbox.Submit(resp); err != nil {
		d.logger.Error("OUTBOX_SUBMIT_FAILED",
			slog.String("request_id", requestID),
			slog.Any("err", err),
		)
	}
}

func panicMessage(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return "panic: " + toString(r)
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return "non-string panic value"
}
