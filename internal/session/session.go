// Package session implements spec.md §4.F: the Stream Session state
// machine that owns one bidirectional gRPC connection attempt — handshake,
// inbound dispatch, keepalive, and token renewal. A Session is single-use;
// the Supervisor package owns retrying it with backoff across attempts.
//
// The concurrent sub-loops fanning into one error channel shape is grounded
// on the arkeep agent's connection.Manager.connect(), adapted from its
// heartbeat/jobStream pair to this session's
// receive/keepalive/token-refresh trio.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	workflowv1 "github.com/cyoda-platform/cyoda-worker-go/gen/go/workflow/v1"
	"github.com/cyoda-platform/cyoda-worker-go/internal/auth"
	"github.com/cyoda-platform/cyoda-worker-go/internal/dispatcher"
	"github.com/cyoda-platform/cyoda-worker-go/internal/domain/model"
	"github.com/cyoda-platform/cyoda-worker-go/internal/outbox"
	"github.com/cyoda-platform/cyoda-worker-go/internal/registry"
	"github.com/cyoda-platform/cyoda-worker-go/internal/telemetry"
	"github.com/cyoda-platform/cyoda-worker-go/internal/transport"
)

// schemaVersion is advertised on every Join frame.
const schemaVersion int32 = 1

// Config tunes one Stream Session attempt's handshake, keepalive, token
// renewal, and drain timings — spec.md §4.F's stated defaults. Reconnect
// backoff across attempts is the Supervisor's concern, not this Config's.
type Config struct {
	Source    string // this worker's Envelope.source identity
	ProcessID string

	HandshakeTimeout   time.Duration
	KeepAliveInterval  time.Duration
	TokenRenewalMargin time.Duration
	DrainTimeout       time.Duration
}

// DefaultConfig matches spec.md §4.F/§6's stated defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:   15 * time.Second,
		KeepAliveInterval:  30 * time.Second,
		TokenRenewalMargin: 60 * time.Second,
		DrainTimeout:       30 * time.Second,
	}
}

// Session drives one connection attempt to the platform. Construct one per
// attempt and call Run once; the Supervisor builds a fresh Session for every
// reconnect.
type Session struct {
	cfg      Config
	dialer   Dialer
	auth     auth.Provider
	registry *registry.Registry
	dispatch *dispatcher.Dispatcher
	ob       *outbox.Outbox
	logger   *slog.Logger

	mu               sync.RWMutex
	state            State
	lastErr          error
	sessionID        string
	serverVersion    string
	lastKeepAliveAck time.Time
	sendErrCh        chan error
	metrics          *telemetry.Metrics
}

// SetMetrics attaches the counter this Session bumps for every inbound
// frame parsed off the recv half. Nil (the default) disables counting.
func (s *Session) SetMetrics(m *telemetry.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// New builds a Session. ob must have been constructed with a resetFn that
// calls the returned Session's reportSendFailure — wire this via
// NewOutboxResetFn.
func New(cfg Config, dialer Dialer, authProvider auth.Provider, reg *registry.Registry, disp *dispatcher.Dispatcher, ob *outbox.Outbox, logger *slog.Logger) *Session {
	return &Session{
		cfg:      cfg,
		dialer:   dialer,
		auth:     authProvider,
		registry: reg,
		dispatch: disp,
		ob:       ob,
		logger:   logger,
		state:    Idle,
	}
}

// NewOutboxResetFn returns the callback to pass as outbox.New's resetFn (or
// Outbox.SetResetFn), routing a send failure back into whichever Run call
// is currently active so it tears down and returns to the Supervisor.
func NewOutboxResetFn(s *Session) func(error) {
	return s.reportSendFailure
}

func (s *Session) reportSendFailure(err error) {
	s.mu.RLock()
	ch := s.sendErrCh
	s.mu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- model.WrapDispatchError(model.ErrorKindSendFailed, err):
	default:
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastError returns the most recent error that tore down a session attempt.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) setLastError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// terminalStateFor classifies a non-nil Run error into the state it leaves
// the Session in, mirroring the Supervisor's own switch over ErrorKind
// (internal/supervisor/supervisor.go): HandshakeMismatch ends the worker
// process outright and AuthFailed ends it once the Supervisor's auth attempt
// budget is spent, so the Session that surfaced either reports Closed;
// everything else — ConnectFailed, SendFailed, a bare
// non-DispatchError — is the kind of failure the Supervisor reconnects
// from, so the Session reports Reconnecting up until the Supervisor
// discards it for a fresh attempt (spec.md's "ack missing for 2x
// keepaliveInterval: session transitions to Reconnecting" property).
func terminalStateFor(err error) State {
	de, ok := model.AsDispatchError(err)
	if !ok {
		return Reconnecting
	}
	switch de.Kind {
	case model.ErrorKindHandshakeMismatch, model.ErrorKindAuthFailed:
		return Closed
	default:
		return Reconnecting
	}
}

// Run executes exactly one connection attempt — authenticate, dial,
// handshake, then run until something fails or ctx is cancelled (clean
// shutdown, nil error) — and returns. A Session is single-use: the
// Supervisor recreates a new one for every attempt after a non-clean exit
// from Running (spec.md §4.F), discarding inflight work since the Handler
// Registry and Entity Codec it was built from are immutable and need no
// rebuilding.
func (s *Session) Run(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			s.setLastError(err)
			s.setState(terminalStateFor(err))
		}
	}()

	s.setState(Authenticating)
	token, expiry, err := s.auth.GetToken(ctx)
	if err != nil {
		return err
	}

	s.setState(Connecting)
	stream, err := s.dialer.Dial(ctx, token)
	if err != nil {
		return model.WrapDispatchError(model.ErrorKindConnectFailed, err)
	}
	defer stream.CloseSend()

	s.setState(Handshaking)
	if err := s.handshake(ctx, stream); err != nil {
		return err
	}

	s.setState(Running)
	sink := newStreamSink(stream)
	s.ob.Attach(sink)
	defer s.ob.Detach()

	sendErrCh := make(chan error, 1)
	s.mu.Lock()
	s.sendErrCh = sendErrCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.sendErrCh = nil
		s.mu.Unlock()
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	go s.ob.Run(runCtx)

	recvErrCh := make(chan error, 1)
	go func() { recvErrCh <- s.recvLoop(runCtx, stream) }()

	keepAliveErrCh := make(chan error, 1)
	go func() { keepAliveErrCh <- s.keepAliveLoop(runCtx, sink) }()

	tokenErrCh := make(chan error, 1)
	go func() { tokenErrCh <- s.tokenRefreshLoop(runCtx, expiry) }()

	var loopErr error
	select {
	case <-ctx.Done():
		return s.drain(stream)
	case loopErr = <-recvErrCh:
	case loopErr = <-keepAliveErrCh:
	case loopErr = <-tokenErrCh:
	case loopErr = <-sendErrCh:
	}
	// A sub-loop only returns nil once ctx is cancelled, so a nil result
	// here is the same clean shutdown as the ctx.Done case above.
	if loopErr == nil {
		return s.drain(stream)
	}
	return loopErr
}

// handshake implements spec.md §4.F's handshake protocol: send Join, await
// Greet within HandshakeTimeout.
func (s *Session) handshake(ctx context.Context, stream Stream) error {
	env, err := transport.BuildJoin(s.cfg.Source, s.cfg.ProcessID, s.registry.List(), schemaVersion)
	if err != nil {
		return fmt.Errorf("session: build join frame: %w", err)
	}
	if err := stream.Send(env); err != nil {
		return model.WrapDispatchError(model.ErrorKindConnectFailed, err)
	}

	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	type recvResult struct {
		env *workflowv1.Envelope
		err error
	}
	resCh := make(chan recvResult, 1)
	go func() {
		env, err := stream.Recv()
		resCh <- recvResult{env, err}
	}()

	select {
	case <-hctx.Done():
		return model.NewDispatchError(model.ErrorKindHandshakeMismatch, "handshake timed out waiting for greet")
	case r := <-resCh:
		if r.err != nil {
			return model.WrapDispatchError(model.ErrorKindConnectFailed, r.err)
		}
		if r.env.GetType() != transport.TypeGreet {
			return model.NewDispatchError(model.ErrorKindHandshakeMismatch, "expected greet frame, got "+r.env.GetType())
		}
		sessionID, serverVersion, err := transport.ParseGreet(r.env)
		if err != nil {
			return model.WrapDispatchError(model.ErrorKindHandshakeMismatch, err)
		}
		s.mu.Lock()
		s.sessionID = sessionID
		s.serverVersion = serverVersion
		s.lastKeepAliveAck = time.Now()
		s.mu.Unlock()
		s.logger.Info("STREAM_ESTABLISHED",
			slog.String("session_id", sessionID),
			slog.String("server_version", serverVersion),
		)
		return nil
	}
}

// recvLoop pulls frames off the recv half for the lifetime of runCtx,
// routing request frames to the Dispatcher and keepalive traffic to the
// session's own bookkeeping.
func (s *Session) recvLoop(ctx context.Context, stream Stream) error {
	for {
		env, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return model.WrapDispatchError(model.ErrorKindConnectFailed, err)
		}

		s.mu.RLock()
		metrics := s.metrics
		s.mu.RUnlock()
		if metrics != nil {
			metrics.FramesIn.Add(1)
		}

		switch env.GetType() {
		case transport.TypeKeepAlive:
			ack, err := transport.BuildKeepAliveAck(s.cfg.Source, time.Now())
			if err != nil {
				s.logger.Warn("KEEPALIVE_ACK_BUILD_FAILED", slog.Any("err", err))
				continue
			}
			if err := s.ob.Submit(ack); err != nil {
				return err
			}
		case transport.TypeKeepAliveAck:
			s.mu.Lock()
			s.lastKeepAliveAck = time.Now()
			s.mu.Unlock()
		default:
			req, ok, parseErr := transport.ParseInbound(env)
			if parseErr != nil {
				s.logger.Warn("INBOUND_FRAME_MALFORMED", slog.String("frame_type", env.GetType()), slog.Any("err", parseErr))
				continue
			}
			if ok {
				s.dispatch.HandleInbound(req)
			}
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// keepAliveLoop emits a KeepAlive frame every KeepAliveInterval if the
// Outbox has been idle, and treats a missing ack for 2x the interval as a
// link failure.
func (s *Session) keepAliveLoop(ctx context.Context, sink *streamSink) error {
	interval := s.cfg.KeepAliveInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if sink.idleFor() < interval {
				continue
			}
			env, err := transport.BuildKeepAlive(s.cfg.Source, time.Now())
			if err != nil {
				return err
			}
			if err := s.ob.Submit(env); err != nil {
				return err
			}

			s.mu.RLock()
			sinceAck := time.Since(s.lastKeepAliveAck)
			s.mu.RUnlock()
			if sinceAck > 2*interval {
				return model.NewDispatchError(model.ErrorKindConnectFailed, "keepalive ack missing for 2x keepaliveInterval")
			}
		}
	}
}

// tokenRefreshLoop obtains a fresh bearer token when the current one is
// within TokenRenewalMargin of expiry and emits a ReAuth frame carrying it.
func (s *Session) tokenRefreshLoop(ctx context.Context, expiry time.Time) error {
	for {
		wait := time.Until(expiry) - s.cfg.TokenRenewalMargin
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}

		token, newExpiry, err := s.auth.GetToken(ctx)
		if err != nil {
			return model.WrapDispatchError(model.ErrorKindAuthFailed, err)
		}

		env, err := transport.BuildReAuth(s.cfg.Source, token)
		if err != nil {
			return err
		}
		if err := s.ob.Submit(env); err != nil {
			return err
		}
		s.logger.Info("TOKEN_REFRESHED", slog.Time("new_expiry", newExpiry))
		expiry = newExpiry
	}
}

// drain implements spec.md §4.F's graceful-shutdown path: stop accepting
// new inbound frames (the caller's runCtx cancellation already stops
// recvLoop), wait for inflight work to resolve or DrainTimeout to elapse,
// then return cleanly so Run does not reconnect.
func (s *Session) drain(_ Stream) error {
	s.setState(Draining)
	deadline := time.Now().Add(s.cfg.DrainTimeout)
	for s.dispatch.InflightCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	s.setState(Closed)
	return nil
}
