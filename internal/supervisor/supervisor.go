// Package supervisor implements spec.md §4.G: the component that owns the
// Stream Session's lifecycle across every reconnect attempt, restarting it
// with backoff on a non-clean exit from Running and applying the
// process-exit policy spec.md §7 assigns to AuthFailed and
// HandshakeMismatch.
//
// A Stream Session instance represents exactly one connection attempt
// (session.Session.Run returns on the first failure or on clean shutdown);
// the Supervisor is the thing that turns a sequence of those attempts into
// a durable, long-lived worker process — the same relationship the arkeep
// reference draws between its connection.Manager and the reconnect loop
// wrapped around it.
package supervisor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cyoda-platform/cyoda-worker-go/internal/domain/model"
	"github.com/cyoda-platform/cyoda-worker-go/internal/session"
	"github.com/cyoda-platform/cyoda-worker-go/internal/telemetry"
)

// Config tunes the reconnect backoff and the AuthFailed retry budget —
// spec.md §4.F/§6's stated defaults (200ms min, 30s max, ±20% jitter).
type Config struct {
	BackoffMin      time.Duration
	BackoffMax      time.Duration
	MaxAuthAttempts int
}

// DefaultConfig matches spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{
		BackoffMin:      200 * time.Millisecond,
		BackoffMax:      30 * time.Second,
		MaxAuthAttempts: 5,
	}
}

// Supervisor owns the Stream Session across its entire reconnect lifetime.
type Supervisor struct {
	cfg        Config
	newSession func() *session.Session
	logger     *slog.Logger

	ready   atomic.Bool
	lastErr atomic.Value // error
	current atomic.Pointer[session.Session]
	metrics *telemetry.Metrics
}

// New builds a Supervisor. newSession must return a freshly constructed
// Session on every call — the Handler Registry, Dispatcher, and Outbox it
// closes over are long-lived and shared across attempts; only the Session
// wrapper itself is rebuilt (spec.md §4.F: "the Supervisor recreates the
// session on any non-clean exit from Running").
func New(cfg Config, newSession func() *session.Session, logger *slog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, newSession: newSession, logger: logger}
}

// SetMetrics attaches the counter this Supervisor bumps on every reconnect
// attempt. Nil (the default) disables counting.
func (sv *Supervisor) SetMetrics(m *telemetry.Metrics) {
	sv.metrics = m
}

// IsReady reports whether the current Session attempt has reached Running.
func (sv *Supervisor) IsReady() bool {
	return sv.ready.Load()
}

// LastError returns the most recent error that ended a Session attempt, if
// any.
func (sv *Supervisor) LastError() error {
	if v := sv.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Run drives the reconnect loop until ctx is cancelled (clean shutdown,
// nil return) or an unrecoverable failure occurs, in which case it returns
// an *ExitError carrying spec.md §7's process exit code.
func (sv *Supervisor) Run(ctx context.Context) error {
	backoff := sv.cfg.BackoffMin
	authAttempts := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		sess := sv.newSession()
		sv.current.Store(sess)
		sv.ready.Store(false)

		watchCtx, stopWatch := context.WithCancel(ctx)
		go sv.watchReadiness(watchCtx, sess)

		err := sess.Run(ctx)
		stopWatch()

		if err == nil {
			// Clean exit: either ctx was cancelled (shutdown) or the
			// Session drained voluntarily. Either way there's nothing to
			// reconnect for.
			sv.ready.Store(false)
			return nil
		}

		sv.ready.Store(false)
		sv.lastErr.Store(err)

		de, _ := model.AsDispatchError(err)
		kind := model.ErrorKind("")
		if de != nil {
			kind = de.Kind
		}

		switch kind {
		case model.ErrorKindHandshakeMismatch:
			sv.logger.Error("SUPERVISOR_FATAL_HANDSHAKE_MISMATCH", slog.Any("err", err))
			return &ExitError{Code: 3, Err: err}

		case model.ErrorKindAuthFailed:
			authAttempts++
			if authAttempts >= sv.cfg.MaxAuthAttempts {
				sv.logger.Error("SUPERVISOR_FATAL_AUTH_EXHAUSTED",
					slog.Int("attempts", authAttempts),
					slog.Any("err", err),
				)
				return &ExitError{Code: 2, Err: err}
			}
			sv.logger.Warn("SUPERVISOR_AUTH_RETRY",
				slog.Int("attempt", authAttempts),
				slog.Any("err", err),
			)

		default:
			// ConnectFailed, SendFailed, or anything else a Session.Run
			// can surface: reconnect with backoff. Per-request kinds
			// (Overloaded, Timeout, HandlerFailed, ...) never reach here —
			// the Dispatcher resolves those into a response frame without
			// ending the Session.
			authAttempts = 0
			if sv.metrics != nil {
				sv.metrics.Reconnects.Add(1)
			}
			sv.logger.Warn("SUPERVISOR_RECONNECT", slog.Any("err", err), slog.String("kind", string(kind)))
		}

		wait := jitter(backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		backoff = nextBackoff(backoff, sv.cfg.BackoffMax)
	}
}

// watchReadiness polls sess's state while it is the current attempt,
// keeping sv.ready in sync — Session does not itself push state-change
// notifications, so Run starts one of these per attempt alongside sess.Run.
func (sv *Supervisor) watchReadiness(ctx context.Context, sess *session.Session) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sv.current.Load() != sess {
				return
			}
			sv.ready.Store(sess.State() == session.Running)
			if sess.State() == session.Closed {
				return
			}
		}
	}
}
