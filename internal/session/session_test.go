package session_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	workflowv1 "github.com/cyoda-platform/cyoda-worker-go/gen/go/workflow/v1"
	"github.com/cyoda-platform/cyoda-worker-go/internal/auth"
	"github.com/cyoda-platform/cyoda-worker-go/internal/codec"
	"github.com/cyoda-platform/cyoda-worker-go/internal/dispatcher"
	"github.com/cyoda-platform/cyoda-worker-go/internal/domain/model"
	"github.com/cyoda-platform/cyoda-worker-go/internal/outbox"
	"github.com/cyoda-platform/cyoda-worker-go/internal/registry"
	"github.com/cyoda-platform/cyoda-worker-go/internal/session"
	"github.com/cyoda-platform/cyoda-worker-go/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recvResult is one queued reply from a fakeStream's Recv.
type recvResult struct {
	env *workflowv1.Envelope
	err error
}

// fakeStream is the in-memory session.Stream the whole file drives Run
// against: Send is recorded for assertions, Recv replays whatever the test
// queued via pushEnv/pushErr and blocks (like a real stream) once the queue
// is drained, until close() simulates the peer hanging up.
type fakeStream struct {
	mu   sync.Mutex
	sent []*workflowv1.Envelope

	recv chan recvResult
}

func newFakeStream() *fakeStream {
	return &fakeStream{recv: make(chan recvResult, 32)}
}

func (s *fakeStream) Send(env *workflowv1.Envelope) error {
	s.mu.Lock()
	s.sent = append(s.sent, env)
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Recv() (*workflowv1.Envelope, error) {
	r, ok := <-s.recv
	if !ok {
		return nil, io.EOF
	}
	return r.env, r.err
}

func (s *fakeStream) CloseSend() error { return nil }

func (s *fakeStream) pushEnv(env *workflowv1.Envelope) { s.recv <- recvResult{env: env} }

func (s *fakeStream) close() {
	defer func() { recover() }() // tolerate a test calling close twice via t.Cleanup
	close(s.recv)
}

func (s *fakeStream) Sent() []*workflowv1.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*workflowv1.Envelope, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *fakeStream) sentOfType(typ string) []*workflowv1.Envelope {
	var out []*workflowv1.Envelope
	for _, e := range s.Sent() {
		if e.GetType() == typ {
			out = append(out, e)
		}
	}
	return out
}

// fakeAuth replays a fixed sequence of (token, expiry) pairs, holding on the
// last one once exhausted — enough to drive both the initial GetToken in
// Run and however many tokenRefreshLoop renewals a test provokes.
type fakeAuth struct {
	mu       sync.Mutex
	next     int
	tokens   []string
	expiries []time.Time
	err      error
	calls    int
}

func (a *fakeAuth) GetToken(context.Context) (string, time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return "", time.Time{}, a.err
	}
	idx := a.next
	if idx >= len(a.tokens) {
		idx = len(a.tokens) - 1
	} else {
		a.next++
	}
	return a.tokens[idx], a.expiries[idx], nil
}

func (a *fakeAuth) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// greetEnvelope builds the Greet reply a well-behaved platform sends in
// response to Join, with the field names ParseGreet expects (protojson's
// default lowerCamelCase for GreetData's session_id/server_version).
func greetEnvelope(t *testing.T, source, sessionID, serverVersion string) *workflowv1.Envelope {
	t.Helper()
	data, err := structpb.NewStruct(map[string]any{
		"sessionId":     sessionID,
		"serverVersion": serverVersion,
	})
	require.NoError(t, err)
	return &workflowv1.Envelope{
		Id:     "greet-1",
		Source: source,
		Type:   transport.TypeGreet,
		Data:   data,
	}
}

// harness wires the long-lived components a Session is built from — the
// same Registry/Codec/Outbox/Dispatcher graph pkg/worker.Run assembles once
// and reuses across every reconnect attempt.
type harness struct {
	reg  *registry.Registry
	cod  *codec.Codec
	ob   *outbox.Outbox
	disp *dispatcher.Dispatcher
}

func newHarness() *harness {
	reg := registry.New()
	reg.Freeze()
	cod := codec.New()
	cod.Freeze()
	ob := outbox.New(16, testLogger(), nil)
	sink := session.NewDispatchSink(ob, "test-worker")
	disp := dispatcher.New(dispatcher.DefaultConfig(), reg, cod, sink, testLogger())
	return &harness{reg: reg, cod: cod, ob: ob, disp: disp}
}

func (h *harness) newSession(cfg session.Config, dialer session.Dialer, authP auth.Provider) *session.Session {
	sess := session.New(cfg, dialer, authP, h.reg, h.disp, h.ob, testLogger())
	h.ob.SetResetFn(session.NewOutboxResetFn(sess))
	return sess
}

func dialerFor(stream *fakeStream) session.Dialer {
	return session.DialerFunc(func(context.Context, string) (session.Stream, error) {
		return stream, nil
	})
}

func TestRunReachesRunningAfterSuccessfulHandshake(t *testing.T) {
	stream := newFakeStream()
	t.Cleanup(stream.close)
	stream.pushEnv(greetEnvelope(t, "test-worker", "sess-1", "server-v1"))

	authP := &fakeAuth{tokens: []string{"tok"}, expiries: []time.Time{time.Now().Add(time.Hour)}}

	cfg := session.DefaultConfig()
	cfg.Source = "test-worker"
	cfg.HandshakeTimeout = 200 * time.Millisecond
	cfg.KeepAliveInterval = time.Hour
	cfg.TokenRenewalMargin = time.Minute
	cfg.DrainTimeout = time.Second

	h := newHarness()
	sess := h.newSession(cfg, dialerFor(stream), authP)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(ctx) }()

	require.Eventually(t, func() bool { return sess.State() == session.Running }, time.Second, 5*time.Millisecond,
		"expected Run to reach Running after a successful handshake")

	joins := stream.sentOfType(transport.TypeJoin)
	require.Len(t, joins, 1, "expected exactly one Join frame sent during handshake")

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	assert.Equal(t, session.Closed, sess.State())
}

func TestHandshakeTimesOutWaitingForGreet(t *testing.T) {
	stream := newFakeStream() // never replies
	t.Cleanup(stream.close)

	authP := &fakeAuth{tokens: []string{"tok"}, expiries: []time.Time{time.Now().Add(time.Hour)}}

	cfg := session.DefaultConfig()
	cfg.Source = "test-worker"
	cfg.HandshakeTimeout = 50 * time.Millisecond

	h := newHarness()
	sess := h.newSession(cfg, dialerFor(stream), authP)

	err := sess.Run(context.Background())
	require.Error(t, err)

	de, ok := model.AsDispatchError(err)
	require.True(t, ok)
	assert.Equal(t, model.ErrorKindHandshakeMismatch, de.Kind)
	assert.Contains(t, de.Message, "timed out")
	assert.Equal(t, session.Closed, sess.State())
}

func TestHandshakeMismatchOnWrongFrameType(t *testing.T) {
	stream := newFakeStream()
	t.Cleanup(stream.close)
	stream.pushEnv(&workflowv1.Envelope{Id: "bad-1", Source: "platform", Type: transport.TypeKeepAlive})

	authP := &fakeAuth{tokens: []string{"tok"}, expiries: []time.Time{time.Now().Add(time.Hour)}}

	cfg := session.DefaultConfig()
	cfg.Source = "test-worker"
	cfg.HandshakeTimeout = 200 * time.Millisecond

	h := newHarness()
	sess := h.newSession(cfg, dialerFor(stream), authP)

	err := sess.Run(context.Background())
	require.Error(t, err)

	de, ok := model.AsDispatchError(err)
	require.True(t, ok)
	assert.Equal(t, model.ErrorKindHandshakeMismatch, de.Kind)
	assert.Contains(t, de.Message, "expected greet frame")
	assert.Equal(t, session.Closed, sess.State())
}

// TestKeepAliveAckStalenessTransitionsToReconnecting exercises spec.md's
// named property: a session that never sees a KeepAliveAck for 2x the
// keepalive interval tears itself down within one keepalive tick — and,
// since that failure is the kind the Supervisor reconnects from rather than
// one that ends the process, the Session itself reports Reconnecting.
func TestKeepAliveAckStalenessTransitionsToReconnecting(t *testing.T) {
	stream := newFakeStream()
	t.Cleanup(stream.close)
	stream.pushEnv(greetEnvelope(t, "test-worker", "sess-1", "server-v1"))
	// No KeepAliveAck is ever queued after the greet.

	authP := &fakeAuth{tokens: []string{"tok"}, expiries: []time.Time{time.Now().Add(time.Hour)}}

	cfg := session.DefaultConfig()
	cfg.Source = "test-worker"
	cfg.HandshakeTimeout = 200 * time.Millisecond
	cfg.KeepAliveInterval = 20 * time.Millisecond
	cfg.TokenRenewalMargin = time.Minute

	h := newHarness()
	sess := h.newSession(cfg, dialerFor(stream), authP)

	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(context.Background()) }()

	select {
	case err := <-errCh:
		require.Error(t, err)
		de, ok := model.AsDispatchError(err)
		require.True(t, ok)
		assert.Equal(t, model.ErrorKindConnectFailed, de.Kind)
		assert.Contains(t, de.Message, "keepalive ack missing")
		assert.Equal(t, session.Reconnecting, sess.State())
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after keepalive ack staleness")
	}
}

func TestTokenRefreshSendsReAuthBeforeExpiry(t *testing.T) {
	stream := newFakeStream()
	t.Cleanup(stream.close)
	stream.pushEnv(greetEnvelope(t, "test-worker", "sess-1", "server-v1"))

	now := time.Now()
	authP := &fakeAuth{
		tokens:   []string{"tok1", "tok2"},
		expiries: []time.Time{now.Add(80 * time.Millisecond), now.Add(time.Hour)},
	}

	cfg := session.DefaultConfig()
	cfg.Source = "test-worker"
	cfg.HandshakeTimeout = 200 * time.Millisecond
	cfg.KeepAliveInterval = time.Hour
	cfg.TokenRenewalMargin = 30 * time.Millisecond

	h := newHarness()
	sess := h.newSession(cfg, dialerFor(stream), authP)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(stream.sentOfType(transport.TypeReAuth)) >= 1
	}, time.Second, 5*time.Millisecond, "expected a ReAuth frame before the first token's expiry")

	reauth := stream.sentOfType(transport.TypeReAuth)[0]
	assert.Equal(t, "tok2", reauth.GetData().AsMap()["token"])
	assert.GreaterOrEqual(t, authP.callCount(), 2)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

// TestRegistryPreservedAcrossReconnectAdvertisesSameHandlers drives the
// end-to-end scenario spec.md describes for a reconnect: the Handler
// Registry and Dispatcher survive across Session instances (only the
// Session wrapper itself is rebuilt per attempt, the same split
// internal/supervisor draws), so two independent connection attempts over
// the same Registry advertise an identical Join handler set.
func TestRegistryPreservedAcrossReconnectAdvertisesSameHandlers(t *testing.T) {
	reg := registry.New()
	fn := func(ctx context.Context, e *model.Entity) (*model.Entity, error) { return e, nil }
	require.NoError(t, reg.RegisterProcessor("Alpha", 1, model.ModelKey{Name: "Item", Version: 1}, fn))
	require.NoError(t, reg.RegisterProcessor("Beta", 2, model.ModelKey{Name: "Item", Version: 1}, fn))
	reg.Freeze()

	cod := codec.New()
	cod.Freeze()
	ob := outbox.New(16, testLogger(), nil)
	sink := session.NewDispatchSink(ob, "test-worker")
	disp := dispatcher.New(dispatcher.DefaultConfig(), reg, cod, sink, testLogger())

	cfg := session.DefaultConfig()
	cfg.Source = "test-worker"
	cfg.HandshakeTimeout = 200 * time.Millisecond

	runOnce := func() *workflowv1.Envelope {
		stream := newFakeStream()
		t.Cleanup(stream.close)
		stream.pushEnv(greetEnvelope(t, cfg.Source, "sess", "server-v1"))

		authP := &fakeAuth{tokens: []string{"tok"}, expiries: []time.Time{time.Now().Add(time.Hour)}}
		sess := session.New(cfg, dialerFor(stream), authP, reg, disp, ob, testLogger())
		ob.SetResetFn(session.NewOutboxResetFn(sess))

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- sess.Run(ctx) }()

		require.Eventually(t, func() bool { return sess.State() == session.Running }, time.Second, 5*time.Millisecond)
		cancel()
		select {
		case <-errCh:
		case <-time.After(time.Second):
			t.Fatal("Run did not return after context cancellation")
		}

		joins := stream.sentOfType(transport.TypeJoin)
		require.Len(t, joins, 1)
		return joins[0]
	}

	first := runOnce()
	second := runOnce()

	assert.Equal(t, first.GetData().AsMap(), second.GetData().AsMap(),
		"expected the replayed Join frame to advertise the same handler set")
}
