package outbox

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	workflowv1 "github.com/cyoda-platform/cyoda-worker-go/gen/go/workflow/v1"
)

type recordingSink struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSink) Send(env *workflowv1.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, env.GetId())
	return nil
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func envelope(id string) *workflowv1.Envelope {
	return &workflowv1.Envelope{Id: id}
}

func TestOutboxPreservesSubmissionOrder(t *testing.T) {
	ob := New(16, nopLogger(), nil)
	sink := &recordingSink{}
	ob.Attach(sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ob.Run(ctx)

	ids := []string{"r1", "r2", "r3", "r4", "r5"}
	for _, id := range ids {
		require.NoError(t, ob.Submit(envelope(id)))
	}

	require.Eventually(t, func() bool { return len(sink.snapshot()) == len(ids) }, time.Second, time.Millisecond)
	assert.Equal(t, ids, sink.snapshot())
}

func TestOutboxDropsOnDetach(t *testing.T) {
	ob := New(4, nopLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ob.Run(ctx)

	require.NoError(t, ob.Submit(envelope("r1")))
	time.Sleep(20 * time.Millisecond) // delivered with no sink attached: dropped, not an error
}

func TestOutboxSignalsResetOnSendFailure(t *testing.T) {
	var resetErr error
	var mu sync.Mutex
	ob := New(4, nopLogger(), func(err error) {
		mu.Lock()
		resetErr = err
		mu.Unlock()
	})

	ob.Attach(failingSink{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ob.Run(ctx)

	require.NoError(t, ob.Submit(envelope("r1")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return resetErr != nil
	}, time.Second, time.Millisecond)
}

type failingSink struct{}

func (failingSink) Send(*workflowv1.Envelope) error { return assertError{} }

type assertError struct{}

func (assertError) Error() string { return "send failed" }
