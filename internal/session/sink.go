package session

import (
	"sync/atomic"
	"time"

	workflowv1 "github.com/cyoda-platform/cyoda-worker-go/gen/go/workflow/v1"
)

// streamSink adapts a Stream into the outbox.Sink interface for one session
// lifetime, tracking the last successful send so the keepalive loop can
// tell whether the Outbox has been idle.
type streamSink struct {
	stream Stream

	lastSend atomic.Int64 // unix nanos
}

func newStreamSink(stream Stream) *streamSink {
	s := &streamSink{stream: stream}
	s.lastSend.Store(time.Now().UnixNano())
	return s
}

func (s *streamSink) Send(env *workflowv1.Envelope) error {
	if err := s.stream.Send(env); err != nil {
		return err
	}
	s.lastSend.Store(time.Now().UnixNano())
	return nil
}

func (s *streamSink) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastSend.Load()))
}
