package session

import (
	"context"

	workflowv1 "github.com/cyoda-platform/cyoda-worker-go/gen/go/workflow/v1"
)

// Stream is the narrow surface the Stream Session needs from a gRPC
// bidirectional streaming client — a subset of
// workflowv1.WorkerRuntime_StreamClient, kept as its own interface so tests
// can drive the session against an in-memory fake instead of a real
// *grpc.ClientConn.
type Stream interface {
	Send(*workflowv1.Envelope) error
	Recv() (*workflowv1.Envelope, error)
	CloseSend() error
}

// Dialer opens a new Stream authenticated with the given bearer token. The
// real implementation (wired in pkg/worker) attaches token as an
// "authorization" gRPC metadata header and calls
// workflowv1.NewWorkerRuntimeClient(conn).Stream(ctx).
type Dialer interface {
	Dial(ctx context.Context, token string) (Stream, error)
}

// DialerFunc adapts a plain function to a Dialer.
type DialerFunc func(ctx context.Context, token string) (Stream, error)

func (f DialerFunc) Dial(ctx context.Context, token string) (Stream, error) {
	return f(ctx, token)
}
