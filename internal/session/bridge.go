package session

import (
	"github.com/cyoda-platform/cyoda-worker-go/internal/domain/model"
	"github.com/cyoda-platform/cyoda-worker-go/internal/outbox"
	"github.com/cyoda-platform/cyoda-worker-go/internal/transport"
)

// DispatchSink adapts an Outbox into the dispatcher.Sender interface,
// converting each handler outcome into its wire Envelope before handing it
// to the single-writer queue. Constructed once, ahead of the Dispatcher, so
// it survives every reconnect.
type DispatchSink struct {
	ob     *outbox.Outbox
	source string
}

// NewDispatchSink builds the dispatcher-facing adapter over ob.
func NewDispatchSink(ob *outbox.Outbox, source string) *DispatchSink {
	return &DispatchSink{ob: ob, source: source}
}

// Submit implements dispatcher.Sender.
func (d *DispatchSink) Submit(resp model.Response) error {
	env, err := transport.BuildResponse(d.source, resp)
	if err != nil {
		return err
	}
	return d.ob.Submit(env)
}
