package telemetry

import "sync/atomic"

// Metrics holds the small set of counters spec.md's operators care about:
// frame volume, backpressure rejections, timeouts, and reconnects. Kept as
// plain atomics rather than a full otel Meter pipeline — the worker SDK
// exposes these for a caller to wire into whatever metrics backend their
// deployment already runs (spec.md doesn't mandate a specific metrics
// exporter, unlike tracing's OTLP requirement).
type Metrics struct {
	FramesIn    atomic.Int64
	FramesOut   atomic.Int64
	Overloaded  atomic.Int64
	Timeouts    atomic.Int64
	Reconnects  atomic.Int64
	HandlerErrs atomic.Int64
}

// NewMetrics returns a zeroed Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Snapshot returns a point-in-time copy of every counter, suitable for
// exposing over a status endpoint or logging periodically.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"frames_in":    m.FramesIn.Load(),
		"frames_out":   m.FramesOut.Load(),
		"overloaded":   m.Overloaded.Load(),
		"timeouts":     m.Timeouts.Load(),
		"reconnects":   m.Reconnects.Load(),
		"handler_errs": m.HandlerErrs.Load(),
	}
}
