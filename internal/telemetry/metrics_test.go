package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricsSnapshotReflectsCounters(t *testing.T) {
	m := NewMetrics()
	m.FramesIn.Add(3)
	m.FramesOut.Add(2)
	m.Overloaded.Add(1)
	m.Timeouts.Add(1)
	m.Reconnects.Add(4)
	m.HandlerErrs.Add(1)

	snap := m.Snapshot()
	assert.EqualValues(t, 3, snap["frames_in"])
	assert.EqualValues(t, 2, snap["frames_out"])
	assert.EqualValues(t, 1, snap["overloaded"])
	assert.EqualValues(t, 1, snap["timeouts"])
	assert.EqualValues(t, 4, snap["reconnects"])
	assert.EqualValues(t, 1, snap["handler_errs"])
}
