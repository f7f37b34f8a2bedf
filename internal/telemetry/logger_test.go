package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "WARN", parseLevel("warn").String())
	assert.Equal(t, "ERROR", parseLevel("error").String())
	assert.Equal(t, "INFO", parseLevel("unknown").String())
}

func TestNewLoggerDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		NewLogger(LoggerConfig{Level: "debug", Format: "text"})
		NewLogger(LoggerConfig{Level: "info", Format: "json"})
	})
}
