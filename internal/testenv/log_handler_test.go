package testenv

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLogHandler(t *testing.T) {
	h := NewLogHandler(WithIgnoreDebug(), WithIgnoreErrorPrefixes("expected"))
	log := slog.New(h)

	log.Debug("hidden")
	log.Info("hello", "key", "value")
	log.Error("expected failure")
	log.Error("real failure", "n", 1)
	log.With("component", "queue").WithGroup("g").Warn("grouped", "a", 1)

	assert.Equal(t, []string{
		"INFO: hello key=value",
		"ERROR: real failure n=1",
		"WARN: grouped component=queue, g.a=1",
	}, h.Lines())
	assert.Equal(t, 1, h.Count("failure"))
	assert.True(t, h.Contains("grouped"))
	assert.False(t, h.Contains("hidden"))
}

func TestNewLogger(t *testing.T) {
	l, h := NewLogger()
	l.Info("queue.Queue dropped operation", "collection", "bills")
	assert.Equal(t, []string{"INFO: queue.Queue dropped operation collection=bills"}, h.Lines())
}

func TestWaitFor(t *testing.T) {
	start := time.Now()
	WaitFor(t, time.Second, func() bool { return time.Since(start) > 20*time.Millisecond })
}
