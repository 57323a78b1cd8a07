package logger_test

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealsync/pkg/logger"
)

func TestLog(t *testing.T) {
	buff := bytes.NewBuffer([]byte{})
	templogger, err := logger.New().FromBuffer(buff).Make()
	require.NoError(t, err)
	require.NotNil(t, templogger)
	require.NotNil(t, templogger.Logger)
	// Get Stats Before
	require.Equal(t, buff.Len(), 0)
	templogger.Logger.Info().Msg("Test")
	// Get Stats After
	require.Contains(t, buff.String(), "Test")
}

func TestLogDataKeyValues(t *testing.T) {
	buff := bytes.NewBuffer([]byte{})
	l, err := logger.New().FromBuffer(buff).Make()
	require.NoError(t, err)

	l.Warn("outbound.Worker dropped operation", "collection", "bills", "retries", 5, "error", errors.New("boom"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buff.Bytes(), &line))
	require.Equal(t, "warn", line["level"])
	require.Equal(t, "outbound.Worker dropped operation", line["message"])
	require.Equal(t, "bills", line["collection"])
	require.EqualValues(t, 5, line["retries"])
	require.Equal(t, "boom", line["error"])
}

func TestLogLevelFilter(t *testing.T) {
	buff := bytes.NewBuffer([]byte{})
	l, err := logger.New().FromBuffer(buff).WithLevel("warn").Make()
	require.NoError(t, err)

	l.Debug("hidden")
	l.Info("hidden")
	require.Equal(t, 0, buff.Len())

	l.Error("shown")
	require.Contains(t, buff.String(), "shown")
}

func TestLogChannel(t *testing.T) {
	ch := make(chan string, 1)
	l, err := logger.New().FromBuffer(&bytes.Buffer{}).FromChannel(ch).Make()
	require.NoError(t, err)

	l.Info("hello")
	require.Equal(t, "hello", <-ch)
}

func TestOrNop(t *testing.T) {
	require.NotNil(t, logger.OrNop(nil))
	require.NotPanics(t, func() { logger.OrNop(nil).Error("x", "k", "v") })
}

func TestSlogLogger(t *testing.T) {
	buff := bytes.NewBuffer([]byte{})
	var l logger.Logger = slog.New(slog.NewJSONHandler(buff, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l.Debug("inbound.Listener batch flushed", "size", 3)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buff.Bytes(), &line))
	require.Equal(t, "DEBUG", line["level"])
	require.Equal(t, "inbound.Listener batch flushed", line["msg"])
	require.EqualValues(t, 3, line["size"])
}
