package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		colorLogs   bool
		disableLogs bool
		timeFormat  string
	}{
		{name: "color logs enabled", colorLogs: true, timeFormat: "kitchen"},
		{name: "color logs disabled", timeFormat: "rfc3339"},
		{name: "logs disabled", colorLogs: true, disableLogs: true, timeFormat: "rfc3339nano"},
		{name: "unknown time format uses default", timeFormat: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.colorLogs, tt.disableLogs, tt.timeFormat)
			require.NoError(t, err)
			require.NotNil(t, logger)

			logger.Info("test info")
			logger.Debug("test debug")
			logger.Warn("test warn")
			logger.Error("test error")
		})
	}
}

func TestNewWithLevel(t *testing.T) {
	logger, err := NewWithLevel(false, false, "", "warn")
	require.NoError(t, err)

	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	fallback, err := NewWithLevel(false, false, "", "chatty")
	require.NoError(t, err)
	assert.True(t, fallback.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, fallback.Core().Enabled(zapcore.DebugLevel))
}

func TestLoggerWithAndNamed(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := &Logger{zap.New(core)}

	logger.Named("rpc").With(zap.String("component", "test")).Info("child message")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "rpc", entries[0].LoggerName)
	assert.Equal(t, "test", entries[0].ContextMap()["component"])
}

func TestLogWriter(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := &Logger{zap.New(core)}

	n, err := logger.Writer().Write([]byte("line from daemon\n"))
	require.NoError(t, err)
	assert.Equal(t, len("line from daemon\n"), n)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "line from daemon", entries[0].Message)
}

func TestStdLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := &Logger{zap.New(core)}

	logger.StdLogger().Println("exporter failure")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Contains(t, entries[0].Message, "exporter failure")
}
