// Package logger wraps zap with the defaults arqmavisor uses everywhere.
package logger

import (
	"log"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a wrapper around zap.Logger
type Logger struct {
	*zap.Logger
}

// New creates a new logger instance
func New(colorLogs bool, disableLogs bool, timeFormat string) (*Logger, error) {
	return NewWithLevel(colorLogs, disableLogs, timeFormat, "info")
}

// NewWithLevel creates a logger that drops entries below level.
// Unknown levels fall back to info.
func NewWithLevel(colorLogs bool, disableLogs bool, timeFormat string, level string) (*Logger, error) {
	if disableLogs {
		return &Logger{zap.NewNop()}, nil
	}

	var config zap.Config
	if colorLogs {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(lvl)

	switch timeFormat {
	case "kitchen":
		config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("3:04PM")
	case "rfc3339":
		config.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	case "rfc3339nano":
		config.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	default:
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	// Always output to stdout
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	zapLogger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{zapLogger}, nil
}

// Info logs an info message
func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.Logger.Info(msg, fields...)
}

// Error logs an error message
func (l *Logger) Error(msg string, fields ...zap.Field) {
	l.Logger.Error(msg, fields...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields ...zap.Field) {
	l.Logger.Warn(msg, fields...)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields ...zap.Field) {
	l.Logger.Debug(msg, fields...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string, fields ...zap.Field) {
	l.Logger.Fatal(msg, fields...)
	os.Exit(1)
}

// With creates a child logger with additional fields
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{l.Logger.With(fields...)}
}

// Named creates a child logger for a component
func (l *Logger) Named(name string) *Logger {
	return &Logger{l.Logger.Named(name)}
}

// StdLogger returns a standard library logger writing at error level,
// for libraries that only accept *log.Logger.
func (l *Logger) StdLogger() *log.Logger {
	std, err := zap.NewStdLogAt(l.Logger, zapcore.ErrorLevel)
	if err != nil {
		return zap.NewStdLog(l.Logger)
	}
	return std
}
