// Package logging builds the structured zap loggers shared by every component.
//
// All output is JSON with timestamp, level and message keys so that log lines
// from the orchestrator, the tool-server pool and the HTTP surface can be
// correlated by project_id, call_id and command_id fields.
package logging

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:       "timestamp",
		LevelKey:      "level",
		NameKey:       "logger",
		MessageKey:    "message",
		StacktraceKey: "stacktrace",
		EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel:   zapcore.LowercaseLevelEncoder,
		EncodeName:    zapcore.FullNameEncoder,
	}
}

// ParseLevel maps a config string onto a zap level. Unknown values mean info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New returns a JSON logger writing to w at the given level.
// A nil writer means os.Stderr.
func New(level string, w io.Writer) *zap.Logger {
	if w == nil {
		w = os.Stderr
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(w),
		ParseLevel(level),
	)
	return zap.New(core)
}

// Nop returns a logger that discards everything. Used as the default when a
// component is constructed without one.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// ForProject scopes a logger to one project and request.
func ForProject(l *zap.Logger, projectID, requestID string) *zap.Logger {
	fields := make([]zap.Field, 0, 2)
	if projectID != "" {
		fields = append(fields, zap.String("project_id", projectID))
	}
	if requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	return OrNop(l).With(fields...)
}
