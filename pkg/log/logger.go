// Package log provides structured logging for the miner.
// It wraps the standard library's slog package with mining-specific helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey string

// SessionKey is the context key carrying the pool session id.
const SessionKey ctxKey = "session_id"

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything; used in tests.
func Nop() *Logger {
	return NewWithWriter(io.Discard, "test", "0", "error", "text")
}

// WithContext returns a logger carrying the session id from ctx, if any
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if sid := ctx.Value(SessionKey); sid != nil {
		return l.WithFields("session_id", sid)
	}
	return l
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithDevice returns a logger scoped to one compute device
func (l *Logger) WithDevice(id int, name string) *Logger {
	return l.WithFields("device_id", id, "device", name)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string, height uint32) *Logger {
	return l.WithFields("job_id", jobID, "height", height)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, url string) {
	l.Info("connection event",
		"event", event,
		"url", url,
	)
}

// LogStratumMessage logs raw Stratum lines at debug level
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", strings.TrimRight(message, "\n"),
	)
}

// LogShareResult logs a pool verdict on a submitted share
func (l *Logger) LogShareResult(accepted bool, acceptedCount, totalCount uint64, rate, hashrate string, reason string) {
	status := "accepted"
	level := slog.LevelInfo
	if !accepted {
		status = "rejected"
		level = slog.LevelWarn
	}
	attrs := []any{
		"status", status,
		"accepted", acceptedCount,
		"total", totalCount,
		"rate", rate + "%",
		"hashrate", hashrate,
	}
	if reason != "" {
		attrs = append(attrs, "reason", reason)
	}
	l.Log(context.Background(), level, "share result", attrs...)
}

// LogHashrate logs the scan rate of one device
func (l *Logger) LogHashrate(device int, hashrate string) {
	l.Info("hashrate",
		"device_id", device,
		"hashrate", hashrate,
	)
}

// LogNewBlock logs a clean job for a new network block
func (l *Logger) LogNewBlock(height uint32, netDiff float64) {
	l.Info("new block",
		"height", height,
		"net_diff", netDiff,
	)
}
