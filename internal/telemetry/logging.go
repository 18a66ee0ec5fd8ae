// Package telemetry owns the process log: JSON lines under
// <home>/logs/system.jsonl with secret redaction applied before any
// attribute reaches a sink.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/quartermaster/internal/shared"
)

const logFileName = "system.jsonl"

// sensitiveKeyParts flags attribute keys whose value must never be
// logged, whatever it contains. Bot tokens ride in keys like
// "bot_token" and "telegram_token"; the substring match covers both.
var sensitiveKeyParts = []string{
	"token", "secret", "password", "authorization", "api_key", "apikey", "bearer",
}

// NewLogger opens the append-only log file and returns a logger that
// writes JSON lines there, mirrored to stdout unless quiet. The caller
// closes the returned Closer on shutdown.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, logFileName),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	sink := io.Writer(file)
	if !quiet {
		sink = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(sink, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: redactAttr,
	})

	// trace_id starts as "-" and is overridden per dispatch via With.
	logger := slog.New(handler).With("component", "bot", "trace_id", "-")
	return logger, file, nil
}

// redactAttr renames the time key to the schema's "timestamp" and
// scrubs secrets by key and by value.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if sensitiveKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if clean, changed := scrubValue(a.Value.String()); changed {
			return slog.String(a.Key, clean)
		}
	}
	return a
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// scrubValue redacts secret-bearing string values. Strings carrying
// auth material are dropped wholesale; everything else goes through the
// shared pattern redactor, which knows the Telegram token shape.
func scrubValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	for _, marker := range []string{"bearer ", "api_key", "authorization:"} {
		if strings.Contains(lower, marker) {
			return "[REDACTED]", true
		}
	}
	if clean := shared.Redact(v); clean != v {
		return clean, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
