package log

import (
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
)

var (
	mu     sync.RWMutex
	logger *slog.Logger
)

// Setup installs the process logger. format is "json" (default) or "text";
// unknown levels fall back to INFO.
func Setup(level, format string) {
	SetupWriter(os.Stdout, level, format)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(w io.Writer, level, format string) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	l := slog.New(handler)
	mu.Lock()
	logger = l
	mu.Unlock()
	slog.SetDefault(l)
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l == nil {
		Setup("INFO", "json")
		mu.RLock()
		l = logger
		mu.RUnlock()
	}
	return l
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithWorker returns the global logger tagged for one worker.
func WithWorker(processID string) *slog.Logger {
	return ForWorker(Get(), processID)
}

// ForWorker tags base with the worker component and process_id.
func ForWorker(base *slog.Logger, processID string) *slog.Logger {
	return base.With(slog.String("component", "worker"), slog.String("process_id", processID))
}

// WithEvent returns a logger with the event_id field set.
func WithEvent(id int64) *slog.Logger {
	return Get().With(slog.Int64("event_id", id))
}

// TokenFingerprint returns a short stable identifier for a webhook token.
// Tokens themselves never reach the logs.
func TokenFingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}
