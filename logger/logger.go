package logger

import (
	"log/slog"
	"os"
	"strings"
)

var log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// Init configures the process-wide logger for the given environment.
// Production emits JSON at info level; everything else emits text at debug level.
func Init(env string) {
	switch strings.ToLower(env) {
	case "production", "prod":
		log = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	default:
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	slog.SetDefault(log)
}

// SetLogger replaces the underlying logger. Tests use it to capture output.
func SetLogger(l *slog.Logger) {
	if l != nil {
		log = l
	}
}

func L() *slog.Logger {
	return log
}

func Debug(msg string, args ...any) { log.Debug(msg, args...) }
func Info(msg string, args ...any)  { log.Info(msg, args...) }
func Warn(msg string, args ...any)  { log.Warn(msg, args...) }
func Error(msg string, args ...any) { log.Error(msg, args...) }

// Fatal logs at error level and exits the process.
func Fatal(msg string, args ...any) {
	log.Error(msg, args...)
	os.Exit(1)
}
