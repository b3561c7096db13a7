package logger

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/perpskeeper/keeper/internal/pkg/apperrors"
)

var (
	globalLogger *slog.Logger
	once         sync.Once
)

func Init(level string) {
	once.Do(func() {
		var logLevel slog.Level
		switch level {
		case "debug":
			logLevel = slog.LevelDebug
		case "warn":
			logLevel = slog.LevelWarn
		case "error":
			logLevel = slog.LevelError
		default:
			logLevel = slog.LevelInfo
		}

		// Use JSON handler for production-ready structured logging
		handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
		globalLogger = slog.New(handler)
		slog.SetDefault(globalLogger)
	})
}

// Get returns the global logger instance
func Get() *slog.Logger {
	if globalLogger == nil {
		Init("info")
	}
	return globalLogger
}

// Helper functions for quick logging
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

func With(args ...any) *slog.Logger {
	return Get().With(args...)
}

// LogError classifies err against the keeper's apperrors taxonomy (spec
// §7) and logs at a severity matching its propagation policy: a
// STALE_STATE condition is expected operational noise (on-chain state
// moved since indexing, not a real failure) and only warrants Warn, while
// every other class is logged at Error with its type attached so
// dashboards can filter on it.
func LogError(ctx context.Context, err error, msg string, args ...any) {
	if err == nil {
		return
	}
	appErr := apperrors.Wrap(err)
	args = append(args, slog.String("error", err.Error()), slog.String("error_type", string(appErr.Type)))
	if appErr.Type == apperrors.ErrStaleState {
		Get().WarnContext(ctx, msg, args...)
		return
	}
	Get().ErrorContext(ctx, msg, args...)
}
