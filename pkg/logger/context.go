package logger

import (
	"context"
	"log/slog"
)

type loggerCtxKey struct{}

// Into stores l on ctx so downstream code logs with its attributes.
func Into(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, l)
}

// With adds attributes such as trace_id or correlation_id to the request logger.
func With(ctx context.Context, attrs ...any) context.Context {
	return Into(ctx, From(ctx).With(attrs...))
}

func From(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerCtxKey{}).(*slog.Logger); ok {
			return l
		}
	}
	return LoggerWrapper()
}
