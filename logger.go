package annie

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with index-specific field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses a text handler to stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.DiscardHandler)
}

// WithID adds an id field to the logger.
func (l *Logger) WithID(id int64) *Logger {
	return &Logger{Logger: l.Logger.With("id", id)}
}

// WithK adds a k (neighbor count) field to the logger.
func (l *Logger) WithK(k int) *Logger {
	return &Logger{Logger: l.Logger.With("k", k)}
}

// WithDimension adds a dimension field to the logger.
func (l *Logger) WithDimension(dim int) *Logger {
	return &Logger{Logger: l.Logger.With("dimension", dim)}
}

// WithCount adds a count field to the logger.
func (l *Logger) WithCount(count int) *Logger {
	return &Logger{Logger: l.Logger.With("count", count)}
}

// WithMetric adds a metric field to the logger.
func (l *Logger) WithMetric(metric string) *Logger {
	return &Logger{Logger: l.Logger.With("metric", metric)}
}

// LogAdd logs a batch add.
func (l *Logger) LogAdd(ctx context.Context, count int, version uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "add failed",
			"count", count,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "add completed",
		"count", count,
		"version", version,
	)
}

// LogRemove logs a remove call.
func (l *Logger) LogRemove(ctx context.Context, requested, removed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "remove failed",
			"requested", requested,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "remove completed",
		"requested", requested,
		"removed", removed,
	)
}

// LogUpdate logs an update.
func (l *Logger) LogUpdate(ctx context.Context, id int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "update failed",
			"id", id,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "update completed",
		"id", id,
	)
}

// LogSearch logs a search. queries is 1 for single searches.
func (l *Logger) LogSearch(ctx context.Context, queries, k, resultsFound int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"queries", queries,
			"k", k,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "search completed",
		"queries", queries,
		"k", k,
		"results", resultsFound,
	)
}

// LogCompact logs a compaction, explicit or triggered by the deleted ratio.
func (l *Logger) LogCompact(ctx context.Context, before, after int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "compaction failed",
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "compaction completed",
		"slots_before", before,
		"slots_after", after,
	)
}

// LogSnapshot logs a save.
func (l *Logger) LogSnapshot(ctx context.Context, target string, entries int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot failed",
			"target", target,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "snapshot saved",
		"target", target,
		"entries", entries,
	)
}

// LogLoad logs a load.
func (l *Logger) LogLoad(ctx context.Context, source string, entries int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "load failed",
			"source", source,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "snapshot loaded",
		"source", source,
		"entries", entries,
	)
}
