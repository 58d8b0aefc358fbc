package logging

import (
	"context"
	"log/slog"

	"github.com/terraskye/streamstore"
)

// WithLoggingMiddleware wraps an EventAppeared callback with debug logs
// around every delivery, annotated from the delivery context.
func WithLoggingMiddleware(logger *slog.Logger, next streamstore.EventAppeared) streamstore.EventAppeared {
	return func(ctx context.Context, event *streamstore.RecordedEvent) error {
		l := logger.With(
			"stream-id", streamstore.StreamIDFromContext(ctx),
			"event-type", streamstore.EventTypeFromContext(ctx),
			"event-number", streamstore.EventNumberFromContext(ctx),
			"global-position", streamstore.GlobalPositionFromContext(ctx),
		)

		l.DebugContext(ctx, "event processing started")

		err := next(ctx, event)

		if err != nil {
			l.ErrorContext(ctx, "error processing event", "error", err)
		} else {
			l.DebugContext(ctx, "event processed successfully")
		}

		return err
	}
}
