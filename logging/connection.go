package logging

import (
	"context"
	"log/slog"

	"github.com/terraskye/streamstore"
)

var _ streamstore.Connection = (*LoggingConnection)(nil)

// LoggingConnection decorates a Connection with debug logging around the
// write-side operations. Reads stay quiet, they are too frequent to log.
type LoggingConnection struct {
	streamstore.Connection
	logger *slog.Logger
}

// WithLoggingConnection wraps a connection with write-path logging.
func WithLoggingConnection(logger *slog.Logger, next streamstore.Connection) *LoggingConnection {
	return &LoggingConnection{Connection: next, logger: logger}
}

func (l *LoggingConnection) AppendToStream(ctx context.Context, stream string, expected streamstore.ExpectedVersion, events []streamstore.EventData, opts ...streamstore.CallOption) (*streamstore.WriteResult, error) {
	result, err := l.Connection.AppendToStream(ctx, stream, expected, events, opts...)
	if err != nil {
		l.logger.ErrorContext(ctx, "append failed",
			"stream-id", stream,
			"event-count", len(events),
			"error", err,
		)
		return nil, err
	}

	l.logger.DebugContext(ctx, "events appended",
		"stream-id", stream,
		"event-count", len(events),
		"next-expected-version", result.NextExpectedVersion,
	)
	return result, nil
}

func (l *LoggingConnection) DeleteStream(ctx context.Context, stream string, expected streamstore.ExpectedVersion, opts ...streamstore.CallOption) error {
	err := l.Connection.DeleteStream(ctx, stream, expected, opts...)
	if err != nil {
		l.logger.ErrorContext(ctx, "delete failed",
			"stream-id", stream,
			"error", err,
		)
		return err
	}

	l.logger.DebugContext(ctx, "stream deleted", "stream-id", stream)
	return nil
}
