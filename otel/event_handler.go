package otel

import (
	"context"

	"github.com/terraskye/streamstore"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WithEventAppearedTelemetry wraps an EventAppeared callback so every
// delivery runs inside its own consumer span, annotated from the record.
func WithEventAppearedTelemetry(next streamstore.EventAppeared, options ...Option) streamstore.EventAppeared {
	cfg := newConfig(options...)

	return func(ctx context.Context, rec *streamstore.RecordedEvent) error {
		ctx, span := tracer.Start(ctx, "Subscription.EventAppeared",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(append(cfg.attributes(ctx),
				AttrStreamID.String(rec.StreamID),
				AttrEventType.String(rec.Type),
				AttrEventID.String(rec.EventID.String()),
				AttrEventStreamPos.Int64(rec.EventNumber),
				AttrEventGlobalPos.Int64(rec.GlobalPosition),
			)...),
		)
		defer span.End()

		err := next(ctx, rec)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}
