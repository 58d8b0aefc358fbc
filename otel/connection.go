package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/terraskye/streamstore"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var _ streamstore.Connection = (*TelemetryConnection)(nil)

// TelemetryConnection decorates a Connection with spans and metrics for
// every operation. Wrap any backend with WithConnectionTelemetry.
type TelemetryConnection struct {
	next streamstore.Connection
	cfg  config
}

// WithConnectionTelemetry wraps a connection with tracing and metrics.
func WithConnectionTelemetry(next streamstore.Connection, options ...Option) streamstore.Connection {
	return &TelemetryConnection{next: next, cfg: newConfig(options...)}
}

func (t *TelemetryConnection) Connect() error {
	return t.next.Connect()
}

func (t *TelemetryConnection) Close() error {
	return t.next.Close()
}

// AppendToStream with metrics + span
func (t *TelemetryConnection) AppendToStream(ctx context.Context, stream string, expected streamstore.ExpectedVersion, events []streamstore.EventData, opts ...streamstore.CallOption) (*streamstore.WriteResult, error) {
	ctx, span := tracer.Start(ctx, "Connection.AppendToStream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(t.cfg.attributes(ctx),
			AttrOperation.String("append"),
			AttrStreamID.String(stream),
			AttrExpectedVersion.String(fmt.Sprintf("%T", expected)),
			AttrEventCount.Int(len(events)),
		)...),
	)
	defer span.End()

	start := time.Now()
	result, err := t.next.AppendToStream(ctx, stream, expected, events, opts...)

	OperationDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(AttrOperation.String("append")),
	)

	if err != nil {
		AppendsFailed.Add(ctx, 1)
		var wev *streamstore.WrongExpectedVersionError
		if errors.As(err, &wev) {
			ConcurrencyConflicts.Add(ctx, 1)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	EventsAppended.Add(ctx, int64(len(events)))
	span.SetAttributes(AttrEventStreamPos.Int64(result.NextExpectedVersion))
	return result, nil
}

func (t *TelemetryConnection) ReadStreamForward(ctx context.Context, stream string, start int64, count int, opts ...streamstore.CallOption) (*streamstore.StreamEventsSlice, error) {
	return t.read(ctx, "Connection.ReadStreamForward", stream, func(ctx context.Context) (*streamstore.StreamEventsSlice, error) {
		return t.next.ReadStreamForward(ctx, stream, start, count, opts...)
	})
}

func (t *TelemetryConnection) ReadStreamBackward(ctx context.Context, stream string, start int64, count int, opts ...streamstore.CallOption) (*streamstore.StreamEventsSlice, error) {
	return t.read(ctx, "Connection.ReadStreamBackward", stream, func(ctx context.Context) (*streamstore.StreamEventsSlice, error) {
		return t.next.ReadStreamBackward(ctx, stream, start, count, opts...)
	})
}

func (t *TelemetryConnection) ReadAllForward(ctx context.Context, position int64, count int, opts ...streamstore.CallOption) (*streamstore.StreamEventsSlice, error) {
	return t.read(ctx, "Connection.ReadAllForward", streamstore.AllStream, func(ctx context.Context) (*streamstore.StreamEventsSlice, error) {
		return t.next.ReadAllForward(ctx, position, count, opts...)
	})
}

func (t *TelemetryConnection) ReadAllBackward(ctx context.Context, position int64, count int, opts ...streamstore.CallOption) (*streamstore.StreamEventsSlice, error) {
	return t.read(ctx, "Connection.ReadAllBackward", streamstore.AllStream, func(ctx context.Context) (*streamstore.StreamEventsSlice, error) {
		return t.next.ReadAllBackward(ctx, position, count, opts...)
	})
}

func (t *TelemetryConnection) read(ctx context.Context, name, stream string, next func(ctx context.Context) (*streamstore.StreamEventsSlice, error)) (*streamstore.StreamEventsSlice, error) {
	ctx, span := tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(t.cfg.attributes(ctx),
			AttrOperation.String("read"),
			AttrStreamID.String(stream),
		)...),
	)
	defer span.End()

	start := time.Now()
	slice, err := next(ctx)

	OperationDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(AttrOperation.String("read")),
	)

	if err != nil {
		ReadsFailed.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	EventsRead.Add(ctx, int64(len(slice.Events)))
	span.SetAttributes(AttrEventCount.Int(len(slice.Events)))
	return slice, nil
}

// DeleteStream with metrics + span
func (t *TelemetryConnection) DeleteStream(ctx context.Context, stream string, expected streamstore.ExpectedVersion, opts ...streamstore.CallOption) error {
	ctx, span := tracer.Start(ctx, "Connection.DeleteStream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(t.cfg.attributes(ctx),
			AttrOperation.String("delete"),
			AttrStreamID.String(stream),
		)...),
	)
	defer span.End()

	start := time.Now()
	err := t.next.DeleteStream(ctx, stream, expected, opts...)

	OperationDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(AttrOperation.String("delete")),
	)

	if err != nil {
		var wev *streamstore.WrongExpectedVersionError
		if errors.As(err, &wev) {
			ConcurrencyConflicts.Add(ctx, 1)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (t *TelemetryConnection) SubscribeToStream(ctx context.Context, stream string, eventAppeared streamstore.EventAppeared, dropped streamstore.SubscriptionDropped, opts ...streamstore.CallOption) (streamstore.Subscription, error) {
	return t.subscribe(ctx, stream, func(ctx context.Context, appeared streamstore.EventAppeared, onDrop streamstore.SubscriptionDropped) (streamstore.Subscription, error) {
		return t.next.SubscribeToStream(ctx, stream, appeared, onDrop, opts...)
	}, eventAppeared, dropped)
}

func (t *TelemetryConnection) SubscribeToStreamFrom(ctx context.Context, stream string, lastCheckpoint *int64, settings streamstore.CatchUpSubscriptionSettings, eventAppeared streamstore.EventAppeared, liveStarted streamstore.LiveProcessingStarted, dropped streamstore.SubscriptionDropped, opts ...streamstore.CallOption) (streamstore.Subscription, error) {
	return t.subscribe(ctx, stream, func(ctx context.Context, appeared streamstore.EventAppeared, onDrop streamstore.SubscriptionDropped) (streamstore.Subscription, error) {
		return t.next.SubscribeToStreamFrom(ctx, stream, lastCheckpoint, settings, appeared, liveStarted, onDrop, opts...)
	}, eventAppeared, dropped)
}

func (t *TelemetryConnection) SubscribeToAll(ctx context.Context, eventAppeared streamstore.EventAppeared, dropped streamstore.SubscriptionDropped, opts ...streamstore.CallOption) (streamstore.Subscription, error) {
	return t.subscribe(ctx, streamstore.AllStream, func(ctx context.Context, appeared streamstore.EventAppeared, onDrop streamstore.SubscriptionDropped) (streamstore.Subscription, error) {
		return t.next.SubscribeToAll(ctx, appeared, onDrop, opts...)
	}, eventAppeared, dropped)
}

func (t *TelemetryConnection) SubscribeToAllFrom(ctx context.Context, lastCheckpoint *int64, settings streamstore.CatchUpSubscriptionSettings, eventAppeared streamstore.EventAppeared, liveStarted streamstore.LiveProcessingStarted, dropped streamstore.SubscriptionDropped, opts ...streamstore.CallOption) (streamstore.Subscription, error) {
	return t.subscribe(ctx, streamstore.AllStream, func(ctx context.Context, appeared streamstore.EventAppeared, onDrop streamstore.SubscriptionDropped) (streamstore.Subscription, error) {
		return t.next.SubscribeToAllFrom(ctx, lastCheckpoint, settings, appeared, liveStarted, onDrop, opts...)
	}, eventAppeared, dropped)
}

// subscribe wraps the subscriber callbacks so every delivery is counted
// and the active-subscription gauge tracks the subscription lifetime.
func (t *TelemetryConnection) subscribe(ctx context.Context, scope string, start func(ctx context.Context, appeared streamstore.EventAppeared, dropped streamstore.SubscriptionDropped) (streamstore.Subscription, error), eventAppeared streamstore.EventAppeared, dropped streamstore.SubscriptionDropped) (streamstore.Subscription, error) {
	appeared := eventAppeared
	if appeared != nil {
		appeared = func(ctx context.Context, rec *streamstore.RecordedEvent) error {
			EventsDelivered.Add(ctx, 1, metric.WithAttributes(AttrSubscriptionScope.String(scope)))
			return eventAppeared(ctx, rec)
		}
	}

	onDrop := func(reason streamstore.SubscriptionDropReason, err error) {
		SubscriptionsActive.Add(context.Background(), -1, metric.WithAttributes(AttrSubscriptionScope.String(scope)))
		SubscriptionsDropped.Add(context.Background(), 1, metric.WithAttributes(
			AttrSubscriptionScope.String(scope),
			AttrDropReason.String(reason.String()),
		))
		if dropped != nil {
			dropped(reason, err)
		}
	}

	sub, err := start(ctx, appeared, onDrop)
	if err != nil {
		return nil, err
	}
	SubscriptionsActive.Add(ctx, 1, metric.WithAttributes(AttrSubscriptionScope.String(scope)))
	return sub, nil
}

// StartTransaction just forwards
func (t *TelemetryConnection) StartTransaction(ctx context.Context, stream string, expected streamstore.ExpectedVersion, opts ...streamstore.CallOption) error {
	return t.next.StartTransaction(ctx, stream, expected, opts...)
}

// SetStreamMetadata just forwards
func (t *TelemetryConnection) SetStreamMetadata(ctx context.Context, stream string, expected streamstore.ExpectedVersion, metadata []byte, opts ...streamstore.CallOption) error {
	return t.next.SetStreamMetadata(ctx, stream, expected, metadata, opts...)
}

// ConnectToPersistentSubscription just forwards
func (t *TelemetryConnection) ConnectToPersistentSubscription(ctx context.Context, stream, group string, eventAppeared streamstore.EventAppeared, dropped streamstore.SubscriptionDropped, opts ...streamstore.CallOption) (streamstore.Subscription, error) {
	return t.next.ConnectToPersistentSubscription(ctx, stream, group, eventAppeared, dropped, opts...)
}
