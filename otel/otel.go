package otel

import (
	"github.com/terraskye/streamstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/terraskye/streamstore"
)

// Semantic attribute keys following OpenTelemetry conventions
const (
	// Stream attributes
	AttrStreamID        = attribute.Key("streamstore.stream.id")
	AttrExpectedVersion = attribute.Key("streamstore.stream.expected_version")
	AttrReadDirection   = attribute.Key("streamstore.read.direction")

	// Event attributes
	AttrEventType      = attribute.Key("streamstore.event.type")
	AttrEventID        = attribute.Key("streamstore.event.id")
	AttrEventCount     = attribute.Key("streamstore.events.count")
	AttrEventGlobalPos = attribute.Key("streamstore.event.global_position")
	AttrEventStreamPos = attribute.Key("streamstore.event.stream_position")

	// Subscription attributes
	AttrSubscriptionScope = attribute.Key("streamstore.subscription.scope")
	AttrDropReason        = attribute.Key("streamstore.subscription.drop_reason")

	// Error attributes
	AttrErrorType    = attribute.Key("streamstore.error.type")
	AttrErrorMessage = attribute.Key("streamstore.error.message")

	// Operation attributes
	AttrOperation = attribute.Key("streamstore.operation")
)

var (
	meter  = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(streamstore.InstrumentationVersion))
	tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(streamstore.InstrumentationVersion))

	// Append metrics
	EventsAppended, _ = meter.Int64Counter(
		"streamstore.events.appended",
		metric.WithDescription("Number of events appended to streams"),
		metric.WithUnit("{event}"),
	)

	AppendsFailed, _ = meter.Int64Counter(
		"streamstore.appends.failed",
		metric.WithDescription("Number of failed append operations"),
		metric.WithUnit("{operation}"),
	)

	// Read metrics
	EventsRead, _ = meter.Int64Counter(
		"streamstore.events.read",
		metric.WithDescription("Number of events returned by read operations"),
		metric.WithUnit("{event}"),
	)

	ReadsFailed, _ = meter.Int64Counter(
		"streamstore.reads.failed",
		metric.WithDescription("Number of failed read operations"),
		metric.WithUnit("{operation}"),
	)

	// Operation metrics
	OperationDuration, _ = meter.Float64Histogram(
		"streamstore.operation.duration",
		metric.WithDescription("Stream store operation duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	// Concurrency metrics
	ConcurrencyConflicts, _ = meter.Int64Counter(
		"streamstore.concurrency.conflicts",
		metric.WithDescription("Number of wrong expected version conflicts"),
		metric.WithUnit("{conflict}"),
	)

	// Subscription metrics
	SubscriptionsActive, _ = meter.Int64UpDownCounter(
		"streamstore.subscriptions.active",
		metric.WithDescription("Number of active subscriptions"),
		metric.WithUnit("{subscription}"),
	)

	SubscriptionsDropped, _ = meter.Int64Counter(
		"streamstore.subscriptions.dropped",
		metric.WithDescription("Number of dropped subscriptions"),
		metric.WithUnit("{subscription}"),
	)

	EventsDelivered, _ = meter.Int64Counter(
		"streamstore.events.delivered",
		metric.WithDescription("Number of events delivered to subscribers"),
		metric.WithUnit("{event}"),
	)
)
