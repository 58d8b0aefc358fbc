package streamstore

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ctxKey string

// Define constants for context keys
const (
	streamIDKey       ctxKey = "streamID"
	eventIDKey        ctxKey = "eventID"
	eventNumberKey    ctxKey = "eventNumber"
	globalPositionKey ctxKey = "globalPosition"
	eventTypeKey      ctxKey = "eventType"
	occurredAtKey     ctxKey = "occurredAt"
)

// WithRecordedEvent adds the delivery context of a record to the context.
// Dispatchers attach it before invoking eventAppeared callbacks so that
// middleware (logging, tracing) can annotate without inspecting payloads.
func WithRecordedEvent(ctx context.Context, record *RecordedEvent) context.Context {
	ctx = context.WithValue(ctx, streamIDKey, record.StreamID)
	ctx = context.WithValue(ctx, eventIDKey, record.EventID)
	ctx = context.WithValue(ctx, eventNumberKey, record.EventNumber)
	ctx = context.WithValue(ctx, globalPositionKey, record.GlobalPosition)
	ctx = context.WithValue(ctx, eventTypeKey, record.Type)
	ctx = context.WithValue(ctx, occurredAtKey, record.CreatedAt)
	return ctx
}

// StreamIDFromContext returns the StreamID or "" if not present
func StreamIDFromContext(ctx context.Context) string {
	if v := ctx.Value(streamIDKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// EventIDFromContext returns the EventID or uuid.Nil if not present
func EventIDFromContext(ctx context.Context) uuid.UUID {
	if v := ctx.Value(eventIDKey); v != nil {
		if id, ok := v.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.Nil
}

// EventNumberFromContext returns the event number or -1 if not present
func EventNumberFromContext(ctx context.Context) int64 {
	if v := ctx.Value(eventNumberKey); v != nil {
		if n, ok := v.(int64); ok {
			return n
		}
	}
	return -1
}

// GlobalPositionFromContext returns the global position or -1 if not present
func GlobalPositionFromContext(ctx context.Context) int64 {
	if v := ctx.Value(globalPositionKey); v != nil {
		if n, ok := v.(int64); ok {
			return n
		}
	}
	return -1
}

// EventTypeFromContext returns the event type name or "" if not present
func EventTypeFromContext(ctx context.Context) string {
	if v := ctx.Value(eventTypeKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// OccurredAtFromContext returns the creation timestamp or zero time if not present
func OccurredAtFromContext(ctx context.Context) time.Time {
	if v := ctx.Value(occurredAtKey); v != nil {
		if t, ok := v.(time.Time); ok {
			return t
		}
	}
	return time.Time{}
}
