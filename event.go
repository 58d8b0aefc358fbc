package streamstore

import (
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Event is a domain event describing a change that has happened to an aggregate.
type Event interface {
	AggregateID() string
	EventType() string
}

// TypeName returns the bare type name of v, without package qualifier.
// Used as the default event type name throughout the module.
func TypeName(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// EventData is the write-side input to an append: an event that has an
// identity and a payload but no position yet. It becomes a RecordedEvent
// only once durably appended to a stream.
type EventData struct {
	EventID  uuid.UUID
	Type     string
	Data     []byte
	Metadata []byte
	IsJSON   bool
}

// NewJSONEventData builds EventData for a JSON payload with a fresh event id.
func NewJSONEventData(eventType string, data, metadata []byte) EventData {
	return EventData{
		EventID:  uuid.New(),
		Type:     eventType,
		Data:     data,
		Metadata: metadata,
		IsJSON:   true,
	}
}

// LinkOrigin identifies the origin of a projected (link) record.
type LinkOrigin struct {
	StreamID    string
	EventID     uuid.UUID
	EventNumber int64
}

// RecordedEvent is an event as committed to a stream. Instances are
// immutable once returned by the store; callers must not mutate them.
//
// A record with a non-nil Origin is a projected link written by the
// projection engine into a $ce-/$et- stream. Its EventNumber is local to
// the projected stream while EventID, Type, Data and Metadata are those
// of the origin event.
type RecordedEvent struct {
	StreamID       string
	EventID        uuid.UUID
	EventNumber    int64
	GlobalPosition int64
	Type           string
	Data           []byte
	Metadata       []byte
	IsJSON         bool
	CreatedAt      time.Time
	CreatedEpoch   int64

	Origin *LinkOrigin
}

// IsProjected reports whether the record is a link written by the
// projection engine rather than an original client append.
func (e *RecordedEvent) IsProjected() bool {
	return e.Origin != nil
}
