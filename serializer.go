package streamstore

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// EventSerializer converts between domain events and the opaque byte
// payloads the store persists. The store itself never inspects payloads.
type EventSerializer interface {
	Serialize(event Event, eventID uuid.UUID) (EventData, error)
	Deserialize(record *RecordedEvent) (Event, error)
}

// JSONSerializer marshals events to JSON and resolves recorded type names
// through an event registry on the way back.
type JSONSerializer struct {
	registry *Registry
}

// NewJSONSerializer constructs a serializer backed by the given registry.
func NewJSONSerializer(registry *Registry) *JSONSerializer {
	return &JSONSerializer{registry: registry}
}

func (s *JSONSerializer) Serialize(event Event, eventID uuid.UUID) (EventData, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return EventData{}, fmt.Errorf("serialize event %q: %w", event.EventType(), err)
	}

	return EventData{
		EventID: eventID,
		Type:    event.EventType(),
		Data:    data,
		IsJSON:  true,
	}, nil
}

func (s *JSONSerializer) Deserialize(record *RecordedEvent) (Event, error) {
	ev, err := s.registry.NewEventByName(record.Type)
	if err != nil {
		return nil, fmt.Errorf("deserialize event %q: %w", record.Type, err)
	}

	if err := json.Unmarshal(record.Data, ev); err != nil {
		return nil, fmt.Errorf("deserialize event %q: %w", record.Type, err)
	}

	return ev, nil
}
