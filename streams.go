package streamstore

import (
	"fmt"
	"strings"
)

const (
	// AllStream is the name of the global all-events stream.
	AllStream = "$all"

	categoryStreamPrefix  = "$ce-"
	eventTypeStreamPrefix = "$et-"
	systemStreamPrefix    = "$"
	streamNameSeparator   = "-"
)

// CategoryStream returns the projected by-category stream name for a category.
func CategoryStream(category string) string {
	return categoryStreamPrefix + category
}

// EventTypeStream returns the projected by-event-type stream name for an
// event type name.
func EventTypeStream(eventType string) string {
	return eventTypeStreamPrefix + eventType
}

// CategoryOf returns the category of a stream name: the portion before the
// first separator. Empty if the name carries no separator.
func CategoryOf(stream string) string {
	i := strings.Index(stream, streamNameSeparator)
	if i <= 0 {
		return ""
	}
	return stream[:i]
}

// IsSystemStream reports whether the name designates a reserved system or
// projected stream. System streams are read-only from the client's
// perspective.
func IsSystemStream(stream string) bool {
	return strings.HasPrefix(stream, systemStreamPrefix)
}

// ValidateStreamName checks that a client-supplied stream name is writable:
// non-empty, not whitespace-only and not a reserved system stream. Returns
// an ArgumentError or ErrAccessDenied.
func ValidateStreamName(stream string) error {
	if strings.TrimSpace(stream) == "" {
		return &ArgumentError{Name: "stream", Reason: "must not be empty"}
	}
	if IsSystemStream(stream) {
		return fmt.Errorf("stream %q is a system stream: %w", stream, ErrAccessDenied)
	}
	return nil
}

// StreamNamer builds stream names for aggregates, categories and event
// types. The store calls these but does not define naming policy itself.
type StreamNamer interface {
	ForAggregate(aggregateType, id string) string
	ForCategory(aggregateType string) string
	ForEventType(eventType string) string
}

// DelimitedStreamNamer is the default naming strategy, producing
// "Type-id" aggregate streams so that the projection engine groups them
// under the $ce-Type category stream.
type DelimitedStreamNamer struct{}

func (DelimitedStreamNamer) ForAggregate(aggregateType, id string) string {
	return aggregateType + streamNameSeparator + id
}

func (DelimitedStreamNamer) ForCategory(aggregateType string) string {
	return CategoryStream(aggregateType)
}

func (DelimitedStreamNamer) ForEventType(eventType string) string {
	return EventTypeStream(eventType)
}
