package streamstore

import "context"

// Aggregate is the interface that all event-sourced aggregates must
// implement. State is derived entirely by replaying the aggregate's event
// history; the repository drives ApplyEvent during rehydration.
type Aggregate interface {

	// EntityID returns the unique identifier of the aggregate.
	EntityID() string

	// AggregateVersion returns the event number of the last committed
	// event, or -1 for a brand-new aggregate.
	AggregateVersion() int64

	// SetAggregateVersion sets the version of the aggregate.
	SetAggregateVersion(version int64)

	// UncommittedEvents returns all the events that are currently uncommitted.
	UncommittedEvents() []Event

	// ClearUncommittedEvents clears all uncommitted events from the aggregate.
	ClearUncommittedEvents()

	// ApplyEvent mutates aggregate state from a single event. Invoked for
	// replayed history and for fresh events alike.
	ApplyEvent(ctx context.Context, event Event)
}

// AggregateBase provides the bookkeeping half of Aggregate. Embed it and
// implement ApplyEvent on the concrete type (see Hydrate).
type AggregateBase struct {
	id      string
	version int64
	events  []Event
}

// NewAggregateBase creates an aggregate base at version -1 (no history).
func NewAggregateBase(id string) *AggregateBase {
	return &AggregateBase{
		id:      id,
		version: -1,
	}
}

// EntityID implements the EntityID method of the Aggregate interface.
func (a *AggregateBase) EntityID() string {
	return a.id
}

// AggregateVersion implements the AggregateVersion method of the Aggregate interface.
func (a *AggregateBase) AggregateVersion() int64 {
	return a.version
}

// SetAggregateVersion implements the SetAggregateVersion method of the Aggregate interface.
func (a *AggregateBase) SetAggregateVersion(v int64) {
	a.version = v
}

// UncommittedEvents implements the UncommittedEvents method of the Aggregate interface.
func (a *AggregateBase) UncommittedEvents() []Event {
	return a.events
}

// ClearUncommittedEvents implements the ClearUncommittedEvents method of the Aggregate interface.
func (a *AggregateBase) ClearUncommittedEvents() {
	a.events = nil
}

// AppendEvent records an event for later retrieval by UncommittedEvents.
func (a *AggregateBase) AppendEvent(event Event) {
	a.events = append(a.events, event)
}
