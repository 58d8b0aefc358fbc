package streamstore

import "context"

// EventAppeared is invoked for every event delivered to a subscription or
// reader. Returning an error from a subscription callback causes the
// subscriber to be isolated and dropped with DropReasonSubscriberError;
// other subscribers keep running.
type EventAppeared func(ctx context.Context, event *RecordedEvent) error

// LiveProcessingStarted is invoked exactly once by a catch-up subscription
// when historical replay has completed and delivery switches to the live
// feed.
type LiveProcessingStarted func()

// SubscriptionDropped is invoked exactly once when a subscription stops
// delivering events, with the reason and the causing error if any.
type SubscriptionDropped func(reason SubscriptionDropReason, err error)

// SubscriptionDropReason explains why a subscription was dropped.
type SubscriptionDropReason int

const (
	DropReasonUnknown SubscriptionDropReason = iota
	DropReasonUserInitiated
	DropReasonSubscriberError
	DropReasonConnectionClosed
	DropReasonCatchUpOverflow
)

func (r SubscriptionDropReason) String() string {
	switch r {
	case DropReasonUserInitiated:
		return "user initiated"
	case DropReasonSubscriberError:
		return "subscriber error"
	case DropReasonConnectionClosed:
		return "connection closed"
	case DropReasonCatchUpOverflow:
		return "catch-up queue overflow"
	default:
		return "unknown"
	}
}

// Subscription is the disposable handle returned by the subscribe calls.
// Close is idempotent: the dropped callback fires exactly once, and no
// eventAppeared invocation starts after the first Close returns (at most
// one delivery already in flight may still complete).
type Subscription interface {
	// Stream returns the subscribed stream name, or AllStream.
	Stream() string

	// IsSubscribedToAll reports whether the subscription targets $all.
	IsSubscribedToAll() bool

	// LastProcessedPosition returns the position of the last event
	// delivered to the subscriber: the event number for stream
	// subscriptions, the global position for all-subscriptions. -1 before
	// any delivery.
	LastProcessedPosition() int64

	// Close drops the subscription.
	Close()
}

// CatchUpSubscriptionSettings tunes catch-up subscriptions.
type CatchUpSubscriptionSettings struct {
	// ReadBatchSize is the page size used during historical replay.
	ReadBatchSize int

	// MaxLiveQueueSize bounds the number of live events buffered while the
	// subscription is still catching up. Exceeding it drops the
	// subscription with DropReasonCatchUpOverflow.
	MaxLiveQueueSize int

	// ResolveLinkTos is accepted for API parity with the production
	// client. The in-memory store always delivers link records as-is.
	ResolveLinkTos bool
}

// DefaultCatchUpSubscriptionSettings returns the settings used when the
// zero value is passed to SubscribeToStreamFrom/SubscribeToAllFrom.
func DefaultCatchUpSubscriptionSettings() CatchUpSubscriptionSettings {
	return CatchUpSubscriptionSettings{
		ReadBatchSize:    500,
		MaxLiveQueueSize: 10000,
	}
}

func (s CatchUpSubscriptionSettings) withDefaults() CatchUpSubscriptionSettings {
	def := DefaultCatchUpSubscriptionSettings()
	if s.ReadBatchSize <= 0 {
		s.ReadBatchSize = def.ReadBatchSize
	}
	if s.MaxLiveQueueSize <= 0 {
		s.MaxLiveQueueSize = def.MaxLiveQueueSize
	}
	return s
}

// NormalizeCatchUpSettings fills zero-valued settings with defaults.
// Exported for backend implementations.
func NormalizeCatchUpSettings(s CatchUpSubscriptionSettings) CatchUpSubscriptionSettings {
	return s.withDefaults()
}
