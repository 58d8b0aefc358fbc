package streamstore

import "context"

// UserCredentials carries per-call credentials. The production backend
// forwards them to the server; the in-memory and gorm backends accept and
// ignore them, keeping the call surface identical.
type UserCredentials struct {
	Username string
	Password string
}

// CallConfig is the resolved per-call configuration. Backends obtain it
// via NewCallConfig.
type CallConfig struct {
	Credentials *UserCredentials
}

// CallOption configures a single connection call.
type CallOption func(*CallConfig)

// WithCredentials attaches credentials to a call.
func WithCredentials(creds UserCredentials) CallOption {
	return func(cfg *CallConfig) {
		cfg.Credentials = &creds
	}
}

// NewCallConfig resolves call options into a CallConfig.
func NewCallConfig(opts ...CallOption) CallConfig {
	var cfg CallConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Connection is the client-facing surface of a stream store. It mirrors
// the production event store client so the in-memory reference
// implementation, the gorm-backed store and the KurrentDB adapter are
// interchangeable.
//
// All operations fail fast with ErrNotConnected before Connect and with
// ErrConnectionClosed after Close. Reads return a StreamEventsSlice whose
// Status discriminates missing/deleted streams from empty results; append
// and delete report version conflicts as *WrongExpectedVersionError.
type Connection interface {
	// Connect establishes the connection. Calling Connect on a closed
	// connection fails with ErrConnectionClosed.
	Connect() error

	// Close terminates the connection, drops all active subscriptions with
	// DropReasonConnectionClosed and releases resources. Idempotent.
	Close() error

	// AppendToStream atomically appends a batch of events, enforcing the
	// expected version. Returns the next expected version for subsequent
	// appends.
	AppendToStream(ctx context.Context, stream string, expected ExpectedVersion, events []EventData, opts ...CallOption) (*WriteResult, error)

	// ReadStreamForward reads up to count events starting at event number
	// start, oldest first.
	ReadStreamForward(ctx context.Context, stream string, start int64, count int, opts ...CallOption) (*StreamEventsSlice, error)

	// ReadStreamBackward reads up to count events walking towards the
	// beginning of the stream. start may be EndOfStream.
	ReadStreamBackward(ctx context.Context, stream string, start int64, count int, opts ...CallOption) (*StreamEventsSlice, error)

	// ReadAllForward reads the global all-stream from a global position.
	ReadAllForward(ctx context.Context, position int64, count int, opts ...CallOption) (*StreamEventsSlice, error)

	// ReadAllBackward reads the global all-stream towards the beginning.
	// position may be EndOfStream.
	ReadAllBackward(ctx context.Context, position int64, count int, opts ...CallOption) (*StreamEventsSlice, error)

	// DeleteStream removes a stream. Hard delete: the name may be reused
	// afterwards as if fresh. Reserved system streams are rejected with
	// ErrAccessDenied.
	DeleteStream(ctx context.Context, stream string, expected ExpectedVersion, opts ...CallOption) error

	// SubscribeToStream starts a volatile subscription delivering only
	// events appended strictly after the call. The stream must exist.
	SubscribeToStream(ctx context.Context, stream string, eventAppeared EventAppeared, dropped SubscriptionDropped, opts ...CallOption) (Subscription, error)

	// SubscribeToStreamFrom starts a catch-up subscription: replays
	// history after lastCheckpoint (nil for the stream start), then hands
	// over to live delivery. Delivery across the seam is at-least-once: a
	// bounded overlap window at switchover may redeliver, never skip.
	// The call blocks until replay completes.
	SubscribeToStreamFrom(ctx context.Context, stream string, lastCheckpoint *int64, settings CatchUpSubscriptionSettings, eventAppeared EventAppeared, liveStarted LiveProcessingStarted, dropped SubscriptionDropped, opts ...CallOption) (Subscription, error)

	// SubscribeToAll is the volatile subscription over $all.
	SubscribeToAll(ctx context.Context, eventAppeared EventAppeared, dropped SubscriptionDropped, opts ...CallOption) (Subscription, error)

	// SubscribeToAllFrom is the catch-up subscription over $all;
	// lastCheckpoint is a global position.
	SubscribeToAllFrom(ctx context.Context, lastCheckpoint *int64, settings CatchUpSubscriptionSettings, eventAppeared EventAppeared, liveStarted LiveProcessingStarted, dropped SubscriptionDropped, opts ...CallOption) (Subscription, error)

	// StartTransaction is outside the supported subset and fails with
	// ErrNotSupported.
	StartTransaction(ctx context.Context, stream string, expected ExpectedVersion, opts ...CallOption) error

	// SetStreamMetadata is outside the supported subset and fails with
	// ErrNotSupported.
	SetStreamMetadata(ctx context.Context, stream string, expected ExpectedVersion, metadata []byte, opts ...CallOption) error

	// ConnectToPersistentSubscription is outside the supported subset and
	// fails with ErrNotSupported.
	ConnectToPersistentSubscription(ctx context.Context, stream, group string, eventAppeared EventAppeared, dropped SubscriptionDropped, opts ...CallOption) (Subscription, error)
}
