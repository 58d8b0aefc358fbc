package memory

import (
	"context"
	"fmt"

	"github.com/terraskye/streamstore"
)

// SubscribeToStream starts a volatile subscription on a stream. Only
// events committed strictly after the call are delivered. The stream must
// already exist; subscribe to a category or event-type stream after its
// first projected link lands.
func (c *Connection) SubscribeToStream(ctx context.Context, stream string, eventAppeared streamstore.EventAppeared, dropped streamstore.SubscriptionDropped, opts ...streamstore.CallOption) (streamstore.Subscription, error) {
	if stream == streamstore.AllStream {
		return c.SubscribeToAll(ctx, eventAppeared, dropped, opts...)
	}
	if err := validateSubscribeArgs(stream, eventAppeared); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if err := c.stateErrLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	events, exists := c.streams[stream]
	if !exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("subscribe to stream %q: %w", stream, streamstore.ErrStreamNotFound)
	}

	sub := newSubscription(ctx, c.dispatcher, c.logger, stream, false, true,
		int64(len(events))-1, streamstore.DefaultCatchUpSubscriptionSettings(),
		eventAppeared, nil, dropped)

	// Registering under c.mu pins the cut-off: everything at or below
	// lastDelivered was enqueued before us and gets filtered out.
	c.dispatcher.add(sub)
	c.mu.Unlock()

	sub.watchContext(ctx)
	return sub, nil
}

// SubscribeToStreamFrom starts a catch-up subscription: it replays the
// stream after lastCheckpoint (nil replays from the start), switches to
// the live feed and then invokes liveStarted. The call blocks until the
// replay completes.
//
// A missing stream is not an error here; the subscription simply goes live
// immediately and picks the stream up once it is created.
func (c *Connection) SubscribeToStreamFrom(ctx context.Context, stream string, lastCheckpoint *int64, settings streamstore.CatchUpSubscriptionSettings, eventAppeared streamstore.EventAppeared, liveStarted streamstore.LiveProcessingStarted, dropped streamstore.SubscriptionDropped, opts ...streamstore.CallOption) (streamstore.Subscription, error) {
	if stream == streamstore.AllStream {
		return c.SubscribeToAllFrom(ctx, lastCheckpoint, settings, eventAppeared, liveStarted, dropped, opts...)
	}
	if err := validateSubscribeArgs(stream, eventAppeared); err != nil {
		return nil, err
	}
	if lastCheckpoint != nil && *lastCheckpoint < 0 {
		return nil, &streamstore.ArgumentError{Name: "lastCheckpoint", Reason: "must not be negative"}
	}
	if err := c.checkState(); err != nil {
		return nil, err
	}

	settings = streamstore.NormalizeCatchUpSettings(settings)

	start := int64(-1)
	if lastCheckpoint != nil {
		start = *lastCheckpoint
	}

	sub := newSubscription(ctx, c.dispatcher, c.logger, stream, false, false,
		start, settings, eventAppeared, liveStarted, dropped)
	sub.watchContext(ctx)

	read := func(from int64) (*streamstore.StreamEventsSlice, error) {
		return c.ReadStreamForward(ctx, stream, from, settings.ReadBatchSize)
	}

	return c.catchUp(sub, read)
}

// SubscribeToAll starts a volatile subscription over $all. Delivers
// original events only, in commit order.
func (c *Connection) SubscribeToAll(ctx context.Context, eventAppeared streamstore.EventAppeared, dropped streamstore.SubscriptionDropped, opts ...streamstore.CallOption) (streamstore.Subscription, error) {
	if eventAppeared == nil {
		return nil, &streamstore.ArgumentError{Name: "eventAppeared", Reason: "must be provided"}
	}

	c.mu.Lock()
	if err := c.stateErrLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	last := int64(-1)
	if len(c.all) > 0 {
		last = c.all[len(c.all)-1].GlobalPosition
	}

	sub := newSubscription(ctx, c.dispatcher, c.logger, "", true, true,
		last, streamstore.DefaultCatchUpSubscriptionSettings(),
		eventAppeared, nil, dropped)

	c.dispatcher.add(sub)
	c.mu.Unlock()

	sub.watchContext(ctx)
	return sub, nil
}

// SubscribeToAllFrom starts a catch-up subscription over $all;
// lastCheckpoint is a global position.
func (c *Connection) SubscribeToAllFrom(ctx context.Context, lastCheckpoint *int64, settings streamstore.CatchUpSubscriptionSettings, eventAppeared streamstore.EventAppeared, liveStarted streamstore.LiveProcessingStarted, dropped streamstore.SubscriptionDropped, opts ...streamstore.CallOption) (streamstore.Subscription, error) {
	if eventAppeared == nil {
		return nil, &streamstore.ArgumentError{Name: "eventAppeared", Reason: "must be provided"}
	}
	if lastCheckpoint != nil && *lastCheckpoint < 0 {
		return nil, &streamstore.ArgumentError{Name: "lastCheckpoint", Reason: "must not be negative"}
	}
	if err := c.checkState(); err != nil {
		return nil, err
	}

	settings = streamstore.NormalizeCatchUpSettings(settings)

	start := int64(-1)
	if lastCheckpoint != nil {
		start = *lastCheckpoint
	}

	sub := newSubscription(ctx, c.dispatcher, c.logger, "", true, false,
		start, settings, eventAppeared, liveStarted, dropped)
	sub.watchContext(ctx)

	read := func(from int64) (*streamstore.StreamEventsSlice, error) {
		return c.ReadAllForward(ctx, from, settings.ReadBatchSize)
	}

	return c.catchUp(sub, read)
}

// catchUp runs the replay phase on the caller's goroutine, registers the
// subscription with the dispatcher, drains the gap committed during
// registration and flips the subscription live. The dispatcher buffers
// live events until the flip, so callback invocations never interleave.
func (c *Connection) catchUp(sub *subscription, read func(from int64) (*streamstore.StreamEventsSlice, error)) (streamstore.Subscription, error) {
	if err := c.replay(sub, read); err != nil {
		sub.drop(streamstore.DropReasonUnknown, err)
		return nil, err
	}

	c.mu.Lock()
	if err := c.stateErrLocked(); err != nil {
		c.mu.Unlock()
		sub.drop(streamstore.DropReasonConnectionClosed, nil)
		return nil, err
	}
	c.dispatcher.add(sub)
	c.mu.Unlock()

	// Events committed between the first replay and registration were
	// never enqueued for us; read them out before going live. Anything
	// enqueued after registration sits in the live buffer and survives
	// the monotonic filter at most once.
	if err := c.replay(sub, read); err != nil {
		sub.drop(streamstore.DropReasonUnknown, err)
		return nil, err
	}

	sub.switchToLive()

	if !sub.dropped.Load() && sub.liveStarted != nil {
		sub.liveStarted()
	}
	return sub, nil
}

func (c *Connection) replay(sub *subscription, read func(from int64) (*streamstore.StreamEventsSlice, error)) error {
	for {
		if sub.dropped.Load() {
			return nil
		}

		slice, err := read(sub.LastProcessedPosition() + 1)
		if err != nil {
			return err
		}
		if slice.Status == streamstore.SliceReadStreamNotFound {
			return nil
		}

		for _, rec := range slice.Events {
			if !sub.deliverFiltered(rec) {
				return nil
			}
		}
		if slice.IsEndOfStream {
			return nil
		}
	}
}

func validateSubscribeArgs(stream string, eventAppeared streamstore.EventAppeared) error {
	if stream == "" {
		return &streamstore.ArgumentError{Name: "stream", Reason: "must not be empty"}
	}
	if eventAppeared == nil {
		return &streamstore.ArgumentError{Name: "eventAppeared", Reason: "must be provided"}
	}
	return nil
}
