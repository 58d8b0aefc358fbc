package kurrentdb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kurrent-io/KurrentDB-Client-Go/kurrentdb"
	"github.com/terraskye/streamstore"
)

// serverSubscription wraps one server-side subscription stream. The
// worker goroutine pumps Recv and pushes matching events through a
// monotonic position filter, so the replay/live overlap of catch-up
// subscriptions never redelivers below the last seen position.
type serverSubscription struct {
	conn      *Connection
	stream    string
	allScoped bool

	eventAppeared streamstore.EventAppeared
	droppedCb     streamstore.SubscriptionDropped
	logger        *slog.Logger
	ctx           context.Context
	inner         *kurrentdb.Subscription

	dropped atomic.Bool
	quit    chan struct{}

	mu      sync.Mutex
	lastPos int64
}

var _ streamstore.Subscription = (*serverSubscription)(nil)

func (s *serverSubscription) Stream() string {
	if s.allScoped {
		return streamstore.AllStream
	}
	return s.stream
}

func (s *serverSubscription) IsSubscribedToAll() bool {
	return s.allScoped
}

func (s *serverSubscription) LastProcessedPosition() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPos
}

func (s *serverSubscription) Close() {
	s.drop(streamstore.DropReasonUserInitiated, nil)
}

func (s *serverSubscription) drop(reason streamstore.SubscriptionDropReason, err error) {
	if !s.dropped.CompareAndSwap(false, true) {
		return
	}
	close(s.quit)
	if s.inner != nil {
		s.inner.Close()
	}
	if s.droppedCb != nil {
		s.droppedCb(reason, err)
	}
}

func (s *serverSubscription) run() {
	defer s.conn.subWG.Done()

	for {
		select {
		case <-s.quit:
			return
		case <-s.ctx.Done():
			s.drop(streamstore.DropReasonUserInitiated, s.ctx.Err())
			return
		case <-s.conn.rootCtx.Done():
			s.drop(streamstore.DropReasonConnectionClosed, nil)
			return
		default:
		}

		event := s.inner.Recv()
		if event == nil {
			s.drop(streamstore.DropReasonUnknown, nil)
			return
		}
		if event.SubscriptionDropped != nil {
			s.drop(streamstore.DropReasonUnknown, event.SubscriptionDropped.Error)
			return
		}
		if event.EventAppeared == nil {
			continue
		}

		rec := recordedEvent(event.EventAppeared)
		if rec == nil {
			continue
		}
		if s.allScoped && (rec.IsProjected() || streamstore.IsSystemStream(rec.StreamID)) {
			continue
		}
		if !s.deliver(rec) {
			return
		}
	}
}

func (s *serverSubscription) position(rec *streamstore.RecordedEvent) int64 {
	if s.allScoped {
		return rec.GlobalPosition
	}
	return rec.EventNumber
}

func (s *serverSubscription) deliver(rec *streamstore.RecordedEvent) bool {
	if s.dropped.Load() {
		return false
	}

	s.mu.Lock()
	if s.position(rec) <= s.lastPos {
		s.mu.Unlock()
		return true
	}
	s.lastPos = s.position(rec)
	s.mu.Unlock()

	err := s.invoke(streamstore.WithRecordedEvent(s.ctx, rec), rec)
	if err != nil {
		s.logger.Error("subscriber callback failed, dropping subscription",
			"stream", s.Stream(),
			"event_type", rec.Type,
			"position", s.position(rec),
			"error", err,
		)
		s.drop(streamstore.DropReasonSubscriberError, err)
		return false
	}
	return true
}

func (s *serverSubscription) invoke(ctx context.Context, rec *streamstore.RecordedEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in subscriber: %v", r)
		}
	}()
	return s.eventAppeared(ctx, rec)
}

// SubscribeToStream starts a volatile subscription from the current end
// of the stream. The stream must exist.
func (c *Connection) SubscribeToStream(ctx context.Context, stream string, eventAppeared streamstore.EventAppeared, dropped streamstore.SubscriptionDropped, opts ...streamstore.CallOption) (streamstore.Subscription, error) {
	if stream == streamstore.AllStream {
		return c.SubscribeToAll(ctx, eventAppeared, dropped, opts...)
	}
	if err := validateSubscribeArgs(stream, eventAppeared); err != nil {
		return nil, err
	}
	if err := c.checkState(); err != nil {
		return nil, err
	}

	// The server accepts subscriptions to absent streams; probe first to
	// keep the volatile contract.
	probe, err := c.ReadStreamBackward(ctx, stream, streamstore.EndOfStream, 1, opts...)
	if err != nil {
		return nil, err
	}
	if probe.Status == streamstore.SliceReadStreamNotFound {
		return nil, fmt.Errorf("subscribe to stream %q: %w", stream, streamstore.ErrStreamNotFound)
	}

	inner, err := c.client.SubscribeToStream(ctx, stream, kurrentdb.SubscribeToStreamOptions{
		From:           kurrentdb.End{},
		ResolveLinkTos: true,
		Authenticated:  credentials(opts),
	})
	if err != nil {
		return nil, mapError(stream, nil, err)
	}

	sub := c.newServerSubscription(ctx, stream, false, inner, probe.LastEventNumber, eventAppeared, dropped)
	c.startWorker(sub)
	return sub, nil
}

// SubscribeToStreamFrom starts a catch-up subscription: replays history
// after lastCheckpoint via reads, invokes liveStarted and hands over to a
// server subscription anchored at the replay boundary. The call blocks
// until replay completes.
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

	sub := c.newServerSubscription(ctx, stream, false, nil, start, eventAppeared, dropped)

	err := c.replay(sub, func(from int64) (*streamstore.StreamEventsSlice, error) {
		return c.ReadStreamForward(ctx, stream, from, settings.ReadBatchSize, opts...)
	})
	if err != nil {
		sub.drop(streamstore.DropReasonUnknown, err)
		return nil, err
	}

	// Anchor the live feed at the replay boundary. Events in the overlap
	// come through the server again and die on the position filter.
	var from kurrentdb.StreamPosition = kurrentdb.Start{}
	if last := sub.LastProcessedPosition(); last >= 0 {
		from = kurrentdb.StreamRevision{Value: uint64(last)}
	}

	inner, err := c.client.SubscribeToStream(ctx, stream, kurrentdb.SubscribeToStreamOptions{
		From:           from,
		ResolveLinkTos: true,
		Authenticated:  credentials(opts),
	})
	if err != nil {
		sub.drop(streamstore.DropReasonUnknown, err)
		return nil, mapError(stream, nil, err)
	}
	sub.inner = inner

	if !sub.dropped.Load() && liveStarted != nil {
		liveStarted()
	}

	c.startWorker(sub)
	return sub, nil
}

// SubscribeToAll starts a volatile subscription over $all from the
// current end.
func (c *Connection) SubscribeToAll(ctx context.Context, eventAppeared streamstore.EventAppeared, dropped streamstore.SubscriptionDropped, opts ...streamstore.CallOption) (streamstore.Subscription, error) {
	if eventAppeared == nil {
		return nil, &streamstore.ArgumentError{Name: "eventAppeared", Reason: "must be provided"}
	}
	if err := c.checkState(); err != nil {
		return nil, err
	}

	inner, err := c.client.SubscribeToAll(ctx, kurrentdb.SubscribeToAllOptions{
		From:          kurrentdb.End{},
		Authenticated: credentials(opts),
	})
	if err != nil {
		return nil, mapError(streamstore.AllStream, nil, err)
	}

	sub := c.newServerSubscription(ctx, "", true, inner, -1, eventAppeared, dropped)
	c.startWorker(sub)
	return sub, nil
}

// SubscribeToAllFrom starts a catch-up subscription over $all;
// lastCheckpoint is a global commit position.
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

	sub := c.newServerSubscription(ctx, "", true, nil, start, eventAppeared, dropped)

	err := c.replay(sub, func(from int64) (*streamstore.StreamEventsSlice, error) {
		return c.ReadAllForward(ctx, from, settings.ReadBatchSize, opts...)
	})
	if err != nil {
		sub.drop(streamstore.DropReasonUnknown, err)
		return nil, err
	}

	var from kurrentdb.AllPosition = kurrentdb.Start{}
	if last := sub.LastProcessedPosition(); last >= 0 {
		from = kurrentdb.Position{Commit: uint64(last), Prepare: uint64(last)}
	}

	inner, err := c.client.SubscribeToAll(ctx, kurrentdb.SubscribeToAllOptions{
		From:          from,
		Authenticated: credentials(opts),
	})
	if err != nil {
		sub.drop(streamstore.DropReasonUnknown, err)
		return nil, mapError(streamstore.AllStream, nil, err)
	}
	sub.inner = inner

	if !sub.dropped.Load() && liveStarted != nil {
		liveStarted()
	}

	c.startWorker(sub)
	return sub, nil
}

func (c *Connection) newServerSubscription(ctx context.Context, stream string, allScoped bool, inner *kurrentdb.Subscription, lastPos int64, eventAppeared streamstore.EventAppeared, dropped streamstore.SubscriptionDropped) *serverSubscription {
	return &serverSubscription{
		conn:          c,
		stream:        stream,
		allScoped:     allScoped,
		eventAppeared: eventAppeared,
		droppedCb:     dropped,
		logger:        c.logger,
		ctx:           ctx,
		inner:         inner,
		quit:          make(chan struct{}),
		lastPos:       lastPos,
	}
}

func (c *Connection) startWorker(s *serverSubscription) {
	c.subWG.Add(1)
	go s.run()
}

// replay pulls history through paged reads and delivers it on the
// caller's goroutine.
func (c *Connection) replay(sub *serverSubscription, read func(from int64) (*streamstore.StreamEventsSlice, error)) error {
	for {
		if sub.dropped.Load() {
			return nil
		}

		slice, err := read(sub.LastProcessedPosition() + 1)
		if err != nil {
			return err
		}
		if slice.Status != streamstore.SliceReadSuccess {
			return nil
		}

		for _, rec := range slice.Events {
			if !sub.deliver(rec) {
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
