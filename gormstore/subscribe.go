package gormstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/terraskye/streamstore"
)

// pollSubscription implements both volatile and catch-up subscriptions by
// polling the database for rows past the last delivered position. The
// poll interval bounds delivery latency, not correctness: positions are
// assigned at commit time, so a poller never skips a row it has not seen.
type pollSubscription struct {
	conn      *Connection
	stream    string
	allScoped bool
	batch     int
	interval  time.Duration

	eventAppeared streamstore.EventAppeared
	droppedCb     streamstore.SubscriptionDropped
	logger        *slog.Logger
	ctx           context.Context

	dropped atomic.Bool
	quit    chan struct{}

	mu      sync.Mutex
	lastPos int64
}

var _ streamstore.Subscription = (*pollSubscription)(nil)

func (s *pollSubscription) Stream() string {
	if s.allScoped {
		return streamstore.AllStream
	}
	return s.stream
}

func (s *pollSubscription) IsSubscribedToAll() bool {
	return s.allScoped
}

func (s *pollSubscription) LastProcessedPosition() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPos
}

func (s *pollSubscription) Close() {
	s.drop(streamstore.DropReasonUserInitiated, nil)
}

func (s *pollSubscription) drop(reason streamstore.SubscriptionDropReason, err error) {
	if !s.dropped.CompareAndSwap(false, true) {
		return
	}
	close(s.quit)
	if s.droppedCb != nil {
		s.droppedCb(reason, err)
	}
}

func (s *pollSubscription) run() {
	defer s.conn.subWG.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

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
		case <-ticker.C:
		}

		if err := s.drain(); err != nil {
			if s.dropped.Load() {
				return
			}
			s.logger.Error("subscription poll failed, dropping subscription",
				"stream", s.Stream(),
				"error", err,
			)
			s.drop(streamstore.DropReasonUnknown, err)
			return
		}
	}
}

// drain reads and delivers everything committed past the last delivered
// position. Returns once the feed is exhausted.
func (s *pollSubscription) drain() error {
	for {
		if s.dropped.Load() {
			return nil
		}

		slice, err := s.read(s.LastProcessedPosition() + 1)
		if err != nil {
			return err
		}
		if slice.Status == streamstore.SliceReadStreamNotFound {
			return nil
		}

		for _, rec := range slice.Events {
			if !s.deliver(rec) {
				return nil
			}
		}
		if slice.IsEndOfStream {
			return nil
		}
	}
}

func (s *pollSubscription) read(from int64) (*streamstore.StreamEventsSlice, error) {
	if s.allScoped {
		return s.conn.ReadAllForward(s.ctx, from, s.batch)
	}
	return s.conn.ReadStreamForward(s.ctx, s.stream, from, s.batch)
}

func (s *pollSubscription) position(rec *streamstore.RecordedEvent) int64 {
	if s.allScoped {
		return rec.GlobalPosition
	}
	return rec.EventNumber
}

func (s *pollSubscription) deliver(rec *streamstore.RecordedEvent) bool {
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

func (s *pollSubscription) invoke(ctx context.Context, rec *streamstore.RecordedEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in subscriber: %v", r)
		}
	}()
	return s.eventAppeared(ctx, rec)
}

func (c *Connection) newPollSubscription(ctx context.Context, stream string, allScoped bool, lastPos int64, batch int, eventAppeared streamstore.EventAppeared, dropped streamstore.SubscriptionDropped) *pollSubscription {
	return &pollSubscription{
		conn:          c,
		stream:        stream,
		allScoped:     allScoped,
		batch:         batch,
		interval:      c.pollInterval,
		eventAppeared: eventAppeared,
		droppedCb:     dropped,
		logger:        c.logger,
		ctx:           ctx,
		quit:          make(chan struct{}),
		lastPos:       lastPos,
	}
}

func (c *Connection) startPoller(s *pollSubscription) {
	c.subWG.Add(1)
	go s.run()
}

// SubscribeToStream starts a volatile subscription: only events committed
// after the call are delivered. The stream must exist.
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

	last, exists, err := streamHead(c.db.WithContext(ctx), stream)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("subscribe to stream %q: %w", stream, streamstore.ErrStreamNotFound)
	}

	settings := streamstore.DefaultCatchUpSubscriptionSettings()
	sub := c.newPollSubscription(ctx, stream, false, last, settings.ReadBatchSize, eventAppeared, dropped)
	c.startPoller(sub)
	return sub, nil
}

// SubscribeToStreamFrom starts a catch-up subscription: replays the
// stream after lastCheckpoint (nil for the start), invokes liveStarted
// and keeps polling for new events. The call blocks until the replay
// completes. A missing stream goes live immediately.
func (c *Connection) SubscribeToStreamFrom(ctx context.Context, stream string, lastCheckpoint *int64, settings streamstore.CatchUpSubscriptionSettings, eventAppeared streamstore.EventAppeared, liveStarted streamstore.LiveProcessingStarted, dropped streamstore.SubscriptionDropped, opts ...streamstore.CallOption) (streamstore.Subscription, error) {
	if stream == streamstore.AllStream {
		return c.SubscribeToAllFrom(ctx, lastCheckpoint, settings, eventAppeared, liveStarted, dropped, opts...)
	}
	if err := validateSubscribeArgs(stream, eventAppeared); err != nil {
		return nil, err
	}
	return c.subscribeFrom(ctx, stream, false, lastCheckpoint, settings, eventAppeared, liveStarted, dropped)
}

// SubscribeToAll starts a volatile subscription over the global feed of
// original events.
func (c *Connection) SubscribeToAll(ctx context.Context, eventAppeared streamstore.EventAppeared, dropped streamstore.SubscriptionDropped, opts ...streamstore.CallOption) (streamstore.Subscription, error) {
	if eventAppeared == nil {
		return nil, &streamstore.ArgumentError{Name: "eventAppeared", Reason: "must be provided"}
	}
	if err := c.checkState(); err != nil {
		return nil, err
	}

	last, err := lastOriginalPosition(c.db.WithContext(ctx))
	if err != nil {
		return nil, err
	}

	settings := streamstore.DefaultCatchUpSubscriptionSettings()
	sub := c.newPollSubscription(ctx, "", true, last, settings.ReadBatchSize, eventAppeared, dropped)
	c.startPoller(sub)
	return sub, nil
}

// SubscribeToAllFrom starts a catch-up subscription over the global feed;
// lastCheckpoint is a global position.
func (c *Connection) SubscribeToAllFrom(ctx context.Context, lastCheckpoint *int64, settings streamstore.CatchUpSubscriptionSettings, eventAppeared streamstore.EventAppeared, liveStarted streamstore.LiveProcessingStarted, dropped streamstore.SubscriptionDropped, opts ...streamstore.CallOption) (streamstore.Subscription, error) {
	if eventAppeared == nil {
		return nil, &streamstore.ArgumentError{Name: "eventAppeared", Reason: "must be provided"}
	}
	return c.subscribeFrom(ctx, "", true, lastCheckpoint, settings, eventAppeared, liveStarted, dropped)
}

func (c *Connection) subscribeFrom(ctx context.Context, stream string, allScoped bool, lastCheckpoint *int64, settings streamstore.CatchUpSubscriptionSettings, eventAppeared streamstore.EventAppeared, liveStarted streamstore.LiveProcessingStarted, dropped streamstore.SubscriptionDropped) (streamstore.Subscription, error) {
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

	sub := c.newPollSubscription(ctx, stream, allScoped, start, settings.ReadBatchSize, eventAppeared, dropped)

	// Replay on the caller's goroutine; the poller takes over from the
	// position the replay reached, so nothing between the two is skipped.
	if err := sub.drain(); err != nil {
		sub.drop(streamstore.DropReasonUnknown, err)
		return nil, err
	}

	if !sub.dropped.Load() && liveStarted != nil {
		liveStarted()
	}

	c.startPoller(sub)
	return sub, nil
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
