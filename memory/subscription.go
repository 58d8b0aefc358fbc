package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/terraskye/streamstore"
)

// subscription is the single handle type behind volatile and catch-up
// subscriptions. Volatile subscriptions are born live; catch-up
// subscriptions buffer live deliveries until replay completes, then drain
// the buffer and switch over.
//
// Delivery across the catch-up/live seam is at-least-once: the monotonic
// position filter removes exact duplicates from the live feed, but callers
// must tolerate redelivery around the switchover.
type subscription struct {
	id        uint64
	stream    string
	allScoped bool
	settings  streamstore.CatchUpSubscriptionSettings

	eventAppeared streamstore.EventAppeared
	liveStarted   streamstore.LiveProcessingStarted
	droppedCb     streamstore.SubscriptionDropped

	disp   *dispatcher
	logger *slog.Logger
	ctx    context.Context

	dropped atomic.Bool
	quit    chan struct{}

	mu            sync.Mutex
	lastDelivered int64
	live          bool
	pendingLive   []*streamstore.RecordedEvent
}

func newSubscription(
	ctx context.Context,
	disp *dispatcher,
	logger *slog.Logger,
	stream string,
	allScoped bool,
	live bool,
	lastDelivered int64,
	settings streamstore.CatchUpSubscriptionSettings,
	eventAppeared streamstore.EventAppeared,
	liveStarted streamstore.LiveProcessingStarted,
	dropped streamstore.SubscriptionDropped,
) *subscription {
	return &subscription{
		stream:        stream,
		allScoped:     allScoped,
		settings:      settings,
		eventAppeared: eventAppeared,
		liveStarted:   liveStarted,
		droppedCb:     dropped,
		disp:          disp,
		logger:        logger,
		ctx:           ctx,
		quit:          make(chan struct{}),
		lastDelivered: lastDelivered,
		live:          live,
	}
}

func (s *subscription) Stream() string {
	if s.allScoped {
		return streamstore.AllStream
	}
	return s.stream
}

func (s *subscription) IsSubscribedToAll() bool {
	return s.allScoped
}

func (s *subscription) LastProcessedPosition() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDelivered
}

// Close drops the subscription. Idempotent; the dropped callback fires
// exactly once, and no delivery starts afterwards (at most one already in
// flight may complete).
func (s *subscription) Close() {
	s.drop(streamstore.DropReasonUserInitiated, nil)
}

func (s *subscription) drop(reason streamstore.SubscriptionDropReason, err error) {
	if !s.dropped.CompareAndSwap(false, true) {
		return
	}

	close(s.quit)
	s.disp.remove(s.id)

	if s.droppedCb != nil {
		s.droppedCb(reason, err)
	}
}

// matches reports whether a record belongs to this subscription's feed.
// All-subscriptions receive original events only; stream subscriptions
// receive whatever lands on their stream, links included.
func (s *subscription) matches(rec *streamstore.RecordedEvent) bool {
	if s.allScoped {
		return !rec.IsProjected()
	}
	return rec.StreamID == s.stream
}

func (s *subscription) position(rec *streamstore.RecordedEvent) int64 {
	if s.allScoped {
		return rec.GlobalPosition
	}
	return rec.EventNumber
}

// onLiveEvent is invoked by the dispatcher worker for every matching
// record. While the subscription is still catching up, records are
// buffered; once live they pass through the monotonic filter and reach
// the subscriber directly.
func (s *subscription) onLiveEvent(rec *streamstore.RecordedEvent) {
	if s.dropped.Load() {
		return
	}

	s.mu.Lock()
	if !s.live {
		if len(s.pendingLive) >= s.settings.MaxLiveQueueSize {
			s.mu.Unlock()
			s.drop(streamstore.DropReasonCatchUpOverflow, nil)
			return
		}
		s.pendingLive = append(s.pendingLive, rec)
		s.mu.Unlock()
		return
	}
	if s.position(rec) <= s.lastDelivered {
		s.mu.Unlock()
		return
	}
	s.lastDelivered = s.position(rec)
	s.mu.Unlock()

	s.deliver(rec)
}

// deliverFiltered applies the monotonic filter and delivers. Used on the
// replaying goroutine (catch-up and buffer drain); returns false once the
// subscription is dropped.
func (s *subscription) deliverFiltered(rec *streamstore.RecordedEvent) bool {
	if s.dropped.Load() {
		return false
	}

	s.mu.Lock()
	if s.position(rec) <= s.lastDelivered {
		s.mu.Unlock()
		return true
	}
	s.lastDelivered = s.position(rec)
	s.mu.Unlock()

	s.deliver(rec)
	return !s.dropped.Load()
}

// switchToLive drains the buffered live feed and flips the subscription
// live. Runs on the subscribing goroutine after replay; the dispatcher
// keeps buffering until the live flag is set, so callback invocations stay
// serialized through the handover.
func (s *subscription) switchToLive() {
	for {
		if s.dropped.Load() {
			return
		}

		s.mu.Lock()
		batch := s.pendingLive
		s.pendingLive = nil
		if len(batch) == 0 {
			s.live = true
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		for _, rec := range batch {
			if !s.deliverFiltered(rec) {
				return
			}
		}
	}
}

func (s *subscription) deliver(rec *streamstore.RecordedEvent) {
	ctx := streamstore.WithRecordedEvent(s.ctx, rec)

	err := s.invoke(ctx, rec)
	if err != nil {
		s.logger.Error("subscriber callback failed, dropping subscription",
			"stream", s.Stream(),
			"event_type", rec.Type,
			"position", s.position(rec),
			"error", err,
		)
		s.drop(streamstore.DropReasonSubscriberError, err)
	}
}

// invoke shields the dispatcher from panicking subscribers: a panic
// isolates that subscriber instead of killing the shared worker.
func (s *subscription) invoke(ctx context.Context, rec *streamstore.RecordedEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in subscriber: %v", r)
		}
	}()
	return s.eventAppeared(ctx, rec)
}

// watchContext drops the subscription when the caller's context ends.
func (s *subscription) watchContext(ctx context.Context) {
	done := ctx.Done()
	if done == nil {
		return
	}
	go func() {
		select {
		case <-done:
			s.drop(streamstore.DropReasonUserInitiated, ctx.Err())
		case <-s.quit:
		}
	}()
}
