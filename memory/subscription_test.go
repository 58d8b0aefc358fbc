package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terraskye/streamstore"
)

const waitTimeout = 2 * time.Second

// collector gathers delivered records and exposes a channel to wait on.
type collector struct {
	mu      sync.Mutex
	records []*streamstore.RecordedEvent
	arrived chan struct{}
}

func newCollector() *collector {
	return &collector{arrived: make(chan struct{}, 1024)}
}

func (c *collector) eventAppeared(_ context.Context, rec *streamstore.RecordedEvent) error {
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()
	c.arrived <- struct{}{}
	return nil
}

func (c *collector) waitFor(t *testing.T, n int) []*streamstore.RecordedEvent {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		c.mu.Lock()
		if len(c.records) >= n {
			out := append([]*streamstore.RecordedEvent(nil), c.records...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()

		select {
		case <-c.arrived:
		case <-deadline:
			c.mu.Lock()
			got := len(c.records)
			c.mu.Unlock()
			t.Fatalf("timed out waiting for %d events, got %d", n, got)
		}
	}
}

func (c *collector) snapshot() []*streamstore.RecordedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*streamstore.RecordedEvent(nil), c.records...)
}

type dropRecorder struct {
	ch chan streamstore.SubscriptionDropReason
}

func newDropRecorder() *dropRecorder {
	return &dropRecorder{ch: make(chan streamstore.SubscriptionDropReason, 8)}
}

func (d *dropRecorder) dropped(reason streamstore.SubscriptionDropReason, _ error) {
	d.ch <- reason
}

func (d *dropRecorder) wait(t *testing.T) streamstore.SubscriptionDropReason {
	t.Helper()
	select {
	case reason := <-d.ch:
		return reason
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for the dropped callback")
		return streamstore.DropReasonUnknown
	}
}

func TestVolatileSubscription(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers only events after the subscribe", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.NoStream{}, jsonEvents(3))
		require.NoError(t, err)

		col := newCollector()
		sub, err := conn.SubscribeToStream(ctx, "order-1", col.eventAppeared, nil)
		require.NoError(t, err)
		defer sub.Close()

		assert.Equal(t, "order-1", sub.Stream())
		assert.False(t, sub.IsSubscribedToAll())

		_, err = conn.AppendToStream(ctx, "order-1", streamstore.Exact(2), jsonEvents(2))
		require.NoError(t, err)

		records := col.waitFor(t, 2)
		assert.Equal(t, int64(3), records[0].EventNumber)
		assert.Equal(t, int64(4), records[1].EventNumber)
		assert.Equal(t, int64(4), sub.LastProcessedPosition())
	})

	t.Run("requires the stream to exist", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.SubscribeToStream(ctx, "order-1",
			func(context.Context, *streamstore.RecordedEvent) error { return nil }, nil)
		require.ErrorIs(t, err, streamstore.ErrStreamNotFound)
	})

	t.Run("close is idempotent and fires dropped once", func(t *testing.T) {
		conn := newTestConnection(t)
		_, err := conn.AppendToStream(ctx, "order-1", streamstore.Any{}, jsonEvents(1))
		require.NoError(t, err)

		drops := newDropRecorder()
		sub, err := conn.SubscribeToStream(ctx, "order-1",
			func(context.Context, *streamstore.RecordedEvent) error { return nil }, drops.dropped)
		require.NoError(t, err)

		sub.Close()
		sub.Close()

		assert.Equal(t, streamstore.DropReasonUserInitiated, drops.wait(t))
		select {
		case <-drops.ch:
			t.Fatal("dropped fired more than once")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("no delivery after close", func(t *testing.T) {
		conn := newTestConnection(t)
		_, err := conn.AppendToStream(ctx, "order-1", streamstore.Any{}, jsonEvents(1))
		require.NoError(t, err)

		col := newCollector()
		sub, err := conn.SubscribeToStream(ctx, "order-1", col.eventAppeared, nil)
		require.NoError(t, err)
		sub.Close()

		_, err = conn.AppendToStream(ctx, "order-1", streamstore.Any{}, jsonEvents(3))
		require.NoError(t, err)

		time.Sleep(50 * time.Millisecond)
		assert.Empty(t, col.snapshot())
	})

	t.Run("failing subscriber is dropped, others keep running", func(t *testing.T) {
		conn := newTestConnection(t)
		_, err := conn.AppendToStream(ctx, "order-1", streamstore.Any{}, jsonEvents(1))
		require.NoError(t, err)

		drops := newDropRecorder()
		_, err = conn.SubscribeToStream(ctx, "order-1",
			func(context.Context, *streamstore.RecordedEvent) error { return errors.New("boom") },
			drops.dropped)
		require.NoError(t, err)

		healthy := newCollector()
		sub, err := conn.SubscribeToStream(ctx, "order-1", healthy.eventAppeared, nil)
		require.NoError(t, err)
		defer sub.Close()

		_, err = conn.AppendToStream(ctx, "order-1", streamstore.Any{}, jsonEvents(2))
		require.NoError(t, err)

		assert.Equal(t, streamstore.DropReasonSubscriberError, drops.wait(t))
		healthy.waitFor(t, 2)
	})

	t.Run("panicking subscriber is isolated", func(t *testing.T) {
		conn := newTestConnection(t)
		_, err := conn.AppendToStream(ctx, "order-1", streamstore.Any{}, jsonEvents(1))
		require.NoError(t, err)

		drops := newDropRecorder()
		_, err = conn.SubscribeToStream(ctx, "order-1",
			func(context.Context, *streamstore.RecordedEvent) error { panic("kaboom") },
			drops.dropped)
		require.NoError(t, err)

		healthy := newCollector()
		sub, err := conn.SubscribeToStream(ctx, "order-1", healthy.eventAppeared, nil)
		require.NoError(t, err)
		defer sub.Close()

		_, err = conn.AppendToStream(ctx, "order-1", streamstore.Any{}, jsonEvents(1))
		require.NoError(t, err)

		assert.Equal(t, streamstore.DropReasonSubscriberError, drops.wait(t))
		healthy.waitFor(t, 1)
	})

	t.Run("context cancellation drops the subscription", func(t *testing.T) {
		conn := newTestConnection(t)
		_, err := conn.AppendToStream(ctx, "order-1", streamstore.Any{}, jsonEvents(1))
		require.NoError(t, err)

		subCtx, cancel := context.WithCancel(ctx)
		drops := newDropRecorder()
		_, err = conn.SubscribeToStream(subCtx, "order-1",
			func(context.Context, *streamstore.RecordedEvent) error { return nil }, drops.dropped)
		require.NoError(t, err)

		cancel()
		assert.Equal(t, streamstore.DropReasonUserInitiated, drops.wait(t))
	})

	t.Run("closing the connection drops all subscriptions", func(t *testing.T) {
		conn := NewConnection()
		require.NoError(t, conn.Connect())

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.Any{}, jsonEvents(1))
		require.NoError(t, err)

		drops := newDropRecorder()
		_, err = conn.SubscribeToStream(ctx, "order-1",
			func(context.Context, *streamstore.RecordedEvent) error { return nil }, drops.dropped)
		require.NoError(t, err)

		require.NoError(t, conn.Close())
		assert.Equal(t, streamstore.DropReasonConnectionClosed, drops.wait(t))
	})
}

func TestCatchUpSubscription(t *testing.T) {
	ctx := context.Background()

	t.Run("replays history then goes live", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.NoStream{}, jsonEvents(3))
		require.NoError(t, err)

		col := newCollector()
		liveAt := make(chan int, 1)
		sub, err := conn.SubscribeToStreamFrom(ctx, "order-1", nil,
			streamstore.CatchUpSubscriptionSettings{}, col.eventAppeared,
			func() { liveAt <- len(col.snapshot()) }, nil)
		require.NoError(t, err)
		defer sub.Close()

		select {
		case n := <-liveAt:
			assert.Equal(t, 3, n, "live fires after the full replay")
		case <-time.After(waitTimeout):
			t.Fatal("liveProcessingStarted never fired")
		}

		_, err = conn.AppendToStream(ctx, "order-1", streamstore.Exact(2), jsonEvents(1))
		require.NoError(t, err)

		records := col.waitFor(t, 4)
		for i, rec := range records {
			assert.Equal(t, int64(i), rec.EventNumber, "replay and live feed form one ordered sequence")
		}
	})

	t.Run("resumes after a checkpoint", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.NoStream{}, jsonEvents(5))
		require.NoError(t, err)

		col := newCollector()
		checkpoint := int64(2)
		sub, err := conn.SubscribeToStreamFrom(ctx, "order-1", &checkpoint,
			streamstore.CatchUpSubscriptionSettings{}, col.eventAppeared, nil, nil)
		require.NoError(t, err)
		defer sub.Close()

		records := col.waitFor(t, 2)
		assert.Equal(t, int64(3), records[0].EventNumber)
		assert.Equal(t, int64(4), records[1].EventNumber)
	})

	t.Run("missing stream goes live immediately", func(t *testing.T) {
		conn := newTestConnection(t)

		col := newCollector()
		live := make(chan struct{}, 1)
		sub, err := conn.SubscribeToStreamFrom(ctx, "order-1", nil,
			streamstore.CatchUpSubscriptionSettings{}, col.eventAppeared,
			func() { live <- struct{}{} }, nil)
		require.NoError(t, err)
		defer sub.Close()

		select {
		case <-live:
		case <-time.After(waitTimeout):
			t.Fatal("liveProcessingStarted never fired")
		}

		_, err = conn.AppendToStream(ctx, "order-1", streamstore.NoStream{}, jsonEvents(1))
		require.NoError(t, err)

		records := col.waitFor(t, 1)
		assert.Equal(t, int64(0), records[0].EventNumber)
	})

	t.Run("small read batches replay everything", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.NoStream{}, jsonEvents(10))
		require.NoError(t, err)

		col := newCollector()
		sub, err := conn.SubscribeToStreamFrom(ctx, "order-1", nil,
			streamstore.CatchUpSubscriptionSettings{ReadBatchSize: 3}, col.eventAppeared, nil, nil)
		require.NoError(t, err)
		defer sub.Close()

		records := col.waitFor(t, 10)
		for i, rec := range records {
			assert.Equal(t, int64(i), rec.EventNumber)
		}
	})

	t.Run("no event lost across the live switchover", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.NoStream{}, jsonEvents(20))
		require.NoError(t, err)

		// Keep appending while the subscription catches up.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 20; i < 60; i++ {
				if _, err := conn.AppendToStream(context.Background(), "order-1", streamstore.Exact(int64(i-1)), jsonEvents(1)); err != nil {
					return
				}
			}
		}()

		col := newCollector()
		sub, err := conn.SubscribeToStreamFrom(ctx, "order-1", nil,
			streamstore.CatchUpSubscriptionSettings{ReadBatchSize: 4}, col.eventAppeared, nil, nil)
		require.NoError(t, err)
		defer sub.Close()

		<-done
		records := col.waitFor(t, 60)

		seen := map[int64]bool{}
		for _, rec := range records {
			seen[rec.EventNumber] = true
		}
		for i := int64(0); i < 60; i++ {
			assert.True(t, seen[i], "event %d was never delivered", i)
		}
	})

	t.Run("category stream catch-up sees links from many streams", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.Any{}, jsonEvents(1))
		require.NoError(t, err)
		_, err = conn.AppendToStream(ctx, "order-2", streamstore.Any{}, jsonEvents(1))
		require.NoError(t, err)

		col := newCollector()
		sub, err := conn.SubscribeToStreamFrom(ctx, "$ce-order", nil,
			streamstore.CatchUpSubscriptionSettings{}, col.eventAppeared, nil, nil)
		require.NoError(t, err)
		defer sub.Close()

		_, err = conn.AppendToStream(ctx, "order-3", streamstore.Any{}, jsonEvents(1))
		require.NoError(t, err)

		records := col.waitFor(t, 3)
		assert.Equal(t, "order-1", records[0].Origin.StreamID)
		assert.Equal(t, "order-2", records[1].Origin.StreamID)
		assert.Equal(t, "order-3", records[2].Origin.StreamID)
	})

	t.Run("rejects a negative checkpoint", func(t *testing.T) {
		conn := newTestConnection(t)

		bad := int64(-3)
		var argErr *streamstore.ArgumentError
		_, err := conn.SubscribeToStreamFrom(ctx, "order-1", &bad,
			streamstore.CatchUpSubscriptionSettings{},
			func(context.Context, *streamstore.RecordedEvent) error { return nil }, nil, nil)
		require.ErrorAs(t, err, &argErr)
	})
}

func TestAllSubscription(t *testing.T) {
	ctx := context.Background()

	t.Run("volatile delivers originals across streams", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.Any{}, jsonEvents(1))
		require.NoError(t, err)

		col := newCollector()
		sub, err := conn.SubscribeToAll(ctx, col.eventAppeared, nil)
		require.NoError(t, err)
		defer sub.Close()

		assert.True(t, sub.IsSubscribedToAll())
		assert.Equal(t, streamstore.AllStream, sub.Stream())

		_, err = conn.AppendToStream(ctx, "order-1", streamstore.Any{}, jsonEvents(1))
		require.NoError(t, err)
		_, err = conn.AppendToStream(ctx, "cart-1", streamstore.Any{}, jsonEvents(1))
		require.NoError(t, err)

		records := col.waitFor(t, 2)
		assert.Equal(t, "order-1", records[0].StreamID)
		assert.Equal(t, "cart-1", records[1].StreamID)
		for _, rec := range records {
			assert.False(t, rec.IsProjected(), "all feed excludes projected links")
		}
		assert.Greater(t, records[1].GlobalPosition, records[0].GlobalPosition)
	})

	t.Run("catch-up replays from a global checkpoint", func(t *testing.T) {
		conn := newTestConnection(t)

		result, err := conn.AppendToStream(ctx, "order-1", streamstore.Any{}, jsonEvents(2))
		require.NoError(t, err)
		checkpoint := result.CommitPosition

		_, err = conn.AppendToStream(ctx, "cart-1", streamstore.Any{}, jsonEvents(2))
		require.NoError(t, err)

		col := newCollector()
		sub, err := conn.SubscribeToAllFrom(ctx, &checkpoint,
			streamstore.CatchUpSubscriptionSettings{}, col.eventAppeared, nil, nil)
		require.NoError(t, err)
		defer sub.Close()

		records := col.waitFor(t, 2)
		assert.Equal(t, "cart-1", records[0].StreamID)
		assert.Equal(t, "cart-1", records[1].StreamID)
		assert.Equal(t, records[1].GlobalPosition, sub.LastProcessedPosition())
	})

	t.Run("subscribe via the all stream name", func(t *testing.T) {
		conn := newTestConnection(t)

		col := newCollector()
		sub, err := conn.SubscribeToStreamFrom(ctx, streamstore.AllStream, nil,
			streamstore.CatchUpSubscriptionSettings{}, col.eventAppeared, nil, nil)
		require.NoError(t, err)
		defer sub.Close()

		assert.True(t, sub.IsSubscribedToAll())
	})
}

func TestCatchUpOverflowDropsSubscription(t *testing.T) {
	d := newDispatcher(slog.Default())

	drops := newDropRecorder()
	s := newSubscription(context.Background(), d, slog.Default(), "order-1", false, false, -1,
		streamstore.CatchUpSubscriptionSettings{ReadBatchSize: 10, MaxLiveQueueSize: 2},
		func(context.Context, *streamstore.RecordedEvent) error { return nil },
		nil, drops.dropped)

	for i := 0; i < 3; i++ {
		s.onLiveEvent(&streamstore.RecordedEvent{StreamID: "order-1", EventNumber: int64(i)})
	}

	assert.Equal(t, streamstore.DropReasonCatchUpOverflow, drops.wait(t))
	assert.True(t, s.dropped.Load())
}

func TestSubscriptionDeliveryContext(t *testing.T) {
	ctx := context.Background()
	conn := newTestConnection(t)

	_, err := conn.AppendToStream(ctx, "order-1", streamstore.Any{}, jsonEvents(1))
	require.NoError(t, err)

	got := make(chan string, 1)
	sub, err := conn.SubscribeToStream(ctx, "order-1",
		func(ctx context.Context, rec *streamstore.RecordedEvent) error {
			got <- fmt.Sprintf("%s/%d/%s",
				streamstore.StreamIDFromContext(ctx),
				streamstore.EventNumberFromContext(ctx),
				streamstore.EventTypeFromContext(ctx))
			return nil
		}, nil)
	require.NoError(t, err)
	defer sub.Close()

	_, err = conn.AppendToStream(ctx, "order-1", streamstore.Any{}, jsonEvents(1))
	require.NoError(t, err)

	select {
	case v := <-got:
		assert.Equal(t, "order-1/1/OrderPlaced", v)
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for delivery")
	}
}
