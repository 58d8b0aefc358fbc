package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terraskye/streamstore"
)

func newTestConnection(t *testing.T) *Connection {
	t.Helper()
	conn := NewConnection()
	require.NoError(t, conn.Connect())
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func jsonEvents(n int) []streamstore.EventData {
	events := make([]streamstore.EventData, n)
	for i := range events {
		events[i] = streamstore.NewJSONEventData("OrderPlaced", []byte(fmt.Sprintf(`{"seq":%d}`, i)), nil)
	}
	return events
}

func TestConnectionLifecycle(t *testing.T) {
	ctx := context.Background()
	conn := NewConnection()

	_, err := conn.AppendToStream(ctx, "order-1", streamstore.Any{}, jsonEvents(1))
	require.ErrorIs(t, err, streamstore.ErrNotConnected)

	_, err = conn.ReadStreamForward(ctx, "order-1", 0, 10)
	require.ErrorIs(t, err, streamstore.ErrNotConnected)

	require.NoError(t, conn.Connect())
	require.NoError(t, conn.Connect(), "connect is idempotent")

	_, err = conn.AppendToStream(ctx, "order-1", streamstore.Any{}, jsonEvents(1))
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close(), "close is idempotent")

	_, err = conn.AppendToStream(ctx, "order-1", streamstore.Any{}, jsonEvents(1))
	require.ErrorIs(t, err, streamstore.ErrConnectionClosed)

	require.ErrorIs(t, conn.Connect(), streamstore.ErrConnectionClosed, "closed connections stay closed")
}

func TestAppendToStream(t *testing.T) {
	ctx := context.Background()

	t.Run("no stream creates the stream", func(t *testing.T) {
		conn := newTestConnection(t)

		result, err := conn.AppendToStream(ctx, "order-1", streamstore.NoStream{}, jsonEvents(1))
		require.NoError(t, err)
		assert.Equal(t, int64(0), result.NextExpectedVersion)
	})

	t.Run("no stream conflicts with existing stream", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.NoStream{}, jsonEvents(2))
		require.NoError(t, err)

		_, err = conn.AppendToStream(ctx, "order-1", streamstore.NoStream{}, jsonEvents(1))
		var wev *streamstore.WrongExpectedVersionError
		require.ErrorAs(t, err, &wev)
		assert.Equal(t, int64(1), wev.Actual)
	})

	t.Run("exact version matches the last event number", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.NoStream{}, jsonEvents(3))
		require.NoError(t, err)

		result, err := conn.AppendToStream(ctx, "order-1", streamstore.Exact(2), jsonEvents(2))
		require.NoError(t, err)
		assert.Equal(t, int64(4), result.NextExpectedVersion)
	})

	t.Run("exact version mismatch reports the actual version", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.NoStream{}, jsonEvents(3))
		require.NoError(t, err)

		_, err = conn.AppendToStream(ctx, "order-1", streamstore.Exact(5), jsonEvents(1))
		var wev *streamstore.WrongExpectedVersionError
		require.ErrorAs(t, err, &wev)
		assert.Equal(t, int64(2), wev.Actual)
	})

	t.Run("exact version on missing stream", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.Exact(0), jsonEvents(1))
		require.ErrorIs(t, err, streamstore.ErrStreamNotFound)
	})

	t.Run("stream exists requires the stream", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.StreamExists{}, jsonEvents(1))
		require.ErrorIs(t, err, streamstore.ErrStreamNotFound)

		_, err = conn.AppendToStream(ctx, "order-1", streamstore.Any{}, jsonEvents(1))
		require.NoError(t, err)

		_, err = conn.AppendToStream(ctx, "order-1", streamstore.StreamExists{}, jsonEvents(1))
		require.NoError(t, err)
	})

	t.Run("conflicting batch has no partial effects", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.NoStream{}, jsonEvents(1))
		require.NoError(t, err)

		_, err = conn.AppendToStream(ctx, "order-1", streamstore.Exact(7), jsonEvents(5))
		var wev *streamstore.WrongExpectedVersionError
		require.ErrorAs(t, err, &wev)

		slice, err := conn.ReadStreamForward(ctx, "order-1", 0, 100)
		require.NoError(t, err)
		assert.Len(t, slice.Events, 1)
	})

	t.Run("system streams are not writable", func(t *testing.T) {
		conn := newTestConnection(t)

		for _, stream := range []string{"$all", "$ce-order", "$et-OrderPlaced", "$settings"} {
			_, err := conn.AppendToStream(ctx, stream, streamstore.Any{}, jsonEvents(1))
			assert.ErrorIs(t, err, streamstore.ErrAccessDenied, stream)
		}
	})

	t.Run("empty batch leaves the stream untouched", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.NoStream{}, jsonEvents(2))
		require.NoError(t, err)

		result, err := conn.AppendToStream(ctx, "order-1", streamstore.Exact(1), nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), result.NextExpectedVersion)
	})

	t.Run("event numbers are contiguous across batches", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.NoStream{}, jsonEvents(2))
		require.NoError(t, err)
		_, err = conn.AppendToStream(ctx, "order-1", streamstore.Exact(1), jsonEvents(3))
		require.NoError(t, err)

		slice, err := conn.ReadStreamForward(ctx, "order-1", 0, 100)
		require.NoError(t, err)
		require.Len(t, slice.Events, 5)
		for i, rec := range slice.Events {
			assert.Equal(t, int64(i), rec.EventNumber)
			assert.Equal(t, "order-1", rec.StreamID)
		}
	})
}

func TestReadStreamForward(t *testing.T) {
	ctx := context.Background()

	t.Run("missing stream yields a not found slice", func(t *testing.T) {
		conn := newTestConnection(t)

		slice, err := conn.ReadStreamForward(ctx, "order-1", 0, 10)
		require.NoError(t, err)
		assert.Equal(t, streamstore.SliceReadStreamNotFound, slice.Status)
		assert.True(t, slice.IsEndOfStream)
		assert.Empty(t, slice.Events)
	})

	t.Run("pages through the stream", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.NoStream{}, jsonEvents(5))
		require.NoError(t, err)

		slice, err := conn.ReadStreamForward(ctx, "order-1", 0, 2)
		require.NoError(t, err)
		assert.Equal(t, streamstore.SliceReadSuccess, slice.Status)
		assert.Len(t, slice.Events, 2)
		assert.Equal(t, int64(2), slice.NextEventNumber)
		assert.Equal(t, int64(4), slice.LastEventNumber)
		assert.False(t, slice.IsEndOfStream)

		slice, err = conn.ReadStreamForward(ctx, "order-1", slice.NextEventNumber, 10)
		require.NoError(t, err)
		assert.Len(t, slice.Events, 3)
		assert.True(t, slice.IsEndOfStream)
		assert.Equal(t, int64(5), slice.NextEventNumber)
	})

	t.Run("start past the end is an empty success", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.NoStream{}, jsonEvents(3))
		require.NoError(t, err)

		slice, err := conn.ReadStreamForward(ctx, "order-1", 10, 5)
		require.NoError(t, err)
		assert.Equal(t, streamstore.SliceReadSuccess, slice.Status)
		assert.Empty(t, slice.Events)
		assert.True(t, slice.IsEndOfStream)
		assert.Equal(t, int64(3), slice.NextEventNumber)
	})

	t.Run("rejects bad arguments", func(t *testing.T) {
		conn := newTestConnection(t)

		var argErr *streamstore.ArgumentError
		_, err := conn.ReadStreamForward(ctx, "order-1", -1, 5)
		require.ErrorAs(t, err, &argErr)

		_, err = conn.ReadStreamForward(ctx, "order-1", 0, 0)
		require.ErrorAs(t, err, &argErr)

		_, err = conn.ReadStreamForward(ctx, "", 0, 5)
		require.ErrorAs(t, err, &argErr)
	})
}

func TestReadStreamBackward(t *testing.T) {
	ctx := context.Background()

	t.Run("reads newest first from the end", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.NoStream{}, jsonEvents(5))
		require.NoError(t, err)

		slice, err := conn.ReadStreamBackward(ctx, "order-1", streamstore.EndOfStream, 2)
		require.NoError(t, err)
		require.Len(t, slice.Events, 2)
		assert.Equal(t, int64(4), slice.Events[0].EventNumber)
		assert.Equal(t, int64(3), slice.Events[1].EventNumber)
		assert.Equal(t, int64(2), slice.NextEventNumber)
		assert.False(t, slice.IsEndOfStream)

		slice, err = conn.ReadStreamBackward(ctx, "order-1", slice.NextEventNumber, 10)
		require.NoError(t, err)
		require.Len(t, slice.Events, 3)
		assert.Equal(t, int64(0), slice.Events[2].EventNumber)
		assert.True(t, slice.IsEndOfStream)
	})

	t.Run("clamps a start past the end", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.NoStream{}, jsonEvents(3))
		require.NoError(t, err)

		slice, err := conn.ReadStreamBackward(ctx, "order-1", 100, 10)
		require.NoError(t, err)
		require.Len(t, slice.Events, 3)
		assert.Equal(t, int64(2), slice.FromEventNumber)
	})

	t.Run("missing stream yields a not found slice", func(t *testing.T) {
		conn := newTestConnection(t)

		slice, err := conn.ReadStreamBackward(ctx, "order-1", streamstore.EndOfStream, 10)
		require.NoError(t, err)
		assert.Equal(t, streamstore.SliceReadStreamNotFound, slice.Status)
	})
}

func TestReadAll(t *testing.T) {
	ctx := context.Background()

	t.Run("interleaves streams in commit order", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.Any{}, jsonEvents(2))
		require.NoError(t, err)
		_, err = conn.AppendToStream(ctx, "cart-1", streamstore.Any{}, jsonEvents(1))
		require.NoError(t, err)
		_, err = conn.AppendToStream(ctx, "order-1", streamstore.Any{}, jsonEvents(1))
		require.NoError(t, err)

		slice, err := conn.ReadAllForward(ctx, 0, 100)
		require.NoError(t, err)
		require.Len(t, slice.Events, 4)
		assert.Equal(t, []string{"order-1", "order-1", "cart-1", "order-1"}, streamIDs(slice.Events))
		assert.True(t, slice.IsEndOfStream)

		for i := 1; i < len(slice.Events); i++ {
			assert.Greater(t, slice.Events[i].GlobalPosition, slice.Events[i-1].GlobalPosition)
		}
	})

	t.Run("excludes projected links", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.Any{}, jsonEvents(2))
		require.NoError(t, err)

		slice, err := conn.ReadAllForward(ctx, 0, 100)
		require.NoError(t, err)
		for _, rec := range slice.Events {
			assert.False(t, rec.IsProjected())
		}
		assert.Len(t, slice.Events, 2)
	})

	t.Run("resumes from next position", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.Any{}, jsonEvents(5))
		require.NoError(t, err)

		first, err := conn.ReadAllForward(ctx, 0, 2)
		require.NoError(t, err)
		require.Len(t, first.Events, 2)
		require.False(t, first.IsEndOfStream)

		rest, err := conn.ReadAllForward(ctx, first.NextEventNumber, 100)
		require.NoError(t, err)
		require.Len(t, rest.Events, 3)
		assert.Greater(t, rest.Events[0].GlobalPosition, first.Events[1].GlobalPosition)
	})

	t.Run("backward from the end", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.Any{}, jsonEvents(3))
		require.NoError(t, err)

		slice, err := conn.ReadAllBackward(ctx, streamstore.EndOfStream, 2)
		require.NoError(t, err)
		require.Len(t, slice.Events, 2)
		assert.Greater(t, slice.Events[0].GlobalPosition, slice.Events[1].GlobalPosition)
		assert.False(t, slice.IsEndOfStream)

		rest, err := conn.ReadAllBackward(ctx, slice.NextEventNumber, 100)
		require.NoError(t, err)
		require.Len(t, rest.Events, 1)
		assert.True(t, rest.IsEndOfStream)
	})

	t.Run("empty store", func(t *testing.T) {
		conn := newTestConnection(t)

		slice, err := conn.ReadAllForward(ctx, 0, 10)
		require.NoError(t, err)
		assert.Empty(t, slice.Events)
		assert.True(t, slice.IsEndOfStream)
	})
}

func TestDeleteStream(t *testing.T) {
	ctx := context.Background()

	t.Run("deleted stream reads as missing", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.NoStream{}, jsonEvents(3))
		require.NoError(t, err)

		require.NoError(t, conn.DeleteStream(ctx, "order-1", streamstore.Exact(2)))

		slice, err := conn.ReadStreamForward(ctx, "order-1", 0, 10)
		require.NoError(t, err)
		assert.Equal(t, streamstore.SliceReadStreamNotFound, slice.Status)
	})

	t.Run("name is reusable after hard delete", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.NoStream{}, jsonEvents(3))
		require.NoError(t, err)
		require.NoError(t, conn.DeleteStream(ctx, "order-1", streamstore.Any{}))

		result, err := conn.AppendToStream(ctx, "order-1", streamstore.NoStream{}, jsonEvents(1))
		require.NoError(t, err)
		assert.Equal(t, int64(0), result.NextExpectedVersion, "recreated stream numbers from zero")
	})

	t.Run("enforces the expected version", func(t *testing.T) {
		conn := newTestConnection(t)

		_, err := conn.AppendToStream(ctx, "order-1", streamstore.NoStream{}, jsonEvents(3))
		require.NoError(t, err)

		err = conn.DeleteStream(ctx, "order-1", streamstore.Exact(0))
		var wev *streamstore.WrongExpectedVersionError
		require.ErrorAs(t, err, &wev)
		assert.Equal(t, int64(2), wev.Actual)
	})

	t.Run("missing stream", func(t *testing.T) {
		conn := newTestConnection(t)

		err := conn.DeleteStream(ctx, "order-1", streamstore.Any{})
		require.ErrorIs(t, err, streamstore.ErrStreamNotFound)
	})

	t.Run("system streams are protected", func(t *testing.T) {
		conn := newTestConnection(t)

		err := conn.DeleteStream(ctx, "$ce-order", streamstore.Any{})
		require.ErrorIs(t, err, streamstore.ErrAccessDenied)
	})
}

func TestUnsupportedOperations(t *testing.T) {
	ctx := context.Background()
	conn := newTestConnection(t)

	assert.ErrorIs(t, conn.StartTransaction(ctx, "order-1", streamstore.Any{}), streamstore.ErrNotSupported)
	assert.ErrorIs(t, conn.SetStreamMetadata(ctx, "order-1", streamstore.Any{}, []byte(`{}`)), streamstore.ErrNotSupported)

	_, err := conn.ConnectToPersistentSubscription(ctx, "order-1", "group",
		func(context.Context, *streamstore.RecordedEvent) error { return nil }, nil)
	assert.ErrorIs(t, err, streamstore.ErrNotSupported)
}

func TestConcurrentAppendSingleWinner(t *testing.T) {
	ctx := context.Background()
	conn := newTestConnection(t)

	_, err := conn.AppendToStream(ctx, "order-1", streamstore.NoStream{}, jsonEvents(1))
	require.NoError(t, err)

	const writers = 8
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func() {
			_, err := conn.AppendToStream(ctx, "order-1", streamstore.Exact(0), jsonEvents(1))
			errs <- err
		}()
	}

	var won, lost int
	for i := 0; i < writers; i++ {
		err := <-errs
		if err == nil {
			won++
			continue
		}
		var wev *streamstore.WrongExpectedVersionError
		if errors.As(err, &wev) {
			lost++
		}
	}
	assert.Equal(t, 1, won, "exactly one writer wins the version race")
	assert.Equal(t, writers-1, lost)
}

func streamIDs(events []*streamstore.RecordedEvent) []string {
	ids := make([]string, len(events))
	for i, rec := range events {
		ids[i] = rec.StreamID
	}
	return ids
}
