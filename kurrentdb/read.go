package kurrentdb

import (
	"context"
	"errors"
	"io"

	"github.com/kurrent-io/KurrentDB-Client-Go/kurrentdb"
	"github.com/terraskye/streamstore"
)

// ReadStreamForward reads up to count events starting at event number
// start. Missing and tombstoned streams come back as slice statuses, not
// errors, matching the other backends.
func (c *Connection) ReadStreamForward(ctx context.Context, stream string, start int64, count int, opts ...streamstore.CallOption) (*streamstore.StreamEventsSlice, error) {
	if err := validateReadArgs(stream, count); err != nil {
		return nil, err
	}
	if start < 0 {
		return nil, &streamstore.ArgumentError{Name: "start", Reason: "must not be negative"}
	}
	if stream == streamstore.AllStream {
		return c.ReadAllForward(ctx, start, count, opts...)
	}
	if err := c.checkState(); err != nil {
		return nil, err
	}

	reader, err := c.client.ReadStream(ctx, stream, kurrentdb.ReadStreamOptions{
		Direction:      kurrentdb.Forwards,
		From:           kurrentdb.StreamRevision{Value: uint64(start)},
		ResolveLinkTos: true,
		Authenticated:  credentials(opts),
	}, uint64(count))
	if err != nil {
		return streamSliceError(stream, streamstore.ReadForward, start, err)
	}
	defer reader.Close()

	events, err := drainReader(reader)
	if err != nil {
		return streamSliceError(stream, streamstore.ReadForward, start, err)
	}

	next := start
	last := start - 1
	if len(events) > 0 {
		next = events[len(events)-1].EventNumber + 1
		last = events[len(events)-1].EventNumber
	}

	return &streamstore.StreamEventsSlice{
		Status:          streamstore.SliceReadSuccess,
		Stream:          stream,
		Direction:       streamstore.ReadForward,
		FromEventNumber: start,
		LastEventNumber: last,
		NextEventNumber: next,
		IsEndOfStream:   len(events) < count,
		Events:          events,
	}, nil
}

// ReadStreamBackward reads up to count events walking towards the stream
// start. start may be EndOfStream.
func (c *Connection) ReadStreamBackward(ctx context.Context, stream string, start int64, count int, opts ...streamstore.CallOption) (*streamstore.StreamEventsSlice, error) {
	if err := validateReadArgs(stream, count); err != nil {
		return nil, err
	}
	if start < 0 && start != streamstore.EndOfStream {
		return nil, &streamstore.ArgumentError{Name: "start", Reason: "must not be negative"}
	}
	if stream == streamstore.AllStream {
		return c.ReadAllBackward(ctx, start, count, opts...)
	}
	if err := c.checkState(); err != nil {
		return nil, err
	}

	var from kurrentdb.StreamPosition = kurrentdb.End{}
	if start != streamstore.EndOfStream {
		from = kurrentdb.StreamRevision{Value: uint64(start)}
	}

	reader, err := c.client.ReadStream(ctx, stream, kurrentdb.ReadStreamOptions{
		Direction:      kurrentdb.Backwards,
		From:           from,
		ResolveLinkTos: true,
		Authenticated:  credentials(opts),
	}, uint64(count))
	if err != nil {
		return streamSliceError(stream, streamstore.ReadBackward, start, err)
	}
	defer reader.Close()

	events, err := drainReader(reader)
	if err != nil {
		return streamSliceError(stream, streamstore.ReadBackward, start, err)
	}

	fromNumber := start
	next := int64(-1)
	last := int64(-1)
	if len(events) > 0 {
		fromNumber = events[0].EventNumber
		last = events[0].EventNumber
		next = events[len(events)-1].EventNumber - 1
	}

	return &streamstore.StreamEventsSlice{
		Status:          streamstore.SliceReadSuccess,
		Stream:          stream,
		Direction:       streamstore.ReadBackward,
		FromEventNumber: fromNumber,
		LastEventNumber: last,
		NextEventNumber: next,
		IsEndOfStream:   next < 0,
		Events:          events,
	}, nil
}

// ReadAllForward reads the server's $all stream from a global commit
// position. System and projected records are filtered out so the feed
// matches the other backends: original client events only.
func (c *Connection) ReadAllForward(ctx context.Context, position int64, count int, opts ...streamstore.CallOption) (*streamstore.StreamEventsSlice, error) {
	if count <= 0 {
		return nil, &streamstore.ArgumentError{Name: "count", Reason: "must be positive"}
	}
	if position < 0 {
		return nil, &streamstore.ArgumentError{Name: "position", Reason: "must not be negative"}
	}
	if err := c.checkState(); err != nil {
		return nil, err
	}

	reader, err := c.client.ReadAll(ctx, kurrentdb.ReadAllOptions{
		Direction:      kurrentdb.Forwards,
		From:           kurrentdb.Position{Commit: uint64(position), Prepare: uint64(position)},
		ResolveLinkTos: false,
		Authenticated:  credentials(opts),
	}, uint64(count))
	if err != nil {
		return nil, mapError(streamstore.AllStream, nil, err)
	}
	defer reader.Close()

	events, err := drainAllReader(reader)
	if err != nil {
		return nil, mapError(streamstore.AllStream, nil, err)
	}

	next := position
	if len(events) > 0 {
		next = events[len(events)-1].GlobalPosition + 1
	}

	return &streamstore.StreamEventsSlice{
		Status:          streamstore.SliceReadSuccess,
		Stream:          streamstore.AllStream,
		Direction:       streamstore.ReadForward,
		FromEventNumber: position,
		LastEventNumber: next - 1,
		NextEventNumber: next,
		IsEndOfStream:   len(events) < count,
		Events:          events,
	}, nil
}

// ReadAllBackward reads $all towards the beginning. position may be
// EndOfStream.
func (c *Connection) ReadAllBackward(ctx context.Context, position int64, count int, opts ...streamstore.CallOption) (*streamstore.StreamEventsSlice, error) {
	if count <= 0 {
		return nil, &streamstore.ArgumentError{Name: "count", Reason: "must be positive"}
	}
	if position < 0 && position != streamstore.EndOfStream {
		return nil, &streamstore.ArgumentError{Name: "position", Reason: "must not be negative"}
	}
	if err := c.checkState(); err != nil {
		return nil, err
	}

	var from kurrentdb.AllPosition = kurrentdb.End{}
	if position != streamstore.EndOfStream {
		from = kurrentdb.Position{Commit: uint64(position), Prepare: uint64(position)}
	}

	reader, err := c.client.ReadAll(ctx, kurrentdb.ReadAllOptions{
		Direction:      kurrentdb.Backwards,
		From:           from,
		ResolveLinkTos: false,
		Authenticated:  credentials(opts),
	}, uint64(count))
	if err != nil {
		return nil, mapError(streamstore.AllStream, nil, err)
	}
	defer reader.Close()

	events, err := drainAllReader(reader)
	if err != nil {
		return nil, mapError(streamstore.AllStream, nil, err)
	}

	fromPos := position
	next := int64(-1)
	if len(events) > 0 {
		fromPos = events[0].GlobalPosition
		next = events[len(events)-1].GlobalPosition - 1
	}

	return &streamstore.StreamEventsSlice{
		Status:          streamstore.SliceReadSuccess,
		Stream:          streamstore.AllStream,
		Direction:       streamstore.ReadBackward,
		FromEventNumber: fromPos,
		LastEventNumber: fromPos,
		NextEventNumber: next,
		IsEndOfStream:   len(events) < count,
		Events:          events,
	}, nil
}

func drainReader(reader *kurrentdb.ReadStream) ([]*streamstore.RecordedEvent, error) {
	var events []*streamstore.RecordedEvent
	for {
		resolved, err := reader.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return events, nil
			}
			return nil, err
		}
		if rec := recordedEvent(resolved); rec != nil {
			events = append(events, rec)
		}
	}
}

// drainAllReader collects original client events from an $all read,
// dropping the server's own system records.
func drainAllReader(reader *kurrentdb.ReadStream) ([]*streamstore.RecordedEvent, error) {
	var events []*streamstore.RecordedEvent
	for {
		resolved, err := reader.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return events, nil
			}
			return nil, err
		}
		rec := recordedEvent(resolved)
		if rec == nil || rec.IsProjected() || streamstore.IsSystemStream(rec.StreamID) {
			continue
		}
		events = append(events, rec)
	}
}

// streamSliceError turns not-found and deleted read failures into slice
// statuses; everything else stays an error.
func streamSliceError(stream string, direction streamstore.ReadDirection, from int64, err error) (*streamstore.StreamEventsSlice, error) {
	mapped := mapError(stream, nil, err)
	switch {
	case errors.Is(mapped, streamstore.ErrStreamNotFound):
		return &streamstore.StreamEventsSlice{
			Status:          streamstore.SliceReadStreamNotFound,
			Stream:          stream,
			Direction:       direction,
			FromEventNumber: from,
			LastEventNumber: -1,
			NextEventNumber: -1,
			IsEndOfStream:   true,
		}, nil
	case errors.Is(mapped, streamstore.ErrStreamDeleted):
		return &streamstore.StreamEventsSlice{
			Status:          streamstore.SliceReadStreamDeleted,
			Stream:          stream,
			Direction:       direction,
			FromEventNumber: from,
			LastEventNumber: -1,
			NextEventNumber: -1,
			IsEndOfStream:   true,
		}, nil
	}
	return nil, mapped
}

func validateReadArgs(stream string, count int) error {
	if stream == "" {
		return &streamstore.ArgumentError{Name: "stream", Reason: "must not be empty"}
	}
	if count <= 0 {
		return &streamstore.ArgumentError{Name: "count", Reason: "must be positive"}
	}
	return nil
}
