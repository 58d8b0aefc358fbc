package gormstore

import (
	"context"

	"github.com/terraskye/streamstore"
	"gorm.io/gorm"
)

// ReadStreamForward reads up to count events starting at event number
// start, oldest first. Missing streams yield a not found slice rather
// than an error.
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

	db := c.db.WithContext(ctx)
	last, exists, err := streamHead(db, stream)
	if err != nil {
		return nil, err
	}
	if !exists {
		return notFoundSlice(stream, streamstore.ReadForward, start), nil
	}

	var rows []record
	err = db.Where("stream_id = ? AND event_number >= ?", stream, start).
		Order("event_number ASC").
		Limit(count).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	next := start
	if len(rows) > 0 {
		next = rows[len(rows)-1].EventNumber + 1
	}
	if start > last {
		next = last + 1
	}

	return &streamstore.StreamEventsSlice{
		Status:          streamstore.SliceReadSuccess,
		Stream:          stream,
		Direction:       streamstore.ReadForward,
		FromEventNumber: start,
		LastEventNumber: last,
		NextEventNumber: next,
		IsEndOfStream:   next > last,
		Events:          toRecordedEvents(rows),
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

	db := c.db.WithContext(ctx)
	last, exists, err := streamHead(db, stream)
	if err != nil {
		return nil, err
	}
	if !exists {
		return notFoundSlice(stream, streamstore.ReadBackward, start), nil
	}

	from := start
	if from == streamstore.EndOfStream || from > last {
		from = last
	}

	var rows []record
	err = db.Where("stream_id = ? AND event_number <= ?", stream, from).
		Order("event_number DESC").
		Limit(count).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	next := int64(-1)
	if len(rows) > 0 {
		next = rows[len(rows)-1].EventNumber - 1
	}

	return &streamstore.StreamEventsSlice{
		Status:          streamstore.SliceReadSuccess,
		Stream:          stream,
		Direction:       streamstore.ReadBackward,
		FromEventNumber: from,
		LastEventNumber: last,
		NextEventNumber: next,
		IsEndOfStream:   next < 0,
		Events:          toRecordedEvents(rows),
	}, nil
}

// ReadAllForward reads the global feed of original events from a global
// position. Projected link rows never appear here.
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

	db := c.db.WithContext(ctx)
	lastPos, err := lastOriginalPosition(db)
	if err != nil {
		return nil, err
	}

	var rows []record
	err = db.Where("projected = ? AND global_position >= ?", false, position).
		Order("global_position ASC").
		Limit(count).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	next := position
	if len(rows) > 0 {
		next = rows[len(rows)-1].GlobalPosition + 1
	}

	return &streamstore.StreamEventsSlice{
		Status:          streamstore.SliceReadSuccess,
		Stream:          streamstore.AllStream,
		Direction:       streamstore.ReadForward,
		FromEventNumber: position,
		LastEventNumber: lastPos,
		NextEventNumber: next,
		IsEndOfStream:   next > lastPos,
		Events:          toRecordedEvents(rows),
	}, nil
}

// ReadAllBackward reads the global feed towards the beginning. position
// may be EndOfStream.
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

	db := c.db.WithContext(ctx)
	lastPos, err := lastOriginalPosition(db)
	if err != nil {
		return nil, err
	}

	from := position
	if from == streamstore.EndOfStream || from > lastPos {
		from = lastPos
	}

	var rows []record
	if from >= 0 {
		err = db.Where("projected = ? AND global_position <= ?", false, from).
			Order("global_position DESC").
			Limit(count).
			Find(&rows).Error
		if err != nil {
			return nil, err
		}
	}

	next := int64(-1)
	if len(rows) == count {
		next = rows[len(rows)-1].GlobalPosition - 1
	}

	return &streamstore.StreamEventsSlice{
		Status:          streamstore.SliceReadSuccess,
		Stream:          streamstore.AllStream,
		Direction:       streamstore.ReadBackward,
		FromEventNumber: from,
		LastEventNumber: lastPos,
		NextEventNumber: next,
		IsEndOfStream:   next < 0,
		Events:          toRecordedEvents(rows),
	}, nil
}

// lastOriginalPosition returns the highest global position among
// non-projected rows, -1 when there are none.
func lastOriginalPosition(db *gorm.DB) (int64, error) {
	var rows []record
	err := db.Select("global_position").
		Where("projected = ?", false).
		Order("global_position DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return -1, err
	}
	if len(rows) == 0 {
		return -1, nil
	}
	return rows[0].GlobalPosition, nil
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

func notFoundSlice(stream string, direction streamstore.ReadDirection, from int64) *streamstore.StreamEventsSlice {
	return &streamstore.StreamEventsSlice{
		Status:          streamstore.SliceReadStreamNotFound,
		Stream:          stream,
		Direction:       direction,
		FromEventNumber: from,
		LastEventNumber: -1,
		NextEventNumber: -1,
		IsEndOfStream:   true,
	}
}
