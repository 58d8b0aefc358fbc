package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/terraskye/streamstore"
)

type connState int

const (
	stateCreated connState = iota
	stateConnected
	stateClosed
)

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the logger used by the dispatcher when isolating failing
// subscribers.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithClock overrides the wall clock used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Connection) {
		c.now = now
	}
}

// Connection is the in-memory stream store. It reproduces the semantics of
// the production server for the supported operation subset: versioned
// appends, forward/backward reads, hard deletes, category and event-type
// projections, volatile and catch-up subscriptions over single streams and
// $all.
//
// Each Connection is fully isolated; construct one per test. The zero
// value is not usable, use NewConnection.
type Connection struct {
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	state      connState
	streams    map[string][]*streamstore.RecordedEvent
	all        []*streamstore.RecordedEvent
	nextGlobal int64

	dispatcher *dispatcher
}

var _ streamstore.Connection = (*Connection)(nil)

// NewConnection creates an in-memory connection. Call Connect before use.
func NewConnection(opts ...Option) *Connection {
	c := &Connection{
		logger:  slog.Default(),
		now:     time.Now,
		streams: make(map[string][]*streamstore.RecordedEvent),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dispatcher = newDispatcher(c.logger)
	return c
}

// Connect starts the dispatch worker. Connecting a closed connection fails
// with ErrConnectionClosed.
func (c *Connection) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateClosed:
		return streamstore.ErrConnectionClosed
	case stateConnected:
		return nil
	}

	c.state = stateConnected
	c.dispatcher.start()
	return nil
}

// Close drains the dispatch queue, drops all subscriptions with
// DropReasonConnectionClosed and rejects any further operation. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	wasConnected := c.state == stateConnected
	c.state = stateClosed
	c.mu.Unlock()

	if wasConnected {
		c.dispatcher.stop()
	}
	return nil
}

// stateErrLocked must be called with c.mu held.
func (c *Connection) stateErrLocked() error {
	switch c.state {
	case stateCreated:
		return streamstore.ErrNotConnected
	case stateClosed:
		return streamstore.ErrConnectionClosed
	}
	return nil
}

func (c *Connection) checkState() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateErrLocked()
}

// AppendToStream atomically appends a batch of events. The version check
// and the append run under one lock: concurrent appenders serialize, and
// the loser of a race on the same expected version gets
// *WrongExpectedVersionError with no partial effects.
//
// Projections into $ce-/$et- streams happen inside the same critical
// section, so any reader that observes the origin write observes the
// projected links too.
func (c *Connection) AppendToStream(ctx context.Context, stream string, expected streamstore.ExpectedVersion, events []streamstore.EventData, opts ...streamstore.CallOption) (*streamstore.WriteResult, error) {
	_ = streamstore.NewCallConfig(opts...) // credentials accepted for parity, unused

	if err := streamstore.ValidateStreamName(stream); err != nil {
		return nil, err
	}
	if expected == nil {
		return nil, &streamstore.ArgumentError{Name: "expected", Reason: "must be provided"}
	}
	if exact, ok := expected.(streamstore.Exact); ok && exact < 0 {
		return nil, &streamstore.ArgumentError{Name: "expected", Reason: "must not be negative"}
	}

	c.mu.Lock()
	if err := c.stateErrLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	current, exists := c.streams[stream]
	last := int64(len(current)) - 1

	if err := checkExpectedVersion(stream, expected, exists, last); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	if len(events) == 0 {
		c.mu.Unlock()
		return &streamstore.WriteResult{NextExpectedVersion: last, CommitPosition: c.nextGlobal - 1}, nil
	}

	now := c.now()
	records := make([]*streamstore.RecordedEvent, len(events))
	for i, ed := range events {
		id := ed.EventID
		if id == uuid.Nil {
			id = uuid.New()
		}
		records[i] = &streamstore.RecordedEvent{
			StreamID:       stream,
			EventID:        id,
			EventNumber:    last + 1 + int64(i),
			GlobalPosition: c.nextGlobal,
			Type:           ed.Type,
			Data:           ed.Data,
			Metadata:       ed.Metadata,
			IsJSON:         ed.IsJSON,
			CreatedAt:      now,
			CreatedEpoch:   now.Unix(),
		}
		c.nextGlobal++
	}

	c.streams[stream] = append(current, records...)
	c.all = append(c.all, records...)

	links := c.projectLocked(records)

	// Enqueue under the lock so the dispatch queue preserves commit order.
	c.dispatcher.enqueue(records, false)
	c.dispatcher.enqueue(links, true)

	result := &streamstore.WriteResult{
		NextExpectedVersion: records[len(records)-1].EventNumber,
		CommitPosition:      records[len(records)-1].GlobalPosition,
	}
	c.mu.Unlock()

	return result, nil
}

func checkExpectedVersion(stream string, expected streamstore.ExpectedVersion, exists bool, last int64) error {
	switch v := expected.(type) {
	case streamstore.Any:
		return nil
	case streamstore.NoStream:
		if exists {
			return &streamstore.WrongExpectedVersionError{Stream: stream, Expected: expected, Actual: last}
		}
	case streamstore.StreamExists:
		if !exists {
			return fmt.Errorf("stream %q: %w", stream, streamstore.ErrStreamNotFound)
		}
	case streamstore.Exact:
		if !exists {
			return fmt.Errorf("stream %q: %w", stream, streamstore.ErrStreamNotFound)
		}
		if last != int64(v) {
			return &streamstore.WrongExpectedVersionError{Stream: stream, Expected: expected, Actual: last}
		}
	default:
		return &streamstore.ArgumentError{Name: "expected", Reason: fmt.Sprintf("unsupported expected version %T", expected)}
	}
	return nil
}

// snapshotStream copies the slice header out from under the lock. Records
// are immutable and the per-stream slices are append-only, so iterating
// the snapshot without the lock is safe.
func (c *Connection) snapshotStream(stream string) ([]*streamstore.RecordedEvent, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.stateErrLocked(); err != nil {
		return nil, false, err
	}
	s, ok := c.streams[stream]
	return s, ok, nil
}

// ReadStreamForward reads up to count events starting at event number
// start. A missing stream yields a SliceReadStreamNotFound slice, not an
// error, so callers can discriminate from "zero events".
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

	events, exists, err := c.snapshotStream(stream)
	if err != nil {
		return nil, err
	}
	if !exists {
		return notFoundSlice(stream, streamstore.ReadForward, start), nil
	}

	last := int64(len(events)) - 1
	if start > last {
		return &streamstore.StreamEventsSlice{
			Status:          streamstore.SliceReadSuccess,
			Stream:          stream,
			Direction:       streamstore.ReadForward,
			FromEventNumber: start,
			LastEventNumber: last,
			NextEventNumber: last + 1,
			IsEndOfStream:   true,
			Events:          nil,
		}, nil
	}

	end := start + int64(count)
	if end > last+1 {
		end = last + 1
	}

	return &streamstore.StreamEventsSlice{
		Status:          streamstore.SliceReadSuccess,
		Stream:          stream,
		Direction:       streamstore.ReadForward,
		FromEventNumber: start,
		LastEventNumber: last,
		NextEventNumber: end,
		IsEndOfStream:   end > last,
		Events:          events[start:end],
	}, nil
}

// ReadStreamBackward reads up to count events walking towards the stream
// start. start may be EndOfStream; any other negative start is rejected.
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

	events, exists, err := c.snapshotStream(stream)
	if err != nil {
		return nil, err
	}
	if !exists {
		return notFoundSlice(stream, streamstore.ReadBackward, start), nil
	}

	last := int64(len(events)) - 1
	from := start
	if from == streamstore.EndOfStream || from > last {
		from = last
	}

	lo := from - int64(count) + 1
	if lo < 0 {
		lo = 0
	}

	page := make([]*streamstore.RecordedEvent, 0, from-lo+1)
	for i := from; i >= lo; i-- {
		page = append(page, events[i])
	}

	return &streamstore.StreamEventsSlice{
		Status:          streamstore.SliceReadSuccess,
		Stream:          stream,
		Direction:       streamstore.ReadBackward,
		FromEventNumber: from,
		LastEventNumber: last,
		NextEventNumber: lo - 1,
		IsEndOfStream:   lo == 0,
		Events:          page,
	}, nil
}

// ReadAllForward reads the $all stream from a global position. $all
// contains original events only; projected links live in their own
// streams.
func (c *Connection) ReadAllForward(ctx context.Context, position int64, count int, opts ...streamstore.CallOption) (*streamstore.StreamEventsSlice, error) {
	if count <= 0 {
		return nil, &streamstore.ArgumentError{Name: "count", Reason: "must be positive"}
	}
	if position < 0 {
		return nil, &streamstore.ArgumentError{Name: "position", Reason: "must not be negative"}
	}

	c.mu.Lock()
	if err := c.stateErrLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	all := c.all
	c.mu.Unlock()

	i := sort.Search(len(all), func(i int) bool { return all[i].GlobalPosition >= position })
	end := i + count
	if end > len(all) {
		end = len(all)
	}

	var lastPos int64 = -1
	if len(all) > 0 {
		lastPos = all[len(all)-1].GlobalPosition
	}

	next := position
	if end > i {
		next = all[end-1].GlobalPosition + 1
	}

	return &streamstore.StreamEventsSlice{
		Status:          streamstore.SliceReadSuccess,
		Stream:          streamstore.AllStream,
		Direction:       streamstore.ReadForward,
		FromEventNumber: position,
		LastEventNumber: lastPos,
		NextEventNumber: next,
		IsEndOfStream:   end == len(all),
		Events:          all[i:end],
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

	c.mu.Lock()
	if err := c.stateErrLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	all := c.all
	c.mu.Unlock()

	var lastPos int64 = -1
	if len(all) > 0 {
		lastPos = all[len(all)-1].GlobalPosition
	}

	from := position
	if from == streamstore.EndOfStream || from > lastPos {
		from = lastPos
	}

	// Index of the last record at or before from.
	hi := sort.Search(len(all), func(i int) bool { return all[i].GlobalPosition > from }) - 1
	lo := hi - count + 1
	if lo < 0 {
		lo = 0
	}

	page := make([]*streamstore.RecordedEvent, 0, hi-lo+1)
	for i := hi; i >= lo; i-- {
		page = append(page, all[i])
	}

	next := int64(-1)
	if len(page) > 0 {
		next = page[len(page)-1].GlobalPosition - 1
	}

	return &streamstore.StreamEventsSlice{
		Status:          streamstore.SliceReadSuccess,
		Stream:          streamstore.AllStream,
		Direction:       streamstore.ReadBackward,
		FromEventNumber: from,
		LastEventNumber: lastPos,
		NextEventNumber: next,
		IsEndOfStream:   next < 0,
		Events:          page,
	}, nil
}

// DeleteStream removes the stream entry entirely. Hard delete: the name
// may be reused as if fresh, and records already projected into $all and
// the $ce-/$et- streams are not retroactively removed.
func (c *Connection) DeleteStream(ctx context.Context, stream string, expected streamstore.ExpectedVersion, opts ...streamstore.CallOption) error {
	if err := streamstore.ValidateStreamName(stream); err != nil {
		return err
	}
	if expected == nil {
		return &streamstore.ArgumentError{Name: "expected", Reason: "must be provided"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.stateErrLocked(); err != nil {
		return err
	}

	current, exists := c.streams[stream]
	if !exists {
		return fmt.Errorf("delete stream %q: %w", stream, streamstore.ErrStreamNotFound)
	}

	if err := checkExpectedVersion(stream, expected, exists, int64(len(current))-1); err != nil {
		return err
	}

	delete(c.streams, stream)
	return nil
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

// StartTransaction is outside the supported subset.
func (c *Connection) StartTransaction(ctx context.Context, stream string, expected streamstore.ExpectedVersion, opts ...streamstore.CallOption) error {
	if err := c.checkState(); err != nil {
		return err
	}
	return fmt.Errorf("transactions: %w", streamstore.ErrNotSupported)
}

// SetStreamMetadata is outside the supported subset.
func (c *Connection) SetStreamMetadata(ctx context.Context, stream string, expected streamstore.ExpectedVersion, metadata []byte, opts ...streamstore.CallOption) error {
	if err := c.checkState(); err != nil {
		return err
	}
	return fmt.Errorf("stream metadata: %w", streamstore.ErrNotSupported)
}

// ConnectToPersistentSubscription is outside the supported subset.
func (c *Connection) ConnectToPersistentSubscription(ctx context.Context, stream, group string, eventAppeared streamstore.EventAppeared, dropped streamstore.SubscriptionDropped, opts ...streamstore.CallOption) (streamstore.Subscription, error) {
	if err := c.checkState(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("persistent subscriptions: %w", streamstore.ErrNotSupported)
}
