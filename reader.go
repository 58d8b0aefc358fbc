package streamstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

const defaultReaderPageSize = 200

// ReaderOption configures a StreamReader.
type ReaderOption func(*StreamReader)

// WithPageSize sets the internal slice size used by Read.
func WithPageSize(n int) ReaderOption {
	return func(r *StreamReader) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

type readConfig struct {
	checkpoint    *int64
	hasCheckpoint bool
	limit         int64
	backward      bool
}

// ReadOption configures a single Read call.
type ReadOption func(*readConfig)

// WithCheckpoint starts the read relative to a checkpoint: forward reads
// begin at checkpoint+1, backward reads at checkpoint-1. The checkpoint is
// the last position already received, consistent with subscription
// checkpoints.
func WithCheckpoint(checkpoint int64) ReadOption {
	return func(cfg *readConfig) {
		cfg.checkpoint = &checkpoint
		cfg.hasCheckpoint = true
	}
}

// WithLimit caps the number of events delivered by the call.
func WithLimit(n int64) ReadOption {
	return func(cfg *readConfig) {
		cfg.limit = n
	}
}

// Backward walks the stream towards its beginning.
func Backward() ReadOption {
	return func(cfg *readConfig) {
		cfg.backward = true
	}
}

// StreamReader walks a stream (or a projected stream, or $all) in bounded
// slices, invoking a per-event callback. It keeps the position of the last
// successfully delivered event so interrupted reads can resume.
type StreamReader struct {
	conn          Connection
	stream        string
	eventAppeared EventAppeared
	pageSize      int

	mu       sync.Mutex
	position *int64

	cancelled atomic.Bool
}

// NewStreamReader builds a reader over the given stream. eventAppeared is
// invoked once per delivered event.
func NewStreamReader(conn Connection, stream string, eventAppeared EventAppeared, opts ...ReaderOption) *StreamReader {
	r := &StreamReader{
		conn:          conn,
		stream:        stream,
		eventAppeared: eventAppeared,
		pageSize:      defaultReaderPageSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Position returns the position of the last successfully delivered event
// (the event number, or the global position when reading $all), or nil
// before any delivery.
func (r *StreamReader) Position() *int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.position == nil {
		return nil
	}
	p := *r.position
	return &p
}

// Cancel requests cooperative cancellation of an in-progress Read. Safe to
// call from within the per-event callback; at most one further event may be
// delivered after the request.
func (r *StreamReader) Cancel() {
	r.cancelled.Store(true)
}

// Read walks the stream, invoking the callback per event. proceed (may be
// nil) is consulted between slices; returning false stops the read without
// error. Reads resume from the reader's stored position unless
// WithCheckpoint overrides it.
//
// Returns true if at least one event was delivered. Missing and deleted
// streams yield (false, nil).
func (r *StreamReader) Read(ctx context.Context, proceed func() bool, opts ...ReadOption) (bool, error) {
	var cfg readConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.hasCheckpoint && *cfg.checkpoint < 0 {
		return false, &ArgumentError{Name: "checkpoint", Reason: "must not be negative"}
	}
	if cfg.limit < 0 {
		return false, &ArgumentError{Name: "limit", Reason: "must be positive"}
	}

	r.cancelled.Store(false)

	checkpoint := cfg.checkpoint
	if !cfg.hasCheckpoint {
		checkpoint = r.Position()
	}

	var from int64
	if cfg.backward {
		from = EndOfStream
		if checkpoint != nil {
			from = *checkpoint - 1
			if from < 0 {
				return false, nil // nothing before position 0
			}
		}
	} else {
		from = 0
		if checkpoint != nil {
			from = *checkpoint + 1
		}
	}

	var delivered int64

	for {
		if proceed != nil && !proceed() {
			break
		}

		page := int64(r.pageSize)
		if cfg.limit > 0 {
			if remaining := cfg.limit - delivered; remaining < page {
				page = remaining
			}
		}
		if page <= 0 {
			break
		}

		slice, err := r.readSlice(ctx, from, int(page), cfg.backward)
		if err != nil {
			return delivered > 0, err
		}
		if slice.Status != SliceReadSuccess {
			return delivered > 0, nil
		}

		for _, ev := range slice.Events {
			if r.cancelled.Load() {
				return delivered > 0, nil
			}
			if err := r.eventAppeared(ctx, ev); err != nil {
				return delivered > 0, fmt.Errorf("reading stream %q: %w", r.stream, err)
			}
			delivered++
			r.setPosition(ev)
		}

		if slice.IsEndOfStream {
			break
		}
		from = slice.NextEventNumber
	}

	return delivered > 0, nil
}

func (r *StreamReader) readSlice(ctx context.Context, from int64, count int, backward bool) (*StreamEventsSlice, error) {
	if r.stream == AllStream {
		if backward {
			return r.conn.ReadAllBackward(ctx, from, count)
		}
		return r.conn.ReadAllForward(ctx, from, count)
	}
	if backward {
		return r.conn.ReadStreamBackward(ctx, r.stream, from, count)
	}
	return r.conn.ReadStreamForward(ctx, r.stream, from, count)
}

func (r *StreamReader) setPosition(ev *RecordedEvent) {
	pos := ev.EventNumber
	if r.stream == AllStream {
		pos = ev.GlobalPosition
	}
	r.mu.Lock()
	r.position = &pos
	r.mu.Unlock()
}
