package streamstore

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithStreamNamer replaces the default naming strategy.
func WithStreamNamer(namer StreamNamer) RepositoryOption {
	return func(r *Repository) {
		r.namer = namer
	}
}

// WithReadPageSize sets the page size used when rehydrating aggregates.
func WithReadPageSize(n int) RepositoryOption {
	return func(r *Repository) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

type loadConfig struct {
	version int64
}

// LoadOption configures a single GetByID call.
type LoadOption func(*loadConfig)

// WithVersion rehydrates the aggregate up to and including the given event
// number instead of the full history. GetByID fails with
// AggregateVersionError if the stream is shorter.
func WithVersion(version int64) LoadOption {
	return func(cfg *loadConfig) {
		cfg.version = version
	}
}

// Repository loads and saves event-sourced aggregates over a Connection.
// It maps aggregate type+id to a stream name through the naming strategy,
// serializes events through the injected serializer, and translates
// store-level failures into aggregate-level errors.
type Repository struct {
	conn       Connection
	namer      StreamNamer
	serializer EventSerializer
	pageSize   int
}

// NewRepository constructs a repository. The default naming strategy is
// DelimitedStreamNamer.
func NewRepository(conn Connection, serializer EventSerializer, opts ...RepositoryOption) *Repository {
	r := &Repository{
		conn:       conn,
		namer:      DelimitedStreamNamer{},
		serializer: serializer,
		pageSize:   defaultReaderPageSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetByID rehydrates the aggregate from its stream, reading forward from
// the start and applying every event.
//
// Returns AggregateNotFoundError if the stream is absent. Backends without
// tombstones cannot distinguish deleted from never-existed, so a hard
// delete also surfaces as AggregateNotFoundError; AggregateDeletedError is
// returned only when the backend reports a deleted stream.
func (r *Repository) GetByID(ctx context.Context, aggregate Aggregate, opts ...LoadOption) error {
	cfg := loadConfig{version: math.MaxInt64}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.version < 0 {
		return &ArgumentError{Name: "version", Reason: "must not be negative"}
	}

	typeName := TypeName(aggregate)
	stream := r.namer.ForAggregate(typeName, aggregate.EntityID())

	var from int64
	for {
		slice, err := r.conn.ReadStreamForward(ctx, stream, from, r.pageSize)
		if err != nil {
			return fmt.Errorf("load aggregate %s/%s: %w", typeName, aggregate.EntityID(), err)
		}

		switch slice.Status {
		case SliceReadStreamNotFound:
			return &AggregateNotFoundError{Type: typeName, ID: aggregate.EntityID()}
		case SliceReadStreamDeleted:
			return &AggregateDeletedError{Type: typeName, ID: aggregate.EntityID()}
		}

		for _, record := range slice.Events {
			if record.EventNumber > cfg.version {
				return nil
			}

			ev, err := r.serializer.Deserialize(record)
			if err != nil {
				return fmt.Errorf("load aggregate %s/%s: %w", typeName, aggregate.EntityID(), err)
			}

			aggregate.ApplyEvent(ctx, ev)
			aggregate.SetAggregateVersion(record.EventNumber)
		}

		if slice.IsEndOfStream {
			if cfg.version != math.MaxInt64 && aggregate.AggregateVersion() < cfg.version {
				return &AggregateVersionError{
					Type:      typeName,
					ID:        aggregate.EntityID(),
					Requested: cfg.version,
					Actual:    aggregate.AggregateVersion(),
				}
			}
			return nil
		}
		from = slice.NextEventNumber
	}
}

// Save appends the aggregate's uncommitted events with an expected version
// equal to the aggregate's version prior to the new events. On success the
// uncommitted buffer is cleared and the tracked version advanced. A store
// version conflict surfaces as *ConcurrencyError.
func (r *Repository) Save(ctx context.Context, aggregate Aggregate, opts ...CallOption) error {
	events := aggregate.UncommittedEvents()
	if len(events) == 0 {
		return nil
	}

	typeName := TypeName(aggregate)
	stream := r.namer.ForAggregate(typeName, aggregate.EntityID())

	data := make([]EventData, len(events))
	for i, ev := range events {
		serialized, err := r.serializer.Serialize(ev, uuid.New())
		if err != nil {
			return fmt.Errorf("save aggregate %s/%s: %w", typeName, aggregate.EntityID(), err)
		}
		data[i] = serialized
	}

	var expected ExpectedVersion = NoStream{}
	if v := aggregate.AggregateVersion(); v >= 0 {
		expected = Exact(v)
	}

	result, err := r.conn.AppendToStream(ctx, stream, expected, data, opts...)
	if err != nil {
		var wev *WrongExpectedVersionError
		if errors.As(err, &wev) {
			return &ConcurrencyError{Type: typeName, ID: aggregate.EntityID(), Err: err}
		}
		return fmt.Errorf("save aggregate %s/%s: %w", typeName, aggregate.EntityID(), err)
	}

	aggregate.SetAggregateVersion(result.NextExpectedVersion)
	aggregate.ClearUncommittedEvents()

	return nil
}
