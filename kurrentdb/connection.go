// Package kurrentdb adapts a KurrentDB (EventStoreDB) gRPC client to the
// streamstore connection surface. The server performs the projection into
// $ce-/$et- streams and keeps $all itself; this adapter only translates
// call shapes, sentinel versions and error codes.
package kurrentdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/kurrent-io/KurrentDB-Client-Go/kurrentdb"
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

// WithLogger sets the logger used by subscription workers.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithClient uses an already constructed client instead of dialing from
// the connection string. The caller owns its lifecycle.
func WithClient(client *kurrentdb.Client) Option {
	return func(c *Connection) {
		c.client = client
		c.externalClient = true
	}
}

// Connection is a stream store backed by a KurrentDB server.
type Connection struct {
	connString     string
	logger         *slog.Logger
	client         *kurrentdb.Client
	externalClient bool

	mu    sync.Mutex
	state connState

	rootCtx    context.Context
	rootCancel context.CancelFunc
	subWG      sync.WaitGroup
}

var _ streamstore.Connection = (*Connection)(nil)

// NewConnection creates a KurrentDB-backed connection, e.g. with
// "esdb://localhost:2113?tls=false". Call Connect before use.
func NewConnection(connString string, opts ...Option) *Connection {
	c := &Connection{
		connString: connString,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())
	return c
}

// Connect dials the server unless a client was injected.
func (c *Connection) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateClosed:
		return streamstore.ErrConnectionClosed
	case stateConnected:
		return nil
	}

	if c.client == nil {
		settings, err := kurrentdb.ParseConnectionString(c.connString)
		if err != nil {
			return fmt.Errorf("parse connection string: %w", err)
		}
		client, err := kurrentdb.NewClient(settings)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		c.client = client
	}

	c.state = stateConnected
	return nil
}

// Close drops all subscriptions and closes the client when this
// connection dialed it. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	client := c.client
	ownClient := client != nil && !c.externalClient && c.state == stateConnected
	c.state = stateClosed
	c.mu.Unlock()

	c.rootCancel()
	c.subWG.Wait()

	if ownClient {
		return client.Close()
	}
	return nil
}

func (c *Connection) checkState() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateCreated:
		return streamstore.ErrNotConnected
	case stateClosed:
		return streamstore.ErrConnectionClosed
	}
	return nil
}

// AppendToStream appends a batch, translating the expected version into
// the client's stream state sentinel. The server enforces atomicity.
func (c *Connection) AppendToStream(ctx context.Context, stream string, expected streamstore.ExpectedVersion, events []streamstore.EventData, opts ...streamstore.CallOption) (*streamstore.WriteResult, error) {
	if err := streamstore.ValidateStreamName(stream); err != nil {
		return nil, err
	}
	if expected == nil {
		return nil, &streamstore.ArgumentError{Name: "expected", Reason: "must be provided"}
	}
	if err := c.checkState(); err != nil {
		return nil, err
	}

	state, err := streamState(expected)
	if err != nil {
		return nil, err
	}

	kevents := make([]kurrentdb.EventData, len(events))
	for i, ed := range events {
		id := ed.EventID
		if id == uuid.Nil {
			id = uuid.New()
		}
		contentType := kurrentdb.ContentTypeBinary
		if ed.IsJSON {
			contentType = kurrentdb.ContentTypeJson
		}
		kevents[i] = kurrentdb.EventData{
			EventID:     id,
			EventType:   ed.Type,
			ContentType: contentType,
			Data:        ed.Data,
			Metadata:    ed.Metadata,
		}
	}

	result, err := c.client.AppendToStream(ctx, stream, kurrentdb.AppendToStreamOptions{
		StreamState:   state,
		Authenticated: credentials(opts),
	}, kevents...)
	if err != nil {
		return nil, mapError(stream, expected, err)
	}

	return &streamstore.WriteResult{
		NextExpectedVersion: int64(result.NextExpectedVersion),
		CommitPosition:      int64(result.CommitPosition),
	}, nil
}

// DeleteStream tombstones the stream. Tombstoned names cannot be reused;
// later reads surface the deleted status.
func (c *Connection) DeleteStream(ctx context.Context, stream string, expected streamstore.ExpectedVersion, opts ...streamstore.CallOption) error {
	if err := streamstore.ValidateStreamName(stream); err != nil {
		return err
	}
	if expected == nil {
		return &streamstore.ArgumentError{Name: "expected", Reason: "must be provided"}
	}
	if err := c.checkState(); err != nil {
		return err
	}

	state, err := streamState(expected)
	if err != nil {
		return err
	}

	_, err = c.client.TombstoneStream(ctx, stream, kurrentdb.TombstoneStreamOptions{
		StreamState:   state,
		Authenticated: credentials(opts),
	})
	if err != nil {
		return mapError(stream, expected, err)
	}
	return nil
}

func streamState(expected streamstore.ExpectedVersion) (kurrentdb.StreamState, error) {
	switch v := expected.(type) {
	case streamstore.Any:
		return kurrentdb.Any{}, nil
	case streamstore.NoStream:
		return kurrentdb.NoStream{}, nil
	case streamstore.StreamExists:
		return kurrentdb.StreamExists{}, nil
	case streamstore.Exact:
		if v < 0 {
			return nil, &streamstore.ArgumentError{Name: "expected", Reason: "must not be negative"}
		}
		return kurrentdb.Revision(uint64(v)), nil
	default:
		return nil, &streamstore.ArgumentError{Name: "expected", Reason: fmt.Sprintf("unsupported expected version %T", expected)}
	}
}

func credentials(opts []streamstore.CallOption) *kurrentdb.Credentials {
	cfg := streamstore.NewCallConfig(opts...)
	if cfg.Credentials == nil {
		return nil
	}
	return &kurrentdb.Credentials{
		Login:    cfg.Credentials.Username,
		Password: cfg.Credentials.Password,
	}
}

// mapError translates client error codes into the store's error surface.
func mapError(stream string, expected streamstore.ExpectedVersion, err error) error {
	var kerr *kurrentdb.Error
	if !errors.As(err, &kerr) {
		return err
	}
	switch kerr.Code() {
	case kurrentdb.ErrorCodeResourceNotFound:
		return fmt.Errorf("stream %q: %w", stream, streamstore.ErrStreamNotFound)
	case kurrentdb.ErrorCodeStreamDeleted:
		return fmt.Errorf("stream %q: %w", stream, streamstore.ErrStreamDeleted)
	case kurrentdb.ErrorCodeWrongExpectedVersion:
		return &streamstore.WrongExpectedVersionError{Stream: stream, Expected: expected, Actual: -1}
	case kurrentdb.ErrorCodeAccessDenied:
		return fmt.Errorf("stream %q: %w", stream, streamstore.ErrAccessDenied)
	case kurrentdb.ErrorCodeConnectionClosed:
		return streamstore.ErrConnectionClosed
	default:
		return err
	}
}

// recordedEvent converts a resolved event. When the read followed a link
// (a $ce-/$et- stream), the link supplies the stream-local numbering and
// the resolved target supplies payload and origin.
func recordedEvent(resolved *kurrentdb.ResolvedEvent) *streamstore.RecordedEvent {
	ev := resolved.Event
	if ev == nil {
		ev = resolved.Link
	}
	if ev == nil {
		return nil
	}

	rec := &streamstore.RecordedEvent{
		StreamID:       ev.StreamID,
		EventID:        ev.EventID,
		EventNumber:    int64(ev.EventNumber),
		GlobalPosition: int64(ev.Position.Commit),
		Type:           ev.EventType,
		Data:           ev.Data,
		Metadata:       ev.UserMetadata,
		IsJSON:         ev.ContentType == string(kurrentdb.ContentTypeJson),
		CreatedAt:      ev.CreatedDate,
		CreatedEpoch:   ev.CreatedDate.Unix(),
	}

	if link := resolved.Link; link != nil && resolved.Event != nil {
		rec.StreamID = link.StreamID
		rec.EventNumber = int64(link.EventNumber)
		rec.GlobalPosition = int64(link.Position.Commit)
		rec.Origin = &streamstore.LinkOrigin{
			StreamID:    resolved.Event.StreamID,
			EventID:     resolved.Event.EventID,
			EventNumber: int64(resolved.Event.EventNumber),
		}
	}
	return rec
}

// StartTransaction is not exposed by the gRPC client.
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
