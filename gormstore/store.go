// Package gormstore provides a SQL-backed stream store over gorm,
// supporting SQLite and PostgreSQL. It implements the same connection
// surface as the in-memory store with durable storage: the
// autoincrementing primary key provides the global ordering and a
// compound unique index enforces optimistic concurrency under concurrent
// writers. Subscriptions are implemented by polling.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/terraskye/streamstore"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	appendRetries       = 5
)

type connState int

const (
	stateCreated connState = iota
	stateConnected
	stateClosed
)

// Option configures a Connection.
type Option func(*Connection)

// WithSQLite stores events in a SQLite database at the given path.
func WithSQLite(path string) Option {
	return func(c *Connection) {
		c.dialector = sqlite.Open(path)
	}
}

// WithPostgres stores events in a PostgreSQL database.
func WithPostgres(dsn string) Option {
	return func(c *Connection) {
		c.dialector = postgres.Open(dsn)
	}
}

// WithDB uses an already opened gorm handle. The caller owns its
// lifecycle; Close will not close it.
func WithDB(db *gorm.DB) Option {
	return func(c *Connection) {
		c.db = db
		c.externalDB = true
	}
}

// WithLogger sets the logger used by polling subscriptions.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithPollInterval tunes how often subscriptions poll for new events.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Connection) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// Connection is a SQL-backed stream store.
type Connection struct {
	dialector    gorm.Dialector
	db           *gorm.DB
	externalDB   bool
	logger       *slog.Logger
	pollInterval time.Duration

	mu    sync.Mutex
	state connState

	// rootCtx ends when the connection closes; pollers watch it.
	rootCtx    context.Context
	rootCancel context.CancelFunc
	subWG      sync.WaitGroup
}

var _ streamstore.Connection = (*Connection)(nil)

// NewConnection creates a SQL-backed connection. One of WithSQLite,
// WithPostgres or WithDB must be given. Call Connect before use.
func NewConnection(opts ...Option) *Connection {
	c := &Connection{
		logger:       slog.Default(),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())
	return c
}

// Connect opens the database if needed and migrates the schema.
func (c *Connection) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateClosed:
		return streamstore.ErrConnectionClosed
	case stateConnected:
		return nil
	}

	if c.db == nil {
		if c.dialector == nil {
			return &streamstore.ArgumentError{Name: "dialector", Reason: "no database configured, use WithSQLite, WithPostgres or WithDB"}
		}
		db, err := gorm.Open(c.dialector, &gorm.Config{
			Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
			TranslateError: true,
		})
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		c.db = db
	}

	if err := c.db.AutoMigrate(&record{}); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	c.state = stateConnected
	return nil
}

// Close stops all polling subscriptions, waits for them to drop and
// closes the database when this connection opened it. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	db := c.db
	ownDB := db != nil && !c.externalDB
	c.mu.Unlock()

	c.rootCancel()
	c.subWG.Wait()

	if ownDB {
		if sqlDB, err := db.DB(); err == nil {
			return sqlDB.Close()
		}
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

// AppendToStream appends a batch inside one transaction together with its
// projected category and event-type links. Concurrency is enforced twice:
// the in-transaction version check catches stale writers early, and the
// unique (stream_id, event_number) index is the authoritative backstop
// when two transactions pass the check together. Duplicate-key failures
// retry the transaction, so writers racing only on a shared projected
// stream still succeed.
func (c *Connection) AppendToStream(ctx context.Context, stream string, expected streamstore.ExpectedVersion, events []streamstore.EventData, opts ...streamstore.CallOption) (*streamstore.WriteResult, error) {
	if err := streamstore.ValidateStreamName(stream); err != nil {
		return nil, err
	}
	if expected == nil {
		return nil, &streamstore.ArgumentError{Name: "expected", Reason: "must be provided"}
	}
	if exact, ok := expected.(streamstore.Exact); ok && exact < 0 {
		return nil, &streamstore.ArgumentError{Name: "expected", Reason: "must not be negative"}
	}
	if err := c.checkState(); err != nil {
		return nil, err
	}

	var result *streamstore.WriteResult
	var lastErr error

	for attempt := 0; attempt < appendRetries; attempt++ {
		lastErr = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			last, exists, err := streamHead(tx, stream)
			if err != nil {
				return err
			}
			if err := checkExpectedVersion(stream, expected, exists, last); err != nil {
				return err
			}

			if len(events) == 0 {
				pos, err := lastGlobalPosition(tx)
				if err != nil {
					return err
				}
				result = &streamstore.WriteResult{NextExpectedVersion: last, CommitPosition: pos}
				return nil
			}

			rows := make([]record, len(events))
			now := time.Now()
			for i, ed := range events {
				id := ed.EventID
				if id == uuid.Nil {
					id = uuid.New()
				}
				rows[i] = record{
					StreamID:    stream,
					EventNumber: last + 1 + int64(i),
					EventID:     id.String(),
					Type:        ed.Type,
					Data:        ed.Data,
					Metadata:    ed.Metadata,
					IsJSON:      ed.IsJSON,
					CreatedAt:   now,
				}
			}
			if err := tx.Create(&rows).Error; err != nil {
				return err
			}

			links, err := buildLinks(tx, rows)
			if err != nil {
				return err
			}
			if len(links) > 0 {
				if err := tx.Create(&links).Error; err != nil {
					return err
				}
			}

			tail := rows[len(rows)-1]
			result = &streamstore.WriteResult{
				NextExpectedVersion: tail.EventNumber,
				CommitPosition:      tail.GlobalPosition,
			}
			return nil
		})

		if lastErr == nil {
			return result, nil
		}
		if !isDuplicate(lastErr) {
			return nil, lastErr
		}
	}

	// Retries exhausted: another writer keeps beating us to the version.
	last, _, err := streamHead(c.db.WithContext(ctx), stream)
	if err != nil {
		last = -1
	}
	return nil, &streamstore.WrongExpectedVersionError{Stream: stream, Expected: expected, Actual: last}
}

// buildLinks produces the projected link rows for a freshly inserted
// batch. Link event numbers are local to the projected stream; when one
// batch feeds the same projected stream repeatedly the offset is tracked
// per stream.
func buildLinks(tx *gorm.DB, rows []record) ([]record, error) {
	heads := map[string]int64{}
	var links []record

	next := func(stream string) (int64, error) {
		if n, ok := heads[stream]; ok {
			heads[stream] = n + 1
			return n, nil
		}
		last, _, err := streamHead(tx, stream)
		if err != nil {
			return 0, err
		}
		heads[stream] = last + 2
		return last + 1, nil
	}

	for i := range rows {
		origin := &rows[i]
		targets := make([]string, 0, 2)
		if category := streamstore.CategoryOf(origin.StreamID); category != "" {
			targets = append(targets, streamstore.CategoryStream(category))
		}
		if origin.Type != "" {
			targets = append(targets, streamstore.EventTypeStream(origin.Type))
		}

		for _, target := range targets {
			n, err := next(target)
			if err != nil {
				return nil, err
			}
			links = append(links, record{
				StreamID:          target,
				EventNumber:       n,
				EventID:           origin.EventID,
				Type:              origin.Type,
				Data:              origin.Data,
				Metadata:          origin.Metadata,
				IsJSON:            origin.IsJSON,
				CreatedAt:         origin.CreatedAt,
				Projected:         true,
				OriginStreamID:    origin.StreamID,
				OriginEventID:     origin.EventID,
				OriginEventNumber: origin.EventNumber,
			})
		}
	}
	return links, nil
}

// DeleteStream hard-deletes the stream's rows. Projected links pointing
// at the deleted events stay, matching the projection semantics of the
// in-memory store.
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

	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		last, exists, err := streamHead(tx, stream)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("delete stream %q: %w", stream, streamstore.ErrStreamNotFound)
		}
		if err := checkExpectedVersion(stream, expected, exists, last); err != nil {
			return err
		}
		return tx.Where("stream_id = ?", stream).Delete(&record{}).Error
	})
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

// streamHead returns the highest event number of a stream and whether the
// stream has any rows.
func streamHead(tx *gorm.DB, stream string) (int64, bool, error) {
	var rows []record
	err := tx.Select("event_number").
		Where("stream_id = ?", stream).
		Order("event_number DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return -1, false, err
	}
	if len(rows) == 0 {
		return -1, false, nil
	}
	return rows[0].EventNumber, true, nil
}

// lastGlobalPosition returns the highest committed global position, or 0
// for an empty store.
func lastGlobalPosition(tx *gorm.DB) (int64, error) {
	var rows []record
	err := tx.Select("global_position").
		Order("global_position DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].GlobalPosition, nil
}

// isDuplicate reports whether err is a unique constraint violation, from
// gorm's translated error or straight from the sqlite driver.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}
	return false
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
