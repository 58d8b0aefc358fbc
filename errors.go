package streamstore

import (
	"errors"
	"fmt"
)

var (
	// ErrStreamNotFound indicates that the requested stream does not exist.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrStreamDeleted indicates that the requested stream has been deleted.
	// Only backends with tombstone support can ever report it; the in-memory
	// store hard-deletes and reports ErrStreamNotFound instead.
	ErrStreamDeleted = errors.New("stream deleted")

	// ErrAccessDenied is returned when writing to or deleting a reserved
	// system stream ($-prefixed).
	ErrAccessDenied = errors.New("access denied")

	// ErrNotConnected is returned by operations attempted before Connect.
	ErrNotConnected = errors.New("connection not established")

	// ErrConnectionClosed is returned by operations attempted after Close.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNotSupported is returned by operations outside the supported subset
	// (transactions, persistent subscriptions, stream metadata). They fail
	// loudly rather than silently no-op.
	ErrNotSupported = errors.New("operation not supported")
)

// WrongExpectedVersionError is the optimistic concurrency violation raised
// by AppendToStream and DeleteStream. It is never retried internally; the
// caller decides retry/merge policy.
type WrongExpectedVersionError struct {
	Stream   string
	Expected ExpectedVersion
	Actual   int64
}

func (e *WrongExpectedVersionError) Error() string {
	return fmt.Sprintf("stream %q: wrong expected version %v, actual %d", e.Stream, e.Expected, e.Actual)
}

// ArgumentError reports an invalid argument detected eagerly at the API
// boundary, before any store mutation is attempted.
type ArgumentError struct {
	Name   string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("argument %q: %s", e.Name, e.Reason)
}

// AggregateNotFoundError is returned by the repository when no stream exists
// for the aggregate. After a hard delete this is indistinguishable from
// "never existed".
type AggregateNotFoundError struct {
	Type string
	ID   string
}

func (e *AggregateNotFoundError) Error() string {
	return fmt.Sprintf("aggregate %s/%s not found", e.Type, e.ID)
}

func (e *AggregateNotFoundError) Unwrap() error { return ErrStreamNotFound }

// AggregateDeletedError is returned by the repository when the backing
// stream is known to be deleted. Best effort: only backends that keep
// tombstones can distinguish this from AggregateNotFoundError.
type AggregateDeletedError struct {
	Type string
	ID   string
}

func (e *AggregateDeletedError) Error() string {
	return fmt.Sprintf("aggregate %s/%s deleted", e.Type, e.ID)
}

func (e *AggregateDeletedError) Unwrap() error { return ErrStreamDeleted }

// AggregateVersionError is returned by the repository when a requested
// version exceeds the actual stream length.
type AggregateVersionError struct {
	Type      string
	ID        string
	Requested int64
	Actual    int64
}

func (e *AggregateVersionError) Error() string {
	return fmt.Sprintf("aggregate %s/%s: requested version %d, actual %d", e.Type, e.ID, e.Requested, e.Actual)
}

// ConcurrencyError wraps a store-level WrongExpectedVersionError surfaced
// through the repository on Save.
type ConcurrencyError struct {
	Type string
	ID   string
	Err  error
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("aggregate %s/%s: concurrency conflict: %v", e.Type, e.ID, e.Err)
}

func (e *ConcurrencyError) Unwrap() error { return e.Err }
