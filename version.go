package streamstore

// InstrumentationVersion is reported alongside telemetry produced by the
// otel decorator package.
const InstrumentationVersion = "0.1.0"

// ExpectedVersion is the optimistic concurrency precondition supplied with
// an append or delete. It is a sentinel, not an ordinary integer: use Any,
// NoStream, StreamExists or Exact(n).
type ExpectedVersion interface {
	expectedVersion() int64
}

// Any means append without checking the current stream version. The stream
// is created if absent.
type Any struct{}

func (Any) expectedVersion() int64 { return -2 } // special marker

// NoStream means the stream must not exist yet.
type NoStream struct{}

func (NoStream) expectedVersion() int64 { return -1 } // special marker

// StreamExists means the stream must already exist, at whatever version.
type StreamExists struct{}

func (StreamExists) expectedVersion() int64 { return -4 } // special marker

// EmptyStream is the historical alias for StreamExists kept for API parity
// with the production client.
type EmptyStream = StreamExists

// Exact means the stream's current highest event number must equal this
// value. The check is exact-equality, not range-based.
type Exact int64

func (v Exact) expectedVersion() int64 { return int64(v) }
