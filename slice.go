package streamstore

// EndOfStream is the backward-read sentinel meaning "start at the last
// event of the stream".
const EndOfStream int64 = -1

// ReadDirection indicates the direction of a stream read.
type ReadDirection int

const (
	ReadForward ReadDirection = iota
	ReadBackward
)

func (d ReadDirection) String() string {
	if d == ReadBackward {
		return "backward"
	}
	return "forward"
}

// SliceReadStatus discriminates a successful slice from the not-found and
// deleted variants. Reads return a status rather than an error so callers
// can branch without exception-driven control flow.
type SliceReadStatus int

const (
	SliceReadSuccess SliceReadStatus = iota
	SliceReadStreamNotFound
	SliceReadStreamDeleted
)

func (s SliceReadStatus) String() string {
	switch s {
	case SliceReadStreamNotFound:
		return "stream not found"
	case SliceReadStreamDeleted:
		return "stream deleted"
	default:
		return "success"
	}
}

// StreamEventsSlice is one bounded page of events returned by a read call.
//
// FromEventNumber is the effective position the read started at,
// LastEventNumber the highest event number present in the stream at read
// time, and NextEventNumber the direction-aware position a follow-up read
// should use. For reads of $all these fields hold global positions.
type StreamEventsSlice struct {
	Status          SliceReadStatus
	Stream          string
	Direction       ReadDirection
	FromEventNumber int64
	LastEventNumber int64
	NextEventNumber int64
	IsEndOfStream   bool
	Events          []*RecordedEvent
}

// WriteResult describes the outcome of a successful append.
type WriteResult struct {
	// NextExpectedVersion is the event number of the last event written,
	// i.e. the expected version a subsequent append should carry.
	NextExpectedVersion int64

	// CommitPosition is the global position of the last event written.
	CommitPosition int64
}
