package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/terraskye/streamstore"
)

// record is the row shape for one committed event. The autoincrementing
// primary key doubles as the global position; the compound unique index
// on (stream_id, event_number) is what makes optimistic concurrency hold
// under concurrent writers, the version check alone is only a fast path.
type record struct {
	GlobalPosition int64  `gorm:"primaryKey;autoIncrement"`
	StreamID       string `gorm:"index:idx_stream_event,unique;size:512;not null"`
	EventNumber    int64  `gorm:"index:idx_stream_event,unique;not null"`
	EventID        string `gorm:"size:36;not null"`
	Type           string `gorm:"size:256;index;not null"`
	Data           []byte
	Metadata       []byte
	IsJSON         bool
	CreatedAt      time.Time

	Projected         bool `gorm:"index;not null"`
	OriginStreamID    string
	OriginEventID     string
	OriginEventNumber int64
}

func (record) TableName() string {
	return "stream_events"
}

func (r *record) toRecordedEvent() *streamstore.RecordedEvent {
	rec := &streamstore.RecordedEvent{
		StreamID:       r.StreamID,
		EventID:        uuid.MustParse(r.EventID),
		EventNumber:    r.EventNumber,
		GlobalPosition: r.GlobalPosition,
		Type:           r.Type,
		Data:           r.Data,
		Metadata:       r.Metadata,
		IsJSON:         r.IsJSON,
		CreatedAt:      r.CreatedAt,
		CreatedEpoch:   r.CreatedAt.Unix(),
	}
	if r.Projected {
		rec.Origin = &streamstore.LinkOrigin{
			StreamID:    r.OriginStreamID,
			EventID:     uuid.MustParse(r.OriginEventID),
			EventNumber: r.OriginEventNumber,
		}
	}
	return rec
}

func toRecordedEvents(rows []record) []*streamstore.RecordedEvent {
	if len(rows) == 0 {
		return nil
	}
	out := make([]*streamstore.RecordedEvent, len(rows))
	for i := range rows {
		out[i] = rows[i].toRecordedEvent()
	}
	return out
}
