package memory

import (
	"github.com/terraskye/streamstore"
)

// projectLocked runs the built-in projections for a batch of freshly
// committed records: every original event gets a link in the $ce-
// category stream of its origin stream (when the name carries a
// category) and a link in the $et- stream of its event type. Links carry
// the origin payload with their own local event number and global
// position; they never join $all and are never projected again.
//
// Must be called with c.mu held, before the batch is released to readers
// through any other path.
func (c *Connection) projectLocked(records []*streamstore.RecordedEvent) []*streamstore.RecordedEvent {
	var links []*streamstore.RecordedEvent

	for _, rec := range records {
		if streamstore.IsSystemStream(rec.StreamID) {
			continue
		}

		if category := streamstore.CategoryOf(rec.StreamID); category != "" {
			links = append(links, c.linkLocked(streamstore.CategoryStream(category), rec))
		}
		if rec.Type != "" {
			links = append(links, c.linkLocked(streamstore.EventTypeStream(rec.Type), rec))
		}
	}

	return links
}

// linkLocked appends one link record to a projected stream. Must be
// called with c.mu held.
func (c *Connection) linkLocked(stream string, origin *streamstore.RecordedEvent) *streamstore.RecordedEvent {
	target := c.streams[stream]

	link := &streamstore.RecordedEvent{
		StreamID:       stream,
		EventID:        origin.EventID,
		EventNumber:    int64(len(target)),
		GlobalPosition: c.nextGlobal,
		Type:           origin.Type,
		Data:           origin.Data,
		Metadata:       origin.Metadata,
		IsJSON:         origin.IsJSON,
		CreatedAt:      origin.CreatedAt,
		CreatedEpoch:   origin.CreatedEpoch,
		Origin: &streamstore.LinkOrigin{
			StreamID:    origin.StreamID,
			EventID:     origin.EventID,
			EventNumber: origin.EventNumber,
		},
	}
	c.nextGlobal++

	c.streams[stream] = append(target, link)
	return link
}
