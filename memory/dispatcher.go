package memory

import (
	"log/slog"
	"sync"

	"github.com/terraskye/streamstore"
)

// notification is one "event written" entry on the dispatch queue. The
// projected flag marks links written by the projection engine so they are
// never projected again.
type notification struct {
	record    *streamstore.RecordedEvent
	projected bool
}

// dispatcher is the single-consumer queue decoupling appenders from
// subscriber callbacks. Appenders enqueue under the store lock, preserving
// append order; one worker goroutine drains the queue and fans each record
// out to matching subscriptions in FIFO order.
type dispatcher struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending []notification
	subs    map[uint64]*subscription
	nextID  uint64
	stopped bool

	notify chan struct{}
	wg     sync.WaitGroup
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	return &dispatcher{
		logger: logger,
		subs:   make(map[uint64]*subscription),
		notify: make(chan struct{}, 1),
	}
}

func (d *dispatcher) start() {
	d.wg.Add(1)
	go d.run()
}

// enqueue appends notifications to the queue. Callers hold the store lock,
// so queue order matches commit order.
func (d *dispatcher) enqueue(records []*streamstore.RecordedEvent, projected bool) {
	if len(records) == 0 {
		return
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	for _, rec := range records {
		d.pending = append(d.pending, notification{record: rec, projected: projected})
	}
	d.mu.Unlock()

	d.signal()
}

func (d *dispatcher) add(s *subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	s.id = d.nextID
	d.subs[s.id] = s
}

func (d *dispatcher) remove(id uint64) {
	d.mu.Lock()
	delete(d.subs, id)
	d.mu.Unlock()
}

// stop drains the queue, stops the worker and drops all remaining
// subscriptions with DropReasonConnectionClosed.
func (d *dispatcher) stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	d.signal()
	d.wg.Wait()

	d.mu.Lock()
	remaining := make([]*subscription, 0, len(d.subs))
	for _, s := range d.subs {
		remaining = append(remaining, s)
	}
	d.subs = make(map[uint64]*subscription)
	d.mu.Unlock()

	for _, s := range remaining {
		s.drop(streamstore.DropReasonConnectionClosed, nil)
	}
}

func (d *dispatcher) signal() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		batch := d.pending
		d.pending = nil
		stopped := d.stopped
		d.mu.Unlock()

		if len(batch) == 0 {
			if stopped {
				return
			}
			<-d.notify
			continue
		}

		for _, n := range batch {
			d.fanout(n)
		}
	}
}

// fanout delivers one record to every matching subscription. Subscriptions
// are snapshotted so slow callbacks never block add/remove.
func (d *dispatcher) fanout(n notification) {
	d.mu.Lock()
	matching := make([]*subscription, 0, len(d.subs))
	for _, s := range d.subs {
		if s.matches(n.record) {
			matching = append(matching, s)
		}
	}
	d.mu.Unlock()

	for _, s := range matching {
		s.onLiveEvent(n.record)
	}
}
