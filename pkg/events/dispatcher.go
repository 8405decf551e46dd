package events

import (
	"sync"

	"github.com/docket-ai/docket/pkg/models"
)

// subscriber is one live SSE client attached to a run. Its event channel is
// never closed; readers select on it together with their own context and
// stop at a terminal event.
type subscriber struct {
	ch   chan models.Event
	done chan struct{}
	once sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// Dispatcher fans live events out to per-run subscribers. Each subscriber
// owns a bounded queue; when it fills, Broadcast blocks rather than drops,
// applying backpressure to the producing run. A departing subscriber
// unblocks pending sends through its done channel.
type Dispatcher struct {
	mu      sync.RWMutex
	runs    map[string]map[*subscriber]bool
	buffer  int
	closed  bool
	closeCh chan struct{}
}

// NewDispatcher creates a dispatcher whose subscriber queues hold buffer
// events each.
func NewDispatcher(buffer int) *Dispatcher {
	if buffer < 1 {
		buffer = 1
	}
	return &Dispatcher{
		runs:    make(map[string]map[*subscriber]bool),
		buffer:  buffer,
		closeCh: make(chan struct{}),
	}
}

// Subscribe attaches a client to a run's live feed. The returned cancel
// function detaches the client; it is safe to call more than once. The
// channel is not closed on cancel — callers select on their own context.
func (d *Dispatcher) Subscribe(runID string) (<-chan models.Event, func()) {
	sub := &subscriber{
		ch:   make(chan models.Event, d.buffer),
		done: make(chan struct{}),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		sub.stop()
		return sub.ch, func() {}
	}
	subs, ok := d.runs[runID]
	if !ok {
		subs = make(map[*subscriber]bool)
		d.runs[runID] = subs
	}
	subs[sub] = true
	d.mu.Unlock()

	cancel := func() {
		sub.stop()
		d.mu.Lock()
		if subs, ok := d.runs[runID]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(d.runs, runID)
			}
		}
		d.mu.Unlock()
	}
	return sub.ch, cancel
}

// Broadcast delivers the event to every subscriber of its run. Sends block
// on full queues until the subscriber drains, leaves, or the dispatcher
// shuts down.
func (d *Dispatcher) Broadcast(e models.Event) {
	d.mu.RLock()
	subs := make([]*subscriber, 0, len(d.runs[e.RunID]))
	for sub := range d.runs[e.RunID] {
		subs = append(subs, sub)
	}
	d.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- e:
		case <-sub.done:
		case <-d.closeCh:
		}
	}
}

// SubscriberCount returns the number of clients attached to a run.
func (d *Dispatcher) SubscriberCount(runID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.runs[runID])
}

// Close releases all subscribers and unblocks any pending broadcasts.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.closeCh)
	for runID, subs := range d.runs {
		for sub := range subs {
			sub.stop()
		}
		delete(d.runs, runID)
	}
}
