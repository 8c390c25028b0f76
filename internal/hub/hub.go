// Package hub implements the fan-out engine between ingest connections and
// subscribers. One run loop owns message distribution; producers publish
// through a buffered channel and are never throttled by subscriber speed.
package hub

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stravinsky/mux/internal/session"
)

const (
	// DefaultQueueCapacity bounds each subscriber's outbound queue.
	DefaultQueueCapacity = 256
	// DefaultPublishBuffer bounds the internal multi-producer queue feeding
	// the run loop.
	DefaultPublishBuffer = 1024
)

// dropLogInterval throttles overflow logging under sustained backpressure.
const dropLogInterval = 10 * time.Second

type Hub struct {
	queueCap int

	mu   sync.Mutex // guards subs; never held across fan-out sends
	subs map[string]*Subscriber

	publishCh chan session.Message
	done      chan struct{}
	stopOnce  sync.Once
	loopDone  chan struct{}

	published      atomic.Uint64
	publishDropped atomic.Uint64
	lastDropLog    atomic.Int64 // unix nanos of last overflow log line
}

// New creates a hub and starts its run loop. queueCap bounds each
// subscriber queue, publishBuffer the shared intake queue; zero or negative
// values select the defaults.
func New(queueCap, publishBuffer int) *Hub {
	if queueCap <= 0 {
		queueCap = DefaultQueueCapacity
	}
	if publishBuffer <= 0 {
		publishBuffer = DefaultPublishBuffer
	}
	h := &Hub{
		queueCap:  queueCap,
		subs:      make(map[string]*Subscriber),
		publishCh: make(chan session.Message, publishBuffer),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	go h.run()
	return h
}

// Publish hands a message to the run loop. Never blocks: if the intake
// queue is full the message is counted as dropped and logged at most once
// per interval. After shutdown it is a no-op.
func (h *Hub) Publish(m session.Message) {
	select {
	case <-h.done:
		return
	default:
	}

	select {
	case h.publishCh <- m:
		h.published.Add(1)
	default:
		h.publishDropped.Add(1)
		now := time.Now().UnixNano()
		last := h.lastDropLog.Load()
		if now-last > int64(dropLogInterval) && h.lastDropLog.CompareAndSwap(last, now) {
			log.Printf("hub: intake queue full, %d messages dropped so far", h.publishDropped.Load())
		}
	}
}

// Subscribe registers a consumer, optionally filtered to a single agent id.
// After shutdown the returned subscriber has an already-closed queue, so
// pumps built on range terminate immediately.
func (h *Hub) Subscribe(filter string) *Subscriber {
	sub := newSubscriber(filter, h.queueCap)

	select {
	case <-h.done:
		sub.close()
		return sub
	default:
	}

	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()

	// Re-check: a shutdown racing this registration may have swapped the
	// map out already, in which case nobody else will close the queue.
	select {
	case <-h.done:
		h.Unsubscribe(sub)
	default:
	}
	return sub
}

// Unsubscribe removes the subscriber and closes its queue. Idempotent and
// safe to call concurrently with an in-flight publish: the queue close is
// serialized with enqueue on the subscriber's own mutex.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	delete(h.subs, sub.ID)
	h.mu.Unlock()

	// close is serialized with enqueue and guarded against repeats, so
	// this is safe even when the subscriber was never (or is no longer)
	// in the map.
	sub.close()
}

// SubscriberCount returns the number of registered subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Stats is a point-in-time snapshot of hub counters for the /api/stats
// endpoint.
type Stats struct {
	Subscribers   int    `json:"subscribers"`
	Published     uint64 `json:"published"`
	IntakeDropped uint64 `json:"intake_dropped"`
	QueueDropped  uint64 `json:"queue_dropped"`
	QueueCapacity int    `json:"queue_capacity"`
}

func (h *Hub) Snapshot() Stats {
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	var queueDropped uint64
	for _, s := range subs {
		queueDropped += s.Dropped()
	}
	return Stats{
		Subscribers:   len(subs),
		Published:     h.published.Load(),
		IntakeDropped: h.publishDropped.Load(),
		QueueDropped:  queueDropped,
		QueueCapacity: h.queueCap,
	}
}

// Shutdown broadcasts one final lifecycle("shutdown") message to every
// subscriber, then unregisters them all and stops the run loop. One-way and
// idempotent. Subscriber queues are closed, so pumps drain whatever is
// still buffered and exit.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		close(h.done)
		<-h.loopDone

		final := session.Message{
			Stream: session.Lifecycle,
			Kind:   session.KindShutdown,
			Ts:     time.Now(),
		}

		h.mu.Lock()
		subs := make([]*Subscriber, 0, len(h.subs))
		for _, s := range h.subs {
			subs = append(subs, s)
		}
		h.subs = make(map[string]*Subscriber)
		h.mu.Unlock()

		for _, s := range subs {
			s.enqueue(final)
			s.close()
		}
	})
}

func (h *Hub) run() {
	defer close(h.loopDone)
	var intakeSeen uint64
	for {
		select {
		case m := <-h.publishCh:
			// Intake overflow drops messages before any queue sees them;
			// surface the discontinuity to every consumer before resuming
			// normal fan-out.
			if d := h.publishDropped.Load(); d != intakeSeen {
				intakeSeen = d
				h.fanOutGap(d)
			}
			h.fanOut(m)
		case <-h.done:
			return
		}
	}
}

// fanOutGap broadcasts a gap marker to every subscriber, filtered or not:
// an intake drop may have lost traffic for any agent. The marker carries
// the running intake-drop total.
func (h *Hub) fanOutGap(dropped uint64) {
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	gap := session.Message{
		Stream:       session.Lifecycle,
		Kind:         session.KindGap,
		Ts:           time.Now(),
		DroppedCount: dropped,
	}
	for _, s := range subs {
		s.enqueue(gap)
	}
}

// fanOut delivers one message to every matching subscriber. The subscriber
// set is snapshotted under the mutex; the sends happen outside it.
func (h *Hub) fanOut(m session.Message) {
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		h.deliver(s, m)
	}
}

// deliver enqueues to one subscriber, converting an overflow into a
// best-effort gap marker. A panic anywhere in this path unsubscribes that
// one subscriber and never takes down the loop.
func (h *Hub) deliver(s *Subscriber, m session.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("hub: delivery fault for subscriber %s: %v", s.ID, r)
			h.Unsubscribe(s)
		}
	}()

	if !s.wants(m) {
		return
	}
	if evicted := s.enqueue(m); evicted {
		// The marker takes a ring slot like any other message, so a later
		// burst can evict it again; only the newest marker matters since
		// each carries the running total.
		s.enqueue(session.Message{
			AgentID:      m.AgentID,
			Stream:       session.Lifecycle,
			Kind:         session.KindGap,
			Ts:           time.Now(),
			DroppedCount: s.Dropped(),
		})
	}
}
