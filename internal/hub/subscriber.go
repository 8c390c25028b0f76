package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/stravinsky/mux/internal/session"
)

// Subscriber is one connected consumer's view of the hub: a bounded queue
// the hub fills and the gateway's pump drains. No other component touches
// the queue.
type Subscriber struct {
	ID          string
	ConnectedAt time.Time

	// filter restricts delivery to one agent id; empty receives all traffic.
	filter string

	mu     sync.Mutex // guards closed and the eviction path of enqueue
	closed bool
	queue  chan session.Message

	dropped atomic.Uint64
}

func newSubscriber(filter string, capacity int) *Subscriber {
	if capacity < 1 {
		capacity = 1
	}
	return &Subscriber{
		ID:          uuid.NewString(),
		ConnectedAt: time.Now(),
		filter:      filter,
		queue:       make(chan session.Message, capacity),
	}
}

// Messages is the outbound queue. It is closed exactly once, by the hub,
// when the subscriber is unregistered or the hub shuts down.
func (s *Subscriber) Messages() <-chan session.Message {
	return s.queue
}

// Dropped returns the running count of messages evicted from this
// subscriber's queue.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscriber) wants(m session.Message) bool {
	return s.filter == "" || s.filter == m.AgentID
}

// enqueue attempts a non-blocking delivery. When the queue is full the
// oldest queued message is evicted to make room (ring-buffer semantics) and
// the drop counter advances. Never blocks on the consumer.
func (s *Subscriber) enqueue(m session.Message) (evicted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.queue <- m:
		return false
	default:
	}

	// Full. The hub is the only sender, so after evicting one slot the
	// retry can only race the consumer draining, which also makes room.
	select {
	case <-s.queue:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.queue <- m:
	default:
		s.dropped.Add(1)
	}
	return true
}

// close closes the queue exactly once. Runs under the same mutex as
// enqueue so an in-flight delivery can never hit a closed channel.
func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.queue)
	}
}
