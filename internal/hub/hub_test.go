package hub

import (
	"sync"
	"testing"
	"time"

	"github.com/stravinsky/mux/internal/session"
)

func msg(agent string, stream session.Stream, seq uint64) session.Message {
	return session.Message{AgentID: agent, Stream: stream, Seq: seq, Ts: time.Now()}
}

// recv reads one message from the subscriber or fails the test.
func recv(t *testing.T, sub *Subscriber) session.Message {
	t.Helper()
	select {
	case m, ok := <-sub.Messages():
		if !ok {
			t.Fatal("subscriber queue closed unexpectedly")
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return session.Message{}
}

// drainUntilClosed consumes the queue until close and returns everything read.
func drainUntilClosed(t *testing.T, sub *Subscriber) []session.Message {
	t.Helper()
	var out []session.Message
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m, ok := <-sub.Messages():
			if !ok {
				return out
			}
			out = append(out, m)
		case <-deadline:
			t.Fatal("queue never closed")
		}
	}
}

func TestPublish_DeliversInOrder(t *testing.T) {
	h := New(64, 64)
	defer h.Shutdown()

	sub := h.Subscribe("")
	defer h.Unsubscribe(sub)

	for i := uint64(1); i <= 5; i++ {
		h.Publish(msg("a1", session.Stdout, i))
	}

	for want := uint64(1); want <= 5; want++ {
		m := recv(t, sub)
		if m.Seq != want {
			t.Fatalf("out of order: got seq %d, want %d", m.Seq, want)
		}
	}
}

func TestSubscribe_FilterRestrictsToOneAgent(t *testing.T) {
	h := New(64, 64)
	defer h.Shutdown()

	filtered := h.Subscribe("a2")
	all := h.Subscribe("")
	defer h.Unsubscribe(filtered)
	defer h.Unsubscribe(all)

	h.Publish(msg("a1", session.Stdout, 1))
	h.Publish(msg("a2", session.Stdout, 1))

	if m := recv(t, filtered); m.AgentID != "a2" {
		t.Fatalf("filtered subscriber got agent %q, want a2", m.AgentID)
	}
	if m := recv(t, all); m.AgentID != "a1" {
		t.Fatalf("unfiltered subscriber got agent %q first, want a1", m.AgentID)
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	h := New(64, 64)
	defer h.Shutdown()

	sub := h.Subscribe("")

	h.Unsubscribe(sub)
	h.Unsubscribe(sub) // second call must be a no-op
	h.Unsubscribe(nil)

	if n := h.SubscriberCount(); n != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", n)
	}

	// The queue is closed exactly once; ranging over it terminates.
	if got := drainUntilClosed(t, sub); len(got) != 0 {
		t.Fatalf("unexpected messages after unsubscribe: %d", len(got))
	}
}

func TestUnsubscribe_ConcurrentWithPublish(t *testing.T) {
	h := New(8, 4096)
	defer h.Shutdown()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		sub := h.Subscribe("")
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := uint64(1); j <= 200; j++ {
				h.Publish(msg("a1", session.Stdout, j))
			}
		}()
		go func() {
			defer wg.Done()
			h.Unsubscribe(sub)
			h.Unsubscribe(sub)
		}()
	}
	wg.Wait()

	if n := h.SubscriberCount(); n != 0 {
		t.Fatalf("SubscriberCount = %d after concurrent unsubscribe, want 0", n)
	}
}

func TestLateSubscriber_NoReplay(t *testing.T) {
	h := New(64, 64)
	defer h.Shutdown()

	early := h.Subscribe("")
	for i := uint64(1); i <= 3; i++ {
		h.Publish(msg("a1", session.Stdout, i))
	}
	// Wait until the run loop has processed 1-3 before subscribing late.
	for i := 0; i < 3; i++ {
		recv(t, early)
	}

	late := h.Subscribe("")
	defer h.Unsubscribe(late)
	defer h.Unsubscribe(early)

	h.Publish(msg("a1", session.Stdout, 4))
	h.Publish(msg("a1", session.Stdout, 5))

	if m := recv(t, late); m.Seq != 4 {
		t.Fatalf("late subscriber got seq %d first, want 4 (no replay)", m.Seq)
	}
	if m := recv(t, late); m.Seq != 5 {
		t.Fatalf("late subscriber got seq %d, want 5", m.Seq)
	}
}

func TestOverflow_RingEvictionAndGapMarker(t *testing.T) {
	const queueCap = 16
	h := New(queueCap, 32768)
	defer h.Shutdown()

	stalled := h.Subscribe("") // never reads
	reader := h.Subscribe("sentinel")
	defer h.Unsubscribe(stalled)
	defer h.Unsubscribe(reader)

	start := time.Now()
	for i := uint64(1); i <= 10000; i++ {
		h.Publish(msg("a1", session.Stdout, i))
	}
	publishElapsed := time.Since(start)

	// Fan-out is per-message across all subscribers, so once the reader
	// sees the sentinel the stalled subscriber's deliveries are done.
	h.Publish(msg("sentinel", session.Stdout, 1))
	recv(t, reader)

	if publishElapsed > 5*time.Second {
		t.Fatalf("publish stalled on a dead subscriber: %v", publishElapsed)
	}

	if n := len(stalled.queue); n > queueCap {
		t.Fatalf("queue grew past capacity: %d > %d", n, queueCap)
	}
	if d := stalled.Dropped(); d == 0 {
		t.Fatal("expected a nonzero drop count for the stalled subscriber")
	}

	// The queue must contain at least one gap marker with a running total.
	h.Unsubscribe(stalled)
	var sawGap bool
	for _, m := range drainUntilClosed(t, stalled) {
		if m.Stream == session.Lifecycle && m.Kind == session.KindGap {
			if m.DroppedCount == 0 {
				t.Fatal("gap marker with zero dropped_count")
			}
			sawGap = true
		}
	}
	if !sawGap {
		t.Fatal("no gap marker found in overflowed queue")
	}
}

func TestIntakeOverflow_GapMarkerReachesSubscribers(t *testing.T) {
	h := New(64, 2)
	defer h.Shutdown()

	sub := h.Subscribe("")
	filtered := h.Subscribe("a1")
	defer h.Unsubscribe(sub)
	defer h.Unsubscribe(filtered)

	// Wedge the run loop inside its subscriber-set snapshot so the intake
	// channel fills deterministically.
	h.mu.Lock()
	h.Publish(msg("a1", session.Stdout, 1))
	deadline := time.Now().Add(2 * time.Second)
	for len(h.publishCh) > 0 {
		if time.Now().After(deadline) {
			h.mu.Unlock()
			t.Fatal("run loop never picked up the first message")
		}
		time.Sleep(time.Millisecond)
	}

	// Intake capacity is 2: the fourth publish here has nowhere to go.
	for i := uint64(2); i <= 5; i++ {
		h.Publish(msg("a1", session.Stdout, i))
	}
	if d := h.publishDropped.Load(); d == 0 {
		h.mu.Unlock()
		t.Fatal("expected an intake drop with the loop wedged")
	}
	h.mu.Unlock()

	// Both the unfiltered and the filtered subscriber must see the surviving
	// messages in order plus a gap marker carrying the intake-drop total;
	// the marker must not be screened out by an agent filter.
	for _, s := range []*Subscriber{sub, filtered} {
		var seqs []uint64
		var sawGap bool
		for len(seqs) == 0 || seqs[len(seqs)-1] != 3 {
			m := recv(t, s)
			if m.Kind == session.KindGap {
				if m.DroppedCount == 0 {
					t.Fatal("intake gap marker with zero dropped_count")
				}
				sawGap = true
				continue
			}
			seqs = append(seqs, m.Seq)
		}
		for i, seq := range seqs {
			if seq != uint64(i+1) {
				t.Fatalf("surviving messages out of order: %v", seqs)
			}
		}
		if !sawGap {
			t.Fatal("intake drop produced no gap marker")
		}
	}
}

func TestOverflow_OrderStillIncreasing(t *testing.T) {
	h := New(8, 32768)
	defer h.Shutdown()

	stalled := h.Subscribe("")
	reader := h.Subscribe("sentinel")
	defer h.Unsubscribe(reader)

	for i := uint64(1); i <= 1000; i++ {
		h.Publish(msg("a1", session.Stdout, i))
	}
	h.Publish(msg("sentinel", session.Stdout, 1))
	recv(t, reader)

	h.Unsubscribe(stalled)
	var last uint64
	for _, m := range drainUntilClosed(t, stalled) {
		if m.Kind == session.KindGap {
			continue
		}
		if m.Seq <= last {
			t.Fatalf("eviction broke ordering: seq %d after %d", m.Seq, last)
		}
		last = m.Seq
	}
}

func TestShutdown_FinalMessageAndClosedQueues(t *testing.T) {
	h := New(64, 64)

	subs := []*Subscriber{h.Subscribe(""), h.Subscribe("a1")}

	h.Shutdown()
	h.Shutdown() // idempotent

	for i, sub := range subs {
		got := drainUntilClosed(t, sub)
		if len(got) == 0 {
			t.Fatalf("subscriber %d received no shutdown message", i)
		}
		final := got[len(got)-1]
		if final.Stream != session.Lifecycle || final.Kind != session.KindShutdown {
			t.Fatalf("subscriber %d final message = %+v, want lifecycle shutdown", i, final)
		}
	}

	// Publishing or subscribing after shutdown must not block or panic.
	h.Publish(msg("a1", session.Stdout, 99))
	late := h.Subscribe("")
	if got := drainUntilClosed(t, late); len(got) != 0 {
		t.Fatalf("post-shutdown subscriber received %d messages", len(got))
	}
}

func TestSnapshotStats(t *testing.T) {
	h := New(4, 64)
	defer h.Shutdown()

	sub := h.Subscribe("")
	defer h.Unsubscribe(sub)

	h.Publish(msg("a1", session.Stdout, 1))
	recv(t, sub)

	stats := h.Snapshot()
	if stats.Subscribers != 1 {
		t.Errorf("Subscribers = %d, want 1", stats.Subscribers)
	}
	if stats.Published != 1 {
		t.Errorf("Published = %d, want 1", stats.Published)
	}
	if stats.QueueCapacity != 4 {
		t.Errorf("QueueCapacity = %d, want 4", stats.QueueCapacity)
	}
}
