package session

import (
	"testing"
	"time"
)

// newTestRegistry builds a registry without the background sweep so tests
// can drive sweep() with explicit times.
func newTestRegistry(idle, grace time.Duration) *Registry {
	return &Registry{
		sessions:    make(map[string]*entry),
		idleTimeout: idle,
		removeGrace: grace,
		done:        make(chan struct{}),
	}
}

func TestObserve_SequencesPerStream(t *testing.T) {
	r := newTestRegistry(time.Minute, time.Minute)

	seq, created := r.Observe("a1", Stdout)
	if seq != 1 || !created {
		t.Fatalf("first observe: got seq=%d created=%v, want 1 true", seq, created)
	}

	// Counters are independent per stream.
	if seq, _ := r.Observe("a1", Stderr); seq != 1 {
		t.Errorf("stderr counter should start at 1, got %d", seq)
	}
	if seq, _ := r.Observe("a1", Stdout); seq != 2 {
		t.Errorf("stdout counter should advance to 2, got %d", seq)
	}

	// And independent per agent.
	if seq, created := r.Observe("a2", Stdout); seq != 1 || !created {
		t.Errorf("new agent: got seq=%d created=%v, want 1 true", seq, created)
	}
}

func TestObserve_StateTransitions(t *testing.T) {
	r := newTestRegistry(time.Minute, time.Minute)

	r.Observe("a1", Stdout)
	if got := r.Snapshot()[0].State; got != Starting {
		t.Fatalf("after first observe: state %v, want starting", got)
	}

	r.Observe("a1", Stdout)
	if got := r.Snapshot()[0].State; got != Running {
		t.Fatalf("after second observe: state %v, want running", got)
	}

	r.MarkClosed("a1")
	if got := r.Snapshot()[0].State; got != Closed {
		t.Fatalf("after MarkClosed: state %v, want closed", got)
	}

	// Late traffic before the sweep reopens the session and the sequence
	// counter keeps increasing.
	seq, created := r.Observe("a1", Stdout)
	if created {
		t.Error("reopen should not report a created session")
	}
	if seq != 3 {
		t.Errorf("reopened seq = %d, want 3 (counter survives close)", seq)
	}
	if got := r.Snapshot()[0].State; got != Running {
		t.Errorf("reopened state %v, want running", got)
	}
}

func TestMarkClosed_UnknownAgentIsNoop(t *testing.T) {
	r := newTestRegistry(time.Minute, time.Minute)
	r.MarkClosed("ghost")
	if n := len(r.Snapshot()); n != 0 {
		t.Fatalf("MarkClosed must not create sessions, got %d", n)
	}
}

func TestDetachConn_LastPathWins(t *testing.T) {
	r := newTestRegistry(time.Minute, time.Minute)

	// Two ingest paths carry the same agent.
	r.AttachConn("a1")
	r.AttachConn("a1")

	if last := r.DetachConn("a1"); last {
		t.Fatal("first detach with a second path open must not be last")
	}
	if last := r.DetachConn("a1"); !last {
		t.Fatal("second detach should be last")
	}

	// Detaching an unknown agent never claims to be last.
	if last := r.DetachConn("ghost"); last {
		t.Fatal("unknown agent detach reported last")
	}
}

func TestSweep_IdleAndGrace(t *testing.T) {
	r := newTestRegistry(5*time.Minute, 30*time.Second)

	r.Observe("idle", Stdout)
	r.Observe("busy", Stdout)

	base := time.Now()
	r.mu.Lock()
	r.sessions["idle"].info.LastSeenAt = base.Add(-6 * time.Minute)
	r.sessions["busy"].info.LastSeenAt = base
	r.mu.Unlock()

	r.sweep(base)

	states := map[string]State{}
	for _, info := range r.Snapshot() {
		states[info.AgentID] = info.State
	}
	if states["idle"] != Closed {
		t.Errorf("idle session state %v, want closed", states["idle"])
	}
	if states["busy"] != Running && states["busy"] != Starting {
		t.Errorf("busy session unexpectedly closed: %v", states["busy"])
	}

	// A closed session survives the grace period, then is removed.
	r.sweep(base.Add(10 * time.Second))
	if _, ok := findAgent(r.Snapshot(), "idle"); !ok {
		t.Fatal("closed session removed before grace period expired")
	}
	r.sweep(base.Add(31 * time.Second))
	if _, ok := findAgent(r.Snapshot(), "idle"); ok {
		t.Fatal("closed session not removed after grace period")
	}
}

func TestSweep_OpenConnPreventsIdleClose(t *testing.T) {
	r := newTestRegistry(5*time.Minute, 30*time.Second)

	r.AttachConn("quiet")
	r.mu.Lock()
	r.sessions["quiet"].info.LastSeenAt = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	r.sweep(time.Now())

	info, ok := findAgent(r.Snapshot(), "quiet")
	if !ok {
		t.Fatal("session with open ingest path was removed")
	}
	if info.State == Closed {
		t.Fatal("session with open ingest path idled out")
	}
}

func TestSnapshot_OrderedByCreation(t *testing.T) {
	r := newTestRegistry(time.Minute, time.Minute)

	r.Observe("b", Stdout)
	r.mu.Lock()
	r.sessions["b"].info.CreatedAt = time.Unix(200, 0)
	r.mu.Unlock()

	r.Observe("a", Stdout)
	r.mu.Lock()
	r.sessions["a"].info.CreatedAt = time.Unix(100, 0)
	r.mu.Unlock()

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].AgentID != "a" || snap[1].AgentID != "b" {
		t.Fatalf("snapshot order wrong: %+v", snap)
	}
}

func TestActiveCount(t *testing.T) {
	r := newTestRegistry(time.Minute, time.Minute)

	r.Observe("a1", Stdout)
	r.Observe("a2", Stdout)
	r.MarkClosed("a2")

	if got := r.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount = %d, want 1", got)
	}
}

func findAgent(infos []AgentInfo, id string) (AgentInfo, bool) {
	for _, info := range infos {
		if info.AgentID == id {
			return info, true
		}
	}
	return AgentInfo{}, false
}
