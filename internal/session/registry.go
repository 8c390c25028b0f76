package session

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// State is the lifecycle state of a tracked agent session.
type State int

const (
	Starting State = iota
	Running
	Closed
)

var stateNames = map[State]string{
	Starting: "starting",
	Running:  "running",
	Closed:   "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// AgentInfo is the externally visible snapshot of one session. It is what
// the gateway announces to a newly connected subscriber.
type AgentInfo struct {
	AgentID    string    `json:"agent_id"`
	State      State     `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// entry is the registry's internal record for one agent.
type entry struct {
	info     AgentInfo
	seqs     [streamCount]uint64
	closedAt time.Time
	conns    int // open ingest paths currently carrying this agent
}

// Registry tracks known agents and their per-stream sequence counters.
// Pure bookkeeping: all methods are short critical sections under one mutex
// and never perform I/O.
type Registry struct {
	mu          sync.Mutex
	sessions    map[string]*entry
	idleTimeout time.Duration
	removeGrace time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// NewRegistry creates a registry whose sessions close after idleTimeout
// without traffic and are removed removeGrace after closing. The background
// sweep stops when Close is called.
func NewRegistry(idleTimeout, removeGrace time.Duration) *Registry {
	r := &Registry{
		sessions:    make(map[string]*entry),
		idleTimeout: idleTimeout,
		removeGrace: removeGrace,
		done:        make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Observe assigns the next sequence number for (agentID, stream), creating
// the session if it is not yet known. The first observation leaves the
// session in Starting; any later one promotes it to Running. Traffic for a
// Closed session that has not been swept yet reopens it; sequence counters
// survive the close, so Seq never restarts for a reused agent id.
func (r *Registry) Observe(agentID string, stream Stream) (seq uint64, created bool) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[agentID]
	if !ok {
		e = &entry{info: AgentInfo{
			AgentID:   agentID,
			State:     Starting,
			CreatedAt: now,
		}}
		r.sessions[agentID] = e
		created = true
	} else {
		switch e.info.State {
		case Starting:
			e.info.State = Running
		case Closed:
			// late traffic reopens the session; counters survived the
			// close so Seq keeps increasing
			e.info.State = Running
			e.closedAt = time.Time{}
		}
	}
	e.info.LastSeenAt = now
	e.seqs[stream]++
	return e.seqs[stream], created
}

// MarkClosed transitions the agent's session to Closed. Unknown agents are
// ignored. Idempotent.
func (r *Registry) MarkClosed(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[agentID]
	if !ok || e.info.State == Closed {
		return
	}
	e.info.State = Closed
	e.closedAt = time.Now()
}

// AttachConn records one more open ingest path carrying this agent. The
// session is created on first attach so that a producer which connects but
// has not yet emitted output is still visible in snapshots.
func (r *Registry) AttachConn(agentID string) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[agentID]
	if !ok {
		e = &entry{info: AgentInfo{
			AgentID:    agentID,
			State:      Starting,
			CreatedAt:  now,
			LastSeenAt: now,
		}}
		r.sessions[agentID] = e
	}
	e.conns++
}

// DetachConn records the close of one ingest path for this agent and
// reports whether it was the last one. Callers emit the synthetic
// lifecycle("closed") message only on a true return: with several ingest
// paths multiplexing the same agent, the last close wins.
func (r *Registry) DetachConn(agentID string) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[agentID]
	if !ok {
		return false
	}
	if e.conns > 0 {
		e.conns--
	}
	return e.conns == 0
}

// Snapshot returns the currently known sessions, oldest first. Closed
// sessions remain visible until the removal grace period expires so that a
// late subscriber still sees them once.
func (r *Registry) Snapshot() []AgentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]AgentInfo, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ActiveCount returns the number of sessions not yet Closed.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, e := range r.sessions {
		if e.info.State != Closed {
			count++
		}
	}
	return count
}

// Close stops the background sweep. Idempotent.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(time.Now())
		case <-r.done:
			return
		}
	}
}

const sweepInterval = time.Second

// sweep closes sessions idle past the timeout and removes sessions closed
// past the grace period. Sessions with open ingest paths never idle out;
// their liveness is the connection itself.
func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.sessions {
		switch {
		case e.info.State == Closed:
			if now.Sub(e.closedAt) >= r.removeGrace {
				delete(r.sessions, id)
			}
		case e.conns == 0 && now.Sub(e.info.LastSeenAt) >= r.idleTimeout:
			e.info.State = Closed
			e.closedAt = now
		}
	}
}
