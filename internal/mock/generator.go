// Package mock feeds the hub synthetic agent traffic so a dashboard can be
// developed without a live controller. Enabled with the -mock flag.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/stravinsky/mux/internal/hub"
	"github.com/stravinsky/mux/internal/session"
)

type mockAgent struct {
	id        string
	interval  time.Duration
	stderrPct int // percentage of lines emitted on stderr
	lifetime  int // ticks until the agent closes; 0 runs forever
	tick      int
	closed    bool
	lines     []string
}

var buildLines = []string{
	"reading project layout",
	"running test suite",
	"test suite passed",
	"editing internal/server/handler.go",
	"retrying flaky integration test",
	"checking diff against main",
	"writing migration plan",
}

type Generator struct {
	registry *session.Registry
	hub      *hub.Hub
	agents   []*mockAgent
}

func NewGenerator(registry *session.Registry, h *hub.Hub) *Generator {
	return &Generator{
		registry: registry,
		hub:      h,
		agents: []*mockAgent{
			{id: "mock-planner", interval: 400 * time.Millisecond, stderrPct: 5, lines: buildLines},
			{id: "mock-builder", interval: 150 * time.Millisecond, stderrPct: 20, lines: buildLines},
			{id: "mock-reviewer", interval: 900 * time.Millisecond, stderrPct: 0, lifetime: 25, lines: buildLines},
		},
	}
}

// Start emits traffic until ctx is canceled.
func (g *Generator) Start(ctx context.Context) {
	for _, a := range g.agents {
		go g.runAgent(ctx, a)
	}
}

func (g *Generator) runAgent(ctx context.Context, a *mockAgent) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.closed {
				continue
			}
			a.tick++
			if a.lifetime > 0 && a.tick > a.lifetime {
				g.emit(a.id, session.Lifecycle, session.KindClosed, session.KindClosed)
				g.registry.MarkClosed(a.id)
				a.closed = true
				continue
			}
			stream := session.Stdout
			if a.stderrPct > 0 && rand.Intn(100) < a.stderrPct {
				stream = session.Stderr
			}
			line := fmt.Sprintf("[tick %03d] %s", a.tick, a.lines[rand.Intn(len(a.lines))])
			g.emit(a.id, stream, "", line)
		}
	}
}

func (g *Generator) emit(agentID string, stream session.Stream, kind, payload string) {
	seq, _ := g.registry.Observe(agentID, stream)
	g.hub.Publish(session.Message{
		AgentID: agentID,
		Stream:  stream,
		Kind:    kind,
		Seq:     seq,
		Payload: payload,
		Ts:      time.Now(),
	})
}
