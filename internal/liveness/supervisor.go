package liveness

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// State of the supervisor. Transitions are one-way: Running → Draining →
// Stopped, never back.
type State int32

const (
	Running State = iota
	Draining
	Stopped
)

var stateNames = map[State]string{
	Running:  "running",
	Draining: "draining",
	Stopped:  "stopped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Exit codes returned by Run.
const (
	ExitClean  = 0
	ExitForced = 2
)

type phase struct {
	name string
	stop func(context.Context) error
}

// Supervisor watches the liveness probe and the OS termination signals and
// drives an ordered drain of the registered phases when either fires.
type Supervisor struct {
	probe            Probe // nil: react to signals only
	pollInterval     time.Duration
	heartbeatTimeout time.Duration
	grace            time.Duration

	phases []phase
	once   sync.Once
	state  atomic.Int32
}

func NewSupervisor(probe Probe, pollInterval, heartbeatTimeout, grace time.Duration) *Supervisor {
	return &Supervisor{
		probe:            probe,
		pollInterval:     pollInterval,
		heartbeatTimeout: heartbeatTimeout,
		grace:            grace,
	}
}

// Add registers a shutdown phase. Phases run in registration order during
// the drain, each bounded by what remains of the grace period.
func (s *Supervisor) Add(name string, stop func(context.Context) error) {
	if stop == nil {
		return
	}
	s.phases = append(s.phases, phase{name: name, stop: stop})
}

func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Run blocks until a termination signal arrives, the probe stays silent
// past the heartbeat timeout, or ctx is canceled, then drains and returns
// the process exit code.
func (s *Supervisor) Run(ctx context.Context) int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	lastAssert := time.Now()
	for {
		select {
		case sig := <-sigCh:
			return s.drain(fmt.Sprintf("received %s", sig))
		case <-ctx.Done():
			return s.drain("context canceled")
		case <-ticker.C:
			if s.probe == nil {
				continue
			}
			if err := s.probe.Check(); err != nil {
				if time.Since(lastAssert) > s.heartbeatTimeout {
					return s.drain(fmt.Sprintf("%s probe silent past %v: %v",
						s.probe.Name(), s.heartbeatTimeout, err))
				}
			} else {
				lastAssert = time.Now()
			}
		}
	}
}

// drain runs the shutdown phases exactly once under the grace deadline.
// Returns ExitClean when every phase completed, ExitForced when a phase
// failed or had to be abandoned at the deadline.
func (s *Supervisor) drain(reason string) int {
	code := ExitClean
	s.once.Do(func() {
		s.state.Store(int32(Draining))
		log.Printf("liveness: draining: %s", reason)

		ctx, cancel := context.WithTimeout(context.Background(), s.grace)
		defer cancel()

		for _, ph := range s.phases {
			if err := runPhase(ctx, ph); err != nil {
				log.Printf("liveness: phase %s: %v", ph.name, err)
				code = ExitForced
			}
		}

		s.state.Store(int32(Stopped))
		log.Printf("liveness: stopped")
	})
	return code
}

// runPhase bounds one phase by the drain context even if the phase itself
// ignores cancellation. An abandoned phase goroutine is tolerable; the
// process exits immediately after the drain.
func runPhase(ctx context.Context, ph phase) error {
	done := make(chan error, 1)
	go func() {
		done <- ph.stop(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("abandoned at drain deadline: %w", ctx.Err())
	}
}
