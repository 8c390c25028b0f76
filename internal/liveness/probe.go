// Package liveness couples the multiplexer's lifetime to its parent
// controller. A Probe answers "is the liveness source still asserting
// presence?"; the Supervisor turns probe silence or a termination signal
// into the one-way Running → Draining → Stopped sequence.
package liveness

// Probe is one polled liveness source. Check returns nil while presence is
// asserted; the supervisor only reacts once failures persist past the
// heartbeat timeout.
type Probe interface {
	Name() string
	Check() error
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc struct {
	ProbeName string
	Fn        func() error
}

func (p ProbeFunc) Name() string { return p.ProbeName }
func (p ProbeFunc) Check() error { return p.Fn() }
