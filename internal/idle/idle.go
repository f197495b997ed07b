// Package idle shuts a session down after it has had no clients for a
// while.
package idle

import (
	"sync"
	"time"
)

// State is the controller's lifecycle state.
type State int

const (
	// StateActive means at least one client is attached.
	StateActive State = iota
	// StateIdle means no client is attached and the timer may be running.
	StateIdle
	// StateShuttingDown is terminal.
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	default:
		return "shutting-down"
	}
}

// Timer is the part of *time.Timer the controller needs.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. The real clock is time.AfterFunc.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock, for tests.
func WithClock(c Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// Controller tracks attached clients. When the last one leaves it waits
// for the timeout and then calls onExpire, once. A zero timeout disables
// expiry.
type Controller struct {
	timeout  time.Duration
	onExpire func()
	clock    Clock

	mu      sync.Mutex
	state   State
	clients int
	timer   Timer
	gen     uint64
}

// New returns a controller in the idle state with its timer armed.
func New(timeout time.Duration, onExpire func(), opts ...Option) *Controller {
	c := &Controller{
		timeout:  timeout,
		onExpire: onExpire,
		clock:    realClock{},
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.mu.Lock()
	c.armLocked()
	c.mu.Unlock()
	return c
}

func (c *Controller) armLocked() {
	if c.timeout <= 0 {
		return
	}
	c.gen++
	gen := c.gen
	c.timer = c.clock.AfterFunc(c.timeout, func() { c.expire(gen) })
}

func (c *Controller) disarmLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) expire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateIdle {
		c.mu.Unlock()
		return
	}
	c.state = StateShuttingDown
	c.timer = nil
	c.mu.Unlock()

	if c.onExpire != nil {
		c.onExpire()
	}
}

// Connected records a new client. It returns false once shutting down.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateShuttingDown {
		return false
	}
	c.clients++
	if c.state == StateIdle {
		c.disarmLocked()
		c.state = StateActive
	}
	return true
}

// Disconnected records a client leaving.
func (c *Controller) Disconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clients > 0 {
		c.clients--
	}
	if c.clients == 0 && c.state == StateActive {
		c.state = StateIdle
		c.armLocked()
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Clients returns the number of attached clients.
func (c *Controller) Clients() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clients
}

// Stop moves to StateShuttingDown without calling onExpire. Used when the
// session ends for another reason.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disarmLocked()
	c.state = StateShuttingDown
}
