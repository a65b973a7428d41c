// Package relay owns the three relay outputs and the contact watchdog that
// forces them off when the remote side has been silent for too long.
package relay

import (
	"errors"
	"sync/atomic"
	"time"
)

// Outputs is the number of relay outputs on the board.
const Outputs = 3

// State is the desired level of each output, output 0 first.
type State [Outputs]bool

// Safe is the state the watchdog forces.
var Safe = State{}

// ErrStopped is returned by Controller.Request once Run has returned.
var ErrStopped = errors.New("relay controller stopped")

// Driver writes every output. It returns only after all outputs carry the
// new state.
type Driver interface {
	Apply(s State) error
}

// Observer is told about every applied state and every watchdog trip.
type Observer interface {
	ObserveRelay(s State)
	ObserveWatchdogTrip()
}

// Mask packs s into bits 0..2.
func (s State) Mask() uint32 {
	var m uint32
	for i, on := range s {
		if on {
			m |= 1 << i
		}
	}
	return m
}

// StateFromMask is the inverse of State.Mask. Bits above 2 are ignored.
func StateFromMask(m uint32) State {
	var s State
	for i := range s {
		s[i] = m&(1<<i) != 0
	}
	return s
}

// String renders s as one digit per output, for example "101".
func (s State) String() string {
	b := make([]byte, Outputs)
	for i, on := range s {
		b[i] = '0'
		if on {
			b[i] = '1'
		}
	}
	return string(b)
}

// Contact is the time of the last confirmed exchange with the remote side.
// It only moves forward.
type Contact struct {
	last atomic.Int64
}

// NewContact starts the contact clock at now, usually the boot time.
func NewContact(now time.Time) *Contact {
	c := &Contact{}
	c.last.Store(now.UnixNano())
	return c
}

// Touch records a contact at t. Older times are ignored.
func (c *Contact) Touch(t time.Time) {
	n := t.UnixNano()
	for {
		cur := c.last.Load()
		if n <= cur || c.last.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (c *Contact) Last() time.Time {
	return time.Unix(0, c.last.Load())
}

// Config holds the controller and watchdog settings.
type Config struct {
	// Bound is the longest silence tolerated before the outputs are forced off.
	Bound time.Duration `yaml:"watchdog_bound"`
	// CheckPeriod is how often the watchdog compares the contact age to Bound.
	CheckPeriod time.Duration `yaml:"watchdog_period"`
	// QueueDepth bounds the inbound requests waiting for the controller.
	QueueDepth int `yaml:"queue_depth"`
	// RetryDelay spaces out retries of a failed driver write.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// DefaultConfig returns the 4h30m watchdog bound checked every 30s.
func DefaultConfig() Config {
	return Config{
		Bound:       4*time.Hour + 30*time.Minute,
		CheckPeriod: 30 * time.Second,
		QueueDepth:  4,
		RetryDelay:  time.Second,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Bound <= 0 {
		errs = append(errs, errors.New("relay watchdog bound must be positive"))
	}
	if c.CheckPeriod <= 0 || c.CheckPeriod > c.Bound {
		errs = append(errs, errors.New("relay watchdog period must be positive and not exceed the bound"))
	}
	if c.QueueDepth < 1 {
		errs = append(errs, errors.New("relay queue depth must be at least 1"))
	}
	if c.RetryDelay <= 0 {
		errs = append(errs, errors.New("relay retry delay must be positive"))
	}
	return errors.Join(errs...)
}
