package relay

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Option configures a Controller or a Watchdog.
type Option func(*options)

type options struct {
	clock    clockwork.Clock
	logger   *zap.Logger
	observer Observer
}

// WithClock replaces the real clock, for tests.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

func buildOptions(opts []Option) options {
	o := options{clock: clockwork.NewRealClock(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Controller is the only writer of the relay outputs. Inbound requests are
// served in order; a force-safe always wins over requests queued before it.
type Controller struct {
	options
	driver  Driver
	contact *Contact
	retry   time.Duration

	requests chan State
	force    chan struct{}
	done     chan struct{}
	state    atomic.Uint32
}

// NewController returns a controller for driver. Nothing is written until
// Run starts, which applies Safe first.
func NewController(config Config, driver Driver, contact *Contact, opts ...Option) *Controller {
	c := &Controller{
		options:  buildOptions(opts),
		driver:   driver,
		contact:  contact,
		retry:    config.RetryDelay,
		requests: make(chan State, config.QueueDepth),
		force:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	c.logger = c.logger.With(zap.String("component", "relay"))
	return c
}

// State returns the last state fully written to the outputs.
func (c *Controller) State() State {
	return StateFromMask(c.state.Load())
}

// Request queues an inbound command.
func (c *Controller) Request(ctx context.Context, s State) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.requests <- s:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceSafe never blocks. Repeated calls before Run serves the first one
// collapse into one.
func (c *Controller) ForceSafe() {
	select {
	case c.force <- struct{}{}:
	default:
	}
}

// Run applies the safe state, then serves requests until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)

	var retry <-chan time.Time
	if !c.apply(Safe) {
		retry = c.clock.After(c.retry)
	}

	for {
		select {
		case <-c.force:
			retry = c.forceSafe()
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-retry:
			retry = c.forceSafe()
		case <-c.force:
			retry = c.forceSafe()
		case s := <-c.requests:
			select {
			case <-c.force:
				c.logger.Info("Dropping request superseded by force-safe", zap.Stringer("state", s))
				retry = c.forceSafe()
				continue
			default:
			}
			if c.apply(s) {
				c.contact.Touch(c.clock.Now())
			}
		}
	}
}

// forceSafe discards queued requests and writes the safe state. It returns a
// retry timer when the write failed.
func (c *Controller) forceSafe() <-chan time.Time {
	stale := 0
	for {
		select {
		case <-c.requests:
			stale++
			continue
		default:
		}
		break
	}
	if stale > 0 {
		c.logger.Info("Discarded stale relay requests", zap.Int("count", stale))
	}
	if !c.apply(Safe) {
		return c.clock.After(c.retry)
	}
	return nil
}

func (c *Controller) apply(s State) bool {
	if err := c.driver.Apply(s); err != nil {
		c.logger.Error("Failed to apply relay state", zap.Stringer("state", s), zap.Error(err))
		return false
	}
	c.state.Store(s.Mask())
	c.logger.Info("Relay state applied", zap.Stringer("state", s))
	if c.observer != nil {
		c.observer.ObserveRelay(s)
	}
	return true
}
