package relay

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SafeForcer is the controller's priority path.
type SafeForcer interface {
	ForceSafe()
}

// Watchdog forces the safe state when no contact has been confirmed for
// Bound. It trips once per silence and re-arms when contact moves on.
type Watchdog struct {
	options
	contact *Contact
	target  SafeForcer
	bound   time.Duration
	period  time.Duration

	trippedFor time.Time
}

func NewWatchdog(config Config, contact *Contact, target SafeForcer, opts ...Option) *Watchdog {
	w := &Watchdog{
		options: buildOptions(opts),
		contact: contact,
		target:  target,
		bound:   config.Bound,
		period:  config.CheckPeriod,
	}
	w.logger = w.logger.With(zap.String("component", "watchdog"))
	return w
}

// Check reports whether this call tripped the watchdog. Not safe for
// concurrent use.
func (w *Watchdog) Check(now time.Time) bool {
	last := w.contact.Last()
	if now.Sub(last) < w.bound || w.trippedFor.Equal(last) {
		return false
	}
	w.trippedFor = last
	w.logger.Warn("No contact within bound, forcing relays off",
		zap.Time("last_contact", last),
		zap.Duration("bound", w.bound))
	w.target.ForceSafe()
	if w.observer != nil {
		w.observer.ObserveWatchdogTrip()
	}
	return true
}

func (w *Watchdog) Run(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			w.Check(w.clock.Now())
		}
	}
}
