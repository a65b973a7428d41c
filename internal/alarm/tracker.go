package alarm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Sampler reads one set of raw sensor values.
type Sampler interface {
	Sample(ctx context.Context) (Samples, error)
}

// Observer is notified of every emitted event.
type Observer interface {
	ObserveAlarm(ev Event)
}

// Config holds the classification and reporting settings.
type Config struct {
	Window       Window        `yaml:"window"`
	Debounce     int           `yaml:"debounce"`
	DedupWindow  time.Duration `yaml:"dedup_window"`
	SamplePeriod time.Duration `yaml:"sample_period"`
}

func DefaultConfig() Config {
	return Config{
		Window:       Window{Low: 1000, High: 1500},
		Debounce:     3,
		DedupWindow:  120 * time.Minute,
		SamplePeriod: 100 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Window.Low < 0 || c.Window.High > 4095 || c.Window.Low > c.Window.High {
		errs = append(errs, errors.New("alarm window must satisfy 0 <= low <= high <= 4095"))
	}
	if c.Debounce < 1 {
		errs = append(errs, errors.New("alarm debounce must be at least 1"))
	}
	if c.DedupWindow <= 0 {
		errs = append(errs, errors.New("alarm dedup window must be positive"))
	}
	if c.SamplePeriod <= 0 {
		errs = append(errs, errors.New("alarm sample period must be positive"))
	}
	return errors.Join(errs...)
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithClock(c clockwork.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(t *Tracker) { t.observer = o }
}

// Tracker classifies, debounces and deduplicates samples. Run publishes
// events on a single-slot channel where a newer event replaces one that has
// not been collected yet.
type Tracker struct {
	config   Config
	clock    clockwork.Clock
	logger   *zap.Logger
	observer Observer

	debouncer *Debouncer
	deduper   *Deduper
	events    chan Event

	mu      sync.RWMutex
	current Code
	ready   bool
}

// NewTracker returns a tracker that has seen no samples yet.
func NewTracker(config Config, opts ...Option) *Tracker {
	t := &Tracker{
		config:    config,
		clock:     clockwork.NewRealClock(),
		logger:    zap.NewNop(),
		debouncer: NewDebouncer(config.Debounce),
		deduper:   NewDeduper(config.DedupWindow),
		events:    make(chan Event, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(zap.String("component", "alarm"))
	return t
}

// Events is the channel Run publishes on.
func (t *Tracker) Events() <-chan Event {
	return t.events
}

// Current returns the latest debounced code. ok is false during warm-up.
func (t *Tracker) Current() (code Code, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current, t.ready
}

// Observe runs one sample through the pipeline and reports whether it
// produced an event.
func (t *Tracker) Observe(s Samples, now time.Time) (Event, bool) {
	stable, ready := t.debouncer.Observe(t.config.Window.Classify(s))
	if !ready {
		return Event{}, false
	}

	code := EncodeVector(stable)
	t.mu.Lock()
	t.current, t.ready = code, true
	t.mu.Unlock()

	if !t.deduper.Offer(code, now) {
		return Event{}, false
	}
	ev := Event{Code: code, At: now}
	if t.observer != nil {
		t.observer.ObserveAlarm(ev)
	}
	return ev, true
}

// Run samples every SamplePeriod until ctx is done. Sampler errors skip the
// tick.
func (t *Tracker) Run(ctx context.Context, sampler Sampler) error {
	ticker := t.clock.NewTicker(t.config.SamplePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}

		s, err := sampler.Sample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Warn("Sample failed", zap.Error(err))
			continue
		}

		ev, ok := t.Observe(s, t.clock.Now())
		if !ok {
			continue
		}
		t.logger.Info("Alarm event", zap.Stringer("code", ev.Code))
		t.publish(ev)
	}
}

func (t *Tracker) publish(ev Event) {
	for {
		select {
		case t.events <- ev:
			return
		default:
		}
		select {
		case stale := <-t.events:
			t.logger.Debug("Replacing undelivered event", zap.Stringer("code", stale.Code))
		default:
		}
	}
}
