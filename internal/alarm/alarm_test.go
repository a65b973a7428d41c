package alarm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i4.energy/across/alarmgw/internal/alarm"
)

var (
	quiet  = alarm.Samples{0, 0, 0}
	first  = alarm.Samples{1200, 0, 0}
	middle = alarm.Samples{0, 1000, 0}
)

func TestCode(t *testing.T) {
	t.Run("Round trips every vector", func(t *testing.T) {
		for mask := range 8 {
			v := alarm.Vector{mask&4 != 0, mask&2 != 0, mask&1 != 0}
			code := alarm.EncodeVector(v)

			parsed, err := alarm.ParseCode(code.String())
			require.NoError(t, err)
			assert.Equal(t, code, parsed)
			assert.Equal(t, v, parsed.Vector())
		}
	})

	t.Run("Channel order", func(t *testing.T) {
		assert.Equal(t, "100", alarm.EncodeVector(alarm.Vector{true, false, false}).String())
	})

	for _, s := range []string{"", "10", "1000", "102", "abc"} {
		t.Run("Rejects "+s, func(t *testing.T) {
			_, err := alarm.ParseCode(s)
			assert.ErrorIs(t, err, alarm.ErrInvalidCode)
		})
	}
}

func TestWindow(t *testing.T) {
	w := alarm.Window{Low: 1000, High: 1500}
	tests := []struct {
		v    int
		want bool
	}{
		{999, false},
		{1000, true},
		{1250, true},
		{1500, true},
		{1501, false},
		{4095, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, w.Contains(tt.v), "value %d", tt.v)
	}
	assert.Equal(t, alarm.Vector{false, true, true}, w.Classify(alarm.Samples{0, 1000, 1500}))

	v := w.Classify(alarm.Samples{1200, 50, 1600})
	assert.Equal(t, alarm.Vector{true, false, false}, v)
	assert.Equal(t, "100", alarm.EncodeVector(v).String())
}

func TestDebouncer(t *testing.T) {
	t.Run("Not ready before n observations", func(t *testing.T) {
		d := alarm.NewDebouncer(3)
		_, ready := d.Observe(alarm.Vector{})
		assert.False(t, ready)
		_, ready = d.Observe(alarm.Vector{})
		assert.False(t, ready)
		_, ready = d.Observe(alarm.Vector{})
		assert.True(t, ready)
	})

	t.Run("Flips after n identical readings", func(t *testing.T) {
		d := alarm.NewDebouncer(3)
		on := alarm.Vector{true, false, false}

		stable, _ := d.Observe(on)
		assert.Equal(t, alarm.Vector{}, stable)
		stable, _ = d.Observe(on)
		assert.Equal(t, alarm.Vector{}, stable)
		stable, _ = d.Observe(on)
		assert.Equal(t, on, stable)
	})

	t.Run("Interrupted run starts over", func(t *testing.T) {
		d := alarm.NewDebouncer(3)
		on := alarm.Vector{true, false, false}

		d.Observe(on)
		d.Observe(on)
		d.Observe(alarm.Vector{})
		stable, _ := d.Observe(on)
		assert.Equal(t, alarm.Vector{}, stable)
		d.Observe(on)
		stable, _ = d.Observe(on)
		assert.Equal(t, on, stable)
	})
}

func TestDeduper(t *testing.T) {
	start := time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC)
	d := alarm.NewDeduper(time.Hour)
	code, _ := alarm.ParseCode("100")
	other, _ := alarm.ParseCode("000")

	assert.True(t, d.Offer(code, start))
	assert.False(t, d.Offer(code, start.Add(time.Minute)))
	assert.True(t, d.Offer(other, start.Add(2*time.Minute)))
	assert.True(t, d.Offer(code, start.Add(3*time.Minute)))
	assert.False(t, d.Offer(code, start.Add(62*time.Minute)))
	assert.True(t, d.Offer(code, start.Add(63*time.Minute)))
}

type recorder struct {
	events []alarm.Event
}

func (r *recorder) ObserveAlarm(ev alarm.Event) {
	r.events = append(r.events, ev)
}

func TestTrackerObserve(t *testing.T) {
	start := time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC)
	config := alarm.DefaultConfig()

	t.Run("Warm-up then initial report", func(t *testing.T) {
		rec := &recorder{}
		tr := alarm.NewTracker(config, alarm.WithObserver(rec))

		_, ok := tr.Current()
		assert.False(t, ok)

		for i := range 2 {
			_, emitted := tr.Observe(quiet, start.Add(time.Duration(i)*time.Second))
			assert.False(t, emitted)
		}
		ev, emitted := tr.Observe(quiet, start.Add(2*time.Second))
		require.True(t, emitted)
		assert.Equal(t, "000", ev.Code.String())

		code, ok := tr.Current()
		assert.True(t, ok)
		assert.Equal(t, "000", code.String())
		assert.Len(t, rec.events, 1)
	})

	t.Run("Change is reported once", func(t *testing.T) {
		tr := alarm.NewTracker(config)
		now := start
		step := func(s alarm.Samples) (alarm.Event, bool) {
			now = now.Add(100 * time.Millisecond)
			return tr.Observe(s, now)
		}

		for range 3 {
			step(quiet)
		}
		_, emitted := step(first)
		assert.False(t, emitted)
		_, emitted = step(first)
		assert.False(t, emitted)
		ev, emitted := step(first)
		require.True(t, emitted)
		assert.Equal(t, "100", ev.Code.String())
		assert.Equal(t, now, ev.At)

		for range 10 {
			_, emitted = step(first)
			assert.False(t, emitted)
		}
	})

	t.Run("Noise is filtered", func(t *testing.T) {
		tr := alarm.NewTracker(config)
		now := start
		var count int
		for _, s := range []alarm.Samples{quiet, quiet, quiet, middle, quiet, middle, middle, quiet} {
			now = now.Add(100 * time.Millisecond)
			if _, ok := tr.Observe(s, now); ok {
				count++
			}
		}
		assert.Equal(t, 1, count)
		code, _ := tr.Current()
		assert.Equal(t, "000", code.String())
	})

	t.Run("Sustained code re-reports after the window", func(t *testing.T) {
		tr := alarm.NewTracker(config)
		for i := range 3 {
			tr.Observe(first, start.Add(time.Duration(i)*time.Second))
		}
		_, emitted := tr.Observe(first, start.Add(119*time.Minute))
		assert.False(t, emitted)
		ev, emitted := tr.Observe(first, start.Add(2*time.Second+120*time.Minute))
		require.True(t, emitted)
		assert.Equal(t, "100", ev.Code.String())
	})
}

type channelSampler struct {
	samples chan alarm.Samples
	err     error
}

func (s *channelSampler) Sample(ctx context.Context) (alarm.Samples, error) {
	if s.err != nil {
		return alarm.Samples{}, s.err
	}
	select {
	case v := <-s.samples:
		return v, nil
	case <-ctx.Done():
		return alarm.Samples{}, ctx.Err()
	}
}

func TestTrackerRun(t *testing.T) {
	t.Run("Publishes on the fake clock", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		config := alarm.DefaultConfig()
		tr := alarm.NewTracker(config, alarm.WithClock(clock))
		sampler := &channelSampler{samples: make(chan alarm.Samples)}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- tr.Run(ctx, sampler) }()

		clock.BlockUntil(1)
		for range 3 {
			clock.Advance(config.SamplePeriod)
			sampler.samples <- first
		}

		select {
		case ev := <-tr.Events():
			assert.Equal(t, "100", ev.Code.String())
			assert.Equal(t, clock.Now(), ev.At)
		case <-time.After(time.Second):
			t.Fatal("no event published")
		}

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})

	t.Run("Sampler errors are skipped", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		tr := alarm.NewTracker(alarm.DefaultConfig(), alarm.WithClock(clock))
		sampler := &channelSampler{err: errors.New("adc busy")}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- tr.Run(ctx, sampler) }()

		clock.BlockUntil(1)
		for range 5 {
			clock.Advance(100 * time.Millisecond)
		}
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
		_, ok := tr.Current()
		assert.False(t, ok)
	})
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, alarm.DefaultConfig().Validate())

	bad := alarm.DefaultConfig()
	bad.Window = alarm.Window{Low: 1500, High: 1000}
	bad.Debounce = 0
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "window")
	assert.Contains(t, err.Error(), "debounce")
}
