package board

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"periph.io/x/conn/v3/gpio"
)

// PowerKey toggles the modem through its PWRKEY line. The key is active
// low: holding it low for the pulse switches the modem on or off.
type PowerKey struct {
	pin    gpio.PinOut
	pulse  time.Duration
	off    time.Duration
	settle time.Duration
	clock  clockwork.Clock
}

func NewPowerKey(pin gpio.PinOut, pulse, settle time.Duration, clock clockwork.Clock) *PowerKey {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PowerKey{pin: pin, pulse: pulse, off: 2 * time.Second, settle: settle, clock: clock}
}

// Cycle switches the modem off, then on, and waits for it to settle.
func (k *PowerKey) Cycle(ctx context.Context) error {
	if err := k.press(ctx); err != nil {
		return fmt.Errorf("power off: %w", err)
	}
	if err := k.sleep(ctx, k.off); err != nil {
		return err
	}
	if err := k.press(ctx); err != nil {
		return fmt.Errorf("power on: %w", err)
	}
	return k.sleep(ctx, k.settle)
}

func (k *PowerKey) press(ctx context.Context) error {
	if err := k.pin.Out(gpio.Low); err != nil {
		return err
	}
	err := k.sleep(ctx, k.pulse)
	if rerr := k.pin.Out(gpio.High); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

func (k *PowerKey) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-k.clock.After(d):
		return nil
	}
}
