package board

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/gpio"

	"i4.energy/across/alarmgw/internal/relay"
)

// Relays drives one GPIO per relay output.
type Relays struct {
	pins      [relay.Outputs]gpio.PinOut
	activeLow bool
}

func NewRelays(pins []gpio.PinOut, activeLow bool) (*Relays, error) {
	if len(pins) != relay.Outputs {
		return nil, fmt.Errorf("expected %d relay pins, got %d", relay.Outputs, len(pins))
	}
	r := &Relays{activeLow: activeLow}
	for i, p := range pins {
		if p == nil {
			return nil, fmt.Errorf("relay pin %d is nil", i)
		}
		r.pins[i] = p
	}
	return r, nil
}

// Apply writes every output. All pins are attempted even when one fails.
func (r *Relays) Apply(s relay.State) error {
	var errs []error
	for i, p := range r.pins {
		if err := p.Out(r.level(s[i])); err != nil {
			errs = append(errs, fmt.Errorf("relay %d (%s): %w", i, p, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Relays) level(on bool) gpio.Level {
	if r.activeLow {
		return gpio.Level(!on)
	}
	return gpio.Level(on)
}
