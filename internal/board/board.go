// Package board binds the gateway to the host hardware: relay outputs, the
// modem power key and the sensor ADC.
package board

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Init loads the host drivers. Call it once before looking up pins.
func Init() error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to init periph: %w", err)
	}
	return nil
}

// Pin looks up a GPIO by name, e.g. "GPIO23".
func Pin(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("failed to find pin %s", name)
	}
	return p, nil
}
