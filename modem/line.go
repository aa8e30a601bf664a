package modem

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Line is a digital output driving one of the modem control inputs
// (power key or reset). gpio.PinOut satisfies it.
type Line interface {
	Out(l gpio.Level) error
}

// OpenLine looks up a GPIO by name (e.g. "GPIO18") and drives it low.
func OpenLine(name string) (Line, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init gpio host: %w", err)
	}

	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpio %s not found", name)
	}

	if err := p.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("drive %s low: %w", name, err)
	}
	return p, nil
}

// noLine is used when a board does not wire a control input.
type noLine struct{}

func (noLine) Out(gpio.Level) error { return nil }
