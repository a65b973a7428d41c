package modem

//go:generate go tool mockgen -destination=mock_transport.go -package=modem . Transport,Dialer,PowerCycler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Transport represents an established, bidirectional byte stream to a GSM modem.
//
// A Transport is assumed to be already connected and ready for use. Typical
// implementations include serial ports, pseudo-terminals attached to a
// simulator, or in-memory fakes used for testing.
type Transport interface {
	io.ReadWriteCloser
}

// Dialer opens a Transport to a GSM modem.
//
// Dialer abstracts how the modem connection is created. It is used during
// construction and again by Reconnect after a transport fault.
type Dialer interface {
	// Dial is responsible for creating and returning a connected Transport. It may
	// perform blocking operations and should respect cancellation and deadlines
	// provided by the context.
	Dial(ctx context.Context) (Transport, error)
}

// PowerCycler toggles the modem supply or power key. Cycle returns once the
// modem has had time to boot.
type PowerCycler interface {
	Cycle(ctx context.Context) error
}

// DefaultSerialMode is 115200 baud 8N1, the factory setting of SIM800 modules.
var DefaultSerialMode = serial.Mode{
	BaudRate: 115200,
	Parity:   serial.NoParity,
	DataBits: 8,
	StopBits: serial.OneStopBit,
}

// SerialDialer opens a modem over a serial port.
type SerialDialer struct {
	PortName string
	// Mode defaults to DefaultSerialMode when nil.
	Mode *serial.Mode
	// ReadTimeout makes reads return periodically so that initialization
	// can honour its deadline. Zero selects one second.
	ReadTimeout time.Duration
}

func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if ctx == nil {
		return nil, errors.New("modem: context is nil")
	}
	if d.PortName == "" {
		return nil, errors.New("modem: serial port name is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := d.Mode
	if mode == nil {
		m := DefaultSerialMode
		mode = &m
	}

	port, err := serial.Open(d.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", d.PortName, err)
	}

	timeout := d.ReadTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", d.PortName, err)
	}
	return port, nil
}
