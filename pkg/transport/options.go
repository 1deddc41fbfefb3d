package transport

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
)

// PortOptions are the serial line settings of one instrument.
type PortOptions struct {
	BaudRate int    `json:"baudRate,omitempty" yaml:"baudRate,omitempty"`
	DataBits int    `json:"dataBits,omitempty" yaml:"dataBits,omitempty"`
	StopBits int    `json:"stopBits,omitempty" yaml:"stopBits,omitempty"`
	Parity   string `json:"parity,omitempty" yaml:"parity,omitempty"`
	// ReadTimeoutMS bounds the wait for a complete reply line.
	ReadTimeoutMS int `json:"readTimeoutMs,omitempty" yaml:"readTimeoutMs,omitempty"`
	// Terminator ends every command and reply. Defaults to "\n".
	Terminator string `json:"terminator,omitempty" yaml:"terminator,omitempty"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = 9600
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	switch parity {
	case "", "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}
	opts.Parity = parity

	if opts.ReadTimeoutMS < 0 {
		return opts, fmt.Errorf("invalid read timeout %d ms", opts.ReadTimeoutMS)
	}
	if opts.ReadTimeoutMS == 0 {
		opts.ReadTimeoutMS = 2000
	}
	if opts.Terminator == "" {
		opts.Terminator = "\n"
	}
	return opts, nil
}

func (o PortOptions) ReadTimeout() time.Duration {
	return time.Duration(o.ReadTimeoutMS) * time.Millisecond
}

// SerialMode converts the options into the serial.Mode used to open a port.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}
