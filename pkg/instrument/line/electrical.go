package line

import (
	"fmt"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/cryolab/deltarun/pkg/instrument"
)

// Conn is a command/reply channel to one device, usually a *transport.Line.
type Conn interface {
	Write(cmd string) error
	Query(cmd string) (string, error)
}

var _ instrument.ElectricalInstrument = &Electrical{}

// Electrical is a current/voltage source plus a voltmeter. Both may share a
// Conn when one device does both.
type Electrical struct {
	source Conn
	meter  Conn
	cmds   ElectricalCommands
}

// NewElectrical returns a driver. meter may be nil, in which case sense
// queries go to source.
func NewElectrical(source, meter Conn, cmds ElectricalCommands) (*Electrical, error) {
	cmds = cmds.WithDefaults()
	if err := cmds.Validate(); err != nil {
		return nil, err
	}
	if meter == nil {
		meter = source
	}
	return &Electrical{source: source, meter: meter, cmds: cmds}, nil
}

func (e *Electrical) SetSourceMode(mode instrument.SourceMode) error {
	switch mode {
	case instrument.SourceCurrent:
		return e.source.Write(e.cmds.CurrentMode)
	case instrument.SourceVoltage:
		return e.source.Write(e.cmds.VoltageMode)
	}
	return pkgerrors.Errorf("unknown source mode %d", mode)
}

func (e *Electrical) SetSourceCurrent(amps float64) error {
	return e.source.Write(fmt.Sprintf(e.cmds.SetCurrent, amps))
}

func (e *Electrical) SetSourceVoltage(volts float64) error {
	return e.source.Write(fmt.Sprintf(e.cmds.SetVoltage, volts))
}

func (e *Electrical) EnableOutput() error {
	return e.source.Write(e.cmds.OutputOn)
}

func (e *Electrical) DisableOutput() error {
	return e.source.Write(e.cmds.OutputOff)
}

func (e *Electrical) OutputEnabled() (bool, error) {
	reply, err := e.source.Query(e.cmds.OutputQuery)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(reply) == e.cmds.OutputOnReply, nil
}

func (e *Electrical) ReadSenseVoltage() (float64, error) {
	reply, err := e.meter.Query(e.cmds.SenseQuery)
	if err != nil {
		return 0, err
	}
	return parseFloat(reply)
}

func (e *Electrical) ReadSourceVoltageCurrent() (float64, float64, error) {
	reply, err := e.source.Query(e.cmds.SourceQuery)
	if err != nil {
		return 0, 0, err
	}
	u, i, ok := strings.Cut(reply, e.cmds.SourceDelimiter)
	if !ok {
		return 0, 0, pkgerrors.Errorf("source reply %q is not a voltage,current pair", reply)
	}
	// some sources append more readings; only the first two count
	i, _, _ = strings.Cut(i, e.cmds.SourceDelimiter)

	volts, err := parseFloat(u)
	if err != nil {
		return 0, 0, err
	}
	amps, err := parseFloat(i)
	if err != nil {
		return 0, 0, err
	}
	return volts, amps, nil
}

func parseFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "unexpected reply %q", s)
	}
	return f, nil
}
