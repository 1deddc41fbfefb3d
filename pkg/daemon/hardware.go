package daemon

import (
	"errors"
	"io"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cryolab/deltarun/pkg/config"
	"github.com/cryolab/deltarun/pkg/instrument"
	"github.com/cryolab/deltarun/pkg/instrument/line"
	"github.com/cryolab/deltarun/pkg/instrument/sim"
	"github.com/cryolab/deltarun/pkg/transport"
)

// Rig is the pair of instruments the daemon drives. Only one worker uses it
// at a time.
type Rig struct {
	Electrical instrument.ElectricalInstrument
	Thermal    instrument.ThermalController
	Simulated  bool

	closers []io.Closer
}

// NewSimulatedRig builds a rig from the simulated resistor and cryostat,
// advancing with now.
func NewSimulatedRig(s config.Simulation, now func() time.Time) *Rig {
	res, cryo := sim.NewRig(s.Resistor, s.Cryostat, now)
	return &Rig{Electrical: res, Thermal: cryo, Simulated: true}
}

// OpenRig opens the instruments named in the configuration.
func OpenRig(conf config.Config, now func() time.Time) (*Rig, error) {
	if conf.Simulate() {
		logrus.Info("using simulated instruments")
		return NewSimulatedRig(conf.Simulation(), now), nil
	}

	hw := conf.Hardware()
	rig := &Rig{}
	open := func(path string, opts transport.PortOptions) (*transport.Line, error) {
		l, err := transport.Open(path, opts)
		if err != nil {
			return nil, err
		}
		rig.closers = append(rig.closers, l)
		return l, nil
	}

	source, err := open(hw.SourcePort, hw.SourceOptions)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to open source port")
	}
	var meter line.Conn
	if hw.MeterPort != "" {
		l, err := open(hw.MeterPort, hw.MeterOptions)
		if err != nil {
			_ = rig.Close()
			return nil, pkgerrors.Wrap(err, "failed to open meter port")
		}
		meter = l
	}
	thermalConn, err := open(hw.ThermalPort, hw.ThermalOptions)
	if err != nil {
		_ = rig.Close()
		return nil, pkgerrors.Wrap(err, "failed to open thermal controller port")
	}

	if rig.Electrical, err = line.NewElectrical(source, meter, hw.Electrical); err != nil {
		_ = rig.Close()
		return nil, err
	}
	if rig.Thermal, err = line.NewThermal(thermalConn, hw.Thermal); err != nil {
		_ = rig.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"source":  hw.SourcePort,
		"meter":   hw.MeterPort,
		"thermal": hw.ThermalPort,
	}).Info("instruments opened")
	return rig, nil
}

// Close closes the serial lines of the rig.
func (r *Rig) Close() error {
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c.Close())
	}
	r.closers = nil
	return errors.Join(errs...)
}
