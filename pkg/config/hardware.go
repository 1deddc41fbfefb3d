package config

import (
	"github.com/cryolab/deltarun/pkg/instrument/line"
	"github.com/cryolab/deltarun/pkg/instrument/sim"
	"github.com/cryolab/deltarun/pkg/transport"
)

// Hardware says where the real instruments are and how to talk to them.
type Hardware struct {
	// SourcePort is the serial device of the current/voltage source.
	SourcePort    string                `json:"sourcePort,omitempty"`
	SourceOptions transport.PortOptions `json:"sourceOptions"`
	// MeterPort is the voltmeter. Empty when the source also measures.
	MeterPort    string                  `json:"meterPort,omitempty"`
	MeterOptions transport.PortOptions   `json:"meterOptions"`
	Electrical   line.ElectricalCommands `json:"electrical"`

	ThermalPort    string                `json:"thermalPort,omitempty"`
	ThermalOptions transport.PortOptions `json:"thermalOptions"`
	Thermal        line.ThermalCommands  `json:"thermal"`
}

// Simulation configures the simulated rig used when simulate is set.
type Simulation struct {
	Resistor sim.ResistorConfig `json:"resistor"`
	Cryostat sim.CryostatConfig `json:"cryostat"`
}

func DefaultSimulation() Simulation {
	return Simulation{
		Resistor: sim.DefaultResistorConfig(),
		Cryostat: sim.DefaultCryostatConfig(),
	}
}
