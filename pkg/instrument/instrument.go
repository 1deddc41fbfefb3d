// Package instrument declares the two devices a measurement run talks to: an
// electrical source/meter pair and a thermal controller. Concrete drivers live
// in the sub-packages line (command tables over a serial line) and sim
// (simulated rig).
package instrument

// Phase is the thermal controller's own notion of what it is doing.
type Phase string

const (
	PhaseRamp  Phase = "Ramp"
	PhaseHold  Phase = "Hold"
	PhaseOther Phase = "Other"
)

// DeviceStatus is a snapshot of the thermal controller. It is re-read on
// every poll and never cached across steps.
type DeviceStatus struct {
	Phase               Phase   `json:"phase"`
	SampleTemperature   float64 `json:"sampleTemperature"`
	ActuatorTemperature float64 `json:"actuatorTemperature"`
	AlarmLevel          int     `json:"alarmLevel"`
	AlarmMessage        string  `json:"alarmMessage,omitempty"`
}

// ThermalController drives the cryostat. Rates are in K/min, temperatures in K.
type ThermalController interface {
	Ramp(rate, target float64) error
	Stop() error
	Status() (DeviceStatus, error)
}

// SourceMode selects what the electrical source regulates.
type SourceMode int

const (
	SourceCurrent SourceMode = iota
	SourceVoltage
)

func (m SourceMode) String() string {
	switch m {
	case SourceCurrent:
		return "current"
	case SourceVoltage:
		return "voltage"
	default:
		return "unknown"
	}
}

// ElectricalInstrument is the current source plus the sense voltmeter. All
// values are SI (A, V).
type ElectricalInstrument interface {
	SetSourceMode(mode SourceMode) error
	SetSourceCurrent(amps float64) error
	SetSourceVoltage(volts float64) error
	EnableOutput() error
	DisableOutput() error
	OutputEnabled() (bool, error)
	// ReadSenseVoltage reads the voltage across the inner sample probes.
	ReadSenseVoltage() (float64, error)
	// ReadSourceVoltageCurrent reads back what the source actually delivers.
	ReadSourceVoltageCurrent() (volts, amps float64, err error)
}
