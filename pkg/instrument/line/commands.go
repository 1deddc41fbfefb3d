// Package line drives instruments over a line-oriented text protocol. The
// command syntax is not built in: every operation is a template taken from
// configuration, so one driver serves any source, meter or temperature
// controller that answers on a serial line.
package line

import (
	"fmt"
	"strings"
)

// ElectricalCommands is the command table of the source and the voltmeter.
// Templates take the numeric argument as their single verb, e.g. "SOUR:CURR %g".
type ElectricalCommands struct {
	CurrentMode string `json:"currentMode,omitempty" yaml:"currentMode,omitempty"`
	VoltageMode string `json:"voltageMode,omitempty" yaml:"voltageMode,omitempty"`
	SetCurrent  string `json:"setCurrent,omitempty" yaml:"setCurrent,omitempty"`
	SetVoltage  string `json:"setVoltage,omitempty" yaml:"setVoltage,omitempty"`
	OutputOn    string `json:"outputOn,omitempty" yaml:"outputOn,omitempty"`
	OutputOff   string `json:"outputOff,omitempty" yaml:"outputOff,omitempty"`
	// OutputQuery is answered with OutputOnReply when the output is enabled.
	OutputQuery   string `json:"outputQuery,omitempty" yaml:"outputQuery,omitempty"`
	OutputOnReply string `json:"outputOnReply,omitempty" yaml:"outputOnReply,omitempty"`
	// SenseQuery is sent to the voltmeter and answered with a single number.
	SenseQuery string `json:"senseQuery,omitempty" yaml:"senseQuery,omitempty"`
	// SourceQuery is answered with "U<SourceDelimiter>I".
	SourceQuery     string `json:"sourceQuery,omitempty" yaml:"sourceQuery,omitempty"`
	SourceDelimiter string `json:"sourceDelimiter,omitempty" yaml:"sourceDelimiter,omitempty"`
}

// DefaultElectricalCommands is a generic SCPI-style table.
func DefaultElectricalCommands() ElectricalCommands {
	return ElectricalCommands{
		CurrentMode:     "SOUR:FUNC CURR",
		VoltageMode:     "SOUR:FUNC VOLT",
		SetCurrent:      "SOUR:CURR %g",
		SetVoltage:      "SOUR:VOLT %g",
		OutputOn:        "OUTP ON",
		OutputOff:       "OUTP OFF",
		OutputQuery:     "OUTP?",
		OutputOnReply:   "1",
		SenseQuery:      "SENS:DATA:FRES?",
		SourceQuery:     "READ?",
		SourceDelimiter: ",",
	}
}

// WithDefaults fills every empty entry from DefaultElectricalCommands.
func (c ElectricalCommands) WithDefaults() ElectricalCommands {
	d := DefaultElectricalCommands()
	fill(&c.CurrentMode, d.CurrentMode)
	fill(&c.VoltageMode, d.VoltageMode)
	fill(&c.SetCurrent, d.SetCurrent)
	fill(&c.SetVoltage, d.SetVoltage)
	fill(&c.OutputOn, d.OutputOn)
	fill(&c.OutputOff, d.OutputOff)
	fill(&c.OutputQuery, d.OutputQuery)
	fill(&c.OutputOnReply, d.OutputOnReply)
	fill(&c.SenseQuery, d.SenseQuery)
	fill(&c.SourceQuery, d.SourceQuery)
	fill(&c.SourceDelimiter, d.SourceDelimiter)
	return c
}

// Validate checks that the setters carry exactly one verb.
func (c ElectricalCommands) Validate() error {
	for name, tmpl := range map[string]string{
		"setCurrent": c.SetCurrent,
		"setVoltage": c.SetVoltage,
	} {
		if err := checkVerbs(tmpl, 1); err != nil {
			return fmt.Errorf("electrical command %s: %w", name, err)
		}
	}
	return nil
}

// ThermalCommands is the command table of the temperature controller.
type ThermalCommands struct {
	// Ramp takes the rate (K/min) and the target (K), in that order. Use
	// explicit indexes ("%[2]g") if the device wants them reversed.
	Ramp  string `json:"ramp,omitempty" yaml:"ramp,omitempty"`
	Stop  string `json:"stop,omitempty" yaml:"stop,omitempty"`
	Query string `json:"query,omitempty" yaml:"query,omitempty"`

	// The status reply is split by Delimiter; the fields below are indexes
	// into the result. A negative index means the device does not report it.
	Delimiter         string `json:"delimiter,omitempty" yaml:"delimiter,omitempty"`
	PhaseField        int    `json:"phaseField" yaml:"phaseField"`
	SampleField       int    `json:"sampleField" yaml:"sampleField"`
	ActuatorField     int    `json:"actuatorField" yaml:"actuatorField"`
	AlarmLevelField   int    `json:"alarmLevelField" yaml:"alarmLevelField"`
	AlarmMessageField int    `json:"alarmMessageField" yaml:"alarmMessageField"`
	RampToken         string `json:"rampToken,omitempty" yaml:"rampToken,omitempty"`
	HoldToken         string `json:"holdToken,omitempty" yaml:"holdToken,omitempty"`
}

// DefaultThermalCommands answers "phase,sample,actuator,alarm,message".
func DefaultThermalCommands() ThermalCommands {
	return ThermalCommands{
		Ramp:              "RAMP %g,%g",
		Stop:              "STOP",
		Query:             "STAT?",
		Delimiter:         ",",
		PhaseField:        0,
		SampleField:       1,
		ActuatorField:     2,
		AlarmLevelField:   3,
		AlarmMessageField: 4,
		RampToken:         "RAMP",
		HoldToken:         "HOLD",
	}
}

// WithDefaults fills empty command strings. Field indexes are taken as given
// unless the whole table is empty.
func (c ThermalCommands) WithDefaults() ThermalCommands {
	d := DefaultThermalCommands()
	if c == (ThermalCommands{}) {
		return d
	}
	fill(&c.Ramp, d.Ramp)
	fill(&c.Stop, d.Stop)
	fill(&c.Query, d.Query)
	fill(&c.Delimiter, d.Delimiter)
	fill(&c.RampToken, d.RampToken)
	fill(&c.HoldToken, d.HoldToken)
	return c
}

func (c ThermalCommands) Validate() error {
	if err := checkVerbs(c.Ramp, 2); err != nil {
		return fmt.Errorf("thermal command ramp: %w", err)
	}
	if c.PhaseField < 0 || c.SampleField < 0 {
		return fmt.Errorf("thermal status: phase and sample fields are required")
	}
	return nil
}

func fill(s *string, def string) {
	if strings.TrimSpace(*s) == "" {
		*s = def
	}
}

// checkVerbs formats tmpl with n arguments and rejects missing or extra verbs.
func checkVerbs(tmpl string, n int) error {
	args := make([]any, n)
	for i := range args {
		args[i] = 1.5
	}
	out := fmt.Sprintf(tmpl, args...)
	if strings.Contains(out, "%!") {
		return fmt.Errorf("template %q does not take %d numeric argument(s)", tmpl, n)
	}
	return nil
}
