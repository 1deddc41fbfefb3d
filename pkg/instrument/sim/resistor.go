package sim

import (
	"math/rand/v2"
	"sync"

	"github.com/cryolab/deltarun/pkg/instrument"
)

// ResistorConfig describes the simulated four-probe sample.
type ResistorConfig struct {
	// Resistance at ReferenceTemperature, Ohms.
	Resistance float64 `json:"resistance"`
	// TempCoefficient is the linear relative change of resistance per K.
	TempCoefficient      float64 `json:"tempCoefficient"`
	ReferenceTemperature float64 `json:"referenceTemperature"`
	// Offset is a constant voltage added to every sense reading (thermal EMF).
	Offset float64 `json:"offset"`
	// Noise is the standard deviation of the sense reading noise, V.
	Noise float64 `json:"noise"`
	// LeadResistance is seen by the source but not by the sense probes.
	LeadResistance float64 `json:"leadResistance"`
	// Heating is the relative resistance increase per A^2 of sourced current.
	Heating float64 `json:"heating"`
	Seed    uint64  `json:"seed"`
}

// DefaultResistorConfig is a 100 Ohm platinum-like sample with a small offset.
func DefaultResistorConfig() ResistorConfig {
	return ResistorConfig{
		Resistance:           100,
		TempCoefficient:      0.00385,
		ReferenceTemperature: 273.15,
		Offset:               2e-6,
		Noise:                5e-8,
		LeadResistance:       5,
		Heating:              2e3,
		Seed:                 1,
	}
}

var _ instrument.ElectricalInstrument = &Resistor{}

// Resistor simulates a current source and nanovoltmeter wired to a sample.
type Resistor struct {
	mu          sync.Mutex
	cfg         ResistorConfig
	temperature func() float64
	rng         *rand.Rand

	mode    instrument.SourceMode
	current float64
	voltage float64
	output  bool
}

// NewResistor returns a simulated instrument. temperature reports the sample
// temperature and may be nil, in which case the reference temperature is used.
func NewResistor(cfg ResistorConfig, temperature func() float64) *Resistor {
	if temperature == nil {
		temperature = func() float64 { return cfg.ReferenceTemperature }
	}
	return &Resistor{
		cfg:         cfg,
		temperature: temperature,
		rng:         rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

func (r *Resistor) SetSourceMode(mode instrument.SourceMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = mode
	return nil
}

func (r *Resistor) SetSourceCurrent(amps float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = amps
	return nil
}

func (r *Resistor) SetSourceVoltage(volts float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voltage = volts
	return nil
}

func (r *Resistor) EnableOutput() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = true
	return nil
}

func (r *Resistor) DisableOutput() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = false
	return nil
}

func (r *Resistor) OutputEnabled() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.output, nil
}

func (r *Resistor) ReadSenseVoltage() (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, res := r.operatingPoint()
	return i*res + r.cfg.Offset + r.noise(), nil
}

func (r *Resistor) ReadSourceVoltageCurrent() (float64, float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, res := r.operatingPoint()
	if r.mode == instrument.SourceVoltage && r.output {
		return r.voltage, i, nil
	}
	return i * (res + r.cfg.LeadResistance), i, nil
}

func (r *Resistor) baseResistance() float64 {
	t := r.temperature()
	return r.cfg.Resistance * (1 + r.cfg.TempCoefficient*(t-r.cfg.ReferenceTemperature))
}

// operatingPoint returns the current through the sample and its resistance at
// that current.
func (r *Resistor) operatingPoint() (float64, float64) {
	if !r.output {
		return 0, r.baseResistance()
	}
	base := r.baseResistance()
	heated := func(i float64) float64 { return base * (1 + r.cfg.Heating*i*i) }

	if r.mode == instrument.SourceCurrent {
		return r.current, heated(r.current)
	}

	// Two fixed-point iterations are plenty for the heating terms we model.
	i := r.voltage / (base + r.cfg.LeadResistance)
	for k := 0; k < 2; k++ {
		i = r.voltage / (heated(i) + r.cfg.LeadResistance)
	}
	return i, heated(i)
}

func (r *Resistor) noise() float64 {
	if r.cfg.Noise == 0 {
		return 0
	}
	return r.rng.NormFloat64() * r.cfg.Noise
}

// Resistance reports the current zero-bias resistance of the sample.
func (r *Resistor) Resistance() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.baseResistance()
}
