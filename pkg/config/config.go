package config

import (
	"time"

	"github.com/cryolab/deltarun/pkg/calibration"
	"github.com/cryolab/deltarun/pkg/sequence"
)

type Config interface {
	CurrentCeiling() float64
	VoltageCeiling() float64
	Current() float64
	TemperatureLimits() sequence.Limits
	PollInterval() time.Duration
	Repeats() int
	MeasurementOverhead() time.Duration
	LogDir() string
	Delimiter() rune
	ArchivePath() string
	Calibration() calibration.Params
	Stages() []sequence.Stage
	Simulate() bool
	Hardware() Hardware
	Simulation() Simulation
	Schedule() string
	AllowNonRootAccess() bool

	SetCurrent(float64) error
	SetStages([]sequence.Stage) error
	SetSchedule(string)
	SetAllowNonRootAccess(bool)

	// Validate checks the values that would otherwise fail at run time.
	Validate() error

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}
