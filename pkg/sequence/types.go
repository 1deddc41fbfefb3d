package sequence

import (
	"time"

	"github.com/cryolab/deltarun/pkg/instrument"
)

// Phase of a whole run.
type Phase string

const (
	PhaseIdle      Phase = "Idle"
	PhaseRunning   Phase = "Running"
	PhaseCompleted Phase = "Completed"
	PhaseStopped   Phase = "Stopped"
	PhaseFaulted   Phase = "Faulted"
)

// Done reports whether p is terminal.
func (p Phase) Done() bool {
	return p == PhaseCompleted || p == PhaseStopped || p == PhaseFaulted
}

// StepPhase is where the current step is in its ramp, dwell, measure cycle.
type StepPhase string

const (
	StepPending   StepPhase = "Pending"
	StepRamping   StepPhase = "Ramping"
	StepDwelling  StepPhase = "Dwelling"
	StepMeasuring StepPhase = "Measuring"
	StepSettled   StepPhase = "Settled"
	StepFaulted   StepPhase = "Faulted"
)

// Progress is a snapshot of a run, safe to hand to other goroutines.
type Progress struct {
	ID        string                  `json:"id"`
	Phase     Phase                   `json:"phase"`
	StepPhase StepPhase               `json:"stepPhase"`
	StepIndex int                     `json:"stepIndex"`
	StepCount int                     `json:"stepCount"`
	Target    float64                 `json:"target"`
	StartedAt time.Time               `json:"startedAt"`
	Elapsed   time.Duration           `json:"elapsed"`
	Remaining time.Duration           `json:"remaining"`
	Samples   int                     `json:"samples"`
	Device    instrument.DeviceStatus `json:"device"`
	Error     string                  `json:"error,omitempty"`
}
