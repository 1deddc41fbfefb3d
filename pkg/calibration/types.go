package calibration

import "time"

// Phase of a calibration job as run by the daemon.
type Phase string

const (
	PhaseIdle         Phase = "Idle"
	PhaseSweeping     Phase = "Sweeping"
	PhaseScoring      Phase = "Scoring"
	PhaseDone         Phase = "Done"
	PhaseInconclusive Phase = "Inconclusive"
	PhaseError        Phase = "Error"
)

// Point is the averaged reading at one sweep voltage.
type Point struct {
	Setpoint         float64   `json:"setpoint"`         // V
	SourceVoltage    float64   `json:"sourceVoltage"`    // V
	SourceCurrent    float64   `json:"sourceCurrent"`    // A
	SampleVoltage    float64   `json:"sampleVoltage"`    // V
	SampleResistance float64   `json:"sampleResistance"` // Ohms
	ResistanceStdDev float64   `json:"resistanceStdDev"` // Ohms
	Time             time.Time `json:"time"`
}

// Weights of the merit terms.
type Weights struct {
	Nonlinearity float64 `json:"nonlinearity"`
	Noise        float64 `json:"noise"`
	Heating      float64 `json:"heating"`
}

// Params of a sweep.
type Params struct {
	VoltageMin      float64 `json:"voltageMin"`
	VoltageMax      float64 `json:"voltageMax"`
	StepMultiplier  float64 `json:"stepMultiplier"`
	SamplesPerPoint int     `json:"samplesPerPoint"`
	Weights         Weights `json:"weights"`
}

// Score is the merit of one point. The three terms are already normalized.
type Score struct {
	Point        Point   `json:"point"`
	Nonlinearity float64 `json:"nonlinearity"`
	Noise        float64 `json:"noise"`
	Heating      float64 `json:"heating"`
	Merit        float64 `json:"merit"`
}

// Recommendation is the chosen operating point.
type Recommendation struct {
	Voltage    float64 `json:"voltage"`    // |V| of the chosen sweep setting
	Current    float64 `json:"current"`    // A, positive
	Resistance float64 `json:"resistance"` // Ohms, mean of both branches
	Merit      float64 `json:"merit"`      // combined merit of both branches
}

// Result of a calibration. Recommendation is nil when inconclusive.
type Result struct {
	Points         []Point         `json:"points"`
	Positive       []Score         `json:"positive,omitempty"`
	Negative       []Score         `json:"negative,omitempty"`
	Recommendation *Recommendation `json:"recommendation,omitempty"`
}

// Status is the view model returned by the daemon's calibration endpoint.
type Status struct {
	Phase     Phase     `json:"phase"`
	Mode      string    `json:"mode"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	Params    Params    `json:"params"`
	Points    int       `json:"points"`
	Applied   bool      `json:"applied"`
	Message   string    `json:"message,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	LogFile   string    `json:"logFile,omitempty"`
	Result    *Result   `json:"result,omitempty"`
	// Spread is set instead of Result by a spread search.
	Spread *SpreadResult `json:"spread,omitempty"`
}
