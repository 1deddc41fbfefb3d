package measure

import "time"

// Sample is one completed delta-mode measurement. Temperatures are filled in by
// whoever knows them (the sequencer); the engine only measures.
type Sample struct {
	SampleTemperature   float64   `json:"sampleTemperature"`   // T_sample, K
	CryostatTemperature float64   `json:"cryostatTemperature"` // T_cryo, K
	CurrentSetpoint     float64   `json:"currentSetpoint"`     // A, after clamping
	SampleVoltage       float64   `json:"sampleVoltage"`       // V
	SampleResistance    float64   `json:"sampleResistance"`    // Ohms
	ResistanceStdDev    float64   `json:"resistanceStdDev"`    // Ohms
	SourceVoltage       float64   `json:"sourceVoltage"`       // V
	SourceCurrent       float64   `json:"sourceCurrent"`       // A
	SourceResistance    float64   `json:"sourceResistance"`    // Ohms
	Time                time.Time `json:"time"`
}
