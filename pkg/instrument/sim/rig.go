// Package sim provides a simulated sample and cryostat so the daemon and the
// tests can run without hardware.
package sim

import "time"

// NewRig wires a Resistor to a Cryostat so that the sample resistance follows
// the simulated temperature.
func NewRig(rc ResistorConfig, cc CryostatConfig, now func() time.Time) (*Resistor, *Cryostat) {
	cryo := NewCryostat(cc, now)
	return NewResistor(rc, cryo.Temperature), cryo
}
