package line

import (
	"fmt"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/cryolab/deltarun/pkg/instrument"
)

var _ instrument.ThermalController = &Thermal{}

// Thermal is a temperature controller with a status query.
type Thermal struct {
	conn Conn
	cmds ThermalCommands
}

func NewThermal(conn Conn, cmds ThermalCommands) (*Thermal, error) {
	cmds = cmds.WithDefaults()
	if err := cmds.Validate(); err != nil {
		return nil, err
	}
	return &Thermal{conn: conn, cmds: cmds}, nil
}

func (t *Thermal) Ramp(rate, target float64) error {
	return t.conn.Write(fmt.Sprintf(t.cmds.Ramp, rate, target))
}

func (t *Thermal) Stop() error {
	return t.conn.Write(t.cmds.Stop)
}

func (t *Thermal) Status() (instrument.DeviceStatus, error) {
	reply, err := t.conn.Query(t.cmds.Query)
	if err != nil {
		return instrument.DeviceStatus{}, err
	}
	return t.parseStatus(reply)
}

func (t *Thermal) parseStatus(reply string) (instrument.DeviceStatus, error) {
	fields := strings.Split(reply, t.cmds.Delimiter)
	field := func(i int) (string, bool) {
		if i < 0 || i >= len(fields) {
			return "", false
		}
		return strings.TrimSpace(fields[i]), true
	}
	number := func(i int, name string) (float64, error) {
		s, ok := field(i)
		if !ok {
			return 0, pkgerrors.Errorf("status %q has no %s field %d", reply, name, i)
		}
		return parseFloat(s)
	}

	var st instrument.DeviceStatus
	phase, ok := field(t.cmds.PhaseField)
	if !ok {
		return st, pkgerrors.Errorf("status %q has no phase field %d", reply, t.cmds.PhaseField)
	}
	switch {
	case strings.EqualFold(phase, t.cmds.RampToken):
		st.Phase = instrument.PhaseRamp
	case strings.EqualFold(phase, t.cmds.HoldToken):
		st.Phase = instrument.PhaseHold
	default:
		st.Phase = instrument.PhaseOther
	}

	var err error
	if st.SampleTemperature, err = number(t.cmds.SampleField, "sample temperature"); err != nil {
		return st, err
	}
	if t.cmds.ActuatorField >= 0 {
		if st.ActuatorTemperature, err = number(t.cmds.ActuatorField, "actuator temperature"); err != nil {
			return st, err
		}
	}
	if t.cmds.AlarmLevelField >= 0 {
		s, ok := field(t.cmds.AlarmLevelField)
		if !ok {
			return st, pkgerrors.Errorf("status %q has no alarm field %d", reply, t.cmds.AlarmLevelField)
		}
		if st.AlarmLevel, err = strconv.Atoi(s); err != nil {
			return st, pkgerrors.Wrapf(err, "unexpected alarm level %q", s)
		}
		if st.AlarmLevel < 0 || st.AlarmLevel > 4 {
			return st, pkgerrors.Errorf("alarm level %d out of range 0..4", st.AlarmLevel)
		}
	}
	if msg, ok := field(t.cmds.AlarmMessageField); ok {
		st.AlarmMessage = msg
	}
	return st, nil
}
