package line

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryolab/deltarun/pkg/instrument"
)

type fakeConn struct {
	writes  []string
	queries []string
	replies map[string]string
	err     error
}

func (c *fakeConn) Write(cmd string) error {
	c.writes = append(c.writes, cmd)
	return c.err
}

func (c *fakeConn) Query(cmd string) (string, error) {
	c.queries = append(c.queries, cmd)
	if c.err != nil {
		return "", c.err
	}
	return c.replies[cmd], nil
}

func TestElectricalCommands(t *testing.T) {
	src := &fakeConn{replies: map[string]string{
		"OUTP?": "1\r",
		"READ?": "+1.000000E-02,+1.000000E-04,+9.9E37",
	}}
	meter := &fakeConn{replies: map[string]string{"SENS:DATA:FRES?": " -4.75E-03 "}}

	e, err := NewElectrical(src, meter, ElectricalCommands{SetCurrent: "I %.6e"})
	require.NoError(t, err)

	require.NoError(t, e.SetSourceMode(instrument.SourceVoltage))
	require.NoError(t, e.SetSourceMode(instrument.SourceCurrent))
	require.NoError(t, e.SetSourceCurrent(-1e-4))
	require.NoError(t, e.SetSourceVoltage(0.5))
	require.NoError(t, e.EnableOutput())
	require.NoError(t, e.DisableOutput())
	assert.Error(t, e.SetSourceMode(instrument.SourceMode(7)))
	assert.Equal(t, []string{
		"SOUR:FUNC VOLT", "SOUR:FUNC CURR", "I -1.000000e-04", "SOUR:VOLT 0.5", "OUTP ON", "OUTP OFF",
	}, src.writes)

	on, err := e.OutputEnabled()
	require.NoError(t, err)
	assert.True(t, on)

	v, err := e.ReadSenseVoltage()
	require.NoError(t, err)
	assert.Equal(t, -4.75e-3, v)
	assert.Equal(t, []string{"SENS:DATA:FRES?"}, meter.queries)

	u, i, err := e.ReadSourceVoltageCurrent()
	require.NoError(t, err)
	assert.Equal(t, 1e-2, u)
	assert.Equal(t, 1e-4, i)
}

func TestElectricalSharedConn(t *testing.T) {
	c := &fakeConn{replies: map[string]string{"SENS:DATA:FRES?": "1e-3", "READ?": "garbage"}}
	e, err := NewElectrical(c, nil, ElectricalCommands{})
	require.NoError(t, err)

	v, err := e.ReadSenseVoltage()
	require.NoError(t, err)
	assert.Equal(t, 1e-3, v)

	_, _, err = e.ReadSourceVoltageCurrent()
	assert.Error(t, err)

	c.err = errors.New("bus error")
	_, err = e.OutputEnabled()
	assert.ErrorContains(t, err, "bus error")
}

func TestElectricalRejectsBadTemplates(t *testing.T) {
	_, err := NewElectrical(&fakeConn{}, nil, ElectricalCommands{SetVoltage: "VOLT"})
	assert.Error(t, err)
	_, err = NewElectrical(&fakeConn{}, nil, ElectricalCommands{SetCurrent: "CURR %g %g"})
	assert.Error(t, err)
}

func TestThermalStatus(t *testing.T) {
	tests := []struct {
		name  string
		cmds  ThermalCommands
		reply string
		want  instrument.DeviceStatus
		err   bool
	}{
		{
			name:  "ramping",
			cmds:  DefaultThermalCommands(),
			reply: "RAMP, 150.25, 152.0, 0, ",
			want:  instrument.DeviceStatus{Phase: instrument.PhaseRamp, SampleTemperature: 150.25, ActuatorTemperature: 152},
		},
		{
			name:  "alarm",
			cmds:  DefaultThermalCommands(),
			reply: "hold,4.2,4.1,3,heater open",
			want: instrument.DeviceStatus{
				Phase: instrument.PhaseHold, SampleTemperature: 4.2, ActuatorTemperature: 4.1,
				AlarmLevel: 3, AlarmMessage: "heater open",
			},
		},
		{
			name:  "unknown phase",
			cmds:  DefaultThermalCommands(),
			reply: "IDLE,300,300,0,",
			want:  instrument.DeviceStatus{Phase: instrument.PhaseOther, SampleTemperature: 300, ActuatorTemperature: 300},
		},
		{
			name: "reordered fields without alarm",
			cmds: ThermalCommands{
				Delimiter: ";", PhaseField: 2, SampleField: 0, ActuatorField: -1,
				AlarmLevelField: -1, AlarmMessageField: -1, RampToken: "SWEEP",
			},
			reply: "77.1;x;SWEEP",
			want:  instrument.DeviceStatus{Phase: instrument.PhaseRamp, SampleTemperature: 77.1},
		},
		{name: "short reply", cmds: DefaultThermalCommands(), reply: "RAMP", err: true},
		{name: "bad number", cmds: DefaultThermalCommands(), reply: "RAMP,abc,1,0,", err: true},
		{name: "alarm out of range", cmds: DefaultThermalCommands(), reply: "RAMP,1,1,9,", err: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeConn{replies: map[string]string{"STAT?": tt.reply}}
			th, err := NewThermal(c, tt.cmds)
			require.NoError(t, err)

			st, err := th.Status()
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, st)
		})
	}
}

func TestThermalCommands(t *testing.T) {
	c := &fakeConn{}
	th, err := NewThermal(c, ThermalCommands{Ramp: "SETP %[2]g RATE %[1]g", SampleField: 1, PhaseField: 0})
	require.NoError(t, err)

	require.NoError(t, th.Ramp(2.5, 80))
	require.NoError(t, th.Stop())
	assert.Equal(t, []string{"SETP 80 RATE 2.5", "STOP"}, c.writes)

	_, err = NewThermal(c, ThermalCommands{Ramp: "RAMP %g"})
	assert.Error(t, err)
	_, err = NewThermal(c, ThermalCommands{PhaseField: -1})
	assert.Error(t, err)
}

func TestEmptyThermalTableUsesDefaults(t *testing.T) {
	c := &fakeConn{replies: map[string]string{"STAT?": "HOLD,10,10,0,"}}
	th, err := NewThermal(c, ThermalCommands{})
	require.NoError(t, err)

	st, err := th.Status()
	require.NoError(t, err)
	assert.Equal(t, instrument.PhaseHold, st.Phase)
	assert.Equal(t, 10.0, st.SampleTemperature)
}
