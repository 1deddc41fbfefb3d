package measure

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryolab/deltarun/pkg/errdefs"
	"github.com/cryolab/deltarun/pkg/instrument"
	"github.com/cryolab/deltarun/pkg/instrument/sim"
)

// recorder is an ohmic sample with a fixed offset that records every call.
type recorder struct {
	r, offset float64
	current   float64
	output    bool
	calls     []string

	failSenseAfter int // fail the n-th sense read, 0 disables
	senseReads     int
	onSense        func()
}

func (f *recorder) SetSourceMode(instrument.SourceMode) error { return nil }
func (f *recorder) SetSourceVoltage(float64) error           { return nil }

func (f *recorder) SetSourceCurrent(a float64) error {
	f.calls = append(f.calls, "set")
	f.current = a
	return nil
}

func (f *recorder) EnableOutput() error {
	f.calls = append(f.calls, "on")
	f.output = true
	return nil
}

func (f *recorder) DisableOutput() error {
	f.calls = append(f.calls, "off")
	f.output = false
	return nil
}

func (f *recorder) OutputEnabled() (bool, error) { return f.output, nil }

func (f *recorder) ReadSenseVoltage() (float64, error) {
	f.senseReads++
	if f.onSense != nil {
		f.onSense()
	}
	if f.failSenseAfter > 0 && f.senseReads >= f.failSenseAfter {
		return 0, errors.New("bus timeout")
	}
	return f.current*f.r + f.offset, nil
}

func (f *recorder) ReadSourceVoltageCurrent() (float64, float64, error) {
	return f.current * f.r, f.current, nil
}

func TestMeasureCancelsOffset(t *testing.T) {
	inst := &recorder{r: 47.5, offset: 3e-4}
	e := NewEngine(inst)

	s, err := e.Measure(context.Background(), 1e-4, 5)
	require.NoError(t, err)
	assert.InDelta(t, 47.5, s.SampleResistance, 1e-9)
	assert.InDelta(t, 47.5e-4, s.SampleVoltage, 1e-12)
	assert.InDelta(t, 1e-4, s.SourceCurrent, 1e-15)
	assert.InDelta(t, 0, s.ResistanceStdDev, 1e-9)
	assert.InDelta(t, 47.5, s.SourceResistance, 1e-9)
	assert.Equal(t, 1e-4, s.CurrentSetpoint)
}

func TestMeasureCancelsOffsetOnSimulatedSample(t *testing.T) {
	cfg := sim.ResistorConfig{Resistance: 12, ReferenceTemperature: 300, Offset: -5e-5, LeadResistance: 3}
	e := NewEngine(sim.NewResistor(cfg, nil))

	s, err := e.Measure(context.Background(), 1e-3, 3)
	require.NoError(t, err)
	assert.InDelta(t, 12, s.SampleResistance, 1e-9)
	assert.InDelta(t, 15, s.SourceResistance, 1e-9)
}

func TestMeasureRestoresOutputOff(t *testing.T) {
	inst := &recorder{r: 1}
	e := NewEngine(inst)

	_, err := e.Measure(context.Background(), 1e-3, 1)
	require.NoError(t, err)
	assert.False(t, inst.output)
	// set +I, on, then one pass (+I, -I, +I), then off
	assert.Equal(t, []string{"set", "on", "set", "set", "set", "off"}, inst.calls)
	assert.Equal(t, 1e-3, inst.current, "source is left at +I")
}

func TestMeasureLeavesOutputOn(t *testing.T) {
	inst := &recorder{r: 1, output: true}
	e := NewEngine(inst)

	_, err := e.Measure(context.Background(), 1e-3, 2)
	require.NoError(t, err)
	assert.True(t, inst.output)
	assert.NotContains(t, inst.calls, "on")
	assert.NotContains(t, inst.calls, "off")
}

func TestMeasureClampsToCeiling(t *testing.T) {
	inst := &recorder{r: 10}
	var requested, applied float64
	e := NewEngine(inst, WithCeiling(1e-3), WithClampHook(func(req, app float64) {
		requested, applied = req, app
	}))

	s, err := e.Measure(context.Background(), -5e-3, 1)
	require.NoError(t, err)
	assert.Equal(t, -1e-3, s.CurrentSetpoint)
	assert.Equal(t, -5e-3, requested)
	assert.Equal(t, -1e-3, applied)
	assert.InDelta(t, 10, s.SampleResistance, 1e-9)
}

func TestSetCeilingAppliesToNextMeasurement(t *testing.T) {
	inst := &recorder{r: 10}
	e := NewEngine(inst, WithCeiling(1e-3))

	s, err := e.Measure(context.Background(), 2e-3, 1)
	require.NoError(t, err)
	assert.Equal(t, 1e-3, s.CurrentSetpoint)

	e.SetCeiling(-4e-3)
	assert.Equal(t, 4e-3, e.Ceiling())
	s, err = e.Measure(context.Background(), 2e-3, 1)
	require.NoError(t, err)
	assert.Equal(t, 2e-3, s.CurrentSetpoint)
}

func TestMeasureRejectsZeroRepeats(t *testing.T) {
	inst := &recorder{r: 1}
	_, err := NewEngine(inst).Measure(context.Background(), 1e-3, 0)
	require.Error(t, err)
	assert.True(t, errdefs.IsConfiguration(err))
	assert.Empty(t, inst.calls, "no hardware command before validation")
}

func TestMeasureRejectsZeroSetpoint(t *testing.T) {
	for _, setpoint := range []float64{0, math.NaN()} {
		inst := &recorder{r: 1}
		_, err := NewEngine(inst).Measure(context.Background(), setpoint, 3)
		require.Error(t, err)
		assert.True(t, errdefs.IsConfiguration(err))
		assert.Empty(t, inst.calls, "no hardware command for %g", setpoint)
		assert.False(t, inst.output)
	}
}

func TestMeasureFailureReturnsNoSampleAndRestores(t *testing.T) {
	inst := &recorder{r: 1, failSenseAfter: 3}
	_, err := NewEngine(inst).Measure(context.Background(), 1e-3, 4)
	require.Error(t, err)
	assert.True(t, errdefs.IsComm(err))
	assert.False(t, inst.output)
	assert.Equal(t, "off", inst.calls[len(inst.calls)-1])
}

func TestMeasureCancelledBetweenPasses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inst := &recorder{r: 1}
	inst.onSense = func() {
		if inst.senseReads == 2 {
			cancel()
		}
	}

	_, err := NewEngine(inst).Measure(ctx, 1e-3, 10)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, inst.senseReads, "the in-flight pass completes, no further pass starts")
	assert.False(t, inst.output)
}

func TestMeasureStampsTime(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)
	s, err := NewEngine(&recorder{r: 1}, WithClock(func() time.Time { return at })).
		Measure(context.Background(), 1e-3, 1)
	require.NoError(t, err)
	assert.True(t, s.Time.Equal(at.Truncate(time.Microsecond)))
}
