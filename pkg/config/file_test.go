package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryolab/deltarun/pkg/errdefs"
	"github.com/cryolab/deltarun/pkg/sequence"
	"github.com/cryolab/deltarun/pkg/utils/ptr"
)

func TestDefaults(t *testing.T) {
	f, err := NewFile(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, 1e-3, f.CurrentCeiling())
	assert.Equal(t, 21.0, f.VoltageCeiling())
	assert.Equal(t, 1e-6, f.Current())
	assert.Equal(t, sequence.Limits{Min: 0, Max: 500}, f.TemperatureLimits())
	assert.Equal(t, time.Second, f.PollInterval())
	assert.Equal(t, 15, f.Repeats())
	assert.Equal(t, 10*time.Second, f.MeasurementOverhead())
	assert.Equal(t, "/var/lib/deltarun", f.LogDir())
	assert.Equal(t, ',', f.Delimiter())
	assert.Empty(t, f.ArchivePath())
	assert.Equal(t, 5e-6, f.Calibration().VoltageMin)
	assert.Empty(t, f.Stages())
	assert.False(t, f.Simulate())
	assert.Empty(t, f.Schedule())

	// real hardware needs ports
	assert.True(t, errdefs.IsConfiguration(f.Validate()))
}

func TestEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deltarun.json")
	require.NoError(t, os.WriteFile(path, []byte(" \n"), 0o644))

	f, err := NewFile(path)
	require.NoError(t, err)
	assert.Equal(t, 15, f.Repeats())
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deltarun.json")
	f := NewFileFromConfig(&RawFileConfig{Simulate: ptr.To(true), Delimiter: ptr.To(";")}, path)

	stages := []sequence.Stage{
		{Target: 100, Rate: 2, Width: 30, Dwell: time.Minute},
		{Target: 20, Rate: 0, Width: 10},
	}
	require.NoError(t, f.SetStages(stages))
	require.NoError(t, f.SetCurrent(-2e-4))
	f.SetSchedule("0 22 * * *")
	require.NoError(t, f.Save())

	g, err := NewFile(path)
	require.NoError(t, err)
	assert.Equal(t, stages, g.Stages())
	assert.Equal(t, -2e-4, g.Current())
	assert.Equal(t, ';', g.Delimiter())
	assert.Equal(t, "0 22 * * *", g.Schedule())
	assert.NoError(t, g.Validate())
}

func TestBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deltarun.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))

	_, err := NewFile(path)
	assert.Error(t, err)
}

func TestSetCurrentRejectsAboveCeiling(t *testing.T) {
	f := NewFileFromConfig(&RawFileConfig{CurrentCeiling: ptr.To(1e-4)}, "")

	err := f.SetCurrent(2e-4)
	assert.True(t, errdefs.IsConfiguration(err))
	assert.Equal(t, 1e-6, f.Current())

	require.NoError(t, f.SetCurrent(-1e-4))
	assert.Equal(t, -1e-4, f.Current())
}

func TestSetCurrentRejectsZero(t *testing.T) {
	f := NewFileFromConfig(&RawFileConfig{}, "")

	for _, a := range []float64{0, math.NaN()} {
		err := f.SetCurrent(a)
		assert.True(t, errdefs.IsConfiguration(err), "%g", a)
	}
	assert.Equal(t, 1e-6, f.Current())
}

func TestCurrentIsClampedToCeiling(t *testing.T) {
	f := NewFileFromConfig(&RawFileConfig{CurrentCeiling: ptr.To(1e-4), Current: ptr.To(-5e-3)}, "")
	assert.Equal(t, -1e-4, f.Current())
}

func TestSetStagesValidates(t *testing.T) {
	f := NewFileFromConfig(&RawFileConfig{TemperatureMax: ptr.To(300.0)}, "")

	err := f.SetStages([]sequence.Stage{{Target: 350, Width: 10}})
	assert.True(t, errdefs.IsConfiguration(err))
	err = f.SetStages([]sequence.Stage{{Target: 50, Width: 0}})
	assert.True(t, errdefs.IsConfiguration(err))
	assert.Empty(t, f.Stages())
}

func TestValidate(t *testing.T) {
	sim := ptr.To(true)
	tests := []struct {
		name string
		raw  RawFileConfig
		ok   bool
	}{
		{"simulated defaults", RawFileConfig{Simulate: sim}, true},
		{"hardware", RawFileConfig{Hardware: &Hardware{SourcePort: "/dev/ttyUSB0", ThermalPort: "/dev/ttyUSB1"}}, true},
		{"zero ceiling", RawFileConfig{Simulate: sim, CurrentCeiling: ptr.To(0.0)}, false},
		{"current above ceiling", RawFileConfig{Simulate: sim, Current: ptr.To(1.0)}, false},
		{"zero current", RawFileConfig{Simulate: sim, Current: ptr.To(0.0)}, false},
		{"inverted limits", RawFileConfig{Simulate: sim, TemperatureMin: ptr.To(300.0), TemperatureMax: ptr.To(4.0)}, false},
		{"zero repeats", RawFileConfig{Simulate: sim, Repeats: ptr.To(0)}, false},
		{"zero poll", RawFileConfig{Simulate: sim, PollIntervalMS: ptr.To(0)}, false},
		{"long delimiter", RawFileConfig{Simulate: sim, Delimiter: ptr.To(";;")}, false},
		{"quote delimiter", RawFileConfig{Simulate: sim, Delimiter: ptr.To(`"`)}, false},
		{"sweep above voltage ceiling", RawFileConfig{Simulate: sim, VoltageCeiling: ptr.To(10.0)}, false},
		{"bad stage", RawFileConfig{Simulate: sim, Stages: []sequence.Stage{{Target: 10, Width: -1}}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.raw
			err := NewFileFromConfig(&raw, "").Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errdefs.IsConfiguration(err), "got %v", err)
		})
	}
}

func TestEffectiveConfig(t *testing.T) {
	f := NewFileFromConfig(&RawFileConfig{Repeats: ptr.To(3)}, "")
	raw, err := NewRawFileConfigFromConfig(f)
	require.NoError(t, err)

	assert.Equal(t, 3, *raw.Repeats)
	assert.Equal(t, 1000, *raw.PollIntervalMS)
	assert.Equal(t, ",", *raw.Delimiter)
	assert.Equal(t, 10.0, *raw.OverheadSeconds)
	assert.NotEmpty(t, f.LogrusFields())

	_, err = NewRawFileConfigFromConfig(nil)
	assert.Error(t, err)
}
