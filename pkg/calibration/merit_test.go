package calibration

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryolab/deltarun/pkg/errdefs"
)

func TestGradientUnevenGrid(t *testing.T) {
	x := []float64{0, 1, 3, 4, 7}
	y := make([]float64, len(x))
	for i, v := range x {
		y[i] = v * v
	}

	g, err := Gradient(y, x)
	require.NoError(t, err)

	// exact for a quadratic inside, first differences at the ends
	assert.InDelta(t, 1, g[0], 1e-12)
	assert.InDelta(t, 2, g[1], 1e-12)
	assert.InDelta(t, 6, g[2], 1e-12)
	assert.InDelta(t, 8, g[3], 1e-12)
	assert.InDelta(t, 11, g[4], 1e-12)
}

func TestGradientErrors(t *testing.T) {
	_, err := Gradient([]float64{1}, []float64{1})
	assert.Error(t, err)
	_, err = Gradient([]float64{1, 2}, []float64{1, 2, 3})
	assert.Error(t, err)
}

// ohmic builds points for a linear I(V) with a constant resistance spread.
func ohmic(r float64, volts ...float64) []Point {
	var pts []Point
	for _, v := range volts {
		for _, s := range []float64{1, -1} {
			pts = append(pts, Point{
				Setpoint:         s * v,
				SourceVoltage:    s * v,
				SourceCurrent:    s * v / r,
				SampleVoltage:    s * v,
				SampleResistance: r,
			})
		}
	}
	return pts
}

func TestRankLinearPrefersLowestVoltage(t *testing.T) {
	pts := ohmic(100, 0.001, 0.002, 0.004, 0.008, 0.016, 0.032)
	res, err := Rank(pts, Weights{Nonlinearity: 1, Noise: 1, Heating: 1})
	require.NoError(t, err)
	require.NotNil(t, res.Recommendation)

	assert.InDelta(t, 0.001, res.Recommendation.Voltage, 1e-15)
	assert.InDelta(t, 1e-5, res.Recommendation.Current, 1e-18)
	assert.InDelta(t, 100, res.Recommendation.Resistance, 1e-12)

	for _, s := range append(res.Positive, res.Negative...) {
		assert.Zero(t, s.Nonlinearity, "linear I-V has no curvature")
		assert.Zero(t, s.Noise)
	}
	assert.InDelta(t, 1, res.Positive[len(res.Positive)-1].Heating, 1e-12)
}

func TestRankNoiseWeightPrefersQuietPoint(t *testing.T) {
	pts := ohmic(100, 0.001, 0.01, 0.1, 1)
	spread := map[float64]float64{0.001: 5, 0.01: 0.5, 0.1: 0.01, 1: 0.2}
	for i := range pts {
		pts[i].ResistanceStdDev = spread[math.Abs(pts[i].Setpoint)]
	}

	res, err := Rank(pts, Weights{Noise: 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.1, res.Recommendation.Voltage, 1e-15)
	assert.InDelta(t, 2*0.01/5, res.Recommendation.Merit, 1e-12)
}

func TestRankCurvatureWeight(t *testing.T) {
	// current saturates above 0.1 V
	var pts []Point
	for _, v := range []float64{0.025, 0.05, 0.1, 0.2, 0.4} {
		i := v / 100
		if v > 0.1 {
			i = 0.001 + (v-0.1)/1000
		}
		for _, s := range []float64{1, -1} {
			pts = append(pts, Point{Setpoint: s * v, SourceCurrent: s * i, SampleResistance: v / i})
		}
	}

	res, err := Rank(pts, Weights{Nonlinearity: 1})
	require.NoError(t, err)
	assert.Less(t, res.Recommendation.Voltage, 0.1)

	maxAt := 0
	for i, s := range res.Positive {
		if s.Nonlinearity > res.Positive[maxAt].Nonlinearity {
			maxAt = i
		}
	}
	assert.InDelta(t, 1, res.Positive[maxAt].Nonlinearity, 1e-12)
	assert.GreaterOrEqual(t, res.Positive[maxAt].Point.Setpoint, 0.1)
}

func TestRankPairsByMagnitudeNotIndex(t *testing.T) {
	pts := ohmic(10, 0.1, 0.2, 0.4, 0.8)
	// drop the negative 0.1 V point and add an unpaired positive one
	pts = append(pts[:1], pts[2:]...)
	pts = append(pts, Point{Setpoint: 1.6, SourceCurrent: 0.16, SampleResistance: 10})

	res, err := Rank(pts, Weights{Heating: 1})
	require.NoError(t, err)
	require.Len(t, res.Negative, 3)
	assert.InDelta(t, 0.2, res.Recommendation.Voltage, 1e-15, "0.1 V has no negative partner")
}

func TestRankInconclusive(t *testing.T) {
	tests := []struct {
		name string
		pts  []Point
	}{
		{"too few points", ohmic(1, 0.1, 0.2, 0.4)[:5]},
		{"empty", nil},
		{"one sided", func() []Point {
			var pts []Point
			for _, v := range []float64{1, 2, 3, 4, 5, 6} {
				pts = append(pts, Point{Setpoint: v, SourceCurrent: v})
			}
			return pts
		}()},
		{"no common magnitude", append(
			[]Point{{Setpoint: 1, SourceCurrent: 1}, {Setpoint: 2, SourceCurrent: 2}, {Setpoint: 3, SourceCurrent: 3}},
			Point{Setpoint: -1.5, SourceCurrent: -1.5}, Point{Setpoint: -2.5, SourceCurrent: -2.5}, Point{Setpoint: -3.5, SourceCurrent: -3.5},
		)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Rank(tt.pts, DefaultParams().Weights)
			require.ErrorIs(t, err, errdefs.ErrInconclusive)
			assert.Nil(t, res.Recommendation)
			assert.Len(t, res.Points, len(tt.pts))
		})
	}
}

func TestVoltages(t *testing.T) {
	p := Params{VoltageMin: 1, VoltageMax: 10, StepMultiplier: 2}
	assert.Equal(t, []float64{1, 2, 4, 8, 10}, p.Voltages())

	p = Params{VoltageMin: 1, VoltageMax: 8, StepMultiplier: 2}
	assert.Equal(t, []float64{1, 2, 4, 8}, p.Voltages())

	p = Params{VoltageMin: 3, VoltageMax: 3, StepMultiplier: 2}
	assert.Equal(t, []float64{3}, p.Voltages())
}

func TestParamsValidate(t *testing.T) {
	assert.NoError(t, DefaultParams().Validate())

	bad := []Params{
		{VoltageMin: 0, VoltageMax: 1, StepMultiplier: 2, SamplesPerPoint: 1},
		{VoltageMin: 2, VoltageMax: 1, StepMultiplier: 2, SamplesPerPoint: 1},
		{VoltageMin: 1, VoltageMax: 2, StepMultiplier: 1, SamplesPerPoint: 1},
		{VoltageMin: 1, VoltageMax: 2, StepMultiplier: 2, SamplesPerPoint: 0},
		{VoltageMin: 1, VoltageMax: 2, StepMultiplier: 2, SamplesPerPoint: 1, Weights: Weights{Noise: -1}},
		{VoltageMin: math.NaN(), VoltageMax: 2, StepMultiplier: 2, SamplesPerPoint: 1},
	}
	for i, p := range bad {
		err := p.Validate()
		assert.True(t, errdefs.IsConfiguration(err), "case %d: %v", i, err)
	}
}
