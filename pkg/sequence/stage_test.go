package sequence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryolab/deltarun/pkg/errdefs"
)

func targets(steps []Step) []float64 {
	out := make([]float64, len(steps))
	for i, s := range steps {
		out[i] = s.Target
	}
	return out
}

func TestExpand(t *testing.T) {
	tests := []struct {
		name   string
		start  float64
		stages []Stage
		want   []float64
	}{
		{
			name:   "upward stage anchored at start",
			start:  20,
			stages: []Stage{{Target: 100, Rate: 5, Width: 30}},
			want:   []float64{50, 80, 100},
		},
		{
			name:   "width divides span exactly",
			start:  20,
			stages: []Stage{{Target: 80, Rate: 5, Width: 30}},
			want:   []float64{50, 80},
		},
		{
			name:   "downward stage",
			start:  300,
			stages: []Stage{{Target: 250, Rate: 2, Width: 20}},
			want:   []float64{280, 260, 250},
		},
		{
			name:   "width larger than span",
			start:  10,
			stages: []Stage{{Target: 12, Rate: 1, Width: 5}},
			want:   []float64{12},
		},
		{
			name:   "target equal to start contributes nothing",
			start:  77,
			stages: []Stage{{Target: 77, Rate: 1, Width: 1}},
			want:   []float64{},
		},
		{
			name:  "stages chain from the previous target",
			start: 100,
			stages: []Stage{
				{Target: 120, Rate: 1, Width: 10},
				{Target: 120, Rate: 1, Width: 10},
				{Target: 100, Rate: 0, Width: 15},
			},
			want: []float64{110, 120, 105, 100},
		},
		{
			name:   "fractional widths do not drift",
			start:  0,
			stages: []Stage{{Target: 0.3, Rate: 1, Width: 0.1}},
			want:   []float64{0.1, 0.2, 0.3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps, err := Expand(tt.start, tt.stages)
			require.NoError(t, err)
			got := targets(steps)
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				assert.InDelta(t, tt.want[i], got[i], 1e-9, "step %d", i)
			}
		})
	}
}

func TestExpandCarriesStageSettings(t *testing.T) {
	steps, err := Expand(20, []Stage{{Target: 100, Rate: 4, Width: 30, Dwell: time.Minute}})
	require.NoError(t, err)
	require.Len(t, steps, 3)

	spans := []float64{30, 30, 20}
	for i, s := range steps {
		assert.Equal(t, 0, s.Stage)
		assert.Equal(t, 4.0, s.Rate)
		assert.Equal(t, time.Minute, s.Dwell)
		assert.InDelta(t, spans[i], s.Span, 1e-9)
	}
}

func TestValidate(t *testing.T) {
	limits := Limits{Min: 1.5, Max: 400}
	tests := []struct {
		name  string
		stage Stage
		ok    bool
	}{
		{"valid", Stage{Target: 300, Rate: 2, Width: 5}, true},
		{"zero rate is allowed", Stage{Target: 300, Rate: 0, Width: 5}, true},
		{"zero width", Stage{Target: 300, Rate: 2, Width: 0}, false},
		{"negative width", Stage{Target: 300, Rate: 2, Width: -5}, false},
		{"negative rate", Stage{Target: 300, Rate: -1, Width: 5}, false},
		{"negative dwell", Stage{Target: 300, Rate: 1, Width: 5, Dwell: -time.Second}, false},
		{"above limit", Stage{Target: 401, Rate: 1, Width: 5}, false},
		{"below limit", Stage{Target: 1, Rate: 1, Width: 5}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate([]Stage{tt.stage}, limits)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errdefs.IsConfiguration(err))
		})
	}
}

func TestEstimator(t *testing.T) {
	steps, err := Expand(20, []Stage{{Target: 100, Rate: 10, Width: 30, Dwell: time.Minute}})
	require.NoError(t, err)

	e := newEstimator(0)
	// ramps 3m + 3m + 2m, dwell 3 x 1m, overhead 3 x 10s
	assert.Equal(t, 11*time.Minute+30*time.Second, e.remaining(steps, 0))
	assert.Equal(t, 3*time.Minute+10*time.Second, e.remaining(steps, 2))
	assert.Equal(t, time.Duration(0), e.remaining(steps, 3))

	e.observe(20 * time.Second)
	assert.Equal(t, 15*time.Second, e.overhead)
}

func TestEstimatorZeroRate(t *testing.T) {
	e := newEstimator(time.Second)
	steps := []Step{{Target: 1000, Rate: 0, Span: 1000}}
	assert.Equal(t, time.Minute+time.Second, e.remaining(steps, 0))
}
