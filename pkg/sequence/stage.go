package sequence

import (
	"fmt"
	"math"
	"time"

	"github.com/cryolab/deltarun/pkg/errdefs"
)

// Stage is one user-entered leg of a temperature program.
type Stage struct {
	// Target temperature, K.
	Target float64 `json:"target" yaml:"target"`
	// Rate is the ramp rate in K/min. 0 means as fast as the controller can.
	Rate float64 `json:"rate" yaml:"rate"`
	// Width is the spacing of intermediate measurement steps, K.
	Width float64 `json:"width" yaml:"width"`
	// Dwell is how long to wait after every step before measuring.
	Dwell time.Duration `json:"dwell" yaml:"dwell"`
}

func (s Stage) String() string {
	return fmt.Sprintf("%g K @ %g K/min, every %g K, dwell %s", s.Target, s.Rate, s.Width, s.Dwell)
}

// Limits bounds the temperatures a program may visit. A zero value disables
// the check.
type Limits struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (l Limits) enabled() bool { return l.Min != 0 || l.Max != 0 }

// Step is one setpoint of an expanded program.
type Step struct {
	Stage  int           `json:"stage"`
	Target float64       `json:"target"`
	Rate   float64       `json:"rate"`
	Dwell  time.Duration `json:"dwell"`
	// Span is the distance from the previous setpoint, K.
	Span float64 `json:"span"`
}

// Validate checks every stage and returns the first problem as a
// ConfigurationError.
func Validate(stages []Stage, limits Limits) error {
	for i, s := range stages {
		field := fmt.Sprintf("stages[%d]", i)
		switch {
		case !finite(s.Target):
			return errdefs.Configf(field, "target temperature must be finite")
		case !finite(s.Width) || s.Width <= 0:
			return errdefs.Configf(field, "step width must be positive, got %g", s.Width)
		case !finite(s.Rate) || s.Rate < 0:
			return errdefs.Configf(field, "ramp rate must not be negative, got %g", s.Rate)
		case s.Dwell < 0:
			return errdefs.Configf(field, "dwell must not be negative, got %s", s.Dwell)
		case limits.enabled() && (s.Target < limits.Min || s.Target > limits.Max):
			return errdefs.Configf(field, "target %g K outside [%g, %g] K", s.Target, limits.Min, limits.Max)
		}
	}
	return nil
}

// Expand turns stages into the flat list of setpoints visited from start.
// Within a stage, setpoints are start+k*width (moving toward the target) while
// strictly short of the target, followed by the target itself. A stage whose
// target equals the temperature it starts from contributes nothing.
func Expand(start float64, stages []Stage) ([]Step, error) {
	if !finite(start) {
		return nil, errdefs.Configf("start", "start temperature must be finite")
	}
	if err := Validate(stages, Limits{}); err != nil {
		return nil, err
	}

	var steps []Step
	from := start
	prev := start
	for i, s := range stages {
		dir := math.Copysign(1, s.Target-from)
		if s.Target == from {
			continue
		}
		tol := 1e-9 * s.Width

		for k := 1; ; k++ {
			next := from + dir*float64(k)*s.Width
			if (s.Target-next)*dir <= tol {
				break
			}
			steps = append(steps, Step{Stage: i, Target: next, Rate: s.Rate, Dwell: s.Dwell, Span: math.Abs(next - prev)})
			prev = next
		}
		steps = append(steps, Step{Stage: i, Target: s.Target, Rate: s.Rate, Dwell: s.Dwell, Span: math.Abs(s.Target - prev)})
		prev = s.Target
		from = s.Target
	}
	return steps, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
