package calibration

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/cryolab/deltarun/pkg/errdefs"
	"github.com/cryolab/deltarun/pkg/instrument"
	"github.com/cryolab/deltarun/pkg/measure"
)

// SpreadParams configure the quick current search: the current is raised
// geometrically until the relative spread of the resistance readings drops
// below MaxRelativeSpread.
type SpreadParams struct {
	CurrentMin        float64 `json:"currentMin"`
	CurrentMax        float64 `json:"currentMax"`
	StepMultiplier    float64 `json:"stepMultiplier"`
	SamplesPerPoint   int     `json:"samplesPerPoint"`
	MaxRelativeSpread float64 `json:"maxRelativeSpread"`
}

func DefaultSpreadParams() SpreadParams {
	return SpreadParams{
		CurrentMin:        1e-9,
		CurrentMax:        1e-3,
		StepMultiplier:    10,
		SamplesPerPoint:   10,
		MaxRelativeSpread: 0.001,
	}
}

func (p SpreadParams) Validate() error {
	switch {
	case !(p.CurrentMin > 0):
		return errdefs.Configf("currentMin", "must be positive, got %g", p.CurrentMin)
	case !(p.CurrentMax >= p.CurrentMin) || math.IsInf(p.CurrentMax, 0):
		return errdefs.Configf("currentMax", "must be finite and at least currentMin, got %g", p.CurrentMax)
	case !(p.StepMultiplier > 1) || math.IsInf(p.StepMultiplier, 0):
		return errdefs.Configf("stepMultiplier", "must be greater than 1, got %g", p.StepMultiplier)
	case p.SamplesPerPoint < 1:
		return errdefs.Configf("samplesPerPoint", "must be at least 1, got %d", p.SamplesPerPoint)
	case !(p.MaxRelativeSpread > 0):
		return errdefs.Configf("maxRelativeSpread", "must be positive, got %g", p.MaxRelativeSpread)
	}
	return nil
}

// SpreadStep is one current tried by SearchSpread.
type SpreadStep struct {
	Current        float64 `json:"current"`
	Resistance     float64 `json:"resistance"`
	RelativeSpread float64 `json:"relativeSpread"`
}

// SpreadResult lists the tried currents. Current is the accepted one, zero if
// none qualified.
type SpreadResult struct {
	Steps   []SpreadStep `json:"steps"`
	Current float64      `json:"current,omitempty"`
}

// SearchSpread looks for the smallest current whose resistance readings are
// precise enough. When the next step would exceed CurrentMax, the search backs
// off once and continues with a five times finer step, or tries CurrentMax
// itself if the step is already fine. Exceeding the ceiling a second time ends
// the search with ErrInconclusive.
func (c *Calibrator) SearchSpread(ctx context.Context, p SpreadParams) (res SpreadResult, err error) {
	if err := p.Validate(); err != nil {
		return SpreadResult{}, err
	}

	wasOn, err := c.inst.OutputEnabled()
	if err != nil {
		return SpreadResult{}, errdefs.Comm("query output state", err)
	}
	defer func() {
		if !wasOn {
			if derr := c.inst.DisableOutput(); derr != nil && err == nil {
				err = errdefs.Comm("disable output", derr)
			}
		}
	}()

	if err := c.inst.SetSourceMode(instrument.SourceCurrent); err != nil {
		return res, errdefs.Comm("set source mode", err)
	}
	if err := c.inst.SetSourceCurrent(p.CurrentMin); err != nil {
		return res, errdefs.Comm("set source current", err)
	}
	if !wasOn {
		if err := c.inst.EnableOutput(); err != nil {
			return res, errdefs.Comm("enable output", err)
		}
	}

	current := p.CurrentMin
	step := p.StepMultiplier
	refined := false
	ceiling := p.CurrentMax * (1 + 1e-9)
	for {
		if current > ceiling {
			if !refined {
				refined = true
				if step > 5 {
					current = current / step
					step /= 5
					current *= step
				} else {
					current = p.CurrentMax
				}
			}
			if current > ceiling {
				return res, fmt.Errorf("%w: reached %g A before the spread fell below %g",
					errdefs.ErrInconclusive, p.CurrentMax, p.MaxRelativeSpread)
			}
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		s, err := c.spreadAt(ctx, current, p.SamplesPerPoint)
		if err != nil {
			return res, err
		}
		res.Steps = append(res.Steps, s)
		logrus.WithFields(logrus.Fields{
			"current": s.Current,
			"spread":  s.RelativeSpread,
		}).Debug("spread search step")

		if s.RelativeSpread < p.MaxRelativeSpread {
			res.Current = current
			if err := c.inst.SetSourceCurrent(current); err != nil {
				return res, errdefs.Comm("set source current", err)
			}
			return res, nil
		}
		current *= step
	}
}

// spreadAt takes n single-polarity readings at +I and n at -I. Every reading
// goes to the reading sink, if any.
func (c *Calibrator) spreadAt(ctx context.Context, current float64, n int) (SpreadStep, error) {
	var means, stds [2]float64
	for k, sign := range []float64{1, -1} {
		if err := c.inst.SetSourceCurrent(sign * current); err != nil {
			return SpreadStep{}, errdefs.Comm("set source current", err)
		}
		r := make([]float64, 0, n)
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return SpreadStep{}, err
			}
			u, err := c.inst.ReadSenseVoltage()
			if err != nil {
				return SpreadStep{}, errdefs.Comm("read sense voltage", err)
			}
			us, si, err := c.inst.ReadSourceVoltageCurrent()
			if err != nil {
				return SpreadStep{}, errdefs.Comm("read source", err)
			}
			r = append(r, u/si)
			if c.readings != nil {
				reading := measure.Sample{
					CurrentSetpoint:  sign * current,
					SampleVoltage:    u,
					SampleResistance: u / si,
					SourceVoltage:    us,
					SourceCurrent:    si,
					SourceResistance: us / si,
					Time:             c.now(),
				}
				if err := c.readings.AppendSample(reading); err != nil {
					return SpreadStep{}, err
				}
			}
		}
		means[k], stds[k] = stat.PopMeanStdDev(r, nil)
	}

	avg := (means[0] + means[1]) / 2
	std := (stds[0] + stds[1]) / 2
	return SpreadStep{
		Current:        current,
		Resistance:     avg,
		RelativeSpread: math.Abs(std / avg),
	}, nil
}
