package calibration

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/cryolab/deltarun/pkg/errdefs"
	"github.com/cryolab/deltarun/pkg/instrument"
	"github.com/cryolab/deltarun/pkg/measure"
)

// DefaultParams mirror the limits of a typical nanovolt setup.
func DefaultParams() Params {
	return Params{
		VoltageMin:      5e-6,
		VoltageMax:      21,
		StepMultiplier:  2,
		SamplesPerPoint: 10,
		Weights:         Weights{Nonlinearity: 1, Noise: 1, Heating: 1},
	}
}

// Validate returns a ConfigurationError for unusable parameters.
func (p Params) Validate() error {
	switch {
	case !(p.VoltageMin > 0):
		return errdefs.Configf("voltageMin", "must be positive, got %g", p.VoltageMin)
	case !(p.VoltageMax >= p.VoltageMin) || math.IsInf(p.VoltageMax, 0):
		return errdefs.Configf("voltageMax", "must be finite and at least voltageMin, got %g", p.VoltageMax)
	case !(p.StepMultiplier > 1) || math.IsInf(p.StepMultiplier, 0):
		return errdefs.Configf("stepMultiplier", "must be greater than 1, got %g", p.StepMultiplier)
	case p.SamplesPerPoint < 1:
		return errdefs.Configf("samplesPerPoint", "must be at least 1, got %d", p.SamplesPerPoint)
	case p.Weights.Nonlinearity < 0 || p.Weights.Noise < 0 || p.Weights.Heating < 0:
		return errdefs.Configf("weights", "must not be negative")
	}
	return nil
}

// Voltages lists the sweep magnitudes: min, min*m, min*m^2, ... while below
// max, then max itself.
func (p Params) Voltages() []float64 {
	var out []float64
	for v := p.VoltageMin; v < p.VoltageMax*(1-1e-12); v *= p.StepMultiplier {
		out = append(out, v)
	}
	return append(out, p.VoltageMax)
}

// PointSink receives every point as soon as it is measured.
type PointSink interface {
	AppendPoint(p Point) error
}

// ReadingSink receives every single-polarity reading of a spread search.
type ReadingSink interface {
	AppendSample(s measure.Sample) error
}

// Calibrator sweeps the source in voltage mode and scores the result.
type Calibrator struct {
	inst     instrument.ElectricalInstrument
	sink     PointSink
	readings ReadingSink
	now      func() time.Time
	onPoint  func(Point)
}

type Option func(*Calibrator)

func WithSink(s PointSink) Option {
	return func(c *Calibrator) { c.sink = s }
}

func WithReadingSink(s ReadingSink) Option {
	return func(c *Calibrator) { c.readings = s }
}

func WithClock(now func() time.Time) Option {
	return func(c *Calibrator) { c.now = now }
}

// WithPointHook registers f to be called after every point.
func WithPointHook(f func(Point)) Option {
	return func(c *Calibrator) { c.onPoint = f }
}

func New(inst instrument.ElectricalInstrument, opts ...Option) *Calibrator {
	c := &Calibrator{inst: inst, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Calibrate runs a bipolar sweep and scores it. A cancelled ctx ends the sweep
// early; the points collected so far are still scored. The returned Result
// always carries the collected points, also when err is non-nil.
func (c *Calibrator) Calibrate(ctx context.Context, p Params) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}

	points, err := c.Sweep(ctx, p)
	if err != nil && ctx.Err() == nil {
		return Result{Points: points}, err
	}
	if ctx.Err() != nil {
		logrus.WithField("points", len(points)).Info("sweep interrupted, scoring collected points")
	}

	return Rank(points, p.Weights)
}

// Sweep sources +V and -V for every magnitude of p.Voltages and returns one
// averaged Point per setting. Source mode and output state are restored.
func (c *Calibrator) Sweep(ctx context.Context, p Params) (points []Point, err error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	wasOn, err := c.inst.OutputEnabled()
	if err != nil {
		return nil, errdefs.Comm("query output state", err)
	}

	defer func() {
		if rerr := c.restore(wasOn); rerr != nil && err == nil {
			err = rerr
		}
	}()

	if err := c.inst.SetSourceVoltage(p.VoltageMin); err != nil {
		return nil, errdefs.Comm("set source voltage", err)
	}
	if err := c.inst.SetSourceMode(instrument.SourceVoltage); err != nil {
		return nil, errdefs.Comm("set source mode", err)
	}
	if !wasOn {
		if err := c.inst.EnableOutput(); err != nil {
			return nil, errdefs.Comm("enable output", err)
		}
	}

	for _, v := range p.Voltages() {
		for _, sign := range []float64{1, -1} {
			if err := ctx.Err(); err != nil {
				return points, err
			}
			pt, err := c.point(ctx, sign*v, p.SamplesPerPoint)
			if err != nil {
				return points, err
			}
			points = append(points, pt)

			logrus.WithFields(logrus.Fields{
				"voltage":    pt.Setpoint,
				"current":    pt.SourceCurrent,
				"resistance": pt.SampleResistance,
			}).Debug("calibration point")

			if c.sink != nil {
				if err := c.sink.AppendPoint(pt); err != nil {
					return points, err
				}
			}
			if c.onPoint != nil {
				c.onPoint(pt)
			}
		}
	}
	return points, nil
}

func (c *Calibrator) point(ctx context.Context, volts float64, n int) (Point, error) {
	if err := c.inst.SetSourceVoltage(volts); err != nil {
		return Point{}, errdefs.Comm("set source voltage", err)
	}

	us := make([]float64, 0, n)
	is := make([]float64, 0, n)
	u := make([]float64, 0, n)
	r := make([]float64, 0, n)
	for k := 0; k < n; k++ {
		if k > 0 {
			if err := ctx.Err(); err != nil {
				return Point{}, err
			}
		}
		sv, si, err := c.inst.ReadSourceVoltageCurrent()
		if err != nil {
			return Point{}, errdefs.Comm("read source", err)
		}
		su, err := c.inst.ReadSenseVoltage()
		if err != nil {
			return Point{}, errdefs.Comm("read sense voltage", err)
		}
		us = append(us, sv)
		is = append(is, si)
		u = append(u, su)
		r = append(r, su/si)
	}

	rMean, rStd := stat.PopMeanStdDev(r, nil)
	return Point{
		Setpoint:         volts,
		SourceVoltage:    stat.Mean(us, nil),
		SourceCurrent:    stat.Mean(is, nil),
		SampleVoltage:    stat.Mean(u, nil),
		SampleResistance: rMean,
		ResistanceStdDev: rStd,
		Time:             c.now().Round(0).Truncate(time.Microsecond),
	}, nil
}

func (c *Calibrator) restore(wasOn bool) error {
	var first error
	keep := func(op string, err error) {
		if err != nil {
			logrus.WithError(err).Errorf("failed to restore source: %s", op)
			if first == nil {
				first = errdefs.Comm(op, err)
			}
		}
	}
	if !wasOn {
		keep("disable output", c.inst.DisableOutput())
	}
	keep("set source voltage", c.inst.SetSourceVoltage(0))
	keep("set source mode", c.inst.SetSourceMode(instrument.SourceCurrent))
	return first
}
