package measure

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/cryolab/deltarun/pkg/errdefs"
	"github.com/cryolab/deltarun/pkg/instrument"
)

// ClampFunc is called when a requested setpoint exceeds the current ceiling.
type ClampFunc func(requested, applied float64)

// Engine takes delta-mode resistance measurements: every pass sources +I and
// -I and averages the two halves, which cancels constant offset voltages such
// as thermoelectric EMFs.
type Engine struct {
	inst instrument.ElectricalInstrument
	// ceiling holds the float64 bits of the maximum |I|.
	ceiling atomic.Uint64
	now     func() time.Time
	onClamp ClampFunc
}

type Option func(*Engine)

// WithCeiling sets the maximum |I| the engine will source. Zero disables the
// check.
func WithCeiling(amps float64) Option {
	return func(e *Engine) { e.SetCeiling(amps) }
}

// WithClock overrides the time source used to stamp samples.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithClampHook registers f to be told about clamped setpoints.
func WithClampHook(f ClampFunc) Option {
	return func(e *Engine) { e.onClamp = f }
}

func NewEngine(inst instrument.ElectricalInstrument, opts ...Option) *Engine {
	e := &Engine{
		inst: inst,
		now:  time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetCeiling changes the current ceiling. It is safe to call while a
// measurement is in progress; the next measurement uses the new value.
func (e *Engine) SetCeiling(amps float64) {
	e.ceiling.Store(math.Float64bits(math.Abs(amps)))
}

func (e *Engine) Ceiling() float64 {
	return math.Float64frombits(e.ceiling.Load())
}

// Clamp returns setpoint limited to the engine's ceiling, keeping its sign.
func (e *Engine) Clamp(setpoint float64) (float64, bool) {
	if ceiling := e.Ceiling(); ceiling > 0 && math.Abs(setpoint) > ceiling {
		return math.Copysign(ceiling, setpoint), true
	}
	return setpoint, false
}

// Measure performs repeats delta-mode passes at setpoint and returns their
// aggregate. The output enable state found on entry is restored on exit, also
// when a pass fails. Cancellation is checked between passes; an interrupted
// measurement returns no sample.
func (e *Engine) Measure(ctx context.Context, setpoint float64, repeats int) (s Sample, err error) {
	if repeats < 1 {
		return Sample{}, errdefs.Configf("repeats", "must be at least 1, got %d", repeats)
	}
	if setpoint == 0 || math.IsNaN(setpoint) {
		return Sample{}, errdefs.Configf("current", "setpoint must be non-zero, got %g", setpoint)
	}
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}

	current, clamped := e.Clamp(setpoint)
	if clamped {
		logrus.WithFields(logrus.Fields{
			"requested": setpoint,
			"applied":   current,
			"ceiling":   e.Ceiling(),
		}).Warn("current setpoint exceeds ceiling, clamping")
		if e.onClamp != nil {
			e.onClamp(setpoint, current)
		}
	}

	wasOn, err := e.inst.OutputEnabled()
	if err != nil {
		return Sample{}, errdefs.Comm("query output state", err)
	}
	if !wasOn {
		defer func() {
			if derr := e.inst.DisableOutput(); derr != nil {
				logrus.WithError(derr).Error("failed to restore output state")
				if err == nil {
					s, err = Sample{}, errdefs.Comm("disable output", derr)
				}
			}
		}()
		if err := e.inst.SetSourceCurrent(current); err != nil {
			return Sample{}, errdefs.Comm("set source current", err)
		}
		if err := e.inst.EnableOutput(); err != nil {
			return Sample{}, errdefs.Comm("enable output", err)
		}
	}

	u := make([]float64, 0, repeats)
	i := make([]float64, 0, repeats)
	us := make([]float64, 0, repeats)
	r := make([]float64, 0, repeats)

	for k := 0; k < repeats; k++ {
		if k > 0 {
			if err := ctx.Err(); err != nil {
				return Sample{}, err
			}
		}

		p, err := e.pass(current)
		if err != nil {
			return Sample{}, err
		}

		u = append(u, p.u)
		i = append(i, p.i)
		us = append(us, p.us)
		r = append(r, p.u/p.i)

		logrus.WithFields(logrus.Fields{
			"pass":    k + 1,
			"voltage": p.u,
			"current": p.i,
		}).Trace("delta pass done")
	}

	uMean := stat.Mean(u, nil)
	iMean := stat.Mean(i, nil)
	usMean := stat.Mean(us, nil)
	_, rStd := stat.PopMeanStdDev(r, nil)

	return Sample{
		CurrentSetpoint:  current,
		SampleVoltage:    uMean,
		SampleResistance: uMean / iMean,
		ResistanceStdDev: rStd,
		SourceVoltage:    usMean,
		SourceCurrent:    iMean,
		SourceResistance: usMean / iMean,
		Time:             e.now().Round(0).Truncate(time.Microsecond),
	}, nil
}

type deltaPass struct {
	u, i, us float64
}

// pass sources +I then -I and returns the half differences. The source is
// left at +I afterwards.
func (e *Engine) pass(current float64) (deltaPass, error) {
	uPlus, usPlus, iPlus, err := e.readAt(current)
	if err != nil {
		return deltaPass{}, err
	}
	uMinus, usMinus, iMinus, err := e.readAt(-current)
	if err != nil {
		return deltaPass{}, err
	}
	if err := e.inst.SetSourceCurrent(current); err != nil {
		return deltaPass{}, errdefs.Comm("set source current", err)
	}

	return deltaPass{
		u:  (uPlus - uMinus) / 2,
		i:  (iPlus - iMinus) / 2,
		us: (usPlus - usMinus) / 2,
	}, nil
}

func (e *Engine) readAt(current float64) (u, us, i float64, err error) {
	if err = e.inst.SetSourceCurrent(current); err != nil {
		return 0, 0, 0, errdefs.Comm("set source current", err)
	}
	if u, err = e.inst.ReadSenseVoltage(); err != nil {
		return 0, 0, 0, errdefs.Comm("read sense voltage", err)
	}
	if us, i, err = e.inst.ReadSourceVoltageCurrent(); err != nil {
		return 0, 0, 0, errdefs.Comm("read source", err)
	}
	return u, us, i, nil
}
