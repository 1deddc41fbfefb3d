// Package sequence runs a multi-stage temperature program: it expands stages
// into setpoints, ramps the thermal controller to each, waits for it to settle
// and takes one delta-mode measurement per setpoint.
package sequence

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cryolab/deltarun/pkg/errdefs"
	"github.com/cryolab/deltarun/pkg/instrument"
	"github.com/cryolab/deltarun/pkg/measure"
)

// AbortAlarmLevel is the alarm level at which a run stops itself.
const AbortAlarmLevel = 2

// ErrRunConsumed is yielded when the samples of a run are iterated twice.
var ErrRunConsumed = errors.New("run already started")

// Measurer is satisfied by *measure.Engine.
type Measurer interface {
	Measure(ctx context.Context, setpoint float64, repeats int) (measure.Sample, error)
}

// SampleSink receives every sample as it is taken, before it is yielded.
type SampleSink interface {
	AppendSample(s measure.Sample) error
}

// Config holds the tunables of a Sequencer. Zero values get defaults.
type Config struct {
	PollInterval time.Duration
	Repeats      int
	// Overhead seeds the per-step measurement time used for the ETA.
	Overhead time.Duration
	Limits   Limits
	Clock    Clock
	// Current returns the current setpoint at measurement time.
	Current func() float64

	OnProgress func(Progress)
	OnSample   func(measure.Sample)
}

type Sequencer struct {
	thermal instrument.ThermalController
	meter   Measurer
	cfg     Config
}

func New(thermal instrument.ThermalController, meter Measurer, cfg Config) *Sequencer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Repeats <= 0 {
		cfg.Repeats = 15
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock
	}
	if cfg.Current == nil {
		cfg.Current = func() float64 { return 1e-6 }
	}
	return &Sequencer{thermal: thermal, meter: meter, cfg: cfg}
}

// NewRun validates stages, reads the start temperature and expands the
// program. No command other than a status query is sent.
func (s *Sequencer) NewRun(stages []Stage, sink SampleSink) (*Run, error) {
	if err := Validate(stages, s.cfg.Limits); err != nil {
		return nil, err
	}
	st, err := s.thermal.Status()
	if err != nil {
		return nil, errdefs.Comm("read status", err)
	}
	steps, err := Expand(st.SampleTemperature, stages)
	if err != nil {
		return nil, err
	}

	r := &Run{
		seq:   s,
		sink:  sink,
		steps: steps,
		est:   newEstimator(s.cfg.Overhead),
		last:  st,
	}
	r.progress = Progress{
		ID:        uuid.NewString(),
		Phase:     PhaseIdle,
		StepPhase: StepPending,
		StepCount: len(steps),
		Remaining: r.est.remaining(steps, 0),
		Device:    st,
	}
	return r, nil
}

// Run is one pass through an expanded program. Its samples can be consumed
// once.
type Run struct {
	seq   *Sequencer
	sink  SampleSink
	steps []Step
	est   *estimator

	started atomic.Bool

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopped  bool
	progress Progress
	last     instrument.DeviceStatus
	err      error
}

// Steps returns the expanded program.
func (r *Run) Steps() []Step {
	return append([]Step(nil), r.steps...)
}

// Progress returns a snapshot of the run.
func (r *Run) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.progress
	if !p.StartedAt.IsZero() && !p.Phase.Done() {
		p.Elapsed = r.seq.cfg.Clock.Now().Sub(p.StartedAt)
	}
	return p
}

// Err returns the error that ended the run, nil if it completed or was
// stopped.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Stop asks the run to end. The current wait or measurement pass is abandoned
// at the next check; it is safe to call from any goroutine.
func (r *Run) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.cancel != nil {
		r.cancel()
	}
}

// Samples executes the program lazily, yielding one sample per step. A fault
// is yielded as the final error. Breaking out of the loop stops the run.
func (r *Run) Samples(ctx context.Context) iter.Seq2[measure.Sample, error] {
	return func(yield func(measure.Sample, error) bool) {
		if !r.started.CompareAndSwap(false, true) {
			yield(measure.Sample{}, ErrRunConsumed)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		r.mu.Lock()
		r.cancel = cancel
		if r.stopped {
			cancel()
		}
		r.mu.Unlock()

		r.update(func(p *Progress) {
			p.Phase = PhaseRunning
			p.StartedAt = r.seq.cfg.Clock.Now()
		})
		logrus.WithFields(logrus.Fields{
			"run":   r.progress.ID,
			"steps": len(r.steps),
		}).Info("run started")

		for i, step := range r.steps {
			sample, err := r.runStep(ctx, i, step)
			if err != nil {
				r.abort(err)
				if ferr := r.Err(); ferr != nil {
					yield(measure.Sample{}, ferr)
				}
				return
			}
			if !yield(sample, nil) {
				r.abort(context.Canceled)
				return
			}
		}

		r.update(func(p *Progress) {
			p.Phase = PhaseCompleted
			p.Remaining = 0
			p.Elapsed = r.seq.cfg.Clock.Now().Sub(p.StartedAt)
		})
		logrus.WithField("run", r.progress.ID).Info("run completed")
	}
}

func (r *Run) runStep(ctx context.Context, i int, step Step) (measure.Sample, error) {
	cfg := r.seq.cfg
	log := logrus.WithFields(logrus.Fields{
		"step":   i + 1,
		"of":     len(r.steps),
		"target": step.Target,
		"rate":   step.Rate,
	})

	r.update(func(p *Progress) {
		p.StepIndex = i
		p.Target = step.Target
		p.StepPhase = StepRamping
		p.Remaining = r.est.remaining(r.steps, i)
	})
	log.WithField("remaining", r.Progress().Remaining.Round(time.Second)).Info("ramping to next setpoint")

	if err := ctx.Err(); err != nil {
		return measure.Sample{}, err
	}
	if err := r.seq.thermal.Ramp(step.Rate, step.Target); err != nil {
		return measure.Sample{}, errdefs.Comm("ramp", err)
	}
	if err := cfg.Clock.Sleep(ctx, cfg.PollInterval); err != nil {
		return measure.Sample{}, err
	}
	st, err := r.poll()
	if err != nil {
		return measure.Sample{}, err
	}

	var lastLogged instrument.DeviceStatus
	for st.Phase == instrument.PhaseRamp {
		if err := checkAbort(ctx, st); err != nil {
			return measure.Sample{}, err
		}
		if st.AlarmLevel != lastLogged.AlarmLevel || st.AlarmMessage != lastLogged.AlarmMessage {
			log.WithFields(logrus.Fields{
				"alarmLevel": st.AlarmLevel,
				"alarm":      st.AlarmMessage,
			}).Warn("thermal controller alarm while ramping")
			lastLogged = st
		}
		if err := cfg.Clock.Sleep(ctx, cfg.PollInterval); err != nil {
			return measure.Sample{}, err
		}
		if st, err = r.poll(); err != nil {
			return measure.Sample{}, err
		}
	}

	r.update(func(p *Progress) { p.StepPhase = StepDwelling })
	deadline := cfg.Clock.Now().Add(step.Dwell)
	for {
		if err := checkAbort(ctx, st); err != nil {
			return measure.Sample{}, err
		}
		left := deadline.Sub(cfg.Clock.Now())
		if left <= 0 {
			break
		}
		if err := cfg.Clock.Sleep(ctx, min(cfg.PollInterval, left)); err != nil {
			return measure.Sample{}, err
		}
		if st, err = r.poll(); err != nil {
			return measure.Sample{}, err
		}
	}

	r.update(func(p *Progress) { p.StepPhase = StepMeasuring })
	began := cfg.Clock.Now()
	sample, err := r.seq.meter.Measure(ctx, cfg.Current(), cfg.Repeats)
	if err != nil {
		return measure.Sample{}, err
	}
	r.est.observe(cfg.Clock.Now().Sub(began))

	sample.SampleTemperature = st.SampleTemperature
	sample.CryostatTemperature = st.ActuatorTemperature

	if r.sink != nil {
		if err := r.sink.AppendSample(sample); err != nil {
			return measure.Sample{}, err
		}
	}
	if cfg.OnSample != nil {
		cfg.OnSample(sample)
	}

	r.update(func(p *Progress) {
		p.StepPhase = StepSettled
		p.Samples++
		p.Remaining = r.est.remaining(r.steps, i+1)
	})
	log.WithFields(logrus.Fields{
		"temperature": sample.SampleTemperature,
		"resistance":  sample.SampleResistance,
	}).Info("step measured")

	return sample, nil
}

// poll reads the controller status and records it as the last known one.
func (r *Run) poll() (instrument.DeviceStatus, error) {
	st, err := r.seq.thermal.Status()
	if err != nil {
		return st, errdefs.Comm("read status", err)
	}
	r.mu.Lock()
	r.last = st
	r.progress.Device = st
	r.mu.Unlock()
	return st, nil
}

func checkAbort(ctx context.Context, st instrument.DeviceStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if st.AlarmLevel >= AbortAlarmLevel {
		return &errdefs.AlarmError{Level: st.AlarmLevel, Message: st.AlarmMessage}
	}
	return nil
}

// abort finalizes a run that did not complete. It re-reads the controller
// status once and sends a single stop command if any alarm is raised.
func (r *Run) abort(cause error) {
	phase := PhaseFaulted
	var runErr error
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		phase = PhaseStopped
	} else {
		runErr = cause
	}

	st, err := r.seq.thermal.Status()
	if err != nil {
		logrus.WithError(err).Warn("failed to read status after abort, using last known status")
		r.mu.Lock()
		st = r.last
		r.mu.Unlock()
	}
	if st.AlarmLevel != 0 {
		logrus.WithFields(logrus.Fields{
			"alarmLevel": st.AlarmLevel,
			"alarm":      st.AlarmMessage,
		}).Warn("stopping thermal controller")
		if err := r.seq.thermal.Stop(); err != nil {
			logrus.WithError(err).Error("failed to stop thermal controller")
		}
	}

	r.mu.Lock()
	r.err = runErr
	r.last = st
	r.progress.Device = st
	r.progress.Phase = phase
	if phase == PhaseFaulted {
		r.progress.StepPhase = StepFaulted
		r.progress.Error = cause.Error()
	}
	r.progress.Elapsed = r.seq.cfg.Clock.Now().Sub(r.progress.StartedAt)
	snapshot := r.progress
	r.mu.Unlock()

	if r.seq.cfg.OnProgress != nil {
		r.seq.cfg.OnProgress(snapshot)
	}

	entry := logrus.WithFields(logrus.Fields{
		"run":   snapshot.ID,
		"phase": phase,
		"step":  snapshot.StepIndex + 1,
	})
	if runErr != nil {
		entry.WithError(runErr).Error("run faulted")
	} else {
		entry.Info("run stopped")
	}
}

func (r *Run) update(f func(p *Progress)) {
	r.mu.Lock()
	f(&r.progress)
	snapshot := r.progress
	r.mu.Unlock()

	if r.seq.cfg.OnProgress != nil {
		r.seq.cfg.OnProgress(snapshot)
	}
}
