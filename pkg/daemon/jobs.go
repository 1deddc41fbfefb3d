package daemon

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/cryolab/deltarun/pkg/calibration"
	"github.com/cryolab/deltarun/pkg/errdefs"
	"github.com/cryolab/deltarun/pkg/events"
	"github.com/cryolab/deltarun/pkg/measure"
	"github.com/cryolab/deltarun/pkg/runlog"
	"github.com/cryolab/deltarun/pkg/sequence"
	"github.com/cryolab/deltarun/pkg/types"
)

var (
	// ErrBusy is returned when another worker owns the instruments.
	ErrBusy = errors.New("instruments are busy")
	// ErrNotRunning is returned when stopping a worker that is not active.
	ErrNotRunning = errors.New("no such worker is running")
)

type job struct {
	kind   types.WorkerKind
	ctx    context.Context
	cancel context.CancelFunc
	// stop is an additional stop hook, guarded by Daemon.mu.
	stop func()
	// engine is set once the worker measures, guarded by Daemon.mu.
	engine *measure.Engine
	done   chan struct{}
}

// reserve claims the instruments for a worker of kind.
func (d *Daemon) reserve(kind types.WorkerKind) (*job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.job != nil {
		return nil, fmt.Errorf("%w: %s in progress", ErrBusy, d.job.kind)
	}
	ctx, cancel := context.WithCancel(d.ctx)
	j := &job{kind: kind, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	d.job = j
	return j, nil
}

func (d *Daemon) release(j *job) {
	d.mu.Lock()
	if d.job == j {
		d.job = nil
	}
	d.mu.Unlock()
	j.cancel()
	close(j.done)
}

// launch runs f in the background and releases j when it returns.
func (d *Daemon) launch(j *job, f func(ctx context.Context)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.release(j)
		f(j.ctx)
	}()
}

// stopJob stops the worker of kind and waits until it has released the
// instruments or ctx ends.
func (d *Daemon) stopJob(ctx context.Context, kind types.WorkerKind) error {
	d.mu.Lock()
	j := d.job
	if j == nil || j.kind != kind {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRunning, kind)
	}
	stop := j.stop
	d.mu.Unlock()

	if stop != nil {
		stop()
	}
	j.cancel()

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Daemon) worker() types.WorkerKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.job == nil {
		return types.WorkerNone
	}
	return d.job.kind
}

func (d *Daemon) logOptions() runlog.Options {
	return runlog.Options{
		Dir:     d.conf.LogDir(),
		Comma:   d.conf.Delimiter(),
		Archive: d.archive,
	}
}

// engine builds the measurement engine of j. A config reload updates its
// ceiling while j runs.
func (d *Daemon) engine(j *job) *measure.Engine {
	e := measure.NewEngine(d.rig.Electrical,
		measure.WithCeiling(d.conf.CurrentCeiling()),
		measure.WithClock(d.clock.Now),
		measure.WithClampHook(func(requested, applied float64) {
			d.hub.Publish(events.MeasureClamp, events.ClampEvent{
				Requested: requested,
				Applied:   applied,
				Ts:        d.clock.Now().Unix(),
			})
		}),
	)
	d.mu.Lock()
	j.engine = e
	d.mu.Unlock()
	return e
}

func (d *Daemon) recordSample(kind types.WorkerKind, s measure.Sample) {
	d.latest.Store(&s)
	d.hub.Publish(events.RunSample, events.RunSampleEvent{Kind: string(kind), Sample: s})
}

// SetCurrent validates and persists the working current setpoint.
func (d *Daemon) SetCurrent(amps float64) error {
	if err := d.conf.SetCurrent(amps); err != nil {
		return err
	}
	d.current.Store(math.Float64bits(amps))
	if err := d.conf.Save(); err != nil {
		return err
	}
	logrus.WithField("current", amps).Info("current setpoint changed")
	return nil
}

// StartRun starts a stage run. Without stages the persisted program runs.
// Everything that can be rejected is checked before the worker starts.
func (d *Daemon) StartRun(stages []sequence.Stage) (sequence.Progress, error) {
	if len(stages) == 0 {
		stages = d.conf.Stages()
	}
	if len(stages) == 0 {
		return sequence.Progress{}, errdefs.Configf("stages", "no stage program configured")
	}
	if err := sequence.Validate(stages, d.conf.TemperatureLimits()); err != nil {
		return sequence.Progress{}, err
	}

	j, err := d.reserve(types.WorkerRun)
	if err != nil {
		return sequence.Progress{}, err
	}

	session, err := runlog.Start(d.logOptions(), runlog.KindRun, d.clock.Now())
	if err != nil {
		d.release(j)
		return sequence.Progress{}, err
	}
	logFile := session.Path()

	lastPhase := sequence.PhaseIdle
	seq := sequence.New(d.rig.Thermal, d.engine(j), sequence.Config{
		PollInterval: d.conf.PollInterval(),
		Repeats:      d.conf.Repeats(),
		Overhead:     d.conf.MeasurementOverhead(),
		Limits:       d.conf.TemperatureLimits(),
		Clock:        d.clock,
		Current:      d.Current,
		OnProgress: func(p sequence.Progress) {
			d.mu.Lock()
			d.run = &p
			d.device = &p.Device
			d.mu.Unlock()

			if p.Phase != lastPhase {
				d.hub.Publish(events.RunPhase, events.RunPhaseEvent{
					Kind:    string(types.WorkerRun),
					RunID:   p.ID,
					From:    lastPhase,
					To:      p.Phase,
					Message: p.Error,
					LogFile: logFile,
					Ts:      d.clock.Now().Unix(),
				})
				lastPhase = p.Phase
			}
			d.hub.Publish(events.RunProgress, events.RunProgressEvent{Progress: p})
		},
		OnSample: func(s measure.Sample) { d.recordSample(types.WorkerRun, s) },
	})

	run, err := seq.NewRun(stages, session)
	if err != nil {
		_ = session.Close("Rejected", err)
		d.release(j)
		return sequence.Progress{}, err
	}

	p := run.Progress()
	d.mu.Lock()
	j.stop = run.Stop
	d.run = &p
	d.runLog = logFile
	d.device = &p.Device
	d.mu.Unlock()

	d.launch(j, func(ctx context.Context) {
		for _, err := range run.Samples(ctx) {
			if err != nil {
				break
			}
		}
		final := run.Progress()
		if err := session.Close(string(final.Phase), run.Err()); err != nil {
			logrus.WithError(err).Error("failed to close run log")
		}
	})
	return p, nil
}

func (d *Daemon) StopRun(ctx context.Context) error {
	return d.stopJob(ctx, types.WorkerRun)
}

func (d *Daemon) startScheduledRun() error {
	_, err := d.StartRun(nil)
	return err
}

func (d *Daemon) preCheckScheduledRun() error {
	if w := d.worker(); w != types.WorkerNone {
		return fmt.Errorf("%w: %s in progress", ErrBusy, w)
	}
	if len(d.conf.Stages()) == 0 {
		return errdefs.Configf("stages", "no stage program configured")
	}
	return nil
}

// StartMeasure measures count times at the present temperature, or until
// stopped if count is 0.
func (d *Daemon) StartMeasure(count int) (types.ContinuousStatus, error) {
	if count < 0 {
		return types.ContinuousStatus{}, errdefs.Configf("count", "must not be negative, got %d", count)
	}

	j, err := d.reserve(types.WorkerContinuous)
	if err != nil {
		return types.ContinuousStatus{}, err
	}

	started := d.clock.Now()
	session, err := runlog.Start(d.logOptions(), runlog.KindContinuous, started)
	if err != nil {
		d.release(j)
		return types.ContinuousStatus{}, err
	}

	st := types.ContinuousStatus{Phase: sequence.PhaseRunning, Count: count, StartedAt: started}
	tracked := st
	d.mu.Lock()
	d.continuous = &tracked
	d.runLog = session.Path()
	d.mu.Unlock()
	d.publishContinuousPhase(sequence.PhaseIdle, st, session.Path())

	engine := d.engine(j)
	d.launch(j, func(ctx context.Context) {
		err := d.measureLoop(ctx, engine, session, count)

		phase := sequence.PhaseCompleted
		switch {
		case errors.Is(err, context.Canceled):
			phase, err = sequence.PhaseStopped, nil
		case err != nil:
			phase = sequence.PhaseFaulted
			logrus.WithError(err).Error("continuous measurement faulted")
		}

		d.mu.Lock()
		d.continuous.Phase = phase
		if err != nil {
			d.continuous.Error = err.Error()
		}
		final := *d.continuous
		d.mu.Unlock()
		d.publishContinuousPhase(sequence.PhaseRunning, final, session.Path())

		if cerr := session.Close(string(phase), err); cerr != nil {
			logrus.WithError(cerr).Error("failed to close measurement log")
		}
	})
	return st, nil
}

func (d *Daemon) measureLoop(ctx context.Context, engine *measure.Engine, sink runlog.Sink, count int) error {
	for n := 0; count == 0 || n < count; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		st, err := d.rig.Thermal.Status()
		if err != nil {
			return errdefs.Comm("read status", err)
		}
		d.mu.Lock()
		d.device = &st
		d.mu.Unlock()
		if st.AlarmLevel >= sequence.AbortAlarmLevel {
			return &errdefs.AlarmError{Level: st.AlarmLevel, Message: st.AlarmMessage}
		}

		s, err := engine.Measure(ctx, d.Current(), d.conf.Repeats())
		if err != nil {
			return err
		}
		s.SampleTemperature = st.SampleTemperature
		s.CryostatTemperature = st.ActuatorTemperature
		if err := sink.AppendSample(s); err != nil {
			return err
		}
		d.recordSample(types.WorkerContinuous, s)

		d.mu.Lock()
		d.continuous.Taken++
		d.mu.Unlock()
	}
	return nil
}

func (d *Daemon) publishContinuousPhase(from sequence.Phase, st types.ContinuousStatus, logFile string) {
	d.hub.Publish(events.RunPhase, events.RunPhaseEvent{
		Kind:    string(types.WorkerContinuous),
		From:    from,
		To:      st.Phase,
		Message: st.Error,
		LogFile: logFile,
		Ts:      d.clock.Now().Unix(),
	})
}

func (d *Daemon) StopMeasure(ctx context.Context) error {
	return d.stopJob(ctx, types.WorkerContinuous)
}

// StartCalibration starts a merit sweep or a spread search.
func (d *Daemon) StartCalibration(req types.CalibrationRequest) (calibration.Status, error) {
	switch req.Mode {
	case "", types.CalibrationMerit:
		return d.startMeritCalibration(req)
	case types.CalibrationSpread:
		return d.startSpreadSearch(req)
	default:
		return calibration.Status{}, errdefs.Configf("mode", "unknown calibration mode %q", req.Mode)
	}
}

func (d *Daemon) startMeritCalibration(req types.CalibrationRequest) (calibration.Status, error) {
	p := d.conf.Calibration()
	if req.Params != nil {
		p = *req.Params
	}
	if err := p.Validate(); err != nil {
		return calibration.Status{}, err
	}
	if p.VoltageMax > d.conf.VoltageCeiling() {
		return calibration.Status{}, errdefs.Configf("voltageMax", "%g V exceeds the voltage ceiling %g V", p.VoltageMax, d.conf.VoltageCeiling())
	}

	j, err := d.reserve(types.WorkerCalibration)
	if err != nil {
		return calibration.Status{}, err
	}

	started := d.clock.Now()
	session, err := runlog.Start(d.logOptions(), runlog.KindCalibration, started)
	if err != nil {
		d.release(j)
		return calibration.Status{}, err
	}

	st := calibration.Status{
		Phase:     calibration.PhaseSweeping,
		Mode:      string(types.CalibrationMerit),
		StartedAt: started,
		Params:    p,
		LogFile:   session.Path(),
	}
	tracked := st
	d.mu.Lock()
	d.calibration = &tracked
	d.mu.Unlock()

	cal := calibration.New(d.rig.Electrical,
		calibration.WithSink(session),
		calibration.WithClock(d.clock.Now),
		calibration.WithPointHook(func(pt calibration.Point) {
			d.mu.Lock()
			d.calibration.Points++
			d.mu.Unlock()
			d.hub.Publish(events.CalibrationPoint, events.CalibrationPointEvent{Point: pt})
		}),
	)

	d.launch(j, func(ctx context.Context) {
		res, err := cal.Calibrate(ctx, p)
		phase, msg := calibrationOutcome(err)
		if err == nil {
			msg = fmt.Sprintf("recommended %g A at %g V", res.Recommendation.Current, res.Recommendation.Voltage)
		}

		applied := false
		if err == nil && req.Apply {
			if aerr := d.SetCurrent(res.Recommendation.Current); aerr != nil {
				msg += ", not applied: " + aerr.Error()
			} else {
				applied = true
			}
		}

		d.mu.Lock()
		d.calibration.Phase = phase
		d.calibration.Applied = applied
		d.calibration.Message = msg
		d.calibration.Result = &res
		if err != nil {
			d.calibration.LastError = err.Error()
		}
		d.mu.Unlock()

		d.hub.Publish(events.CalibrationResult, events.CalibrationResultEvent{
			Phase:          phase,
			Recommendation: res.Recommendation,
			Applied:        applied,
			Message:        msg,
			Ts:             d.clock.Now().Unix(),
		})
		if cerr := session.Close(string(phase), err); cerr != nil {
			logrus.WithError(cerr).Error("failed to close calibration log")
		}
	})
	return st, nil
}

func (d *Daemon) startSpreadSearch(req types.CalibrationRequest) (calibration.Status, error) {
	p := calibration.DefaultSpreadParams()
	if req.Spread != nil {
		p = *req.Spread
	}
	p.CurrentMax = min(p.CurrentMax, d.conf.CurrentCeiling())
	if err := p.Validate(); err != nil {
		return calibration.Status{}, err
	}

	j, err := d.reserve(types.WorkerCalibration)
	if err != nil {
		return calibration.Status{}, err
	}

	started := d.clock.Now()
	session, err := runlog.Start(d.logOptions(), runlog.KindSpread, started)
	if err != nil {
		d.release(j)
		return calibration.Status{}, err
	}

	st := calibration.Status{
		Phase:     calibration.PhaseSweeping,
		Mode:      string(types.CalibrationSpread),
		StartedAt: started,
		LogFile:   session.Path(),
	}
	tracked := st
	d.mu.Lock()
	d.calibration = &tracked
	d.mu.Unlock()

	cal := calibration.New(d.rig.Electrical,
		calibration.WithReadingSink(session),
		calibration.WithClock(d.clock.Now),
	)
	d.launch(j, func(ctx context.Context) {
		res, err := cal.SearchSpread(ctx, p)
		phase, msg := calibrationOutcome(err)
		if err == nil {
			msg = fmt.Sprintf("relative spread below %g at %g A", p.MaxRelativeSpread, res.Current)
		}

		applied := false
		if err == nil && req.Apply {
			if aerr := d.SetCurrent(res.Current); aerr != nil {
				msg += ", not applied: " + aerr.Error()
			} else {
				applied = true
			}
		}

		d.mu.Lock()
		d.calibration.Phase = phase
		d.calibration.Applied = applied
		d.calibration.Message = msg
		d.calibration.Spread = &res
		d.calibration.Points = len(res.Steps)
		if err != nil {
			d.calibration.LastError = err.Error()
		}
		d.mu.Unlock()

		d.hub.Publish(events.CalibrationResult, events.CalibrationResultEvent{
			Phase:   phase,
			Current: res.Current,
			Applied: applied,
			Message: msg,
			Ts:      d.clock.Now().Unix(),
		})
		if cerr := session.Close(string(phase), err); cerr != nil {
			logrus.WithError(cerr).Error("failed to close spread search log")
		}
	})
	return st, nil
}

func calibrationOutcome(err error) (calibration.Phase, string) {
	switch {
	case err == nil:
		return calibration.PhaseDone, ""
	case errors.Is(err, errdefs.ErrInconclusive):
		return calibration.PhaseInconclusive, "calibration inconclusive"
	case errors.Is(err, context.Canceled):
		return calibration.PhaseInconclusive, "calibration stopped"
	default:
		return calibration.PhaseError, "calibration failed"
	}
}

func (d *Daemon) StopCalibration(ctx context.Context) error {
	return d.stopJob(ctx, types.WorkerCalibration)
}

// Status collects the daemon state. The controller is only queried while no
// worker owns it.
func (d *Daemon) Status() types.Status {
	st := types.Status{
		Current:        d.Current(),
		CurrentCeiling: d.conf.CurrentCeiling(),
		Latest:         d.latest.Load(),
		Simulated:      d.rig.Simulated,
		Schedule:       d.sched.Status(),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.job != nil {
		st.Worker = d.job.kind
	} else {
		dev, err := d.rig.Thermal.Status()
		if err != nil {
			st.DeviceError = err.Error()
		} else {
			d.device = &dev
		}
	}
	if d.device != nil {
		dev := *d.device
		st.Device = &dev
	}
	if d.run != nil {
		p := *d.run
		st.Run = &p
	}
	if d.continuous != nil {
		c := *d.continuous
		st.Continuous = &c
	}
	if d.calibration != nil {
		c := *d.calibration
		st.Calibration = &c
	}
	st.RunLog = d.runLog
	return st
}

// Calibration returns the state of the last calibration, nil if none ran.
func (d *Daemon) Calibration() *calibration.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.calibration == nil {
		return nil
	}
	c := *d.calibration
	return &c
}
