// Package daemon serves the measurement rig over a unix socket. It owns the
// instruments and runs at most one worker at a time: a stage run, a
// calibration or a continuous measurement.
package daemon

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cryolab/deltarun/pkg/calibration"
	"github.com/cryolab/deltarun/pkg/config"
	"github.com/cryolab/deltarun/pkg/errdefs"
	"github.com/cryolab/deltarun/pkg/events"
	"github.com/cryolab/deltarun/pkg/instrument"
	"github.com/cryolab/deltarun/pkg/measure"
	"github.com/cryolab/deltarun/pkg/runlog"
	"github.com/cryolab/deltarun/pkg/sequence"
	"github.com/cryolab/deltarun/pkg/types"
)

type Daemon struct {
	conf    config.Config
	rig     *Rig
	hub     *events.EventHub
	clock   sequence.Clock
	archive *runlog.Archive
	sched   *Scheduler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// current holds the float64 bits of the working current setpoint.
	current atomic.Uint64
	latest  atomic.Pointer[measure.Sample]

	mu          sync.Mutex
	job         *job
	run         *sequence.Progress
	runLog      string
	continuous  *types.ContinuousStatus
	calibration *calibration.Status
	device      *instrument.DeviceStatus
}

type Option func(*Daemon)

// WithClock replaces the wall clock of runs and measurements.
func WithClock(c sequence.Clock) Option {
	return func(d *Daemon) { d.clock = c }
}

// WithArchive mirrors every run log into a.
func WithArchive(a *runlog.Archive) Option {
	return func(d *Daemon) { d.archive = a }
}

func New(conf config.Config, rig *Rig, opts ...Option) *Daemon {
	d := &Daemon{
		conf:  conf,
		rig:   rig,
		hub:   events.NewEventHub(),
		clock: sequence.RealClock,
	}
	for _, o := range opts {
		o(d)
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.current.Store(math.Float64bits(conf.Current()))

	d.sched = NewScheduler(d.startScheduledRun, d.preCheckScheduledRun)
	d.sched.OnUpcoming = func(runAt time.Time) {
		d.hub.Publish(events.ScheduleUpcoming, events.ScheduleEvent{
			RunAt: runAt.Unix(),
			Ts:    time.Now().Unix(),
		})
	}
	d.sched.OnError = func(err error) {
		logrus.WithError(err).Warn("scheduled run did not start")
		d.hub.Publish(events.ScheduleError, events.ScheduleEvent{
			Message: err.Error(),
			Ts:      time.Now().Unix(),
		})
	}
	if expr := conf.Schedule(); expr != "" {
		if err := d.sched.Schedule(expr); err != nil {
			logrus.WithError(err).Errorf("ignoring invalid schedule %q", expr)
		}
	}
	return d
}

// Current is the working current setpoint in A.
func (d *Daemon) Current() float64 {
	return math.Float64frombits(d.current.Load())
}

// Events is the hub every worker publishes to.
func (d *Daemon) Events() *events.EventHub { return d.hub }

// Shutdown stops the scheduler and the active worker and waits for it to
// restore the instruments. Event streams are closed last.
func (d *Daemon) Shutdown() {
	d.sched.Stop()
	d.cancel()
	d.mu.Lock()
	if d.job != nil && d.job.stop != nil {
		d.job.stop()
	}
	d.mu.Unlock()
	d.wg.Wait()
	d.hub.Close()
}

func (d *Daemon) setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/config", d.getConfig)
	router.GET("/version", getVersion)
	router.GET("/status", d.getStatus)
	router.GET("/current", d.getCurrent)
	router.PUT("/current", d.setCurrent)
	router.GET("/stages", d.getStages)
	router.PUT("/stages", d.setStages)
	router.POST("/run/start", d.startRun)
	router.POST("/run/stop", d.stopRun)
	router.GET("/calibration", d.getCalibration)
	router.POST("/calibration/start", d.startCalibration)
	router.POST("/calibration/stop", d.stopCalibration)
	router.POST("/measure/start", d.startMeasure)
	router.POST("/measure/stop", d.stopMeasure)
	router.GET("/samples/latest", d.getLatestSample)
	router.PUT("/schedule", d.setSchedule)
	router.POST("/schedule/skip", d.skipSchedule)
	router.POST("/schedule/postpone", d.postponeSchedule)
	router.GET("/events", d.streamEvents)

	return router
}

// RunOptions are the settings the daemon takes from its command line.
type RunOptions struct {
	ConfigPath string
	SocketPath string
	// AllowNonRoot opens the socket to every user, whatever the config says.
	AllowNonRoot bool
	// Simulate uses the simulated rig, whatever the config says.
	Simulate bool
	// ArchivePath overrides the run archive of the config.
	ArchivePath string
}

// LoadConfig reads and validates the configuration file at path. With
// simulate the hardware section may be incomplete.
func LoadConfig(path string, simulate bool) (*config.File, error) {
	conf, err := config.NewFile(path)
	if err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		var ce *errdefs.ConfigurationError
		if !simulate || !errors.As(err, &ce) || ce.Field != "hardware" {
			return nil, pkgerrors.Wrapf(err, "invalid config %s", path)
		}
	}
	return conf, nil
}

// Run loads the configuration, opens the instruments and serves the API on
// the unix socket until SIGINT or SIGTERM.
func Run(o RunOptions) error {
	conf, err := LoadConfig(o.ConfigPath, o.Simulate)
	if err != nil {
		return err
	}
	logrus.WithFields(conf.LogrusFields()).Infof("config loaded")

	var rig *Rig
	if o.Simulate {
		logrus.Info("simulation forced from the command line")
		rig = NewSimulatedRig(conf.Simulation(), time.Now)
	} else if rig, err = OpenRig(conf, time.Now); err != nil {
		return err
	}
	defer func() {
		if err := rig.Close(); err != nil {
			logrus.Errorf("failed to close instruments: %v", err)
		}
	}()

	var opts []Option
	archivePath := o.ArchivePath
	if archivePath == "" {
		archivePath = conf.ArchivePath()
	}
	if archivePath != "" {
		archive, err := runlog.OpenArchive(archivePath)
		if err != nil {
			return err
		}
		defer archive.Close()
		opts = append(opts, WithArchive(archive))
	}

	d := New(conf, rig, opts...)
	srv := &http.Server{
		Handler:           d.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	unixSocketPath := o.SocketPath
	_ = os.Remove(unixSocketPath)
	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		return err
	}

	if conf.AllowNonRootAccess() || o.AllowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		if err := os.Chmod(unixSocketPath, 0777); err != nil {
			_ = l.Close()
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d.sched.Start()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Receive SIGHUP to reload config
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		defer signal.Stop(sigc)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sigc:
				d.reload()
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		logrus.Info("shutting down: stopping active worker")
		d.Shutdown()

		logrus.Info("shutting down http server")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logrus.Errorf("failed to shutdown http server: %v", err)
		}
		return nil
	})

	err = g.Wait()
	logrus.Info("exiting")
	return err
}

// reload re-reads the configuration file. The working current, the current
// ceiling of an active worker and the schedule follow the file.
func (d *Daemon) reload() {
	if err := d.conf.Load(); err != nil {
		logrus.Errorf("failed to reload config: %v", err)
		return
	}
	d.current.Store(math.Float64bits(d.conf.Current()))
	d.mu.Lock()
	if d.job != nil && d.job.engine != nil {
		d.job.engine.SetCeiling(d.conf.CurrentCeiling())
	}
	d.mu.Unlock()
	if err := d.sched.Schedule(d.conf.Schedule()); err != nil {
		logrus.WithError(err).Error("ignoring invalid schedule after reload")
	}
	logrus.Infof("config reloaded")
}
