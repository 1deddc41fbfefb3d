package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cryolab/deltarun/pkg/calibration"
	"github.com/cryolab/deltarun/pkg/config"
	"github.com/cryolab/deltarun/pkg/instrument"
	"github.com/cryolab/deltarun/pkg/instrument/sim"
	"github.com/cryolab/deltarun/pkg/measure"
	"github.com/cryolab/deltarun/pkg/runlog"
	"github.com/cryolab/deltarun/pkg/sequence"
	"github.com/cryolab/deltarun/pkg/types"
	"github.com/cryolab/deltarun/pkg/utils/ptr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

// virtualClock advances by the requested duration on every Sleep, yielding
// briefly so that stop requests can interleave.
type virtualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newVirtualClock() *virtualClock {
	return &virtualClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *virtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *virtualClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()

	t := time.NewTimer(100 * time.Microsecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type testEnv struct {
	d      *Daemon
	router *gin.Engine
	cryo   *sim.Cryostat
	conf   *config.File
	dir    string
}

func newTestEnv(t *testing.T, tweak func(*config.RawFileConfig)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	quiet := config.DefaultSimulation()
	quiet.Resistor.Offset = 0
	quiet.Resistor.Noise = 0
	quiet.Resistor.Heating = 0

	raw := &config.RawFileConfig{
		Current:    ptr.To(1e-4),
		Repeats:    ptr.To(3),
		LogDir:     ptr.To(filepath.Join(dir, "logs")),
		Simulate:   ptr.To(true),
		Simulation: &quiet,
	}
	if tweak != nil {
		tweak(raw)
	}
	conf := config.NewFileFromConfig(raw, filepath.Join(dir, "config.json"))

	clock := newVirtualClock()
	sc := conf.Simulation()
	res, cryo := sim.NewRig(sc.Resistor, sc.Cryostat, clock.Now)
	rig := &Rig{Electrical: res, Thermal: cryo, Simulated: true}

	d := New(conf, rig, WithClock(clock))
	t.Cleanup(d.Shutdown)

	return &testEnv{d: d, router: d.setupRoutes(), cryo: cryo, conf: conf, dir: dir}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.d.worker() == types.WorkerNone
	}, 10*time.Second, time.Millisecond)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func readSamples(t *testing.T, path string) []measure.Sample {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	samples, err := runlog.ReadSamples(f, ',')
	require.NoError(t, err)
	return samples
}

// longStage ramps so slowly that a run only ends when stopped.
var longStage = sequence.Stage{Target: 10, Rate: 0.01, Width: 285}

func TestRunCompletes(t *testing.T) {
	e := newTestEnv(t, nil)

	w := e.do(t, http.MethodPost, "/run/start", types.RunRequest{
		Stages: []sequence.Stage{{Target: 285, Width: 5}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	p := decode[sequence.Progress](t, w)
	assert.Equal(t, sequence.PhaseIdle, p.Phase)
	assert.Equal(t, 2, p.StepCount)
	assert.NotEmpty(t, p.ID)

	e.waitIdle(t)

	st := decode[types.Status](t, e.do(t, http.MethodGet, "/status", nil))
	require.NotNil(t, st.Run)
	assert.Equal(t, sequence.PhaseCompleted, st.Run.Phase)
	assert.Equal(t, 2, st.Run.Samples)
	assert.Equal(t, types.WorkerNone, st.Worker)
	require.NotNil(t, st.Latest)
	assert.Equal(t, 285.0, st.Latest.SampleTemperature)

	samples := readSamples(t, st.RunLog)
	require.Len(t, samples, 2)
	assert.Equal(t, 290.0, samples[0].SampleTemperature)
	assert.Equal(t, 285.0, samples[1].SampleTemperature)
	want := 100 * (1 + 0.00385*(290-273.15))
	assert.InDelta(t, want, samples[0].SampleResistance, 1e-6)
	assert.Equal(t, 1e-4, samples[0].CurrentSetpoint)
}

func TestRunUsesPersistedProgram(t *testing.T) {
	e := newTestEnv(t, func(c *config.RawFileConfig) {
		c.Stages = []sequence.Stage{{Target: 290, Width: 10}}
	})

	w := e.do(t, http.MethodPost, "/run/start", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, 1, decode[sequence.Progress](t, w).StepCount)
	e.waitIdle(t)
}

func TestRunRejected(t *testing.T) {
	e := newTestEnv(t, nil)

	// no stored program
	w := e.do(t, http.MethodPost, "/run/start", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/run/start", types.RunRequest{
		Stages: []sequence.Stage{{Target: 280, Width: 0}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/run/start", types.RunRequest{
		Stages: []sequence.Stage{{Target: 800, Width: 1}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/run/start", "not a request")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// nothing was logged
	_, err := os.Stat(e.conf.LogDir())
	assert.True(t, os.IsNotExist(err))

	w = e.do(t, http.MethodPost, "/run/stop", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRunStop(t *testing.T) {
	e := newTestEnv(t, nil)

	w := e.do(t, http.MethodPost, "/run/start", types.RunRequest{Stages: []sequence.Stage{longStage}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// the instruments have a single owner
	w = e.do(t, http.MethodPost, "/measure/start", types.MeasureRequest{Count: 1})
	assert.Equal(t, http.StatusConflict, w.Code)
	w = e.do(t, http.MethodPost, "/run/start", types.RunRequest{Stages: []sequence.Stage{longStage}})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(t, http.MethodPost, "/run/stop", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, types.WorkerNone, e.d.worker())

	st := e.d.Status()
	require.NotNil(t, st.Run)
	assert.Equal(t, sequence.PhaseStopped, st.Run.Phase)
	assert.Empty(t, st.Run.Error)
	assert.Empty(t, readSamples(t, st.RunLog))
}

func TestRunFaultsOnAlarm(t *testing.T) {
	e := newTestEnv(t, nil)

	w := e.do(t, http.MethodPost, "/run/start", types.RunRequest{Stages: []sequence.Stage{longStage}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	e.cryo.SetAlarm(2, "compressor pressure")
	e.waitIdle(t)

	st := e.d.Status()
	require.NotNil(t, st.Run)
	assert.Equal(t, sequence.PhaseFaulted, st.Run.Phase)
	assert.Contains(t, st.Run.Error, "compressor pressure")
	require.NotNil(t, st.Device)
	// the controller was told to hold
	assert.Equal(t, instrument.PhaseHold, st.Device.Phase)
	assert.Less(t, st.Device.SampleTemperature, 295.0)
}

func TestMeasureCount(t *testing.T) {
	e := newTestEnv(t, nil)

	w := e.do(t, http.MethodGet, "/samples/latest", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodPost, "/measure/start", types.MeasureRequest{Count: 2})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	e.waitIdle(t)

	st := e.d.Status()
	require.NotNil(t, st.Continuous)
	assert.Equal(t, sequence.PhaseCompleted, st.Continuous.Phase)
	assert.Equal(t, 2, st.Continuous.Taken)
	assert.Contains(t, filepath.Base(st.RunLog), "conti_")
	assert.Len(t, readSamples(t, st.RunLog), 2)

	latest := decode[measure.Sample](t, e.do(t, http.MethodGet, "/samples/latest", nil))
	assert.Equal(t, 295.0, latest.SampleTemperature)

	w = e.do(t, http.MethodPost, "/measure/start", types.MeasureRequest{Count: -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMeasureUntilStopped(t *testing.T) {
	e := newTestEnv(t, nil)

	w := e.do(t, http.MethodPost, "/measure/start", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = e.do(t, http.MethodPost, "/measure/stop", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	st := e.d.Status()
	require.NotNil(t, st.Continuous)
	assert.Equal(t, sequence.PhaseStopped, st.Continuous.Phase)
	assert.Empty(t, st.Continuous.Error)
	assert.Len(t, readSamples(t, st.RunLog), st.Continuous.Taken)
}

func TestMeritCalibrationApplies(t *testing.T) {
	e := newTestEnv(t, nil)

	w := e.do(t, http.MethodGet, "/calibration", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	params := calibration.Params{
		VoltageMin:      1e-3,
		VoltageMax:      1,
		StepMultiplier:  2,
		SamplesPerPoint: 2,
		Weights:         calibration.Weights{Nonlinearity: 1, Noise: 1, Heating: 1},
	}
	w = e.do(t, http.MethodPost, "/calibration/start", types.CalibrationRequest{Params: &params, Apply: true})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	e.waitIdle(t)

	st := decode[calibration.Status](t, e.do(t, http.MethodGet, "/calibration", nil))
	assert.Equal(t, calibration.PhaseDone, st.Phase)
	assert.Equal(t, "merit", st.Mode)
	assert.True(t, st.Applied)
	require.NotNil(t, st.Result)
	require.NotNil(t, st.Result.Recommendation)
	assert.Equal(t, 1e-3, st.Result.Recommendation.Voltage)
	assert.Equal(t, len(st.Result.Points), st.Points)

	heated := 100 * (1 + 0.00385*(295-273.15))
	assert.InDelta(t, 1e-3/(heated+5), st.Result.Recommendation.Current, 1e-12)
	assert.Equal(t, st.Result.Recommendation.Current, e.d.Current())

	// the applied current was persisted
	reloaded, err := config.NewFile(filepath.Join(e.dir, "config.json"))
	require.NoError(t, err)
	assert.Equal(t, e.d.Current(), reloaded.Current())
}

func TestCalibrationRejected(t *testing.T) {
	e := newTestEnv(t, nil)

	params := calibration.DefaultParams()
	params.VoltageMax = 30
	w := e.do(t, http.MethodPost, "/calibration/start", types.CalibrationRequest{Params: &params})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/calibration/start", types.CalibrationRequest{Mode: "guess"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Nil(t, e.d.Calibration())
}

func TestSpreadSearch(t *testing.T) {
	e := newTestEnv(t, func(c *config.RawFileConfig) {
		c.Simulation.Resistor.Noise = 5e-7
	})

	spread := calibration.DefaultSpreadParams()
	w := e.do(t, http.MethodPost, "/calibration/start", types.CalibrationRequest{
		Mode:   types.CalibrationSpread,
		Spread: &spread,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	e.waitIdle(t)

	st := e.d.Calibration()
	require.NotNil(t, st)
	assert.Equal(t, "spread", st.Mode)
	require.NotNil(t, st.Spread)
	assert.Equal(t, len(st.Spread.Steps), st.Points)
	assert.False(t, st.Applied)
	if st.Phase == calibration.PhaseDone {
		assert.Greater(t, st.Spread.Current, 0.0)
	}

	require.NotEmpty(t, st.LogFile)
	assert.True(t, strings.HasPrefix(filepath.Base(st.LogFile), "spread_"))
	readings := readSamples(t, st.LogFile)
	assert.Len(t, readings, 2*spread.SamplesPerPoint*len(st.Spread.Steps))
	if assert.NotEmpty(t, readings) {
		assert.Equal(t, spread.CurrentMin, readings[0].CurrentSetpoint)
		assert.Equal(t, -spread.CurrentMin, readings[spread.SamplesPerPoint].CurrentSetpoint)
	}
}

func TestCurrent(t *testing.T) {
	e := newTestEnv(t, nil)

	assert.Equal(t, 1e-4, decode[float64](t, e.do(t, http.MethodGet, "/current", nil)))

	w := e.do(t, http.MethodPut, "/current", 5e-4)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, 5e-4, decode[float64](t, e.do(t, http.MethodGet, "/current", nil)))

	w = e.do(t, http.MethodPut, "/current", 2e-3)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 5e-4, e.d.Current())

	w = e.do(t, http.MethodPut, "/current", 0)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 5e-4, e.d.Current())
}

func TestReloadUpdatesActiveCeiling(t *testing.T) {
	var raw *config.RawFileConfig
	e := newTestEnv(t, func(c *config.RawFileConfig) { raw = c })

	w := e.do(t, http.MethodPost, "/measure/start", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	edited := *raw
	edited.CurrentCeiling = ptr.To(5e-4)
	require.NoError(t, config.NewFileFromConfig(&edited, filepath.Join(e.dir, "config.json")).Save())
	e.d.reload()

	e.d.mu.Lock()
	require.NotNil(t, e.d.job)
	engine := e.d.job.engine
	e.d.mu.Unlock()
	require.NotNil(t, engine)
	assert.Equal(t, 5e-4, engine.Ceiling())
	assert.Equal(t, 5e-4, e.d.Status().CurrentCeiling)

	w = e.do(t, http.MethodPost, "/measure/stop", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestStages(t *testing.T) {
	e := newTestEnv(t, nil)

	assert.Empty(t, decode[[]sequence.Stage](t, e.do(t, http.MethodGet, "/stages", nil)))

	stages := []sequence.Stage{
		{Target: 100, Rate: 2, Width: 10, Dwell: time.Minute},
		{Target: 300, Rate: 5, Width: 20},
	}
	w := e.do(t, http.MethodPut, "/stages", stages)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, stages, decode[[]sequence.Stage](t, e.do(t, http.MethodGet, "/stages", nil)))

	w = e.do(t, http.MethodPut, "/stages", []sequence.Stage{{Target: 100, Width: -1}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, stages, e.conf.Stages())
}

func TestSchedule(t *testing.T) {
	e := newTestEnv(t, nil)
	e.d.sched.Start()

	w := e.do(t, http.MethodPut, "/schedule", "@every 1h")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	st := decode[types.ScheduleStatus](t, w)
	assert.Equal(t, "@every 1h", st.Cron)
	require.NotNil(t, st.NextRun)
	assert.Equal(t, "@every 1h", e.conf.Schedule())

	w = e.do(t, http.MethodPost, "/schedule/postpone", "10m")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = e.do(t, http.MethodPost, "/schedule/postpone", "soon")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/schedule/skip", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = e.do(t, http.MethodPut, "/schedule", "at noon")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPut, "/schedule", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Nil(t, decode[types.ScheduleStatus](t, w).NextRun)
	assert.Empty(t, e.conf.Schedule())
}

func TestScheduledRunPreCheck(t *testing.T) {
	e := newTestEnv(t, nil)
	assert.Error(t, e.d.preCheckScheduledRun())

	require.NoError(t, e.conf.SetStages([]sequence.Stage{longStage}))
	assert.NoError(t, e.d.preCheckScheduledRun())

	require.NoError(t, e.d.startScheduledRun())
	assert.ErrorIs(t, e.d.preCheckScheduledRun(), ErrBusy)
	require.NoError(t, e.d.StopRun(context.Background()))
}

func TestStatusReadsIdleController(t *testing.T) {
	e := newTestEnv(t, nil)

	st := decode[types.Status](t, e.do(t, http.MethodGet, "/status", nil))
	assert.True(t, st.Simulated)
	assert.Equal(t, types.WorkerNone, st.Worker)
	require.NotNil(t, st.Device)
	assert.Equal(t, 295.0, st.Device.SampleTemperature)
	assert.Equal(t, 1e-4, st.Current)
	assert.Equal(t, 1e-3, st.CurrentCeiling)
	assert.Nil(t, st.Run)
}

func TestConfigAndVersion(t *testing.T) {
	e := newTestEnv(t, nil)

	raw := decode[config.RawFileConfig](t, e.do(t, http.MethodGet, "/config", nil))
	require.NotNil(t, raw.Simulate)
	assert.True(t, *raw.Simulate)
	require.NotNil(t, raw.Repeats)
	assert.Equal(t, 3, *raw.Repeats)

	w := e.do(t, http.MethodGet, "/version", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEventsStreamAnswersBeforeFirstEvent(t *testing.T) {
	e := newTestEnv(t, nil)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	cancel()
}

func TestEventsStream(t *testing.T) {
	e := newTestEnv(t, nil)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Eventually(t, func() bool { return e.d.hub.Subscribers() == 1 }, time.Second, time.Millisecond)

	w := e.do(t, http.MethodPost, "/measure/start", types.MeasureRequest{Count: 1})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	seen := map[string]bool{}
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() && !seen["run.sample"] {
		if name, ok := strings.CutPrefix(sc.Text(), "event:"); ok {
			seen[name] = true
		}
	}
	assert.True(t, seen["run.phase"])
	assert.True(t, seen["run.sample"])

	e.waitIdle(t)
	cancel()
}
