package daemon

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/cryolab/deltarun/pkg/config"
	"github.com/cryolab/deltarun/pkg/errdefs"
	"github.com/cryolab/deltarun/pkg/sequence"
	"github.com/cryolab/deltarun/pkg/types"
	"github.com/cryolab/deltarun/pkg/version"
)

// abortWithError answers with err as a JSON string and a status code that
// matches its kind.
func abortWithError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errdefs.IsConfiguration(err):
		code = http.StatusBadRequest
	case errors.Is(err, ErrBusy), errors.Is(err, ErrNotRunning):
		code = http.StatusConflict
	case errdefs.IsComm(err):
		code = http.StatusBadGateway
	}
	c.IndentedJSON(code, err.Error())
	_ = c.AbortWithError(code, err)
}

func badRequest(c *gin.Context, err error) {
	c.IndentedJSON(http.StatusBadRequest, err.Error())
	_ = c.AbortWithError(http.StatusBadRequest, err)
}

// bindOptionalJSON binds the body into v unless the body is empty.
func bindOptionalJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return false
	}
	return true
}

func (d *Daemon) getConfig(c *gin.Context) {
	fc, err := config.NewRawFileConfigFromConfig(d.conf)
	if err != nil {
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, fc)
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}

func (d *Daemon) getStatus(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, d.Status())
}

func (d *Daemon) getCurrent(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, d.Current())
}

func (d *Daemon) setCurrent(c *gin.Context) {
	var amps float64
	if err := c.BindJSON(&amps); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if err := d.SetCurrent(amps); err != nil {
		logrus.Errorf("setCurrent failed: %v", err)
		abortWithError(c, err)
		return
	}

	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("set current setpoint to %g A", amps))
}

func (d *Daemon) getStages(c *gin.Context) {
	stages := d.conf.Stages()
	if stages == nil {
		stages = []sequence.Stage{}
	}
	c.IndentedJSON(http.StatusOK, stages)
}

func (d *Daemon) setStages(c *gin.Context) {
	var stages []sequence.Stage
	if err := c.BindJSON(&stages); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if err := d.conf.SetStages(stages); err != nil {
		abortWithError(c, err)
		return
	}
	if err := d.conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		abortWithError(c, err)
		return
	}

	logrus.WithField("stages", len(stages)).Info("stage program changed")
	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("stored %d stages", len(stages)))
}

func (d *Daemon) startRun(c *gin.Context) {
	var req types.RunRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	p, err := d.StartRun(req.Stages)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusCreated, p)
}

func (d *Daemon) stopRun(c *gin.Context) {
	if err := d.StopRun(c.Request.Context()); err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusCreated, "ok")
}

func (d *Daemon) getCalibration(c *gin.Context) {
	st := d.Calibration()
	if st == nil {
		err := errors.New("no calibration has run yet")
		c.IndentedJSON(http.StatusNotFound, err.Error())
		_ = c.AbortWithError(http.StatusNotFound, err)
		return
	}
	c.IndentedJSON(http.StatusOK, st)
}

func (d *Daemon) startCalibration(c *gin.Context) {
	var req types.CalibrationRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	st, err := d.StartCalibration(req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusCreated, st)
}

func (d *Daemon) stopCalibration(c *gin.Context) {
	if err := d.StopCalibration(c.Request.Context()); err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusCreated, "ok")
}

func (d *Daemon) startMeasure(c *gin.Context) {
	var req types.MeasureRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	st, err := d.StartMeasure(req.Count)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusCreated, st)
}

func (d *Daemon) stopMeasure(c *gin.Context) {
	if err := d.StopMeasure(c.Request.Context()); err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusCreated, "ok")
}

func (d *Daemon) getLatestSample(c *gin.Context) {
	s := d.latest.Load()
	if s == nil {
		err := errors.New("no sample has been taken yet")
		c.IndentedJSON(http.StatusNotFound, err.Error())
		_ = c.AbortWithError(http.StatusNotFound, err)
		return
	}
	c.IndentedJSON(http.StatusOK, s)
}

func (d *Daemon) setSchedule(c *gin.Context) {
	var expr string
	if err := c.BindJSON(&expr); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if err := d.sched.Schedule(expr); err != nil {
		badRequest(c, fmt.Errorf("invalid cron expression %q: %w", expr, err))
		return
	}
	d.conf.SetSchedule(expr)
	if err := d.conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		abortWithError(c, err)
		return
	}

	if expr == "" {
		logrus.Info("scheduled runs disabled")
	} else {
		logrus.WithField("cron", expr).Info("scheduled runs enabled")
	}
	c.IndentedJSON(http.StatusCreated, d.sched.Status())
}

func (d *Daemon) skipSchedule(c *gin.Context) {
	if err := d.sched.Skip(); err != nil {
		badRequest(c, err)
		return
	}
	c.IndentedJSON(http.StatusCreated, d.sched.Status())
}

func (d *Daemon) postponeSchedule(c *gin.Context) {
	var s string
	if err := c.BindJSON(&s); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		badRequest(c, err)
		return
	}

	if err := d.sched.Postpone(dur); err != nil {
		badRequest(c, err)
		return
	}
	c.IndentedJSON(http.StatusCreated, d.sched.Status())
}

// streamEvents forwards hub events as server-sent events until the client
// goes away or the hub is closed.
func (d *Daemon) streamEvents(c *gin.Context) {
	ch := d.hub.Subscribe()
	defer d.hub.Unsubscribe(ch)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	// Subscribers wait for the response headers before reading events.
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, string(ev.Data))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
