package client

import (
	"encoding/json"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/cryolab/deltarun/pkg/calibration"
	"github.com/cryolab/deltarun/pkg/config"
	"github.com/cryolab/deltarun/pkg/measure"
	"github.com/cryolab/deltarun/pkg/sequence"
	"github.com/cryolab/deltarun/pkg/types"
)

func getJSON[T any](c *Client, path, what string) (*T, error) {
	ret, err := c.Get(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get %s", what)
	}
	var v T
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal %s", what)
	}
	return &v, nil
}

func sendJSON[T any](c *Client, method, path string, body any, what string) (*T, error) {
	data := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		data = string(b)
	}
	ret, err := c.Send(method, path, data)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to %s", what)
	}
	var v T
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal response to %s", what)
	}
	return &v, nil
}

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	return getJSON[config.RawFileConfig](c, "/config", "config")
}

func (c *Client) GetVersion() (string, error) {
	v, err := getJSON[string](c, "/version", "version")
	if err != nil {
		return "", err
	}
	return *v, nil
}

func (c *Client) GetStatus() (*types.Status, error) {
	return getJSON[types.Status](c, "/status", "status")
}

func (c *Client) GetCurrent() (float64, error) {
	ret, err := c.Get("/current")
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to get current setpoint")
	}
	amps, err := strconv.ParseFloat(ret, 64)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to parse current setpoint")
	}
	return amps, nil
}

func (c *Client) SetCurrent(amps float64) (string, error) {
	return c.Put("/current", strconv.FormatFloat(amps, 'g', -1, 64))
}

func (c *Client) GetStages() ([]sequence.Stage, error) {
	stages, err := getJSON[[]sequence.Stage](c, "/stages", "stage program")
	if err != nil {
		return nil, err
	}
	return *stages, nil
}

func (c *Client) SetStages(stages []sequence.Stage) (string, error) {
	if stages == nil {
		stages = []sequence.Stage{}
	}
	payload, err := json.Marshal(stages)
	if err != nil {
		return "", err
	}
	return c.Put("/stages", string(payload))
}

// StartRun starts a stage run. Without stages the stored program runs.
func (c *Client) StartRun(stages []sequence.Stage) (*sequence.Progress, error) {
	return sendJSON[sequence.Progress](c, "POST", "/run/start", types.RunRequest{Stages: stages}, "start run")
}

func (c *Client) StopRun() (string, error) {
	return c.Post("/run/stop", "")
}

func (c *Client) GetCalibration() (*calibration.Status, error) {
	return getJSON[calibration.Status](c, "/calibration", "calibration status")
}

func (c *Client) StartCalibration(req types.CalibrationRequest) (*calibration.Status, error) {
	return sendJSON[calibration.Status](c, "POST", "/calibration/start", req, "start calibration")
}

func (c *Client) StopCalibration() (string, error) {
	return c.Post("/calibration/stop", "")
}

// StartMeasure measures count times, or until stopped if count is 0.
func (c *Client) StartMeasure(count int) (*types.ContinuousStatus, error) {
	return sendJSON[types.ContinuousStatus](c, "POST", "/measure/start", types.MeasureRequest{Count: count}, "start measurement")
}

func (c *Client) StopMeasure() (string, error) {
	return c.Post("/measure/stop", "")
}

func (c *Client) GetLatestSample() (*measure.Sample, error) {
	return getJSON[measure.Sample](c, "/samples/latest", "latest sample")
}

// SetSchedule sets the cron expression of unattended runs. An empty
// expression disables them.
func (c *Client) SetSchedule(expr string) (*types.ScheduleStatus, error) {
	return sendJSON[types.ScheduleStatus](c, "PUT", "/schedule", expr, "set schedule")
}

func (c *Client) SkipSchedule() (*types.ScheduleStatus, error) {
	return sendJSON[types.ScheduleStatus](c, "POST", "/schedule/skip", nil, "skip scheduled run")
}

func (c *Client) PostponeSchedule(d time.Duration) (*types.ScheduleStatus, error) {
	return sendJSON[types.ScheduleStatus](c, "POST", "/schedule/postpone", d.String(), "postpone scheduled run")
}
