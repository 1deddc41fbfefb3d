// Package types holds the request and response bodies shared by the daemon
// and its clients.
package types

import (
	"time"

	"github.com/cryolab/deltarun/pkg/calibration"
	"github.com/cryolab/deltarun/pkg/instrument"
	"github.com/cryolab/deltarun/pkg/measure"
	"github.com/cryolab/deltarun/pkg/sequence"
)

// WorkerKind is what owns the instruments right now.
type WorkerKind string

const (
	WorkerNone        WorkerKind = ""
	WorkerRun         WorkerKind = "run"
	WorkerCalibration WorkerKind = "calibration"
	WorkerContinuous  WorkerKind = "continuous"
)

// Status is the answer to GET /status.
type Status struct {
	Worker WorkerKind `json:"worker,omitempty"`
	// Run is the last stage run, finished or not.
	Run *sequence.Progress `json:"run,omitempty"`
	// RunLog is the file the last run or continuous measurement wrote to.
	RunLog      string              `json:"runLog,omitempty"`
	Continuous  *ContinuousStatus   `json:"continuous,omitempty"`
	Calibration *calibration.Status `json:"calibration,omitempty"`

	Current        float64         `json:"current"`
	CurrentCeiling float64         `json:"currentCeiling"`
	Latest         *measure.Sample `json:"latest,omitempty"`

	// Device is only read from the controller while no worker is active;
	// otherwise it is the last status the worker saw.
	Device      *instrument.DeviceStatus `json:"device,omitempty"`
	DeviceError string                   `json:"deviceError,omitempty"`

	Simulated bool           `json:"simulated"`
	Schedule  ScheduleStatus `json:"schedule"`
}

// ContinuousStatus describes a running or finished continuous measurement.
type ContinuousStatus struct {
	Phase     sequence.Phase `json:"phase"`
	Count     int            `json:"count"`
	Taken     int            `json:"taken"`
	StartedAt time.Time      `json:"startedAt"`
	Error     string         `json:"error,omitempty"`
}

// ScheduleStatus describes the cron schedule of unattended runs.
type ScheduleStatus struct {
	Cron    string     `json:"cron,omitempty"`
	NextRun *time.Time `json:"nextRun,omitempty"`
	Active  bool       `json:"active"`
}

// CalibrationMode selects the calibration algorithm.
type CalibrationMode string

const (
	// CalibrationMerit sweeps the source voltage and scores the I-V curve.
	CalibrationMerit CalibrationMode = "merit"
	// CalibrationSpread raises the current until readings are precise enough.
	CalibrationSpread CalibrationMode = "spread"
)

// CalibrationRequest is the body of POST /calibration/start. Nil parameters
// take the configured defaults.
type CalibrationRequest struct {
	Mode   CalibrationMode           `json:"mode,omitempty"`
	Params *calibration.Params       `json:"params,omitempty"`
	Spread *calibration.SpreadParams `json:"spread,omitempty"`
	// Apply makes the recommended current the working current.
	Apply bool `json:"apply"`
}

// MeasureRequest is the body of POST /measure/start. Count 0 measures until
// stopped.
type MeasureRequest struct {
	Count int `json:"count"`
}

// RunRequest is the body of POST /run/start. Without stages the persisted
// program runs.
type RunRequest struct {
	Stages []sequence.Stage `json:"stages,omitempty"`
}
