package events

import (
	"encoding/json"

	"github.com/cryolab/deltarun/pkg/calibration"
	"github.com/cryolab/deltarun/pkg/measure"
	"github.com/cryolab/deltarun/pkg/sequence"
)

// Event name constants
const (
	RunPhase          = "run.phase"
	RunProgress       = "run.progress"
	RunSample         = "run.sample"
	CalibrationPoint  = "calibration.point"
	CalibrationResult = "calibration.result"
	MeasureClamp      = "measure.clamp"
	ScheduleUpcoming  = "schedule.upcoming"
	ScheduleError     = "schedule.error"
)

// Event is a generic SSE event from daemon.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// RunPhaseEvent is published when a run or a continuous measurement changes
// phase.
type RunPhaseEvent struct {
	Kind    string         `json:"kind"`
	RunID   string         `json:"runId"`
	From    sequence.Phase `json:"from"`
	To      sequence.Phase `json:"to"`
	Message string         `json:"message,omitempty"`
	LogFile string         `json:"logFile,omitempty"`
	Ts      int64          `json:"ts"`
}

// RunProgressEvent carries the latest progress of the active run.
type RunProgressEvent struct {
	Progress sequence.Progress `json:"progress"`
}

// RunSampleEvent is published for every new sample.
type RunSampleEvent struct {
	Kind   string         `json:"kind"`
	Sample measure.Sample `json:"sample"`
}

type CalibrationPointEvent struct {
	Point calibration.Point `json:"point"`
}

// CalibrationResultEvent ends a calibration job.
type CalibrationResultEvent struct {
	Phase          calibration.Phase           `json:"phase"`
	Recommendation *calibration.Recommendation `json:"recommendation,omitempty"`
	// Current is set by a spread search.
	Current float64 `json:"current,omitempty"`
	Applied bool    `json:"applied"`
	Message string  `json:"message,omitempty"`
	Ts      int64   `json:"ts"`
}

type ClampEvent struct {
	Requested float64 `json:"requested"`
	Applied   float64 `json:"applied"`
	Ts        int64   `json:"ts"`
}

// ScheduleEvent announces an upcoming scheduled run or its failure.
type ScheduleEvent struct {
	RunAt   int64  `json:"runAt,omitempty"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is empty,
// it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.RunPhaseEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.From, payload.To)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
