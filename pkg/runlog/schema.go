// Package runlog persists samples and calibration points as delimited text: a
// line of column names, a line of units, then one row per record.
package runlog

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// Kind selects the schema and file name prefix of a log.
type Kind string

const (
	KindRun         Kind = "run"
	KindCalibration Kind = "cal"
	KindContinuous  Kind = "conti"
	// KindSpread logs every single-polarity reading of a spread search.
	KindSpread      Kind = "spread"
)

func (k Kind) Valid() bool {
	switch k {
	case KindRun, KindCalibration, KindContinuous, KindSpread:
		return true
	}
	return false
}

// Column is one field of the schema.
type Column struct {
	Name string
	Unit string
}

var (
	SampleColumns = []Column{
		{"T_sample", "K"},
		{"T_cryo", "K"},
		{"I_setpoint", "A"},
		{"U_sample", "V"},
		{"R_sample", "Ohms"},
		{"DR", "Ohms"},
		{"U_source", "V"},
		{"I_source", "A"},
		{"R_source", "Ohms"},
		{"t", "s"},
	}

	PointColumns = []Column{
		{"U_setpoint", "V"},
		{"U_source", "V"},
		{"I_source", "A"},
		{"U_sample", "V"},
		{"R_sample", "Ohms"},
		{"DR", "Ohms"},
		{"t", "s"},
	}
)

// Columns returns the schema used for k.
func (k Kind) Columns() []Column {
	if k == KindCalibration {
		return PointColumns
	}
	return SampleColumns
}

// FileName is the name of a log of kind k started at t, e.g.
// run_20240301_120000.csv.
func FileName(k Kind, t time.Time) string {
	return fmt.Sprintf("%s_%s.csv", k, t.Format("20060102_150405"))
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// formatTime writes t as unix seconds with exactly six decimals.
func formatTime(t time.Time) string {
	us := t.UnixMicro()
	sign := ""
	if us < 0 {
		sign = "-"
		us = -us
	}
	return fmt.Sprintf("%s%d.%06d", sign, us/1e6, us%1e6)
}

func parseTime(s string) (time.Time, error) {
	neg := strings.HasPrefix(s, "-")
	whole, frac, _ := strings.Cut(strings.TrimPrefix(s, "-"), ".")
	if len(frac) > 6 {
		return time.Time{}, pkgerrors.Errorf("timestamp %q has more than microsecond precision", s)
	}
	frac += strings.Repeat("0", 6-len(frac))

	sec, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return time.Time{}, pkgerrors.Wrapf(err, "invalid timestamp %q", s)
	}
	us, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return time.Time{}, pkgerrors.Wrapf(err, "invalid timestamp %q", s)
	}
	total := sec*1e6 + us
	if neg {
		total = -total
	}
	return time.UnixMicro(total), nil
}
