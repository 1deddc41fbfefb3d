package runlog

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/cryolab/deltarun/pkg/calibration"
	"github.com/cryolab/deltarun/pkg/measure"
)

// ReadSamples parses a run or continuous log written by Writer.
func ReadSamples(r io.Reader, comma rune) ([]measure.Sample, error) {
	var out []measure.Sample
	err := readRows(r, comma, SampleColumns, func(f []float64, t time.Time) {
		out = append(out, measure.Sample{
			SampleTemperature:   f[0],
			CryostatTemperature: f[1],
			CurrentSetpoint:     f[2],
			SampleVoltage:       f[3],
			SampleResistance:    f[4],
			ResistanceStdDev:    f[5],
			SourceVoltage:       f[6],
			SourceCurrent:       f[7],
			SourceResistance:    f[8],
			Time:                t,
		})
	})
	return out, err
}

// ReadPoints parses a calibration log written by Writer.
func ReadPoints(r io.Reader, comma rune) ([]calibration.Point, error) {
	var out []calibration.Point
	err := readRows(r, comma, PointColumns, func(f []float64, t time.Time) {
		out = append(out, calibration.Point{
			Setpoint:         f[0],
			SourceVoltage:    f[1],
			SourceCurrent:    f[2],
			SampleVoltage:    f[3],
			SampleResistance: f[4],
			ResistanceStdDev: f[5],
			Time:             t,
		})
	})
	return out, err
}

// readRows checks the header pair against cols and calls fn for every row
// with the numeric fields and the trailing timestamp.
func readRows(r io.Reader, comma rune, cols []Column, fn func([]float64, time.Time)) error {
	cr := csv.NewReader(r)
	if comma != 0 {
		cr.Comma = comma
	}
	cr.FieldsPerRecord = len(cols)
	cr.ReuseRecord = true

	for i, want := range []func(Column) string{
		func(c Column) string { return c.Name },
		func(c Column) string { return c.Unit },
	} {
		rec, err := cr.Read()
		if err != nil {
			if err == io.EOF {
				return pkgerrors.New("log is missing its header")
			}
			return pkgerrors.Wrap(err, "failed to read header")
		}
		for j, c := range cols {
			if rec[j] != want(c) {
				return pkgerrors.Errorf("header line %d column %d: expected %q, got %q", i+1, j+1, want(c), rec[j])
			}
		}
	}

	fields := make([]float64, len(cols)-1)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return pkgerrors.Wrap(err, "failed to read row")
		}
		line, _ := cr.FieldPos(0)
		for j := range fields {
			if fields[j], err = strconv.ParseFloat(rec[j], 64); err != nil {
				return pkgerrors.Wrapf(err, "line %d column %s", line, cols[j].Name)
			}
		}
		t, err := parseTime(rec[len(rec)-1])
		if err != nil {
			return pkgerrors.Wrapf(err, "line %d", line)
		}
		fn(fields, t)
	}
}
