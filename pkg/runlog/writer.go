package runlog

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/cryolab/deltarun/pkg/calibration"
	"github.com/cryolab/deltarun/pkg/measure"
)

// Writer appends records to a log. Every row reaches the underlying writer in
// a single Write call, so an interrupted run never leaves a partial row.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	closer  io.Closer
	path    string
	kind    Kind
	buf     bytes.Buffer
	csv     *csv.Writer
	records int
}

// NewWriter writes the header pair for kind to w and returns a Writer for it.
// comma is the field delimiter, ',' if zero.
func NewWriter(w io.Writer, kind Kind, comma rune) (*Writer, error) {
	if !kind.Valid() {
		return nil, pkgerrors.Errorf("unknown log kind %q", kind)
	}
	lw := &Writer{w: w, kind: kind}
	if c, ok := w.(io.Closer); ok {
		lw.closer = c
	}
	lw.csv = csv.NewWriter(&lw.buf)
	if comma != 0 {
		lw.csv.Comma = comma
	}

	cols := kind.Columns()
	names := make([]string, len(cols))
	units := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
		units[i] = c.Unit
	}
	if err := lw.csv.Write(names); err != nil {
		return nil, pkgerrors.Wrap(err, "invalid delimiter")
	}
	if err := lw.writeRow(units); err != nil {
		return nil, err
	}
	return lw, nil
}

// Create opens a new log file of kind in dir, named after started.
func Create(dir string, kind Kind, comma rune, started time.Time) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to create log directory %s", dir)
	}
	name := FileName(kind, started)
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	// two runs started within the same second
	for n := 1; errors.Is(err, fs.ErrExist) && n < 100; n++ {
		path = filepath.Join(dir, fmt.Sprintf("%s_%d.csv", strings.TrimSuffix(name, ".csv"), n))
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to create log file %s", path)
	}
	w, err := NewWriter(f, kind, comma)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w.path = path
	return w, nil
}

// Path is the file name given to Create, empty for a plain io.Writer.
func (w *Writer) Path() string { return w.path }

func (w *Writer) Kind() Kind { return w.kind }

// Records is the number of rows written after the header.
func (w *Writer) Records() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}

func (w *Writer) AppendSample(s measure.Sample) error {
	if w.kind == KindCalibration {
		return pkgerrors.New("cannot append a sample to a calibration log")
	}
	return w.append([]string{
		formatFloat(s.SampleTemperature),
		formatFloat(s.CryostatTemperature),
		formatFloat(s.CurrentSetpoint),
		formatFloat(s.SampleVoltage),
		formatFloat(s.SampleResistance),
		formatFloat(s.ResistanceStdDev),
		formatFloat(s.SourceVoltage),
		formatFloat(s.SourceCurrent),
		formatFloat(s.SourceResistance),
		formatTime(s.Time),
	})
}

func (w *Writer) AppendPoint(p calibration.Point) error {
	if w.kind != KindCalibration {
		return pkgerrors.Errorf("cannot append a calibration point to a %s log", w.kind)
	}
	return w.append([]string{
		formatFloat(p.Setpoint),
		formatFloat(p.SourceVoltage),
		formatFloat(p.SourceCurrent),
		formatFloat(p.SampleVoltage),
		formatFloat(p.SampleResistance),
		formatFloat(p.ResistanceStdDev),
		formatTime(p.Time),
	})
}

func (w *Writer) append(row []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writeRow(row); err != nil {
		return err
	}
	w.records++
	return nil
}

// writeRow encodes row after anything already buffered and hands the result
// to the underlying writer at once.
func (w *Writer) writeRow(row []string) error {
	if err := w.csv.Write(row); err != nil {
		w.buf.Reset()
		return pkgerrors.Wrap(err, "failed to encode row")
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		w.buf.Reset()
		return pkgerrors.Wrap(err, "failed to encode row")
	}
	defer w.buf.Reset()
	if _, err := w.w.Write(w.buf.Bytes()); err != nil {
		return pkgerrors.Wrapf(err, "failed to write %s log", w.kind)
	}
	return nil
}

func (w *Writer) Close() error {
	if w.closer == nil {
		return nil
	}
	return w.closer.Close()
}
