package runlog

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cryolab/deltarun/pkg/calibration"
	"github.com/cryolab/deltarun/pkg/measure"
)

// Sink accepts both record kinds. Appending the wrong kind is an error.
type Sink interface {
	AppendSample(s measure.Sample) error
	AppendPoint(p calibration.Point) error
}

var (
	_ Sink = &Writer{}
	_ Sink = &ArchiveRun{}
	_ Sink = &Session{}
)

// Options tell Start where logs go.
type Options struct {
	Dir   string
	Comma rune
	// Archive is optional.
	Archive *Archive
}

// Session is the log of one run: a file in Options.Dir, mirrored to the
// archive if one is configured. Archive failures are logged, not returned, so
// a broken database never ends a run whose file log is fine.
type Session struct {
	file    *Writer
	archive *ArchiveRun
}

// Start creates the file log for a run of kind starting now.
func Start(opts Options, kind Kind, started time.Time) (*Session, error) {
	w, err := Create(opts.Dir, kind, opts.Comma, started)
	if err != nil {
		return nil, err
	}
	s := &Session{file: w}
	if opts.Archive != nil {
		s.archive, err = opts.Archive.BeginRun(kind, w.Path(), started)
		if err != nil {
			logrus.WithError(err).Warn("run will not be archived")
		}
	}
	logrus.WithFields(logrus.Fields{"kind": kind, "path": w.Path()}).Info("run log created")
	return s, nil
}

func (s *Session) Path() string { return s.file.Path() }

// ArchiveID is the archive run ID, empty if the run is not archived.
func (s *Session) ArchiveID() string {
	if s.archive == nil {
		return ""
	}
	return s.archive.ID()
}

func (s *Session) AppendSample(m measure.Sample) error {
	if err := s.file.AppendSample(m); err != nil {
		return err
	}
	if s.archive != nil {
		if err := s.archive.AppendSample(m); err != nil {
			logrus.WithError(err).Warn("failed to archive sample")
		}
	}
	return nil
}

func (s *Session) AppendPoint(p calibration.Point) error {
	if err := s.file.AppendPoint(p); err != nil {
		return err
	}
	if s.archive != nil {
		if err := s.archive.AppendPoint(p); err != nil {
			logrus.WithError(err).Warn("failed to archive calibration point")
		}
	}
	return nil
}

// Close closes the file and records the outcome in the archive.
func (s *Session) Close(outcome string, runErr error) error {
	if s.archive != nil {
		if err := s.archive.Finish(outcome, time.Now(), runErr); err != nil {
			logrus.WithError(err).Warn("failed to finish archived run")
		}
	}
	logrus.WithFields(logrus.Fields{
		"path":    s.file.Path(),
		"records": s.file.Records(),
		"outcome": outcome,
	}).Info("run log closed")
	return s.file.Close()
}
