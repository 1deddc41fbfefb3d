package runlog

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/cryolab/deltarun/pkg/calibration"
	"github.com/cryolab/deltarun/pkg/measure"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	log_file TEXT,
	started_us INTEGER NOT NULL,
	finished_us INTEGER,
	outcome TEXT,
	error TEXT
);
CREATE TABLE IF NOT EXISTS samples (
	run_id TEXT NOT NULL REFERENCES runs(run_id),
	seq INTEGER NOT NULL,
	t_sample REAL,
	t_cryo REAL,
	i_setpoint REAL,
	u_sample REAL,
	r_sample REAL,
	dr REAL,
	u_source REAL,
	i_source REAL,
	r_source REAL,
	t_us INTEGER NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS calibration_points (
	run_id TEXT NOT NULL REFERENCES runs(run_id),
	seq INTEGER NOT NULL,
	u_setpoint REAL,
	u_source REAL,
	i_source REAL,
	u_sample REAL,
	r_sample REAL,
	dr REAL,
	t_us INTEGER NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

// Archive mirrors run logs into a SQLite database.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens or creates the database at path.
func OpenArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open archive %s", path)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, pkgerrors.Wrap(err, "failed to create archive schema")
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

// RunInfo is one row of the runs table.
type RunInfo struct {
	ID       string    `json:"id"`
	Kind     Kind      `json:"kind"`
	LogFile  string    `json:"logFile,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitempty"`
	Outcome  string    `json:"outcome,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// ArchiveRun appends the records of one run.
type ArchiveRun struct {
	a    *Archive
	id   string
	kind Kind
	seq  int
}

// BeginRun registers a run and returns its handle. logFile is informational.
func (a *Archive) BeginRun(kind Kind, logFile string, started time.Time) (*ArchiveRun, error) {
	if !kind.Valid() {
		return nil, pkgerrors.Errorf("unknown log kind %q", kind)
	}
	id := uuid.NewString()
	_, err := a.db.Exec(
		"INSERT INTO runs (run_id, kind, log_file, started_us) VALUES (?, ?, ?, ?)",
		id, string(kind), logFile, started.UnixMicro(),
	)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to register run")
	}
	return &ArchiveRun{a: a, id: id, kind: kind}, nil
}

func (r *ArchiveRun) ID() string { return r.id }

func (r *ArchiveRun) AppendSample(s measure.Sample) error {
	if r.kind == KindCalibration {
		return pkgerrors.New("cannot archive a sample in a calibration run")
	}
	_, err := r.a.db.Exec(
		`INSERT INTO samples (run_id, seq, t_sample, t_cryo, i_setpoint, u_sample, r_sample, dr, u_source, i_source, r_source, t_us)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.id, r.seq, s.SampleTemperature, s.CryostatTemperature, s.CurrentSetpoint, s.SampleVoltage,
		s.SampleResistance, s.ResistanceStdDev, s.SourceVoltage, s.SourceCurrent, s.SourceResistance,
		s.Time.UnixMicro(),
	)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to archive sample")
	}
	r.seq++
	return nil
}

func (r *ArchiveRun) AppendPoint(p calibration.Point) error {
	if r.kind != KindCalibration {
		return pkgerrors.Errorf("cannot archive a calibration point in a %s run", r.kind)
	}
	_, err := r.a.db.Exec(
		`INSERT INTO calibration_points (run_id, seq, u_setpoint, u_source, i_source, u_sample, r_sample, dr, t_us)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.id, r.seq, p.Setpoint, p.SourceVoltage, p.SourceCurrent, p.SampleVoltage,
		p.SampleResistance, p.ResistanceStdDev, p.Time.UnixMicro(),
	)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to archive calibration point")
	}
	r.seq++
	return nil
}

// Finish records how the run ended. runErr may be nil.
func (r *ArchiveRun) Finish(outcome string, finished time.Time, runErr error) error {
	var msg sql.NullString
	if runErr != nil {
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := r.a.db.Exec(
		"UPDATE runs SET finished_us = ?, outcome = ?, error = ? WHERE run_id = ?",
		finished.UnixMicro(), outcome, msg, r.id,
	)
	return pkgerrors.Wrap(err, "failed to finish run")
}

// Runs lists archived runs, newest first.
func (a *Archive) Runs(limit int) ([]RunInfo, error) {
	rows, err := a.db.Query(
		`SELECT run_id, kind, log_file, started_us, finished_us, outcome, error
		FROM runs ORDER BY started_us DESC LIMIT ?`, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var out []RunInfo
	for rows.Next() {
		var (
			info             RunInfo
			kind             string
			logFile, outcome sql.NullString
			errMsg           sql.NullString
			started          int64
			finished         sql.NullInt64
		)
		if err := rows.Scan(&info.ID, &kind, &logFile, &started, &finished, &outcome, &errMsg); err != nil {
			return nil, pkgerrors.Wrap(err, "failed to scan run")
		}
		info.Kind = Kind(kind)
		info.LogFile = logFile.String
		info.Started = time.UnixMicro(started)
		if finished.Valid {
			info.Finished = time.UnixMicro(finished.Int64)
		}
		info.Outcome = outcome.String
		info.Error = errMsg.String
		out = append(out, info)
	}
	return out, rows.Err()
}

// Samples returns the archived samples of a run in the order they were taken.
func (a *Archive) Samples(runID string) ([]measure.Sample, error) {
	rows, err := a.db.Query(
		`SELECT t_sample, t_cryo, i_setpoint, u_sample, r_sample, dr, u_source, i_source, r_source, t_us
		FROM samples WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to query samples")
	}
	defer rows.Close()

	var out []measure.Sample
	for rows.Next() {
		var s measure.Sample
		var us int64
		if err := rows.Scan(&s.SampleTemperature, &s.CryostatTemperature, &s.CurrentSetpoint, &s.SampleVoltage,
			&s.SampleResistance, &s.ResistanceStdDev, &s.SourceVoltage, &s.SourceCurrent, &s.SourceResistance, &us); err != nil {
			return nil, pkgerrors.Wrap(err, "failed to scan sample")
		}
		s.Time = time.UnixMicro(us)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Points returns the archived calibration points of a run.
func (a *Archive) Points(runID string) ([]calibration.Point, error) {
	rows, err := a.db.Query(
		`SELECT u_setpoint, u_source, i_source, u_sample, r_sample, dr, t_us
		FROM calibration_points WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to query calibration points")
	}
	defer rows.Close()

	var out []calibration.Point
	for rows.Next() {
		var p calibration.Point
		var us int64
		if err := rows.Scan(&p.Setpoint, &p.SourceVoltage, &p.SourceCurrent, &p.SampleVoltage,
			&p.SampleResistance, &p.ResistanceStdDev, &us); err != nil {
			return nil, pkgerrors.Wrap(err, "failed to scan calibration point")
		}
		p.Time = time.UnixMicro(us)
		out = append(out, p)
	}
	return out, rows.Err()
}
