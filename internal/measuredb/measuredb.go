// Package measuredb persists raw predictor results in a SQLite database, so
// that discoveries and witnesses can reference the measurement series that
// justified them.
package measuredb

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// MeasurementDB wraps one SQLite database file. Connections are opened lazily
// per operation and closed when it completes; writes for one series happen in
// a single transaction.
type MeasurementDB struct {
	path string
}

func New(path string) *MeasurementDB {
	return &MeasurementDB{path: path}
}

func (db *MeasurementDB) Path() string { return db.path }

// Series is one batch of measurements taken together.
type Series struct {
	SeriesID       int64
	SourceComputer string
	Timestamp      time.Time
	Measurements   []Measurement
}

// Measurement is one evaluated input with all its predictor runs.
type Measurement struct {
	MeasurementID int64
	InputHex      string
	PredictorRuns []PredictorRun
}

// PredictorRun is one predictor's persisted verdict. A nil Result records a
// failed run; Remark holds the raw result document.
type PredictorRun struct {
	Toolname string
	Version  string
	UArch    string
	Result   *float64
	Remark   string
}

const schema = `
CREATE TABLE IF NOT EXISTS predictors (
	predictor_id INTEGER NOT NULL PRIMARY KEY,
	toolname TEXT NOT NULL,
	version TEXT NOT NULL,
	UNIQUE(toolname, version)
);
CREATE TABLE IF NOT EXISTS uarchs (
	uarch_id INTEGER NOT NULL PRIMARY KEY,
	uarch_name TEXT UNIQUE NOT NULL
);
CREATE TABLE IF NOT EXISTS series (
	series_id INTEGER NOT NULL PRIMARY KEY,
	source_computer TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS measurements (
	measurement_id INTEGER NOT NULL PRIMARY KEY,
	series_id INTEGER NOT NULL,
	input_hex TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS predictor_runs (
	predrun_id INTEGER NOT NULL PRIMARY KEY,
	measurement_id INTEGER NOT NULL,
	predictor_id INTEGER NOT NULL,
	uarch_id INTEGER NOT NULL,
	result REAL,
	remark TEXT
);
CREATE INDEX IF NOT EXISTS idx_measurements_series ON measurements(series_id);
CREATE INDEX IF NOT EXISTS idx_predictor_runs_measurement ON predictor_runs(measurement_id);
`

func (db *MeasurementDB) open() (*sql.DB, error) {
	con, err := sql.Open("sqlite", db.path)
	if err != nil {
		return nil, fmt.Errorf("measuredb: opening %s: %w", db.path, err)
	}
	if _, err := con.Exec(schema); err != nil {
		con.Close()
		return nil, fmt.Errorf("measuredb: initializing schema: %w", err)
	}
	return con, nil
}

// AddSeries stores a series with all measurements and predictor runs in one
// transaction and returns the new series id.
func (db *MeasurementDB) AddSeries(series Series) (int64, error) {
	con, err := db.open()
	if err != nil {
		return -1, err
	}
	defer con.Close()

	tx, err := con.Begin()
	if err != nil {
		return -1, fmt.Errorf("measuredb: starting transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("INSERT INTO series (source_computer, timestamp) VALUES (?, ?)",
		series.SourceComputer, series.Timestamp.Unix())
	if err != nil {
		return -1, fmt.Errorf("measuredb: inserting series: %w", err)
	}
	seriesID, err := res.LastInsertId()
	if err != nil {
		return -1, err
	}

	for _, meas := range series.Measurements {
		res, err := tx.Exec("INSERT INTO measurements (series_id, input_hex) VALUES (?, ?)",
			seriesID, meas.InputHex)
		if err != nil {
			return -1, fmt.Errorf("measuredb: inserting measurement: %w", err)
		}
		measID, err := res.LastInsertId()
		if err != nil {
			return -1, err
		}
		for _, run := range meas.PredictorRuns {
			predID, err := internID(tx,
				"SELECT predictor_id FROM predictors WHERE toolname=? AND version=?",
				"INSERT INTO predictors (toolname, version) VALUES (?, ?)",
				run.Toolname, run.Version)
			if err != nil {
				return -1, err
			}
			uarchID, err := internID(tx,
				"SELECT uarch_id FROM uarchs WHERE uarch_name=?",
				"INSERT INTO uarchs (uarch_name) VALUES (?)",
				run.UArch)
			if err != nil {
				return -1, err
			}
			var result any
			if run.Result != nil {
				result = *run.Result
			}
			_, err = tx.Exec(
				"INSERT INTO predictor_runs (measurement_id, predictor_id, uarch_id, result, remark) VALUES (?, ?, ?, ?, ?)",
				measID, predID, uarchID, result, run.Remark)
			if err != nil {
				return -1, fmt.Errorf("measuredb: inserting predictor run: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return -1, fmt.Errorf("measuredb: committing series: %w", err)
	}
	return seriesID, nil
}

func internID(tx *sql.Tx, selectStmt, insertStmt string, args ...any) (int64, error) {
	var id int64
	err := tx.QueryRow(selectStmt, args...).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return -1, fmt.Errorf("measuredb: looking up id: %w", err)
	}
	res, err := tx.Exec(insertStmt, args...)
	if err != nil {
		return -1, fmt.Errorf("measuredb: interning id: %w", err)
	}
	return res.LastInsertId()
}

// GetSeries loads a series with all measurements and predictor runs.
func (db *MeasurementDB) GetSeries(seriesID int64) (*Series, error) {
	con, err := db.open()
	if err != nil {
		return nil, err
	}
	defer con.Close()

	series := &Series{SeriesID: seriesID}
	var ts int64
	err = con.QueryRow("SELECT source_computer, timestamp FROM series WHERE series_id=?", seriesID).
		Scan(&series.SourceComputer, &ts)
	if err != nil {
		return nil, fmt.Errorf("measuredb: loading series %d: %w", seriesID, err)
	}
	series.Timestamp = time.Unix(ts, 0)

	predCache := make(map[int64][2]string)
	rows, err := con.Query("SELECT predictor_id, toolname, version FROM predictors")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id int64
		var tool, version string
		if err := rows.Scan(&id, &tool, &version); err != nil {
			rows.Close()
			return nil, err
		}
		predCache[id] = [2]string{tool, version}
	}
	rows.Close()

	uarchCache := make(map[int64]string)
	rows, err = con.Query("SELECT uarch_id, uarch_name FROM uarchs")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close()
			return nil, err
		}
		uarchCache[id] = name
	}
	rows.Close()

	rows, err = con.Query("SELECT measurement_id, input_hex FROM measurements WHERE series_id=?", seriesID)
	if err != nil {
		return nil, err
	}
	var measIDs []int64
	for rows.Next() {
		var meas Measurement
		if err := rows.Scan(&meas.MeasurementID, &meas.InputHex); err != nil {
			rows.Close()
			return nil, err
		}
		series.Measurements = append(series.Measurements, meas)
		measIDs = append(measIDs, meas.MeasurementID)
	}
	rows.Close()

	for i, measID := range measIDs {
		rows, err = con.Query(
			"SELECT predictor_id, uarch_id, result, remark FROM predictor_runs WHERE measurement_id=?", measID)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var predID, uarchID int64
			var result sql.NullFloat64
			var run PredictorRun
			if err := rows.Scan(&predID, &uarchID, &result, &run.Remark); err != nil {
				rows.Close()
				return nil, err
			}
			if result.Valid {
				v := result.Float64
				run.Result = &v
			}
			pred := predCache[predID]
			run.Toolname, run.Version = pred[0], pred[1]
			run.UArch = uarchCache[uarchID]
			series.Measurements[i].PredictorRuns = append(series.Measurements[i].PredictorRuns, run)
		}
		rows.Close()
	}

	return series, nil
}
