package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kilianp07/hoistsched/core/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS components (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run TEXT NOT NULL,
	component INTEGER NOT NULL,
	ts INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS schedule_entries (
	component_id INTEGER NOT NULL REFERENCES components(id) ON DELETE CASCADE,
	batch_id INTEGER NOT NULL,
	program INTEGER NOT NULL,
	stage INTEGER NOT NULL,
	station INTEGER NOT NULL,
	transporter INTEGER NOT NULL,
	entry_time INTEGER NOT NULL,
	exit_time INTEGER NOT NULL,
	min_time INTEGER NOT NULL,
	max_time INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS transporter_tasks (
	component_id INTEGER NOT NULL REFERENCES components(id) ON DELETE CASCADE,
	batch_id INTEGER NOT NULL,
	stage INTEGER NOT NULL,
	transporter INTEGER NOT NULL,
	from_station INTEGER NOT NULL,
	to_station INTEGER NOT NULL,
	start_time INTEGER NOT NULL,
	end_time INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS stage_status (
	component_id INTEGER NOT NULL REFERENCES components(id) ON DELETE CASCADE,
	stage TEXT NOT NULL,
	component INTEGER NOT NULL,
	batches INTEGER NOT NULL,
	status TEXT NOT NULL,
	objective INTEGER NOT NULL,
	bound INTEGER NOT NULL,
	wall_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS components_run ON components(run);`

// SQLiteStore keeps component schedules in relational tables.
type SQLiteStore struct {
	db   *sql.DB
	mode Mode
	now  func() time.Time
}

// NewSQLiteStore opens or creates the database at path and ensures schema.
func NewSQLiteStore(path string, mode Mode) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection keeps in-memory databases shared across calls
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;` + schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
		}
		return nil, err
	}
	return &SQLiteStore{db: db, mode: mode, now: time.Now}, nil
}

// Begin drops the rows of run in overwrite mode.
func (s *SQLiteStore) Begin(ctx context.Context, run string) error {
	if s.mode != ModeOverwrite {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM components WHERE run = ?`, run)
	return err
}

// Append inserts one component in a single transaction.
func (s *SQLiteStore) Append(ctx context.Context, run string, component int, sc model.Schedule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `INSERT INTO components (run, component, ts) VALUES (?, ?, ?)`,
		run, component, s.now().Unix())
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for _, e := range sc.Entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schedule_entries (component_id, batch_id, program, stage, station, transporter, entry_time, exit_time, min_time, max_time)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, e.BatchID, e.Program, e.Stage, e.Station, e.Transporter, e.Entry, e.Exit, e.MinTime, e.MaxTime); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
	}
	for _, t := range sc.Tasks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transporter_tasks (component_id, batch_id, stage, transporter, from_station, to_station, start_time, end_time)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, t.BatchID, t.Stage, t.Transporter, t.From, t.To, t.Start, t.End); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
	}
	for _, st := range sc.Status {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stage_status (component_id, stage, component, batches, status, objective, bound, wall_ns)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, st.Stage, st.Component, st.Batches, string(st.Status), st.Objective, st.Bound, int64(st.WallTime)); err != nil {
			return fmt.Errorf("insert status: %w", err)
		}
	}
	return tx.Commit()
}

// Load returns the components of run in insertion order.
func (s *SQLiteStore) Load(ctx context.Context, run string) (model.Schedule, error) {
	var out model.Schedule
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.batch_id, e.program, e.stage, e.station, e.transporter, e.entry_time, e.exit_time, e.min_time, e.max_time
		 FROM schedule_entries e JOIN components c ON c.id = e.component_id
		 WHERE c.run = ? ORDER BY c.id, e.rowid`, run)
	if err != nil {
		return out, err
	}
	err = scanRows(rows, func() error {
		var e model.ScheduleEntry
		if err := rows.Scan(&e.BatchID, &e.Program, &e.Stage, &e.Station, &e.Transporter, &e.Entry, &e.Exit, &e.MinTime, &e.MaxTime); err != nil {
			return err
		}
		out.Entries = append(out.Entries, e)
		return nil
	})
	if err != nil {
		return out, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT t.batch_id, t.stage, t.transporter, t.from_station, t.to_station, t.start_time, t.end_time
		 FROM transporter_tasks t JOIN components c ON c.id = t.component_id
		 WHERE c.run = ? ORDER BY c.id, t.rowid`, run)
	if err != nil {
		return out, err
	}
	err = scanRows(rows, func() error {
		var t model.TransporterTask
		if err := rows.Scan(&t.BatchID, &t.Stage, &t.Transporter, &t.From, &t.To, &t.Start, &t.End); err != nil {
			return err
		}
		out.Tasks = append(out.Tasks, t)
		return nil
	})
	if err != nil {
		return out, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT s.stage, s.component, s.batches, s.status, s.objective, s.bound, s.wall_ns
		 FROM stage_status s JOIN components c ON c.id = s.component_id
		 WHERE c.run = ? ORDER BY c.id, s.rowid`, run)
	if err != nil {
		return out, err
	}
	err = scanRows(rows, func() error {
		var (
			st     model.StageStatus
			status string
			wall   int64
		)
		if err := rows.Scan(&st.Stage, &st.Component, &st.Batches, &status, &st.Objective, &st.Bound, &wall); err != nil {
			return err
		}
		st.Status = model.SolveStatus(status)
		st.WallTime = time.Duration(wall)
		out.Status = append(out.Status, st)
		return nil
	})
	return out, err
}

// Runs lists the distinct run names in first-append order.
func (s *SQLiteStore) Runs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run FROM components GROUP BY run ORDER BY MIN(id)`)
	if err != nil {
		return nil, err
	}
	var runs []string
	err = scanRows(rows, func() error {
		var r string
		if err := rows.Scan(&r); err != nil {
			return err
		}
		runs = append(runs, r)
		return nil
	})
	return runs, err
}

func scanRows(rows *sql.Rows, fn func() error) error {
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		if err := fn(); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
