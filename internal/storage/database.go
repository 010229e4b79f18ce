package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agsys/irrigation-gateway/internal/schedule"
)

var (
	// ErrScheduleLimit is returned when the store already holds the
	// maximum number of schedules and a new id arrives.
	ErrScheduleLimit = errors.New("schedule limit reached")

	// ErrStaleVersion is returned when an incoming schedule carries a
	// lower version than the stored record with the same id.
	ErrStaleVersion = errors.New("stale schedule version")
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	-- Key/value settings (tokens, admin list, message counter, ntp sync)
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Irrigation schedules
	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		recurrence INTEGER NOT NULL,
		start_hour INTEGER NOT NULL,
		start_minute INTEGER NOT NULL,
		start_epoch INTEGER NOT NULL DEFAULT 0,
		next_run_epoch INTEGER NOT NULL DEFAULT 0,
		weekday_mask INTEGER NOT NULL DEFAULT 0,
		pump_lead_ms INTEGER NOT NULL,
		pump_lag_ms INTEGER NOT NULL,
		version_ts INTEGER NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Ordered valve steps for each schedule
	CREATE TABLE IF NOT EXISTS schedule_steps (
		schedule_id TEXT NOT NULL,
		step_idx INTEGER NOT NULL,
		node_id INTEGER NOT NULL,
		valve_id INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL,
		PRIMARY KEY (schedule_id, step_idx),
		FOREIGN KEY (schedule_id) REFERENCES schedules(id) ON DELETE CASCADE
	);

	-- Singleton mid-run checkpoint for resume after reset
	CREATE TABLE IF NOT EXISTS run_checkpoint (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		schedule_id TEXT NOT NULL,
		step_idx INTEGER NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Gateway event log
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		detail TEXT NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// --- Settings ---

// GetSetting retrieves a settings value; missing keys return ""
func (db *DB) GetSetting(key string) (string, error) {
	var value string
	err := db.conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetSetting inserts or updates a settings value
func (db *DB) SetSetting(key, value string) error {
	query := `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	_, err := db.conn.Exec(query, key, value, time.Now())
	return err
}

// NextMessageID atomically increments and returns the persistent
// message-id counter. The counter survives reboots so acknowledgement
// correlation never reuses a recent id.
func (db *DB) NextMessageID() (uint32, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var current uint32
	err = tx.QueryRow("SELECT value FROM settings WHERE key = 'msg_counter'").Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}

	next := current + 1
	query := `INSERT INTO settings (key, value, updated_at) VALUES ('msg_counter', ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := tx.Exec(query, next, time.Now()); err != nil {
		return 0, err
	}

	return next, tx.Commit()
}

// --- Schedules ---

// UpsertSchedule inserts or replaces a schedule whole. An id already
// stored with a higher version wins and the incoming record is
// rejected with ErrStaleVersion; a new id beyond the schedule limit is
// rejected with ErrScheduleLimit.
func (db *DB) UpsertSchedule(s *schedule.Schedule) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var storedVersion int64
	err = tx.QueryRow("SELECT version_ts FROM schedules WHERE id = ?", s.ID).Scan(&storedVersion)
	switch {
	case err == sql.ErrNoRows:
		var count int
		if err := tx.QueryRow("SELECT COUNT(*) FROM schedules").Scan(&count); err != nil {
			return err
		}
		if count >= schedule.MaxSchedules {
			return ErrScheduleLimit
		}
	case err != nil:
		return err
	case s.VersionTS < storedVersion:
		return fmt.Errorf("%w: id %s has %d, incoming %d", ErrStaleVersion, s.ID, storedVersion, s.VersionTS)
	}

	query := `INSERT INTO schedules (id, recurrence, start_hour, start_minute, start_epoch,
			next_run_epoch, weekday_mask, pump_lead_ms, pump_lag_ms, version_ts, enabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET recurrence = excluded.recurrence,
			start_hour = excluded.start_hour, start_minute = excluded.start_minute,
			start_epoch = excluded.start_epoch, next_run_epoch = excluded.next_run_epoch,
			weekday_mask = excluded.weekday_mask, pump_lead_ms = excluded.pump_lead_ms,
			pump_lag_ms = excluded.pump_lag_ms, version_ts = excluded.version_ts,
			enabled = excluded.enabled, updated_at = excluded.updated_at`

	_, err = tx.Exec(query, s.ID, s.Recurrence, s.StartHour, s.StartMinute, s.StartEpoch,
		s.NextRunEpoch, s.WeekdayMask, s.PumpLeadMS, s.PumpLagMS, s.VersionTS, s.Enabled, time.Now())
	if err != nil {
		return err
	}

	if _, err := tx.Exec("DELETE FROM schedule_steps WHERE schedule_id = ?", s.ID); err != nil {
		return err
	}
	for i, step := range s.Steps {
		_, err = tx.Exec(`INSERT INTO schedule_steps (schedule_id, step_idx, node_id, valve_id, duration_ms)
			VALUES (?, ?, ?, ?, ?)`, s.ID, i, step.NodeID, step.ValveID, step.DurationMS)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetSchedule retrieves a schedule with its steps
func (db *DB) GetSchedule(id string) (*schedule.Schedule, error) {
	query := `SELECT id, recurrence, start_hour, start_minute, start_epoch, next_run_epoch,
		weekday_mask, pump_lead_ms, pump_lag_ms, version_ts, enabled
		FROM schedules WHERE id = ?`

	s := &schedule.Schedule{}
	err := db.conn.QueryRow(query, id).Scan(&s.ID, &s.Recurrence, &s.StartHour, &s.StartMinute,
		&s.StartEpoch, &s.NextRunEpoch, &s.WeekdayMask, &s.PumpLeadMS, &s.PumpLagMS,
		&s.VersionTS, &s.Enabled)
	if err != nil {
		return nil, err
	}

	s.Steps, err = db.getSteps(s.ID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetAllSchedules retrieves every schedule with its steps
func (db *DB) GetAllSchedules() ([]*schedule.Schedule, error) {
	query := `SELECT id, recurrence, start_hour, start_minute, start_epoch, next_run_epoch,
		weekday_mask, pump_lead_ms, pump_lag_ms, version_ts, enabled
		FROM schedules ORDER BY id`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*schedule.Schedule
	for rows.Next() {
		s := &schedule.Schedule{}
		if err := rows.Scan(&s.ID, &s.Recurrence, &s.StartHour, &s.StartMinute,
			&s.StartEpoch, &s.NextRunEpoch, &s.WeekdayMask, &s.PumpLeadMS, &s.PumpLagMS,
			&s.VersionTS, &s.Enabled); err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, s := range schedules {
		if s.Steps, err = db.getSteps(s.ID); err != nil {
			return nil, err
		}
	}
	return schedules, nil
}

func (db *DB) getSteps(scheduleID string) ([]schedule.Step, error) {
	rows, err := db.conn.Query(`SELECT node_id, valve_id, duration_ms
		FROM schedule_steps WHERE schedule_id = ? ORDER BY step_idx`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []schedule.Step
	for rows.Next() {
		var step schedule.Step
		if err := rows.Scan(&step.NodeID, &step.ValveID, &step.DurationMS); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// DeleteSchedule removes a schedule and its steps; deleting an unknown
// id is a no-op.
func (db *DB) DeleteSchedule(id string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM schedule_steps WHERE schedule_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM schedules WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// SetScheduleEnabled flips the enabled flag; one-shot schedules are
// disabled this way after a successful run.
func (db *DB) SetScheduleEnabled(id string, enabled bool) error {
	_, err := db.conn.Exec("UPDATE schedules SET enabled = ?, updated_at = ? WHERE id = ?",
		enabled, time.Now(), id)
	return err
}

// UpdateNextRun records the recomputed next_run_epoch
func (db *DB) UpdateNextRun(id string, nextRunEpoch int64) error {
	_, err := db.conn.Exec("UPDATE schedules SET next_run_epoch = ?, updated_at = ? WHERE id = ?",
		nextRunEpoch, time.Now(), id)
	return err
}

// --- Run checkpoint ---

// SaveCheckpoint records mid-run progress for resume after a reset
func (db *DB) SaveCheckpoint(scheduleID string, stepIdx int) error {
	query := `INSERT INTO run_checkpoint (id, schedule_id, step_idx, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET schedule_id = excluded.schedule_id,
			step_idx = excluded.step_idx, updated_at = excluded.updated_at`
	_, err := db.conn.Exec(query, scheduleID, stepIdx, time.Now())
	return err
}

// LoadCheckpoint returns the recorded progress, or ok=false when no
// run was in flight.
func (db *DB) LoadCheckpoint() (scheduleID string, stepIdx int, ok bool, err error) {
	err = db.conn.QueryRow("SELECT schedule_id, step_idx FROM run_checkpoint WHERE id = 1").
		Scan(&scheduleID, &stepIdx)
	if err == sql.ErrNoRows {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	return scheduleID, stepIdx, true, nil
}

// ClearCheckpoint removes the recorded progress
func (db *DB) ClearCheckpoint() error {
	_, err := db.conn.Exec("DELETE FROM run_checkpoint WHERE id = 1")
	return err
}

// --- Event log ---

// InsertEvent appends to the gateway event log
func (db *DB) InsertEvent(kind, detail string) error {
	_, err := db.conn.Exec("INSERT INTO events (kind, detail) VALUES (?, ?)", kind, detail)
	return err
}

// GetRecentEvents retrieves the newest events first
func (db *DB) GetRecentEvents(limit int) ([]*Event, error) {
	rows, err := db.conn.Query(`SELECT id, kind, detail, timestamp
		FROM events ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.Kind, &e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
