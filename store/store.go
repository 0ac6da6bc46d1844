// Package store persists device snapshots and rule execution marks to a
// local sqlite database.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"talos"

	_ "modernc.org/sqlite"
)

// Store is the snapshot repository. Safe for concurrent use; sqlite
// serializes writers via the busy timeout.
type Store struct {
	db   *sql.DB
	path string

	mu          sync.Mutex
	lastVacuum  time.Time
	vacuumEvery time.Duration
}

// defaultVacuumInterval rate-limits VACUUM, which rewrites the whole
// file, when no interval is configured.
const defaultVacuumInterval = time.Hour

// tsLayout is fixed width (9 fractional digits, always present) so that
// the lexicographic order of stored strings matches time order. RFC3339Nano
// trims trailing zeros and would not sort correctly.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// Open creates or opens the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set snapshot db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set snapshot db busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id TEXT NOT NULL,
	model TEXT NOT NULL,
	slave_id INTEGER NOT NULL,
	device_type TEXT NOT NULL,
	sampling_ts TEXT NOT NULL,
	is_online INTEGER NOT NULL,
	values_json TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize snapshots schema: %w", err)
	}
	if _, err := db.Exec(`
CREATE INDEX IF NOT EXISTS idx_snapshots_device_ts
	ON snapshots (device_id, sampling_ts)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize snapshots index: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS rule_executions (
	rule_code TEXT PRIMARY KEY,
	executed_at TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize rule executions schema: %w", err)
	}

	return &Store{db: db, path: path, vacuumEvery: defaultVacuumInterval}, nil
}

// SetVacuumInterval overrides the minimum gap between vacuums.
func (s *Store) SetVacuumInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.vacuumEvery = d
	s.mu.Unlock()
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InsertSnapshot persists one snapshot. Online state is derived from the
// values, not trusted from the caller.
func (s *Store) InsertSnapshot(snap talos.Snapshot) error {
	payload, err := json.Marshal(snap.Values)
	if err != nil {
		return fmt.Errorf("marshal snapshot values: %w", err)
	}
	online := 0
	if snap.IsOnline() {
		online = 1
	}
	_, err = s.db.Exec(
		`INSERT INTO snapshots (device_id, model, slave_id, device_type, sampling_ts, is_online, values_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.DeviceID,
		snap.Model,
		snap.SlaveID,
		snap.DeviceType,
		formatTS(snap.SamplingTS),
		online,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// GetLatestByDevice returns up to limit most recent snapshots for the
// device, newest first.
func (s *Store) GetLatestByDevice(deviceID string, limit int) ([]talos.Snapshot, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.Query(
		`SELECT device_id, model, slave_id, device_type, sampling_ts, values_json
		 FROM snapshots WHERE device_id = ?
		 ORDER BY sampling_ts DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query latest snapshots %q: %w", deviceID, err)
	}
	defer rows.Close()

	out := make([]talos.Snapshot, 0, limit)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}
	return out, nil
}

// GetTimeRange returns snapshots for the device in [from, to], oldest
// first, paginated by limit and offset.
func (s *Store) GetTimeRange(deviceID string, from, to time.Time, limit, offset int) ([]talos.Snapshot, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(
		`SELECT device_id, model, slave_id, device_type, sampling_ts, values_json
		 FROM snapshots
		 WHERE device_id = ? AND sampling_ts >= ? AND sampling_ts <= ?
		 ORDER BY sampling_ts ASC LIMIT ? OFFSET ?`,
		deviceID,
		formatTS(from),
		formatTS(to),
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query snapshot range %q: %w", deviceID, err)
	}
	defer rows.Close()

	out := make([]talos.Snapshot, 0)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}
	return out, nil
}

// ParameterPoint is one (time, value) sample of a single parameter.
type ParameterPoint struct {
	TS    time.Time
	Value float64
}

// GetParameterHistory extracts one parameter's series from the stored
// JSON values, oldest first.
func (s *Store) GetParameterHistory(deviceID, param string, from, to time.Time, limit int) ([]ParameterPoint, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(
		`SELECT sampling_ts, json_extract(values_json, '$.' || ?)
		 FROM snapshots
		 WHERE device_id = ? AND sampling_ts >= ? AND sampling_ts <= ?
		   AND json_extract(values_json, '$.' || ?) IS NOT NULL
		 ORDER BY sampling_ts ASC LIMIT ?`,
		param, deviceID,
		formatTS(from),
		formatTS(to),
		param, limit)
	if err != nil {
		return nil, fmt.Errorf("query parameter history %q/%q: %w", deviceID, param, err)
	}
	defer rows.Close()

	out := make([]ParameterPoint, 0)
	for rows.Next() {
		var ts string
		var v float64
		if err := rows.Scan(&ts, &v); err != nil {
			return nil, fmt.Errorf("scan parameter row: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse sampling_ts %q: %w", ts, err)
		}
		out = append(out, ParameterPoint{TS: t, Value: v})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate parameter rows: %w", err)
	}
	return out, nil
}

// CleanupOldSnapshots deletes snapshots older than the cutoff and returns
// the number of rows removed.
func (s *Store) CleanupOldSnapshots(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM snapshots WHERE sampling_ts < ?`,
		formatTS(cutoff))
	if err != nil {
		return 0, fmt.Errorf("cleanup snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count cleaned snapshots: %w", err)
	}
	return n, nil
}

// VacuumDatabase reclaims file space. Calls within the vacuum interval
// of the previous vacuum are skipped.
func (s *Store) VacuumDatabase() (bool, error) {
	s.mu.Lock()
	if time.Since(s.lastVacuum) < s.vacuumEvery {
		s.mu.Unlock()
		return false, nil
	}
	s.lastVacuum = time.Now()
	s.mu.Unlock()

	if _, err := s.db.Exec(`VACUUM`); err != nil {
		return false, fmt.Errorf("vacuum snapshot db: %w", err)
	}
	return true, nil
}

// DBStats summarizes the database for status views.
type DBStats struct {
	FileBytes int64     `json:"file_bytes"`
	Snapshots int64     `json:"snapshots"`
	OldestTS  time.Time `json:"oldest_ts,omitempty"`
	NewestTS  time.Time `json:"newest_ts,omitempty"`
}

// GetDBStats returns row counts and the data file size.
func (s *Store) GetDBStats() (DBStats, error) {
	var stats DBStats
	if fi, err := os.Stat(s.path); err == nil {
		stats.FileBytes = fi.Size()
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM snapshots`).Scan(&stats.Snapshots); err != nil {
		return stats, fmt.Errorf("count snapshots: %w", err)
	}
	if stats.Snapshots == 0 {
		return stats, nil
	}
	var oldest, newest string
	err := s.db.QueryRow(`SELECT MIN(sampling_ts), MAX(sampling_ts) FROM snapshots`).Scan(&oldest, &newest)
	if err != nil {
		return stats, fmt.Errorf("query snapshot bounds: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, oldest); err == nil {
		stats.OldestTS = t
	}
	if t, err := time.Parse(time.RFC3339Nano, newest); err == nil {
		stats.NewestTS = t
	}
	return stats, nil
}

// LastExecution returns the recorded execution time for a rule code. It
// implements condition.HistoryStore.
func (s *Store) LastExecution(ruleCode string) (time.Time, bool, error) {
	var at string
	err := s.db.QueryRow(`SELECT executed_at FROM rule_executions WHERE rule_code = ?`, ruleCode).Scan(&at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("query rule execution %q: %w", ruleCode, err)
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse executed_at %q: %w", at, err)
	}
	return t, true, nil
}

// RecordExecution upserts the execution time for a rule code.
func (s *Store) RecordExecution(ruleCode string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO rule_executions (rule_code, executed_at) VALUES (?, ?)
		 ON CONFLICT(rule_code) DO UPDATE SET executed_at = excluded.executed_at`,
		ruleCode, formatTS(at))
	if err != nil {
		return fmt.Errorf("record rule execution %q: %w", ruleCode, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (talos.Snapshot, error) {
	var snap talos.Snapshot
	var ts, valuesJSON string
	if err := row.Scan(&snap.DeviceID, &snap.Model, &snap.SlaveID, &snap.DeviceType, &ts, &valuesJSON); err != nil {
		return talos.Snapshot{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return talos.Snapshot{}, fmt.Errorf("parse sampling_ts %q: %w", ts, err)
	}
	snap.SamplingTS = t
	if err := json.Unmarshal([]byte(valuesJSON), &snap.Values); err != nil {
		return talos.Snapshot{}, fmt.Errorf("unmarshal snapshot values: %w", err)
	}
	return snap, nil
}
