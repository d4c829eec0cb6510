package quota

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"
)

// SQLiteStore is the default single-instance side store for the Quota
// Ledger: pure-Go driver, WAL journal mode and schema-on-open. It is the
// only sqlite-backed store in this module.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a quota side store at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("quota: create store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("quota: open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("quota: enable WAL: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS quota_entries (
	cred_id TEXT NOT NULL,
	model TEXT NOT NULL,
	remaining_fraction REAL NOT NULL,
	reset_time_utc TIMESTAMP,
	observed_at TIMESTAMP NOT NULL,
	PRIMARY KEY (cred_id, model)
);
CREATE TABLE IF NOT EXISTS quota_counters (
	cred_id TEXT NOT NULL,
	model_group TEXT NOT NULL,
	request_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (cred_id, model_group)
);
CREATE TABLE IF NOT EXISTS quota_meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	last_cleanup TIMESTAMP,
	ttl_seconds INTEGER
);
`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("quota: apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Flush replaces the persisted snapshot with the ledger's current contents.
func (s *SQLiteStore) Flush(snap Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("quota: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM quota_entries`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM quota_counters`); err != nil {
		return err
	}
	insEntry, err := tx.Prepare(`INSERT INTO quota_entries(cred_id, model, remaining_fraction, reset_time_utc, observed_at) VALUES(?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insEntry.Close()
	for credID, perModel := range snap.Quotas {
		for model, e := range perModel {
			if _, err := insEntry.Exec(credID, model, e.RemainingFraction, e.ResetTimeUTC, e.ObservedAt); err != nil {
				return fmt.Errorf("quota: insert entry: %w", err)
			}
		}
	}
	insCounter, err := tx.Prepare(`INSERT INTO quota_counters(cred_id, model_group, request_count) VALUES(?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insCounter.Close()
	for credID, perGroup := range snap.Counters {
		for group, n := range perGroup {
			if _, err := insCounter.Exec(credID, string(group), n); err != nil {
				return fmt.Errorf("quota: insert counter: %w", err)
			}
		}
	}
	if _, err := tx.Exec(`INSERT INTO quota_meta(id, last_cleanup, ttl_seconds) VALUES(1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_cleanup=excluded.last_cleanup, ttl_seconds=excluded.ttl_seconds`,
		snap.LastCleanup, int64(snap.TTL/time.Second)); err != nil {
		return fmt.Errorf("quota: upsert meta: %w", err)
	}
	return tx.Commit()
}

// Load reads the persisted snapshot back, for restoring the ledger at boot.
func (s *SQLiteStore) Load() (Snapshot, error) {
	snap := Snapshot{Quotas: make(map[string]map[string]Entry), Counters: make(map[string]map[Group]int)}

	rows, err := s.db.Query(`SELECT cred_id, model, remaining_fraction, reset_time_utc, observed_at FROM quota_entries`)
	if err != nil {
		return snap, fmt.Errorf("quota: query entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var credID, model string
		var e Entry
		var reset, observed sql.NullTime
		if err := rows.Scan(&credID, &model, &e.RemainingFraction, &reset, &observed); err != nil {
			return snap, err
		}
		if reset.Valid {
			e.ResetTimeUTC = reset.Time
		}
		if observed.Valid {
			e.ObservedAt = observed.Time
		}
		if snap.Quotas[credID] == nil {
			snap.Quotas[credID] = make(map[string]Entry)
		}
		snap.Quotas[credID][model] = e
	}
	if err := rows.Err(); err != nil {
		return snap, err
	}

	crows, err := s.db.Query(`SELECT cred_id, model_group, request_count FROM quota_counters`)
	if err != nil {
		return snap, fmt.Errorf("quota: query counters: %w", err)
	}
	defer crows.Close()
	for crows.Next() {
		var credID, group string
		var n int
		if err := crows.Scan(&credID, &group, &n); err != nil {
			return snap, err
		}
		if snap.Counters[credID] == nil {
			snap.Counters[credID] = make(map[Group]int)
		}
		snap.Counters[credID][Group(group)] = n
	}
	return snap, crows.Err()
}
