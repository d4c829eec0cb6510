package quota

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore is an optional multi-instance-friendly side store for the
// Quota Ledger, for operators who run several gateway processes against one
// shared quota view. It satisfies the same Store interface as SQLiteStore.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a PostgreSQL-backed quota store using dsn.
func NewPostgresStore(dsn string, maxOpen, maxIdle int) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("quota: open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS quota_entries (
	cred_id TEXT NOT NULL,
	model TEXT NOT NULL,
	remaining_fraction DOUBLE PRECISION NOT NULL,
	reset_time_utc TIMESTAMPTZ,
	observed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (cred_id, model)
);
CREATE TABLE IF NOT EXISTS quota_counters (
	cred_id TEXT NOT NULL,
	model_group TEXT NOT NULL,
	request_count BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (cred_id, model_group)
);
`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("quota: apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *PostgresStore) Close() error { return s.db.Close() }

// Flush upserts the ledger's current contents (a full snapshot is small
// enough to replace wholesale rather than diff).
func (s *PostgresStore) Flush(snap Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("quota: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`TRUNCATE quota_entries`); err != nil {
		return err
	}
	if _, err := tx.Exec(`TRUNCATE quota_counters`); err != nil {
		return err
	}
	for credID, perModel := range snap.Quotas {
		for model, e := range perModel {
			if _, err := tx.Exec(
				`INSERT INTO quota_entries(cred_id, model, remaining_fraction, reset_time_utc, observed_at)
				 VALUES($1, $2, $3, $4, $5)`,
				credID, model, e.RemainingFraction, e.ResetTimeUTC, e.ObservedAt,
			); err != nil {
				return fmt.Errorf("quota: insert entry: %w", err)
			}
		}
	}
	for credID, perGroup := range snap.Counters {
		for group, n := range perGroup {
			if _, err := tx.Exec(
				`INSERT INTO quota_counters(cred_id, model_group, request_count) VALUES($1, $2, $3)`,
				credID, string(group), n,
			); err != nil {
				return fmt.Errorf("quota: insert counter: %w", err)
			}
		}
	}
	return tx.Commit()
}

// Load reads the persisted snapshot back from PostgreSQL.
func (s *PostgresStore) Load() (Snapshot, error) {
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
