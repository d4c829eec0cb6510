package credential

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore is an optional Backend for operators who already run
// Postgres for their userstore and would rather not manage a second,
// file-based encrypted blob per gateway instance. Unlike Store it relies on
// the database's own access control instead of an application-level cipher,
// which is the tradeoff an operator picking this backend is accepting.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a PostgreSQL-backed credential store using dsn.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("credential: open postgres db: %w", err)
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
CREATE TABLE IF NOT EXISTS credentials (
	id TEXT PRIMARY KEY,
	data JSONB NOT NULL
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("credential: apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *PostgresStore) Close() error { return s.db.Close() }

// ReadAll returns every credential row, order unspecified.
func (s *PostgresStore) ReadAll() []Credential {
	rows, err := s.db.Query(`SELECT data FROM credentials`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []Credential
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var c Credential
		if err := json.Unmarshal(raw, &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

// WriteAll replaces the table contents wholesale, mirroring Store.WriteAll.
func (s *PostgresStore) WriteAll(list []Credential) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("credential: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`TRUNCATE credentials`); err != nil {
		return fmt.Errorf("credential: truncate: %w", err)
	}
	for _, c := range list {
		raw, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("credential: marshal %s: %w", c.ID, err)
		}
		if _, err := tx.Exec(`INSERT INTO credentials(id, data) VALUES($1, $2)`, c.ID, raw); err != nil {
			return fmt.Errorf("credential: insert %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// MergeActive upserts active by ID, leaving rows absent from active
// untouched, matching Store.MergeActive's semantics.
func (s *PostgresStore) MergeActive(active []Credential) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("credential: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, c := range active {
		raw, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("credential: marshal %s: %w", c.ID, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO credentials(id, data) VALUES($1, $2)
			 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`,
			c.ID, raw,
		); err != nil {
			return fmt.Errorf("credential: upsert %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}
