// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package exchange

import (
	"database/sql"
	"fmt"

	"github.com/coinffeine/stepswap/dex"
	_ "github.com/mattn/go-sqlite3"
)

// Store persists an exchange's committed step count and status.
// Persistence is optional: a Machine works correctly without a Store.
// A Machine only writes to it and starts every run from step 0 either way;
// LoadProgress reads a checkpoint back, but no code in this module calls it.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if necessary) a sqlite database at path and
// ensures its schema exists.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("exchange: open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("exchange: ping store: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS exchange_progress (
	exchange_id   TEXT PRIMARY KEY,
	steps_completed INTEGER NOT NULL,
	status        INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("exchange: migrate store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveProgress checkpoints an exchange's step count and status. Safe to
// call repeatedly; it overwrites the prior row for the same exchange.
func (s *Store) SaveProgress(id dex.ExchangeId, stepsCompleted int, status Status, unixNow int64) error {
	const stmt = `
INSERT INTO exchange_progress (exchange_id, steps_completed, status, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(exchange_id) DO UPDATE SET
	steps_completed = excluded.steps_completed,
	status = excluded.status,
	updated_at = excluded.updated_at;`
	_, err := s.db.Exec(stmt, id.String(), stepsCompleted, int(status), unixNow)
	return err
}

// LoadProgress returns the last checkpointed step count and status for id,
// and false if nothing was ever saved for it.
func (s *Store) LoadProgress(id dex.ExchangeId) (stepsCompleted int, status Status, found bool, err error) {
	row := s.db.QueryRow(`SELECT steps_completed, status FROM exchange_progress WHERE exchange_id = ?`, id.String())
	var st int
	if scanErr := row.Scan(&stepsCompleted, &st); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return 0, NonStarted, false, nil
		}
		return 0, NonStarted, false, scanErr
	}
	return stepsCompleted, Status(st), true, nil
}
