// Package recordstore persists per-human-day observation records in a
// SQLite database, keyed by (human_idx, day_idx). Records are stored as
// JSON payloads; the schema stays trivial on purpose, since inference only
// ever addresses records by key or by day.
package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/mila-iqia/COVI-ML/records"
	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS human_days (
	human_idx  INTEGER NOT NULL,
	day_idx    INTEGER NOT NULL,
	payload    BLOB    NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (human_idx, day_idx)
);
CREATE INDEX IF NOT EXISTS human_days_by_day ON human_days (day_idx);
`

// ErrNotFound is returned when no record exists for the requested key.
var ErrNotFound = errors.New("record not found")

// Store is a SQLite-backed record store. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening record store at '%s'", path)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "error initializing record store at '%s'", path)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put inserts or replaces the record for (rec.HumanIdx, rec.DayIdx).
func (s *Store) Put(ctx context.Context, rec records.HumanDay) error {
	if err := rec.Validate(); err != nil {
		return errors.Wrapf(err, "refusing to store invalid record")
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrapf(err, "error encoding record %d-%d", rec.DayIdx, rec.HumanIdx)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO human_days (human_idx, day_idx, payload) VALUES (?, ?, ?)
		ON CONFLICT (human_idx, day_idx) DO UPDATE SET payload = excluded.payload`,
		rec.HumanIdx, rec.DayIdx, payload)
	if err != nil {
		return errors.Wrapf(err, "error storing record %d-%d", rec.DayIdx, rec.HumanIdx)
	}
	return nil
}

// Get returns the record for (humanIdx, dayIdx), or ErrNotFound.
func (s *Store) Get(ctx context.Context, humanIdx, dayIdx int) (records.HumanDay, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM human_days WHERE human_idx = ? AND day_idx = ?`,
		humanIdx, dayIdx).Scan(&payload)
	switch {
	case err == sql.ErrNoRows:
		return records.HumanDay{}, ErrNotFound
	case err != nil:
		return records.HumanDay{}, errors.Wrapf(err, "error reading record %d-%d", dayIdx, humanIdx)
	}

	var rec records.HumanDay
	if err := json.Unmarshal(payload, &rec); err != nil {
		return records.HumanDay{}, errors.Wrapf(err, "error decoding record %d-%d", dayIdx, humanIdx)
	}
	return rec, nil
}

// Day returns every record for the given day, ordered by human index.
func (s *Store) Day(ctx context.Context, dayIdx int) ([]records.HumanDay, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM human_days WHERE day_idx = ? ORDER BY human_idx`, dayIdx)
	if err != nil {
		return nil, errors.Wrapf(err, "error listing records for day %d", dayIdx)
	}
	defer rows.Close()

	var recs []records.HumanDay
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrapf(err, "error scanning record for day %d", dayIdx)
		}
		var rec records.HumanDay
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, errors.Wrapf(err, "error decoding record for day %d", dayIdx)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating records for day %d", dayIdx)
	}
	return recs, nil
}

// Count returns the total number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM human_days`).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "error counting records")
	}
	return n, nil
}
