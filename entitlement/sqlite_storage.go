package entitlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// SQLiteStorage is the per-actor embedded Storage implementation (spec
// §4.J: "Holds one SQLite-like embedded store"). One database file backs
// exactly one customer's Meter Actor.
type SQLiteStorage struct {
	db   *sql.DB
	sink AnalyticsSink
}

// OpenSQLiteStorage opens (creating if necessary) a SQLite database at
// path and runs its schema migrations. Pass ":memory:" for an ephemeral,
// test-only store.
func OpenSQLiteStorage(ctx context.Context, path string, sink AnalyticsSink) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("entitlement: open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // a single actor is single-threaded cooperative; avoid concurrent writers

	s := &SQLiteStorage{db: db, sink: sink}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStorage) Close() error { return s.db.Close() }

func (s *SQLiteStorage) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS entitlement_state (
	cache_key    TEXT PRIMARY KEY,
	customer_id  TEXT NOT NULL,
	project_id   TEXT NOT NULL,
	feature_slug TEXT NOT NULL,
	data         TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	cache_key TEXT PRIMARY KEY,
	seen_at   TEXT NOT NULL,
	ttl_secs  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_usage_records (
	rowid_key  INTEGER PRIMARY KEY AUTOINCREMENT,
	data       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_verifications (
	rowid_key  INTEGER PRIMARY KEY AUTOINCREMENT,
	data       TEXT NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("entitlement: migrate sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Get(ctx context.Context, key Key) (State, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM entitlement_state WHERE cache_key = ?`, key.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("entitlement: get %s: %w", key, err)
	}

	var st State
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return State{}, fmt.Errorf("entitlement: decode state for %s: %w", key, err)
	}
	return st, nil
}

func (s *SQLiteStorage) Set(ctx context.Context, key Key, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("entitlement: encode state for %s: %w", key, err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO entitlement_state (cache_key, customer_id, project_id, feature_slug, data, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(cache_key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
`, key.String(), key.CustomerID, key.ProjectID, key.FeatureSlug, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("entitlement: set %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, key Key) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entitlement_state WHERE cache_key = ?`, key.String())
	if err != nil {
		return fmt.Errorf("entitlement: delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStorage) Reset(ctx context.Context, key Key) error {
	return s.Delete(ctx, key)
}

func (s *SQLiteStorage) HasIdempotenceKey(ctx context.Context, customerID, featureSlug, idempotenceKey string, ttl time.Duration) (bool, error) {
	if ttl < MinIdempotenceTTL {
		ttl = MinIdempotenceTTL
	}
	key := customerID + ":" + featureSlug + ":" + idempotenceKey
	now := time.Now().UTC()

	var seenAtStr string
	var ttlSecs int64
	err := s.db.QueryRowContext(ctx, `SELECT seen_at, ttl_secs FROM idempotency_keys WHERE cache_key = ?`, key).Scan(&seenAtStr, &ttlSecs)
	if err == nil {
		seenAt, parseErr := time.Parse(time.RFC3339Nano, seenAtStr)
		if parseErr == nil && now.Sub(seenAt) < time.Duration(ttlSecs)*time.Second {
			return true, nil
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("entitlement: check idempotence key: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO idempotency_keys (cache_key, seen_at, ttl_secs) VALUES (?, ?, ?)
ON CONFLICT(cache_key) DO UPDATE SET seen_at = excluded.seen_at, ttl_secs = excluded.ttl_secs
`, key, now.Format(time.RFC3339Nano), int64(ttl.Seconds()))
	if err != nil {
		return false, fmt.Errorf("entitlement: record idempotence key: %w", err)
	}
	return false, nil
}

func (s *SQLiteStorage) InsertUsageRecord(ctx context.Context, r UsageRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO pending_usage_records (data) VALUES (?)`, string(data))
	return err
}

func (s *SQLiteStorage) InsertVerification(ctx context.Context, v Verification) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO pending_verifications (data) VALUES (?)`, string(data))
	return err
}

// Flush replays any pending rows (including rows left over from before a
// restart — they are durable in the SQLite file) through the analytics
// sink, deleting each row only once its batch has been acknowledged.
func (s *SQLiteStorage) Flush(ctx context.Context) error {
	if s.sink == nil {
		return nil
	}

	if err := s.flushUsageRecords(ctx); err != nil {
		return err
	}
	return s.flushVerifications(ctx)
}

func (s *SQLiteStorage) flushUsageRecords(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT rowid_key, data FROM pending_usage_records ORDER BY rowid_key`)
	if err != nil {
		return fmt.Errorf("entitlement: query pending usage records: %w", err)
	}
	defer rows.Close()

	var ids []int64
	var records []UsageRecord
	for rows.Next() {
		var rowID int64
		var data string
		if err := rows.Scan(&rowID, &data); err != nil {
			return err
		}
		var r UsageRecord
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return err
		}
		ids = append(ids, rowID)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	if err := s.sink.IngestUsageRecords(ctx, records); err != nil {
		return fmt.Errorf("entitlement: flush usage records: %w", err)
	}
	return s.deleteRows(ctx, "pending_usage_records", ids)
}

func (s *SQLiteStorage) flushVerifications(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT rowid_key, data FROM pending_verifications ORDER BY rowid_key`)
	if err != nil {
		return fmt.Errorf("entitlement: query pending verifications: %w", err)
	}
	defer rows.Close()

	var ids []int64
	var verifications []Verification
	for rows.Next() {
		var rowID int64
		var data string
		if err := rows.Scan(&rowID, &data); err != nil {
			return err
		}
		var v Verification
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return err
		}
		ids = append(ids, rowID)
		verifications = append(verifications, v)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(verifications) == 0 {
		return nil
	}

	if err := s.sink.IngestVerifications(ctx, verifications); err != nil {
		return fmt.Errorf("entitlement: flush verifications: %w", err)
	}
	return s.deleteRows(ctx, "pending_verifications", ids)
}

func (s *SQLiteStorage) deleteRows(ctx context.Context, table string, ids []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE rowid_key = ?`, table))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rowID := range ids {
		if _, err := stmt.ExecContext(ctx, rowID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

var _ Storage = (*SQLiteStorage)(nil)
