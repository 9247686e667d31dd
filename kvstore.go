package main

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// kvStore is the low-latency key-value surface consumed by the session
// handlers (signing keys, admission thresholds) and written by the trim
// engine. Absent keys are reported via the bool, not an error.
type kvStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key string, value string) error
}

var errKVConflict = errors.New("KV_VERSION_CONFLICT")

// kvGetWithRetry retries an idempotent read once on a server-fault-class
// failure. Rejections ("absent") are never retried.
func kvGetWithRetry(ctx context.Context, kv kvStore, key string) (string, bool, error) {
	value, ok, err := kv.Get(ctx, key)
	if err == nil {
		return value, ok, nil
	}
	return kv.Get(ctx, key)
}

type pgKVStore struct {
	db *sql.DB
}

func (s *pgKVStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value
		FROM kv_entries
		WHERE key = $1
	`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Put is a conditional write: the row's version tag is read immediately
// before the update and the update only lands if the tag is unchanged.
// Conflicts retry with a fresh tag under capped exponential backoff.
func (s *pgKVStore) Put(ctx context.Context, key string, value string) error {
	attempt := func() error {
		var version int64
		err := s.db.QueryRowContext(ctx, `
			SELECT version
			FROM kv_entries
			WHERE key = $1
		`, key).Scan(&version)
		if err == sql.ErrNoRows {
			res, err := s.db.ExecContext(ctx, `
				INSERT INTO kv_entries (key, value, version, updated_at)
				VALUES ($1, $2, 1, NOW())
				ON CONFLICT (key) DO NOTHING
			`, key, value)
			if err != nil {
				return backoff.Permanent(err)
			}
			rows, err := res.RowsAffected()
			if err != nil {
				return backoff.Permanent(err)
			}
			if rows == 0 {
				// Another writer created the key first; retry as an update.
				return errKVConflict
			}
			return nil
		}
		if err != nil {
			return backoff.Permanent(err)
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE kv_entries
			SET value = $2, version = version + 1, updated_at = NOW()
			WHERE key = $1 AND version = $3
		`, key, value, version)
		if err != nil {
			return backoff.Permanent(err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return backoff.Permanent(err)
		}
		if rows == 0 {
			return errKVConflict
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = 3 * time.Second
	return backoff.Retry(attempt, backoff.WithContext(policy, ctx))
}
