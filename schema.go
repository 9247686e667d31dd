package main

import "database/sql"

func ensureSchema(db *sql.DB) error {

	// canonical score table: one row per (game, period, player)
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS scores (
			game_id TEXT NOT NULL,
			period TEXT NOT NULL,
			user_id TEXT NOT NULL,
			user_name TEXT NOT NULL,
			score BIGINT NOT NULL,
			time_ms BIGINT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (game_id, period, user_id)
		)
	`)
	if err != nil {
		return err
	}

	// key-value entries: signing keys and published thresholds
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS kv_entries (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			version BIGINT NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS score_telemetry (
			id BIGSERIAL PRIMARY KEY,
			game_id TEXT NOT NULL,
			period TEXT NOT NULL,
			user_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_score_telemetry_game
		ON score_telemetry (game_id, period, created_at)
	`)
	return err
}
