package main

import (
	"database/sql"
	"encoding/json"
	"log"
)

// emitScoreTelemetry records a rejection event for operator review. Strictly
// best-effort: a telemetry failure never changes the request outcome.
func emitScoreTelemetry(db *sql.DB, gid string, period string, uid string, eventType string, payload map[string]interface{}) {
	if db == nil {
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}

	if _, err := db.Exec(`
		INSERT INTO score_telemetry (game_id, period, user_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, gid, period, uid, eventType, raw); err != nil {
		log.Println("telemetry insert failed:", err)
	}
}
