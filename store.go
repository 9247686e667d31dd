package main

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// ScoreRecord is the canonical per-(game, period, player) record. One row per
// triple; improvements mutate it in place, the trim engine deletes it when it
// falls outside the top-N.
type ScoreRecord struct {
	GameID    string `json:"gameId"`
	Period    string `json:"period"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Score     int64  `json:"score"`
	TimeMs    int64  `json:"timeMs"`
	UpdatedAt string `json:"updatedAt"` // ISO-8601 UTC
}

// Partition identifies one leaderboard: a game crossed with a scoring period.
type Partition struct {
	GameID string
	Period string
}

// scoreStore is the canonical ordered table consumed by the admission
// endpoint and the trim engine.
type scoreStore interface {
	GetScore(ctx context.Context, gid string, period string, uid string) (*ScoreRecord, error)
	UpsertScore(ctx context.Context, rec ScoreRecord) error
	// QueryPartition drains every page of a partition.
	QueryPartition(ctx context.Context, gid string, period string) ([]ScoreRecord, error)
	ListPartitions(ctx context.Context) ([]Partition, error)
	// DeleteScores removes a batch and reports the unprocessed subset so the
	// caller can retry only what failed.
	DeleteScores(ctx context.Context, gid string, period string, userIDs []string) ([]string, error)
}

type pgScoreStore struct {
	db       *sql.DB
	pageSize int
}

func (s *pgScoreStore) GetScore(ctx context.Context, gid string, period string, uid string) (*ScoreRecord, error) {
	rec := ScoreRecord{GameID: gid, Period: period, UserID: uid}
	err := s.db.QueryRowContext(ctx, `
		SELECT user_name, score, time_ms, updated_at
		FROM scores
		WHERE game_id = $1 AND period = $2 AND user_id = $3
	`, gid, period, uid).Scan(&rec.UserName, &rec.Score, &rec.TimeMs, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *pgScoreStore) UpsertScore(ctx context.Context, rec ScoreRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scores (game_id, period, user_id, user_name, score, time_ms, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (game_id, period, user_id)
		DO UPDATE SET user_name = EXCLUDED.user_name,
		              score = EXCLUDED.score,
		              time_ms = EXCLUDED.time_ms,
		              updated_at = EXCLUDED.updated_at
	`, rec.GameID, rec.Period, rec.UserID, rec.UserName, rec.Score, rec.TimeMs, rec.UpdatedAt)
	return err
}

func (s *pgScoreStore) QueryPartition(ctx context.Context, gid string, period string) ([]ScoreRecord, error) {
	pageSize := s.pageSize
	if pageSize <= 0 {
		pageSize = 200
	}

	out := []ScoreRecord{}
	lastUser := ""
	for {
		rows, err := s.db.QueryContext(ctx, `
			SELECT user_id, user_name, score, time_ms, updated_at
			FROM scores
			WHERE game_id = $1 AND period = $2 AND user_id > $3
			ORDER BY user_id
			LIMIT $4
		`, gid, period, lastUser, pageSize)
		if err != nil {
			return nil, err
		}

		count := 0
		for rows.Next() {
			rec := ScoreRecord{GameID: gid, Period: period}
			if err := rows.Scan(&rec.UserID, &rec.UserName, &rec.Score, &rec.TimeMs, &rec.UpdatedAt); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, rec)
			lastUser = rec.UserID
			count++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()

		if count < pageSize {
			return out, nil
		}
	}
}

func (s *pgScoreStore) ListPartitions(ctx context.Context) ([]Partition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT game_id, period
		FROM scores
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Partition{}
	for rows.Next() {
		var p Partition
		if err := rows.Scan(&p.GameID, &p.Period); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *pgScoreStore) DeleteScores(ctx context.Context, gid string, period string, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM scores
		WHERE game_id = $1 AND period = $2 AND user_id = ANY($3)
	`, gid, period, pq.Array(userIDs))
	if err != nil {
		return userIDs, err
	}
	return nil, nil
}
