package main

import (
	"context"
	"encoding/json"
)

// ThresholdEntry is the published admission bar for one (game, period)
// partition: the field values of the last record the trim engine kept, plus
// the order they must be compared under. It is a derived projection of the
// canonical table, stale between sweeps and rebuilt wholesale by each one.
type ThresholdEntry struct {
	Ver       int             `json:"ver"`
	Order     []SortRule      `json:"order"`
	Thr       ThresholdValues `json:"thr"`
	TopN      int             `json:"topN"`
	UpdatedAt string          `json:"updatedAt"`
}

// ThresholdValues carries the per-field values of the current N-th record.
type ThresholdValues struct {
	Score     int64  `json:"score"`
	TimeMs    int64  `json:"timeMs"`
	UpdatedAt string `json:"updatedAt"`
}

// thresholdKey is the single key format shared by the gate (read side) and
// the trim engine (write side).
func thresholdKey(gid string, period string) string {
	return "thr#g:" + gid + "#p:" + period
}

func (t ThresholdEntry) bottomRecord() ScoreRecord {
	return ScoreRecord{
		Score:     t.Thr.Score,
		TimeMs:    t.Thr.TimeMs,
		UpdatedAt: t.Thr.UpdatedAt,
	}
}

// Admits reports whether a candidate improves on or ties the bar. The
// comparison uses the published order only; a full tie admits.
func (t ThresholdEntry) Admits(candidate ScoreRecord) bool {
	cmp, err := newComparator(t.Order)
	if err != nil {
		// A malformed published order must not lock players out.
		return true
	}
	return cmp.CompareByRules(candidate, t.bottomRecord()) <= 0
}

func buildThreshold(order []SortRule, bottom ScoreRecord, topN int, publishedAt string) ThresholdEntry {
	return ThresholdEntry{
		Ver:   tokenVersion,
		Order: order,
		Thr: ThresholdValues{
			Score:     bottom.Score,
			TimeMs:    bottom.TimeMs,
			UpdatedAt: bottom.UpdatedAt,
		},
		TopN:      topN,
		UpdatedAt: publishedAt,
	}
}

// fetchThreshold loads and parses the admission bar for a partition. Absence
// or a parse failure means "no bar yet": the gate admits unconditionally.
func fetchThreshold(ctx context.Context, kv kvStore, gid string, period string) *ThresholdEntry {
	raw, ok, err := kvGetWithRetry(ctx, kv, thresholdKey(gid, period))
	if err != nil || !ok {
		return nil
	}
	var entry ThresholdEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil
	}
	if len(entry.Order) == 0 {
		return nil
	}
	return &entry
}
