package main

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

const rankingCacheTTL = 30 * time.Second

type RankingEntry struct {
	Rank      int    `json:"rank"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Score     int64  `json:"score"`
	TimeMs    int64  `json:"timeMs"`
	UpdatedAt string `json:"updatedAt"`
}

type GetRankingResponse struct {
	Items           []RankingEntry `json:"items"`
	TopN            int            `json:"topN"`
	TotalCandidates int            `json:"totalCandidates"`
	UpdatedAt       string         `json:"updatedAt"`
}

// rankingCache is the downstream read cache the admission endpoint
// invalidates on acceptance. Entries expire on their own otherwise.
type rankingCache struct {
	mu      sync.RWMutex
	entries map[string]cachedRanking
}

type cachedRanking struct {
	sorted  []ScoreRecord
	expires time.Time
}

func newRankingCache() *rankingCache {
	return &rankingCache{entries: make(map[string]cachedRanking)}
}

func (c *rankingCache) get(gid string, period string) ([]ScoreRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[gid+"#"+period]
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.sorted, true
}

func (c *rankingCache) put(gid string, period string, sorted []ScoreRecord) {
	c.mu.Lock()
	c.entries[gid+"#"+period] = cachedRanking{sorted: sorted, expires: time.Now().Add(rankingCacheTTL)}
	c.mu.Unlock()
}

func (c *rankingCache) Invalidate(gid string, period string) {
	c.mu.Lock()
	delete(c.entries, gid+"#"+period)
	c.mu.Unlock()
}

func rankingHandler(store scoreStore, cache *rankingCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		gid := vars["gid"]
		period := vars["period"]
		if !isValidIdentifier(gid) || !isValidIdentifier(period) {
			writeJSONError(w, http.StatusBadRequest, "invalid path parameters")
			return
		}

		cfg := lookupGameConfig(gid)
		topN := topNFor(cfg)

		limit := topN
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				if v < 1 {
					v = 1
				}
				if v > topN {
					v = topN
				}
				limit = v
			}
		}

		sorted, ok := cache.get(gid, period)
		if !ok {
			ctx, cancel := context.WithTimeout(r.Context(), storeCallTimeout)
			defer cancel()

			records, err := store.QueryPartition(ctx, gid, period)
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, "internal server error")
				return
			}
			cmp := comparatorFor(gid, cfg)
			sort.Slice(records, func(i, j int) bool { return cmp.Less(records[i], records[j]) })
			sorted = records
			cache.put(gid, period, sorted)
		}

		total := len(sorted)
		top := sorted
		if len(top) > topN {
			top = top[:topN]
		}
		if len(top) > limit {
			top = top[:limit]
		}

		items := make([]RankingEntry, 0, len(top))
		for i, rec := range top {
			items = append(items, RankingEntry{
				Rank:      i + 1,
				UserID:    rec.UserID,
				UserName:  rec.UserName,
				Score:     rec.Score,
				TimeMs:    rec.TimeMs,
				UpdatedAt: rec.UpdatedAt,
			})
		}

		writeJSON(w, http.StatusOK, GetRankingResponse{
			Items:           items,
			TopN:            limit,
			TotalCandidates: total,
			UpdatedAt:       time.Now().UTC().Format(isoMillis),
		})
	}
}
