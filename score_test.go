package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putRequest(player string, score int64, timeMs int64, updatedAt string, trusted bool) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/score/snake/all/USER-1", nil)
	req.Header.Set("x-player", player)
	req.Header.Set("x-score", strconv.FormatInt(score, 10))
	req.Header.Set("x-time-ms", strconv.FormatInt(timeMs, 10))
	req.Header.Set("x-updated-at", updatedAt)
	if trusted {
		req.Header.Set(edgeAuthHeader, edgeAuthValue)
	}
	return req
}

func callPutScore(t *testing.T, store scoreStore, cache *rankingCache, req *http.Request) (int, PutScoreResponse) {
	t.Helper()
	rr := serveRoute("/api/score/{gid}/{period}/{uid}", putScoreHandler(store, cache), req)
	var resp PutScoreResponse
	if rr.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	}
	return rr.Code, resp
}

func TestPutScoreRequiresTrustMarker(t *testing.T) {
	store := newMemScores()
	code, _ := callPutScore(t, store, newRankingCache(), putRequest("Ada", 100, 1000, isoNow(0), false))
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, 0, store.count("snake", "all"))
}

func TestPutScoreFirstSubmission(t *testing.T) {
	resetConfig()
	store := newMemScores()
	code, resp := callPutScore(t, store, newRankingCache(), putRequest("Ada", 100, 1000, isoNow(0), true))

	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Accepted)
	assert.True(t, resp.RankChanged)
	assert.Nil(t, resp.Previous)
	require.NotNil(t, resp.Current)
	assert.Equal(t, int64(100), resp.Current.Score)
	assert.Equal(t, 1, store.count("snake", "all"))
}

func TestPutScoreKeepsBetterExisting(t *testing.T) {
	resetConfig()
	store := newMemScores()
	existing := ScoreRecord{
		GameID: "snake", Period: "all", UserID: "USER-1", UserName: "Ada",
		Score: 500, TimeMs: 1000, UpdatedAt: isoNow(-time.Hour),
	}
	store.seed(existing)

	code, resp := callPutScore(t, store, newRankingCache(), putRequest("Ada", 400, 900, isoNow(0), true))
	require.Equal(t, http.StatusOK, code)
	assert.False(t, resp.Accepted)
	assert.False(t, resp.RankChanged)
	require.NotNil(t, resp.Previous)
	require.NotNil(t, resp.Current)
	assert.Equal(t, int64(500), resp.Current.Score, "the better record stays current")

	kept, err := store.GetScore(context.Background(), "snake", "all", "USER-1")
	require.NoError(t, err)
	assert.Equal(t, existing, *kept)
}

func TestPutScoreImprovement(t *testing.T) {
	resetConfig()
	store := newMemScores()
	cache := newRankingCache()
	store.seed(ScoreRecord{
		GameID: "snake", Period: "all", UserID: "USER-1", UserName: "Ada",
		Score: 500, TimeMs: 1000, UpdatedAt: isoNow(-time.Hour),
	})
	cache.put("snake", "all", []ScoreRecord{})

	code, resp := callPutScore(t, store, cache, putRequest("Ada", 600, 2000, isoNow(0), true))
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Accepted)
	require.NotNil(t, resp.Previous)
	assert.Equal(t, int64(500), resp.Previous.Score)
	assert.Equal(t, int64(600), resp.Current.Score)

	// acceptance evicts the cached ranking
	_, hit := cache.get("snake", "all")
	assert.False(t, hit)
}

func TestPutScoreReplayIsIdempotent(t *testing.T) {
	resetConfig()
	store := newMemScores()
	cache := newRankingCache()
	at := isoNow(0)

	code, resp := callPutScore(t, store, cache, putRequest("Ada", 600, 2000, at, true))
	require.Equal(t, http.StatusOK, code)
	require.True(t, resp.Accepted)

	// the identical submission again: not an improvement, nothing changes
	code, resp = callPutScore(t, store, cache, putRequest("Ada", 600, 2000, at, true))
	require.Equal(t, http.StatusOK, code)
	assert.False(t, resp.Accepted)
	assert.Equal(t, 1, store.count("snake", "all"))
}

func TestPutScoreAscendingOrder(t *testing.T) {
	testConfig("snake", []SortRule{{By: "timeMs", Dir: "asc"}}, 100)
	t.Cleanup(resetConfig)

	store := newMemScores()
	store.seed(ScoreRecord{
		GameID: "snake", Period: "all", UserID: "USER-1", UserName: "Ada",
		Score: 0, TimeMs: 60000, UpdatedAt: isoNow(-time.Hour),
	})

	// a faster run wins under asc timeMs even with a lower score
	code, resp := callPutScore(t, store, newRankingCache(), putRequest("Ada", 0, 55000, isoNow(0), true))
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Accepted)
	assert.Equal(t, int64(55000), resp.Current.TimeMs)
}

func TestPutScoreMissingParams(t *testing.T) {
	store := newMemScores()
	req := putRequest("Ada", 100, 1000, isoNow(0), true)
	req.Header.Del("x-player")
	code, _ := callPutScore(t, store, newRankingCache(), req)
	assert.Equal(t, http.StatusBadRequest, code)
}
