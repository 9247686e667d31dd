package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

type memKVStore struct {
	mu         sync.Mutex
	m          map[string]string
	failGetN   int
	putErr     error
	putHistory []string
}

func newMemKV() *memKVStore {
	return &memKVStore{m: make(map[string]string)}
}

func (s *memKVStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGetN > 0 {
		s.failGetN--
		return "", false, errors.New("kv unavailable")
	}
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *memKVStore) Put(ctx context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.m[key] = value
	s.putHistory = append(s.putHistory, key)
	return nil
}

func (s *memKVStore) seedKeys(current string, previous string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current != "" {
		s.m[kvKeyCurrent] = current
	}
	if previous != "" {
		s.m[kvKeyPrevious] = previous
	}
}

type memScoreStore struct {
	mu              sync.Mutex
	recs            map[string]map[string]ScoreRecord // partition -> uid -> record
	queryErr        map[string]error
	unprocessedOnce bool
	deleteCalls     int
}

func newMemScores() *memScoreStore {
	return &memScoreStore{
		recs:     make(map[string]map[string]ScoreRecord),
		queryErr: make(map[string]error),
	}
}

func partKey(gid string, period string) string { return gid + "#" + period }

func (s *memScoreStore) seed(rec ScoreRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pk := partKey(rec.GameID, rec.Period)
	if s.recs[pk] == nil {
		s.recs[pk] = make(map[string]ScoreRecord)
	}
	s.recs[pk][rec.UserID] = rec
}

func (s *memScoreStore) GetScore(ctx context.Context, gid string, period string, uid string) (*ScoreRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[partKey(gid, period)][uid]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *memScoreStore) UpsertScore(ctx context.Context, rec ScoreRecord) error {
	s.seed(rec)
	return nil
}

func (s *memScoreStore) QueryPartition(ctx context.Context, gid string, period string) ([]ScoreRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pk := partKey(gid, period)
	if err := s.queryErr[pk]; err != nil {
		return nil, err
	}
	out := []ScoreRecord{}
	for _, rec := range s.recs[pk] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *memScoreStore) ListPartitions(ctx context.Context) ([]Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Partition{}
	for _, recs := range s.recs {
		if len(recs) == 0 {
			continue
		}
		for _, rec := range recs {
			out = append(out, Partition{GameID: rec.GameID, Period: rec.Period})
			break
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return partKey(out[i].GameID, out[i].Period) < partKey(out[j].GameID, out[j].Period)
	})
	return out, nil
}

func (s *memScoreStore) DeleteScores(ctx context.Context, gid string, period string, userIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls++
	if s.unprocessedOnce && len(userIDs) > 1 {
		s.unprocessedOnce = false
		half := userIDs[len(userIDs)/2:]
		for _, uid := range userIDs[:len(userIDs)/2] {
			delete(s.recs[partKey(gid, period)], uid)
		}
		return half, nil
	}
	for _, uid := range userIDs {
		delete(s.recs[partKey(gid, period)], uid)
	}
	return nil, nil
}

func (s *memScoreStore) count(gid string, period string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs[partKey(gid, period)])
}

// serveRoute runs one request through a handler mounted at a mux route so
// path variables resolve the way they do in production.
func serveRoute(pattern string, handler http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	r := mux.NewRouter()
	r.HandleFunc(pattern, handler)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func isoNow(offset time.Duration) string {
	return time.Now().UTC().Add(offset).Format(isoMillis)
}

func testConfig(game string, rules []SortRule, topN int) {
	setGameConfigCache([]GameConfig{{GameName: game, Sort: rules, TopN: topN}})
}

func resetConfig() {
	setGameConfigCache(nil)
}
