package main

import (
	"context"
	"crypto/hmac"
	"database/sql"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

const (
	edgeAuthHeader  = "x-edge-auth"
	edgeAuthValue   = "valid-edge-request"
	submissionGrace = 5 * time.Minute
)

// validateScoreSubmission sits in front of the admission endpoint. It
// re-verifies both tokens, their mutual consistency, the timing envelope and
// the client's submission signature, then stamps the trust marker. The
// marker always overwrites whatever the client sent; a forged header never
// survives the hop.
func validateScoreSubmission(db *sql.DB, kv kvStore, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		gid := vars["gid"]
		period := vars["period"]
		uid := vars["uid"]
		if !isValidIdentifier(gid) || !isValidIdentifier(period) || !isValidIdentifier(uid) {
			writeJSONError(w, http.StatusBadRequest, "invalid path parameters")
			return
		}

		tokenStart := r.Header.Get("x-token-start")
		tokenEnd := r.Header.Get("x-token-end")
		player := r.Header.Get("x-player")
		updatedAt := r.Header.Get("x-updated-at")
		sig := r.Header.Get("x-sig")
		clearSig := r.Header.Get("x-clear-sig")
		score, okScore := readInt64(r, "x-score", "score")
		timeMs, okTime := readInt64(r, "x-time-ms", "timeMs")

		if tokenStart == "" || tokenEnd == "" || player == "" || updatedAt == "" || sig == "" {
			writeJSONError(w, http.StatusBadRequest, "missing headers")
			return
		}
		if !okScore || !okTime {
			writeJSONError(w, http.StatusBadRequest, "bad score/time")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), storeCallTimeout)
		defer cancel()

		ring, err := loadKeyring(ctx, kv)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "keyring unavailable")
			return
		}

		rejectCrypto := func(msg string) {
			emitScoreTelemetry(db, gid, period, uid, "submission_rejected", map[string]interface{}{
				"reason": msg,
			})
			writeJSONError(w, http.StatusForbidden, msg)
		}

		sp64, ok := ring.VerifyToken(tokenStart)
		if !ok {
			rejectCrypto("invalid token_start")
			return
		}
		ep64, ok := ring.VerifyToken(tokenEnd)
		if !ok {
			rejectCrypto("invalid token_end")
			return
		}

		var start StartClaims
		if err := decodePayload(sp64, &start); err != nil {
			writeJSONError(w, http.StatusBadRequest, "bad start payload")
			return
		}
		var end EndClaims
		if err := decodePayload(ep64, &end); err != nil {
			writeJSONError(w, http.StatusBadRequest, "bad end payload")
			return
		}

		// Cross-token and path parity: tokens from different sessions or
		// players must never combine.
		if start.Gid != gid || end.Gid != gid {
			writeJSONError(w, http.StatusBadRequest, "gid mismatch")
			return
		}
		if start.Uid != uid || end.Uid != uid {
			writeJSONError(w, http.StatusBadRequest, "uid mismatch")
			return
		}
		if start.Sid == "" || start.Sid != end.Sid {
			writeJSONError(w, http.StatusBadRequest, "sid mismatch")
			return
		}
		if updatedAt != end.TEnd {
			writeJSONError(w, http.StatusBadRequest, "updatedAt mismatch")
			return
		}

		tStart, errS := time.Parse(time.RFC3339, start.TStart)
		tEnd, errE := time.Parse(time.RFC3339, end.TEnd)
		maxDur := time.Duration(start.MaxDurS) * time.Second
		if errS != nil || errE != nil || !tEnd.After(tStart) || tEnd.Sub(tStart) > maxDur {
			writeJSONError(w, http.StatusForbidden, "invalid duration")
			return
		}
		if time.Now().UTC().Sub(tEnd) > submissionGrace {
			writeJSONError(w, http.StatusForbidden, "submission timeout")
			return
		}

		if clearSig != "" {
			secret, err := ring.SigningKey()
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, "no secret")
				return
			}
			calc := clearSignature(secret, tokenStart, tokenEnd, gid, uid, score, timeMs, end.TEnd)
			if !hmac.Equal([]byte(calc), []byte(clearSig)) {
				rejectCrypto("invalid clear_sig")
				return
			}
		}

		secret, err := ring.SigningKey()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "no secret")
			return
		}
		sigK := deriveSigKey(secret, tokenEnd, gid, uid)
		expected := submissionSignature(sigK, player, score, timeMs, updatedAt)
		if !hmac.Equal([]byte(expected), []byte(sig)) {
			rejectCrypto("invalid score sig")
			return
		}

		r.Header.Set(edgeAuthHeader, edgeAuthValue)
		next(w, r)
	}
}

type ScoreSnapshot struct {
	Score     int64  `json:"score"`
	TimeMs    int64  `json:"timeMs"`
	UpdatedAt string `json:"updatedAt"`
}

type PutScoreResponse struct {
	Accepted    bool           `json:"accepted"`
	RankChanged bool           `json:"rankChanged"`
	Previous    *ScoreSnapshot `json:"previous"`
	Current     *ScoreSnapshot `json:"current"`
}

func snapshotOf(rec *ScoreRecord) *ScoreSnapshot {
	if rec == nil {
		return nil
	}
	return &ScoreSnapshot{Score: rec.Score, TimeMs: rec.TimeMs, UpdatedAt: rec.UpdatedAt}
}

// putScoreHandler persists an edge-trusted submission if it improves on the
// player's existing record. Both snapshots come back either way so the
// caller can show "no improvement" without a second round trip.
func putScoreHandler(store scoreStore, cache *rankingCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(edgeAuthHeader) != edgeAuthValue {
			writeJSONError(w, http.StatusForbidden, "Forbidden")
			return
		}

		vars := mux.Vars(r)
		gid := vars["gid"]
		period := vars["period"]
		uid := vars["uid"]
		player := r.Header.Get("x-player")
		updatedAt := r.Header.Get("x-updated-at")
		score, okScore := readInt64(r, "x-score", "score")
		timeMs, okTime := readInt64(r, "x-time-ms", "timeMs")
		if player == "" || updatedAt == "" || !okScore || !okTime {
			writeJSONError(w, http.StatusBadRequest, "missing required parameters")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), storeCallTimeout)
		defer cancel()

		existing, err := store.GetScore(ctx, gid, period, uid)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		candidate := ScoreRecord{
			GameID:    gid,
			Period:    period,
			UserID:    uid,
			UserName:  player,
			Score:     score,
			TimeMs:    timeMs,
			UpdatedAt: updatedAt,
		}

		cmp := comparatorFor(gid, lookupGameConfig(gid))
		accepted := existing == nil || cmp.Compare(candidate, *existing) < 0

		if accepted {
			if err := store.UpsertScore(ctx, candidate); err != nil {
				writeJSONError(w, http.StatusInternalServerError, "internal server error")
				return
			}
			cache.Invalidate(gid, period)
		}

		current := existing
		if accepted {
			current = &candidate
		}
		writeJSON(w, http.StatusOK, PutScoreResponse{
			Accepted:    accepted,
			RankChanged: accepted,
			Previous:    snapshotOf(existing),
			Current:     snapshotOf(current),
		})
	}
}
