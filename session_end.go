package main

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

const allowedDriftMs = 1500

type EndFraudResult struct {
	Valid          bool   `json:"valid"`
	Reason         string `json:"reason,omitempty"`
	DriftMs        *int64 `json:"drift,omitempty"`
	AllowedDriftMs int64  `json:"allowedDriftMs,omitempty"`
}

type EndThresholdResult struct {
	Checked bool   `json:"checked"`
	Passed  *bool  `json:"passed,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type EndSessionResponse struct {
	OK        bool               `json:"ok"`
	Ver       int                `json:"ver"`
	Gid       string             `json:"gid"`
	Uid       string             `json:"uid"`
	Fraud     EndFraudResult     `json:"fraud"`
	Threshold EndThresholdResult `json:"threshold"`
	TokenEnd  string             `json:"token_end,omitempty"`
	TEnd      string             `json:"t_end,omitempty"`
	SigK      string             `json:"sig_k,omitempty"`
	ClearSig  string             `json:"clear_sig,omitempty"`
}

// driftExceeded computes the anti-cheat signal: the absolute difference
// between server-observed elapsed time and what the client reports. The
// boundary is inclusive: a drift of exactly allowedDriftMs still passes.
func driftExceeded(serverElapsedMs int64, clientElapsedMs int64) (int64, bool) {
	drift := serverElapsedMs - clientElapsedMs
	if drift < 0 {
		drift = -drift
	}
	return drift, drift > allowedDriftMs
}

// endSessionHandler is the fraud and threshold gate. Every rejection is a
// structured 200 distinguishing fraud-invalid (discard local history) from
// threshold-rejected (keep history, withhold submission credentials).
// Cryptographic failures report nothing beyond "invalid".
func endSessionHandler(db *sql.DB, kv kvStore) http.HandlerFunc {
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
		if tokenStart == "" {
			tokenStart = r.URL.Query().Get("token_start")
		}
		if tokenStart == "" {
			writeJSONError(w, http.StatusBadRequest, "missing token_start")
			return
		}
		score, okScore := readInt64(r, "x-score", "score")
		timeMs, okTime := readInt64(r, "x-time-ms", "timeMs")
		if !okScore || !okTime {
			writeJSONError(w, http.StatusBadRequest, "missing score/timeMs")
			return
		}

		resp := EndSessionResponse{Ver: tokenVersion, Gid: gid, Uid: uid}
		reject := func(status int) {
			if !resp.Fraud.Valid {
				emitScoreTelemetry(db, gid, period, uid, "fraud_rejected", map[string]interface{}{
					"reason": resp.Fraud.Reason,
				})
			}
			writeJSON(w, status, resp)
		}

		ctx, cancel := context.WithTimeout(r.Context(), storeCallTimeout)
		defer cancel()

		ring, err := loadKeyring(ctx, kv)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "keyring unavailable")
			return
		}

		p64, mac, ok := splitToken(tokenStart)
		if !ok {
			resp.Fraud.Reason = "bad token_start"
			reject(http.StatusOK)
			return
		}
		if !ring.Verify(p64, mac) {
			resp.Fraud.Reason = "invalid token_start"
			reject(http.StatusOK)
			return
		}

		var start StartClaims
		if err := decodePayload(p64, &start); err != nil {
			resp.Fraud.Reason = "malformed token_start"
			reject(http.StatusOK)
			return
		}

		now := time.Now().UTC()
		tStart, err := time.Parse(time.RFC3339, start.TStart)
		maxDur := time.Duration(start.MaxDurS) * time.Second
		if start.TStart == "" || err != nil || maxDur <= 0 || now.Before(tStart) || now.Sub(tStart) > maxDur {
			resp.Fraud.Reason = "expired start"
			reject(http.StatusOK)
			return
		}

		tEnd := now.Format(isoMillis)
		resp.TEnd = tEnd
		serverElapsedMs := now.Sub(tStart).Milliseconds()
		drift, exceeded := driftExceeded(serverElapsedMs, timeMs)
		resp.Fraud.DriftMs = &drift
		resp.Fraud.AllowedDriftMs = allowedDriftMs
		if exceeded {
			resp.Fraud.Reason = "timer drift too large"
			reject(http.StatusOK)
			return
		}
		resp.Fraud.Valid = true

		resp.Threshold.Checked = true
		candidate := ScoreRecord{Score: score, TimeMs: timeMs, UpdatedAt: tEnd}
		if entry := fetchThreshold(ctx, kv, gid, period); entry != nil {
			if !entry.Admits(candidate) {
				passed := false
				resp.Threshold.Passed = &passed
				resp.Threshold.Reason = "score not good enough for ranking"
				emitScoreTelemetry(db, gid, period, uid, "threshold_rejected", map[string]interface{}{
					"score":  score,
					"timeMs": timeMs,
				})
				writeJSON(w, http.StatusOK, resp)
				return
			}
		}
		passed := true
		resp.Threshold.Passed = &passed

		// The end token is issued by this server, never re-verified across a
		// rotation, so it is signed with the current key only.
		secret, err := ring.SigningKey()
		if err != nil {
			passed = false
			resp.Threshold.Reason = "no secret"
			writeJSON(w, http.StatusOK, resp)
			return
		}

		end := EndClaims{Gid: gid, Uid: uid, Sid: start.Sid, TEnd: tEnd, Ver: tokenVersion}
		tokenEnd, err := mintToken(secret, end)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "sign_failed")
			return
		}

		resp.OK = true
		resp.TokenEnd = tokenEnd
		resp.SigK = deriveSigKey(secret, tokenEnd, gid, uid)
		resp.ClearSig = clearSignature(secret, tokenStart, tokenEnd, gid, uid, score, timeMs, tEnd)
		writeJSON(w, http.StatusOK, resp)
	}
}
