package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

const storeCallTimeout = 2 * time.Second

type StartSessionResponse struct {
	TokenStart string `json:"token_start"`
	TStart     string `json:"t_start"`
	MaxDurS    int    `json:"max_dur_s"`
	Sid        string `json:"sid"`
	Ver        int    `json:"ver"`
	Gid        string `json:"gid"`
	Uid        string `json:"uid"`
}

// startSessionHandler mints a signed, time-bounded session start token per
// (game, player). Issuance is stateless: nothing is persisted server-side,
// the only fatal path is a missing signing key.
func startSessionHandler(kv kvStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		gid := vars["gid"]
		uid := vars["uid"]
		if !isValidIdentifier(gid) || !isValidIdentifier(uid) {
			writeJSONError(w, http.StatusBadRequest, "invalid path parameters")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), storeCallTimeout)
		defer cancel()

		ring, err := loadKeyring(ctx, kv)
		if err != nil {
			log.Println("start-session keyring load failed:", err)
			writeJSONError(w, http.StatusInternalServerError, "sign_failed")
			return
		}
		secret, err := ring.SigningKey()
		if err != nil {
			log.Println("start-session: no signing key configured")
			writeJSONError(w, http.StatusInternalServerError, "sign_failed")
			return
		}

		sid, err := newSessionID(sessionIDLen)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "sign_failed")
			return
		}

		tStart := time.Now().UTC().Format(isoMillis)
		claims := StartClaims{
			Gid:     gid,
			Uid:     uid,
			Sid:     sid,
			TStart:  tStart,
			MaxDurS: maxDurSeconds,
			Ver:     tokenVersion,
		}
		token, err := mintToken(secret, claims)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "sign_failed")
			return
		}

		// Correlation cookie only; the token is the authority.
		http.SetCookie(w, &http.Cookie{
			Name:     "game_sid",
			Value:    sid,
			Path:     "/",
			MaxAge:   maxDurSeconds,
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteStrictMode,
		})

		writeJSON(w, http.StatusOK, StartSessionResponse{
			TokenStart: token,
			TStart:     tStart,
			MaxDurS:    maxDurSeconds,
			Sid:        sid,
			Ver:        tokenVersion,
			Gid:        gid,
			Uid:        uid,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
