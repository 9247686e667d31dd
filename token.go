package main

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	tokenVersion   = 1
	sessionIDLen   = 24
	maxDurSeconds  = 1800
	isoMillis      = "2006-01-02T15:04:05.000Z07:00"
	sessionIDChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

var errBadToken = errors.New("BAD_TOKEN")

// StartClaims is the payload of a session start token. It is minted when a
// play session begins and never stored server-side.
type StartClaims struct {
	Gid     string `json:"gid"`
	Uid     string `json:"uid"`
	Sid     string `json:"sid"`
	TStart  string `json:"t_start"`
	MaxDurS int    `json:"max_dur_s"`
	Ver     int    `json:"ver"`
}

// EndClaims is the payload of a session end token, minted only after the
// fraud and threshold checks pass.
type EndClaims struct {
	Gid  string `json:"gid"`
	Uid  string `json:"uid"`
	Sid  string `json:"sid"`
	TEnd string `json:"t_end"`
	Ver  int    `json:"ver"`
}

func encodePayload(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodePayload(p64 string, v interface{}) error {
	raw, err := base64.RawURLEncoding.DecodeString(p64)
	if err != nil {
		return errBadToken
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errBadToken
	}
	return nil
}

func signPayload(secret []byte, p64 string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(p64))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func mintToken(secret []byte, claims interface{}) (string, error) {
	p64, err := encodePayload(claims)
	if err != nil {
		return "", err
	}
	return p64 + "." + signPayload(secret, p64), nil
}

// splitToken separates the encoded payload from its signature. The payload is
// kept as-is; verification always runs over the encoded form the client sent,
// never over a re-marshalled copy.
func splitToken(token string) (p64 string, mac string, ok bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// newSessionID draws n characters from a 62-symbol alphabet using crypto/rand.
// Bytes outside the unbiased range are discarded and redrawn.
func newSessionID(n int) (string, error) {
	const limit = byte(len(sessionIDChars)) * (255 / byte(len(sessionIDChars)))
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, sessionIDChars[int(b)%len(sessionIDChars)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// deriveSigKey computes the short-lived client signing key bound to one
// specific end token. It is recomputed on demand and never persisted.
func deriveSigKey(secret []byte, tokenEnd string, gid string, uid string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(tokenEnd + "|" + gid + "|" + uid))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// clearSignature binds the numeric claims to both tokens.
func clearSignature(secret []byte, tokenStart string, tokenEnd string, gid string, uid string, score int64, timeMs int64, tEnd string) string {
	msg := fmt.Sprintf("%s|%s|%s|%s|%d|%d|%s", tokenStart, tokenEnd, gid, uid, score, timeMs, tEnd)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(msg))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// submissionSignature is what the client computes with sig_k over the fields
// it submits. The base64url string itself is the HMAC key.
func submissionSignature(sigK string, player string, score int64, timeMs int64, updatedAt string) string {
	msg := fmt.Sprintf("%s|%d|%d|%s", player, score, timeMs, updatedAt)
	mac := hmac.New(sha256.New, []byte(sigK))
	mac.Write([]byte(msg))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
