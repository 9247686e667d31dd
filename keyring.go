package main

import (
	"context"
	"crypto/hmac"
	"errors"
)

const (
	kvKeyCurrent  = "k_current"
	kvKeyPrevious = "k_prev"
)

var errNoSigningKey = errors.New("NO_SIGNING_KEY")

// Keyring holds the symmetric keys used to sign and verify session tokens.
// Two keys may be live at once so rotation never causes a validation outage:
// verification tries current then previous, signing uses current only.
type Keyring struct {
	current  []byte
	previous []byte
}

func loadKeyring(ctx context.Context, kv kvStore) (*Keyring, error) {
	ring := &Keyring{}
	cur, ok, err := kvGetWithRetry(ctx, kv, kvKeyCurrent)
	if err != nil {
		return nil, err
	}
	if ok {
		ring.current = []byte(cur)
	}
	prev, ok, err := kvGetWithRetry(ctx, kv, kvKeyPrevious)
	if err != nil {
		return nil, err
	}
	if ok {
		ring.previous = []byte(prev)
	}
	return ring, nil
}

func (k *Keyring) candidates() [][]byte {
	keys := make([][]byte, 0, 2)
	if len(k.current) > 0 {
		keys = append(keys, k.current)
	}
	if len(k.previous) > 0 {
		keys = append(keys, k.previous)
	}
	return keys
}

// SigningKey returns the current key. Signing never falls back to the
// previous key; an absent current key is a configuration error.
func (k *Keyring) SigningKey() ([]byte, error) {
	if len(k.current) == 0 {
		return nil, errNoSigningKey
	}
	return k.current, nil
}

// Verify checks the signature over an encoded token payload against every
// key in the ring, in order.
func (k *Keyring) Verify(p64 string, mac string) bool {
	for _, key := range k.candidates() {
		expect := signPayload(key, p64)
		if hmac.Equal([]byte(expect), []byte(mac)) {
			return true
		}
	}
	return false
}

// VerifyToken splits and verifies a full token in one step.
func (k *Keyring) VerifyToken(token string) (string, bool) {
	p64, mac, ok := splitToken(token)
	if !ok {
		return "", false
	}
	if !k.Verify(p64, mac) {
		return "", false
	}
	return p64, true
}
