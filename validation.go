package main

import (
	"net/http"
	"strconv"
	"unicode"
)

func isValidIdentifier(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}

	for _, r := range id {
		if r == '-' || r == '_' {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		return false
	}

	return true
}

// readInt64 pulls a numeric field from a header, falling back to the query
// string under the given name.
func readInt64(r *http.Request, header string, query string) (int64, bool) {
	raw := r.Header.Get(header)
	if raw == "" {
		raw = r.URL.Query().Get(query)
	}
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
