package main

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
)

// SortRule is one step of a game's declarative sort specification.
type SortRule struct {
	By  string `json:"by"`  // score | timeMs | updatedAt
	Dir string `json:"dir"` // asc | desc
}

// GameConfig is one entry of the game rules document.
type GameConfig struct {
	GameName string     `json:"gameName"`
	Sort     []SortRule `json:"sort"`
	TopN     int        `json:"topN"`
}

var errBadSortRule = errors.New("INVALID_SORT_RULE")

type compiledRule struct {
	by      string
	mult    int
	numeric bool
}

// Comparator is a sort specification compiled into a reusable multi-key
// ordering over score records. Field kind and direction are resolved once at
// compile time, not re-dispatched per comparison.
type Comparator struct {
	rules []compiledRule
}

func compileRules(rules []SortRule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		mult := 1
		switch r.Dir {
		case "asc":
		case "desc":
			mult = -1
		default:
			return nil, errBadSortRule
		}
		switch r.By {
		case "score", "timeMs":
			out = append(out, compiledRule{by: r.By, mult: mult, numeric: true})
		case "updatedAt":
			out = append(out, compiledRule{by: r.By, mult: mult, numeric: false})
		default:
			return nil, errBadSortRule
		}
	}
	return out, nil
}

func newComparator(rules []SortRule) (*Comparator, error) {
	compiled, err := compileRules(rules)
	if err != nil {
		return nil, err
	}
	return &Comparator{rules: compiled}, nil
}

func (c *Comparator) numericField(rec ScoreRecord, by string) int64 {
	if by == "score" {
		return rec.Score
	}
	return rec.TimeMs
}

// CompareByRules applies the configured rules only. Full ties return 0; the
// threshold check treats a tie as admitted, so it must see the tie rather
// than the identifier fallback.
func (c *Comparator) CompareByRules(a ScoreRecord, b ScoreRecord) int {
	for _, r := range c.rules {
		if r.numeric {
			va := c.numericField(a, r.by)
			vb := c.numericField(b, r.by)
			if va != vb {
				if va > vb {
					return r.mult
				}
				return -r.mult
			}
			continue
		}
		// updatedAt: fixed-width ISO-8601 UTC, lexical order is chronological
		if a.UpdatedAt != b.UpdatedAt {
			if a.UpdatedAt > b.UpdatedAt {
				return r.mult
			}
			return -r.mult
		}
	}
	return 0
}

// Compare is a strict three-way ordering: rules first, then a stable
// fallback on the player identifier so no two distinct records tie.
func (c *Comparator) Compare(a ScoreRecord, b ScoreRecord) int {
	if v := c.CompareByRules(a, b); v != 0 {
		return v
	}
	return strings.Compare(a.UserID, b.UserID)
}

// Less reports whether a ranks ahead of b. "Better" means sorting earlier.
func (c *Comparator) Less(a ScoreRecord, b ScoreRecord) bool {
	return c.Compare(a, b) < 0
}

func defaultSortRules() []SortRule {
	return []SortRule{
		{By: "score", Dir: "desc"},
		{By: "timeMs", Dir: "asc"},
		{By: "updatedAt", Dir: "desc"},
	}
}

var (
	comparatorMu    sync.RWMutex
	comparatorCache = map[string]*Comparator{}
)

// comparatorFor returns the compiled comparator for a game, memoized per
// (game, rules). A nil or invalid config falls back to the default order.
func comparatorFor(gameName string, cfg *GameConfig) *Comparator {
	rules := defaultSortRules()
	if cfg != nil && len(cfg.Sort) > 0 {
		rules = cfg.Sort
	}

	sig, _ := json.Marshal(rules)
	key := gameName + "|" + string(sig)

	comparatorMu.RLock()
	cached, ok := comparatorCache[key]
	comparatorMu.RUnlock()
	if ok {
		return cached
	}

	cmp, err := newComparator(rules)
	if err != nil {
		cmp, _ = newComparator(defaultSortRules())
	}

	comparatorMu.Lock()
	comparatorCache[key] = cmp
	comparatorMu.Unlock()
	return cmp
}
