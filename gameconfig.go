package main

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"sync"
	"time"
)

// The game rules document is a small JSON array, one entry per game. It is
// re-read at most every 30 seconds to bound load on the backing store; a
// missing or broken document degrades to the default order and topN, never a
// hard failure.
const gameConfigTTL = 30 * time.Second

const defaultTopN = 100

var (
	gameConfigMu       sync.RWMutex
	cachedGameConfigs  []GameConfig
	gameConfigLoadedAt time.Time
)

func loadGameConfigs() []GameConfig {
	gameConfigMu.RLock()
	fresh := time.Since(gameConfigLoadedAt) < gameConfigTTL
	cached := cachedGameConfigs
	gameConfigMu.RUnlock()
	if fresh {
		return cached
	}

	path := os.Getenv("GAME_CONFIG_PATH")
	if path == "" {
		setGameConfigCache(cached)
		return cached
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Println("game config read failed:", err)
		setGameConfigCache(cached)
		return cached
	}

	var list []GameConfig
	if err := json.Unmarshal(data, &list); err != nil {
		log.Println("game config parse failed:", err)
		setGameConfigCache(cached)
		return cached
	}

	setGameConfigCache(list)
	return list
}

func setGameConfigCache(list []GameConfig) {
	gameConfigMu.Lock()
	cachedGameConfigs = list
	gameConfigLoadedAt = time.Now()
	gameConfigMu.Unlock()
}

// lookupGameConfig returns the config for a game, or nil when the document
// has no entry for it.
func lookupGameConfig(gameName string) *GameConfig {
	for _, cfg := range loadGameConfigs() {
		if cfg.GameName == gameName {
			found := cfg
			return &found
		}
	}
	return nil
}

func topNFor(cfg *GameConfig) int {
	if cfg != nil && cfg.TopN > 0 {
		return cfg.TopN
	}
	if raw := os.Getenv("TOP_N"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return defaultTopN
}
