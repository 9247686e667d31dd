package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopNPrecedence(t *testing.T) {
	assert.Equal(t, defaultTopN, topNFor(nil))

	t.Setenv("TOP_N", "50")
	assert.Equal(t, 50, topNFor(nil))

	// a per-game value beats the environment
	assert.Equal(t, 25, topNFor(&GameConfig{GameName: "snake", TopN: 25}))

	t.Setenv("TOP_N", "garbage")
	assert.Equal(t, defaultTopN, topNFor(nil))
}

func TestGameConfigLoadAndLookup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "games.json")
	doc := `[{"gameName":"snake","sort":[{"by":"timeMs","dir":"asc"}],"topN":10}]`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	t.Setenv("GAME_CONFIG_PATH", path)
	setGameConfigCache(nil)
	gameConfigLoadedAt = time.Time{} // force a re-read
	t.Cleanup(resetConfig)

	cfg := lookupGameConfig("snake")
	require.NotNil(t, cfg)
	assert.Equal(t, 10, cfg.TopN)
	require.Len(t, cfg.Sort, 1)
	assert.Equal(t, "timeMs", cfg.Sort[0].By)

	assert.Nil(t, lookupGameConfig("unlisted"))
}

func TestGameConfigBrokenDocumentKeepsLastGood(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "games.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"gameName":"snake","topN":10}]`), 0o600))
	t.Setenv("GAME_CONFIG_PATH", path)
	setGameConfigCache(nil)
	gameConfigLoadedAt = time.Time{}
	t.Cleanup(resetConfig)

	require.NotNil(t, lookupGameConfig("snake"))

	// a broken rewrite must not wipe the cached rules
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))
	gameConfigLoadedAt = time.Time{}
	assert.NotNil(t, lookupGameConfig("snake"))
}

func TestIsValidIdentifier(t *testing.T) {
	for _, ok := range []string{"snake", "USER-1", "a_b-c9", "all"} {
		assert.True(t, isValidIdentifier(ok), ok)
	}
	long := make([]byte, 65)
	for i := range long {
		long[i] = 'a'
	}
	for _, bad := range []string{"", "has space", "slash/y", "dot.", string(long)} {
		assert.False(t, isValidIdentifier(bad), bad)
	}
}
