//go:build linux

package renamerule

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ruleText = `# weather product renames
[wmo]
TTAA* gts/%tY%tm%td/*
SM??01 synop/*

[archive]
* old/*
`

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rename.rule")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLookup(t *testing.T) {
	c, err := NewCache(writeRules(t, ruleText))
	require.NoError(t, err)
	defer c.Close()

	to, ok := c.Lookup("wmo", "TTAA07_EDZW")
	require.True(t, ok)
	assert.Equal(t, "gts/%tY%tm%td/*", to)

	to, ok = c.Lookup("wmo", "SMBZ01")
	require.True(t, ok)
	assert.Equal(t, "synop/*", to)

	_, ok = c.Lookup("wmo", "unrelated")
	assert.False(t, ok)

	to, ok = c.Lookup("archive", "anything.at.all")
	require.True(t, ok)
	assert.Equal(t, "old/*", to)
}

func TestFirstMatchWins(t *testing.T) {
	c, err := NewCache(writeRules(t, "[r]\nTT* first/*\n*AA* second/*\n"))
	require.NoError(t, err)
	defer c.Close()

	to, ok := c.Lookup("r", "TTAA00")
	require.True(t, ok)
	assert.Equal(t, "first/*", to)
}

func TestHas(t *testing.T) {
	c, err := NewCache(writeRules(t, ruleText))
	require.NoError(t, err)
	defer c.Close()

	assert.True(t, c.Has("wmo"))
	assert.True(t, c.Has("archive"))
	assert.False(t, c.Has("missing"))
}

func TestMissingFileTolerated(t *testing.T) {
	c, err := NewCache(filepath.Join(t.TempDir(), "nope.rule"))
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Lookup("wmo", "TTAA00")
	assert.False(t, ok)
}

func TestMalformedLineRejected(t *testing.T) {
	path := writeRules(t, "TT* orphan/* \n")
	c, err := NewCache(path)
	require.NoError(t, err)
	defer c.Close()

	// The file failed to parse, so no rule set is available.
	assert.False(t, c.Has(""))
	_, ok := c.Lookup("", "TT01")
	assert.False(t, ok)
}

func TestReloadPicksUpChanges(t *testing.T) {
	path := writeRules(t, "[live]\nold* before/*\n")
	c, err := NewCache(path)
	require.NoError(t, err)
	defer c.Close()

	to, ok := c.Lookup("live", "old.dat")
	require.True(t, ok)
	assert.Equal(t, "before/*", to)

	require.NoError(t, os.WriteFile(path, []byte("[live]\nold* after/*\n"), 0644))

	// The watcher reload is asynchronous.
	deadline := time.Now().Add(5 * time.Second)
	for {
		to, ok = c.Lookup("live", "old.dat")
		if ok && to == "after/*" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("rule not reloaded, still %q", to)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
