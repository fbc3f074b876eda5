//go:build linux

package hmon

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afd-plus/afd-plus/internal/store/constants"
	"github.com/afd-plus/afd-plus/internal/store/table"
)

// seedTables writes a two-host FSA and a one-directory FRA into work.
func seedTables(t *testing.T, work string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(constants.FifoDir(work), 0700))

	fsa, err := table.AttachFSA(constants.FSAFile(work))
	require.NoError(t, err)
	hosts := []table.HostRecord{
		{
			Alias:            "wx-primary",
			RealHostname:     [2]string{"wx1.example.org", "wx2.example.org"},
			AllowedTransfers: 4,
			ActiveTransfers:  1,
			TotalFileCounter: 120,
			TotalFileSize:    1 << 20,
		},
		{
			Alias:        "gts-relay",
			RealHostname: [2]string{"relay.example.org", ""},
			ErrorCounter: 3,
			HostStatus:   constants.HostErrorOffline,
		},
	}
	for _, h := range hosts {
		raw, _, err := fsa.Append()
		require.NoError(t, err)
		h.Encode(raw)
	}
	fsa.MarkDirty()
	require.NoError(t, fsa.Sync())
	require.NoError(t, fsa.Detach())

	fra, err := table.AttachFRA(constants.FRAFile(work))
	require.NoError(t, err)
	raw, _, err := fra.Append()
	require.NoError(t, err)
	dir := table.RetrieveRecord{
		Alias: "1f00baba",
		URL:   "/data/incoming/obs",
		DirID: 0x1f00baba,
		Flags: table.FraDisabled,
	}
	dir.Encode(raw)
	fra.MarkDirty()
	require.NoError(t, fra.Sync())
	require.NoError(t, fra.Detach())
}

func newMonitor(t *testing.T) *Monitor {
	t.Helper()
	work := t.TempDir()
	seedTables(t, work)

	m, err := Attach(work)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestRenderAll(t *testing.T) {
	m := newMonitor(t)

	var out strings.Builder
	require.NoError(t, m.Render(&out, ""))
	page := out.String()

	assert.Contains(t, page, "wx-primary")
	assert.Contains(t, page, "wx1.example.org")
	assert.Contains(t, page, "gts-relay")
	assert.Contains(t, page, "offline")
	assert.Contains(t, page, "/data/incoming/obs")
	assert.Contains(t, page, "paused")
}

func TestRenderByAlias(t *testing.T) {
	m := newMonitor(t)

	var out strings.Builder
	require.NoError(t, m.Render(&out, "gts-relay"))
	page := out.String()

	assert.Contains(t, page, "gts-relay")
	assert.NotContains(t, page, "wx-primary")
	// Single-host views skip the directory table rows.
	assert.NotContains(t, page, "/data/incoming/obs")
}

func TestRenderByPosition(t *testing.T) {
	m := newMonitor(t)

	var out strings.Builder
	require.NoError(t, m.Render(&out, "0"))
	page := out.String()

	assert.Contains(t, page, "wx-primary")
	assert.NotContains(t, page, "gts-relay")
}

func TestRenderUnknownHost(t *testing.T) {
	m := newMonitor(t)

	var out strings.Builder
	err := m.Render(&out, "no-such-host")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown host")
}
