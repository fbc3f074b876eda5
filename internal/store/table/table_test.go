//go:build linux

package table

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afd-plus/afd-plus/internal/store/constants"
)

var testBasePath string

func TestMain(m *testing.M) {
	var err error
	testBasePath, err = os.MkdirTemp("", "afd-plus-table-test-*")
	if err != nil {
		fmt.Printf("Failed to create temp directory: %v\n", err)
		os.Exit(1)
	}
	code := m.Run()
	os.RemoveAll(testBasePath)
	os.Exit(code)
}

func TestAppendAndReattach(t *testing.T) {
	path := filepath.Join(testBasePath, "append")

	tbl, err := Attach(path, 32, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, tbl.Count())

	for i := 0; i < 3; i++ {
		rec, pos, err := tbl.Append()
		require.NoError(t, err)
		assert.Equal(t, i, pos)
		rec[0] = byte('a' + i)
	}
	assert.Equal(t, 3, tbl.Count())
	require.NoError(t, tbl.Sync())
	require.NoError(t, tbl.Detach())

	tbl, err = Attach(path, 32, 1, nil)
	require.NoError(t, err)
	defer tbl.Detach()

	assert.Equal(t, 3, tbl.Count())
	for i := 0; i < 3; i++ {
		rec, err := tbl.Record(i)
		require.NoError(t, err)
		assert.Equal(t, byte('a'+i), rec[0])
	}
}

func TestGenerationBumpsOnMutation(t *testing.T) {
	tbl, err := Attach(filepath.Join(testBasePath, "generation"), 16, 1, nil)
	require.NoError(t, err)
	defer tbl.Detach()

	g0 := tbl.Generation()
	_, _, err = tbl.Append()
	require.NoError(t, err)
	assert.Greater(t, tbl.Generation(), g0)

	g1 := tbl.Generation()
	tbl.MarkDirty()
	assert.Greater(t, tbl.Generation(), g1)

	g2 := tbl.Generation()
	tbl.Truncate(0)
	assert.Greater(t, tbl.Generation(), g2)
	assert.Equal(t, 0, tbl.Count())
}

func TestRecordOutOfRange(t *testing.T) {
	tbl, err := Attach(filepath.Join(testBasePath, "range"), 16, 1, nil)
	require.NoError(t, err)
	defer tbl.Detach()

	_, err = tbl.Record(0)
	assert.Error(t, err)
	_, err = tbl.Record(-1)
	assert.Error(t, err)
}

func TestNewerVersionRefused(t *testing.T) {
	path := filepath.Join(testBasePath, "newer")
	tbl, err := Attach(path, 16, 4, nil)
	require.NoError(t, err)
	require.NoError(t, tbl.Detach())

	_, err = Attach(path, 16, 3, nil)
	assert.Error(t, err)
}

func TestLsDataConversion(t *testing.T) {
	path := filepath.Join(testBasePath, "ls_data_v0")

	// Build a version 0 retrieve list with two records by hand.
	old := make([]byte, headerLength+2*listRecordSizeV0)
	binary.LittleEndian.PutUint32(old[0:4], 2)
	old[7] = 0
	for i, name := range []string{"first.grb", "second.grb"} {
		rec := old[headerLength+i*listRecordSizeV0:]
		copy(rec, name)
		binary.LittleEndian.PutUint64(rec[128:], uint64(1000+i))  // mtime
		binary.LittleEndian.PutUint64(rec[136:], uint64(2000+i))  // size
		binary.LittleEndian.PutUint64(rec[144:], uint64(3000+i))  // prev size
		rec[152] = lsRetrieved | lsInList
	}
	require.NoError(t, os.WriteFile(path, old, 0644))

	tbl, err := AttachLsData(path)
	require.NoError(t, err)
	defer tbl.Detach()

	assert.Equal(t, constants.CurrentLSVersion, tbl.Version())
	require.Equal(t, 2, tbl.Count())

	for i, name := range []string{"first.grb", "second.grb"} {
		raw, err := tbl.Record(i)
		require.NoError(t, err)
		var rec ListRecord
		rec.Decode(raw)
		assert.Equal(t, name, rec.FileName)
		assert.Equal(t, int64(1000+i), rec.FileMtime)
		assert.Equal(t, int64(2000+i), rec.Size)
		assert.Equal(t, int64(3000+i), rec.PrevSize)
		assert.True(t, rec.Retrieved)
		assert.True(t, rec.InList)
		assert.False(t, rec.GotDate)
	}
}

func TestJobRecordRoundTrip(t *testing.T) {
	in := JobRecord{
		JobID:        0xdeadbeef,
		DirID:        42,
		FileMaskID:   7,
		DirConfigID:  9,
		Priority:     '3',
		LocalOptions: 0x55,
		AgeLimit:     3600,
		HostAlias:    "wx-primary",
		Recipient:    "ftp://anonymous@wx-primary/incoming",
		Options:      "priority 3\nage-limit 3600",
	}

	buf := make([]byte, JIDRecordSize)
	in.Encode(buf)
	var out JobRecord
	out.Decode(buf)
	assert.Equal(t, in, out)
}
