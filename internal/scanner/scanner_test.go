//go:build linux

package scanner

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afd-plus/afd-plus/internal/rules"
	"github.com/afd-plus/afd-plus/internal/store/constants"
)

// newScanner builds a scanner over a fresh work dir and source dir. jobs
// controls how many jobs the directory feeds, which decides rename staging.
func newScanner(t *testing.T, opts rules.DirOptions, jobs int) (*Scanner, string, string) {
	t.Helper()

	work := t.TempDir()
	src := t.TempDir()

	indexes := make([]int, jobs)
	for i := range indexes {
		indexes[i] = i
	}
	entry := rules.DirectoryEntry{
		Alias:      "4a3f2e1d",
		Dir:        src,
		DirID:      0x4a3f2e1d,
		FraPos:     0,
		Options:    opts,
		FileGroups: []rules.FileGroup{{Masks: []string{"*"}, JobIndexes: indexes}},
	}

	s, err := New(work, entry)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, work, src
}

func writeSrc(t *testing.T, src, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(src, name), []byte(content), 0644))
}

func TestScanStagesBatch(t *testing.T) {
	s, work, src := newScanner(t, rules.DirOptions{}, 2)

	writeSrc(t, src, "a.txt", "alpha")
	writeSrc(t, src, "b.txt", "bravo bravo")

	batch, err := s.Scan(time.Now())
	require.NoError(t, err)
	require.NotNil(t, batch)

	assert.True(t, batch.Complete)
	assert.Len(t, batch.Files, 2)
	assert.Equal(t, int64(16), batch.TotalSize)
	assert.Equal(t, uint32(0x4a3f2e1d), batch.DirID)

	// The pool dir name ends in the directory id so orphan cleanup can
	// route leftovers.
	name := filepath.Base(batch.PoolDir)
	fields := strings.Split(name, "_")
	require.Len(t, fields, 4)
	assert.Equal(t, "4a3f2e1d", fields[3])
	assert.Equal(t, constants.PoolDir(work), filepath.Dir(batch.PoolDir))

	for _, f := range batch.Files {
		_, err := os.Lstat(filepath.Join(batch.PoolDir, f.Name))
		assert.NoError(t, err)
	}

	// Without the remove option the source keeps its files.
	_, err = os.Lstat(filepath.Join(src, "a.txt"))
	assert.NoError(t, err)
}

func TestScanNothingEligible(t *testing.T) {
	s, _, _ := newScanner(t, rules.DirOptions{}, 2)

	batch, err := s.Scan(time.Now())
	require.NoError(t, err)
	assert.Nil(t, batch)
}

func TestScanDotFiles(t *testing.T) {
	s, _, src := newScanner(t, rules.DirOptions{}, 2)
	writeSrc(t, src, ".hidden", "x")
	writeSrc(t, src, "seen", "x")

	batch, err := s.Scan(time.Now())
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.Len(t, batch.Files, 1)
	assert.Equal(t, "seen", batch.Files[0].Name)

	s2, _, src2 := newScanner(t, rules.DirOptions{AcceptDotFiles: true}, 2)
	writeSrc(t, src2, ".hidden", "x")

	batch, err = s2.Scan(time.Now())
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.Len(t, batch.Files, 1)
	assert.Equal(t, ".hidden", batch.Files[0].Name)
}

func TestScanWaitForFilename(t *testing.T) {
	s, _, src := newScanner(t, rules.DirOptions{WaitForFilename: "go*"}, 2)
	writeSrc(t, src, "data.txt", "payload")
	writeSrc(t, src, "go.now", "")

	batch, err := s.Scan(time.Now())
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.Len(t, batch.Files, 1)
	assert.Equal(t, "go.now", batch.Files[0].Name)
}

func TestScanIgnoreSize(t *testing.T) {
	opts := rules.DirOptions{IgnoreSize: 10, IgnoreSizeCmp: constants.CmpLess}
	s, _, src := newScanner(t, opts, 2)

	writeSrc(t, src, "small", "tiny")
	writeSrc(t, src, "large", strings.Repeat("x", 20))

	batch, err := s.Scan(time.Now())
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.Len(t, batch.Files, 1)
	assert.Equal(t, "large", batch.Files[0].Name)
}

func TestScanIgnoreFileTime(t *testing.T) {
	// Skip anything younger than 60 seconds.
	opts := rules.DirOptions{IgnoreFileTime: 60, IgnoreFileTimeCmp: constants.CmpLess}
	s, _, src := newScanner(t, opts, 2)

	writeSrc(t, src, "fresh", "x")
	writeSrc(t, src, "aged", "x")
	old := time.Now().Add(-5 * time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(src, "aged"), old, old))

	batch, err := s.Scan(time.Now())
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.Len(t, batch.Files, 1)
	assert.Equal(t, "aged", batch.Files[0].Name)
}

func TestScanGetOnce(t *testing.T) {
	s, _, src := newScanner(t, rules.DirOptions{StupidMode: constants.GetOnceOnly}, 2)
	writeSrc(t, src, "bulletin", "version one")

	batch, err := s.Scan(time.Now())
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.Len(t, batch.Files, 1)

	// Unchanged file stays retrieved.
	batch, err = s.Scan(time.Now())
	require.NoError(t, err)
	assert.Nil(t, batch)

	// A size change clears the retrieved flag and the file is picked again.
	writeSrc(t, src, "bulletin", "version two, longer")
	batch, err = s.Scan(time.Now())
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.Len(t, batch.Files, 1)
	assert.Equal(t, int64(19), batch.Files[0].Size)
}

func TestScanMtimeChangeRepicks(t *testing.T) {
	s, _, src := newScanner(t, rules.DirOptions{StupidMode: constants.GetOnceOnly}, 2)
	writeSrc(t, src, "obs", "same bytes")

	batch, err := s.Scan(time.Now())
	require.NoError(t, err)
	require.NotNil(t, batch)

	later := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(filepath.Join(src, "obs"), later, later))

	batch, err = s.Scan(time.Now())
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.Len(t, batch.Files, 1)
}

func TestScanMaxCopiedFiles(t *testing.T) {
	s, _, src := newScanner(t, rules.DirOptions{MaxCopiedFiles: 2}, 2)
	for _, name := range []string{"f1", "f2", "f3"} {
		writeSrc(t, src, name, "data")
	}

	batch, err := s.Scan(time.Now())
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Len(t, batch.Files, 2)
	assert.False(t, batch.Complete)

	// The next cycle picks up the remainder.
	batch, err = s.Scan(time.Now())
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Len(t, batch.Files, 1)
	assert.True(t, batch.Complete)
}

func TestScanMaxCopiedFileSize(t *testing.T) {
	s, _, src := newScanner(t, rules.DirOptions{MaxCopiedFileSize: 10}, 2)
	writeSrc(t, src, "f1", strings.Repeat("a", 8))
	writeSrc(t, src, "f2", strings.Repeat("b", 8))
	writeSrc(t, src, "f3", strings.Repeat("c", 8))

	// The batch closes once the staged bytes reach the limit.
	batch, err := s.Scan(time.Now())
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Len(t, batch.Files, 2)
	assert.False(t, batch.Complete)

	// The next cycle continues with the remainder instead of re-staging
	// the files already picked up.
	batch, err = s.Scan(time.Now())
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.Len(t, batch.Files, 1)
	assert.Equal(t, "f3", batch.Files[0].Name)
	assert.True(t, batch.Complete)
}

func TestScanRemoveOneJobRenames(t *testing.T) {
	s, _, src := newScanner(t, rules.DirOptions{Remove: true}, 1)
	writeSrc(t, src, "moved", "payload")

	batch, err := s.Scan(time.Now())
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.Len(t, batch.Files, 1)

	// Single-job remove directories move the file out of the source.
	_, err = os.Lstat(filepath.Join(src, "moved"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Lstat(filepath.Join(batch.PoolDir, "moved"))
	assert.NoError(t, err)
}

func TestScanRemoveManyJobsCopies(t *testing.T) {
	s, _, src := newScanner(t, rules.DirOptions{Remove: true}, 2)
	writeSrc(t, src, "shared", "payload")

	batch, err := s.Scan(time.Now())
	require.NoError(t, err)
	require.NotNil(t, batch)

	// Link staging plus remove leaves the pool copy as the only one.
	_, err = os.Lstat(filepath.Join(src, "shared"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Lstat(filepath.Join(batch.PoolDir, "shared"))
	assert.NoError(t, err)
}

func TestListDropsRemovedFiles(t *testing.T) {
	s, _, src := newScanner(t, rules.DirOptions{StupidMode: constants.GetOnceOnly}, 2)
	writeSrc(t, src, "gone", "x")
	writeSrc(t, src, "stays", "x")

	_, err := s.Scan(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, s.list.tbl.Count())

	require.NoError(t, os.Remove(filepath.Join(src, "gone")))
	_, err = s.Scan(time.Now())
	require.NoError(t, err)

	assert.Equal(t, 1, s.list.tbl.Count())
	assert.GreaterOrEqual(t, s.list.find("stays"), 0)
	assert.Equal(t, -1, s.list.find("gone"))
}
