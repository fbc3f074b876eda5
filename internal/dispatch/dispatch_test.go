//go:build linux

package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afd-plus/afd-plus/internal/rules"
	"github.com/afd-plus/afd-plus/internal/scanner"
	"github.com/afd-plus/afd-plus/internal/store/constants"
	"github.com/afd-plus/afd-plus/internal/store/dupcheck"
)

const testDirID = 0x1a2b3c4d

// refTime is a fixed dispatch instant so time-window tests are deterministic.
var refTime = time.Date(2026, 3, 10, 12, 15, 0, 0, time.UTC)

func newDispatcher(t *testing.T, jobs []rules.InstantJob, dup *dupcheck.Store) (*Dispatcher, string) {
	t.Helper()

	work := t.TempDir()
	require.NoError(t, os.MkdirAll(constants.FifoDir(work), 0700))

	res := &rules.Result{
		Jobs: jobs,
		Dirs: []rules.DirectoryEntry{{DirID: testDirID, FraPos: 0}},
	}
	d, err := New(work, res, nil, dup)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, work
}

// makeBatch stages files into a pool dir by hand, mimicking what the scanner
// produces.
func makeBatch(t *testing.T, work string, files map[string]string, mtime time.Time) *scanner.Batch {
	t.Helper()

	require.NoError(t, os.MkdirAll(constants.PoolDir(work), 0700))
	pool, err := os.MkdirTemp(constants.PoolDir(work), "batch")
	require.NoError(t, err)

	batch := &scanner.Batch{PoolDir: pool, DirID: testDirID, Complete: true}
	for name, content := range files {
		path := filepath.Join(pool, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		require.NoError(t, os.Chtimes(path, mtime, mtime))
		batch.Files = append(batch.Files, scanner.BatchFile{
			Name: name, Size: int64(len(content)), Mtime: mtime,
		})
		batch.TotalSize += int64(len(content))
	}
	return batch
}

// messageRecords slices the per-job message file into its fixed-size records.
func messageRecords(t *testing.T, work string, jobID uint32) []string {
	t.Helper()

	raw, err := os.ReadFile(filepath.Join(constants.MessageDir(work), fmt.Sprintf("%x", jobID)))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	require.Zero(t, len(raw)%constants.MaxBinMsgLength)

	var out []string
	for off := 0; off < len(raw); off += constants.MaxBinMsgLength {
		rec := raw[off : off+constants.MaxBinMsgLength]
		if n := bytes.IndexByte(rec, 0); n >= 0 {
			rec = rec[:n]
		}
		out = append(out, string(rec))
	}
	return out
}

func plainJob() rules.InstantJob {
	return rules.InstantJob{
		JobID:     0xabc123,
		DirID:     testDirID,
		Priority:  '5',
		HostAlias: "wx-primary",
		FileMasks: []string{"*"},
		FsaPos:    -1,
	}
}

func TestCreateNameLayout(t *testing.T) {
	root := t.TempDir()
	var split uint32

	name, err := CreateName(root, '3', refTime, 0x2, 0x1f, &split)
	require.NoError(t, err)

	rel, err := filepath.Rel(root, name)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("2", "3_69b00b44", "1f_0"), rel)
	assert.Equal(t, uint32(0), split)

	fi, err := os.Stat(name)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}

func TestCreateNameBumpsSplitOnCollision(t *testing.T) {
	root := t.TempDir()
	var split uint32

	first, err := CreateName(root, '9', refTime, 0, 7, &split)
	require.NoError(t, err)

	second, err := CreateName(root, '9', refTime, 0, 7, &split)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, uint32(1), split)
	assert.Equal(t, "7_1", filepath.Base(second))
}

func TestProcessBatchMaterialises(t *testing.T) {
	job := plainJob()
	d, work := newDispatcher(t, []rules.InstantJob{job}, nil)

	batch := makeBatch(t, work, map[string]string{"obs.txt": "TTAA report"}, refTime)
	require.NoError(t, d.ProcessBatch(context.Background(), batch, refTime))

	// Pool file consumed, pool dir cleaned up.
	_, err := os.Lstat(batch.PoolDir)
	assert.True(t, os.IsNotExist(err))

	// One message record naming the work directory.
	recs := messageRecords(t, work, job.JobID)
	require.Len(t, recs, 1)
	assert.Regexp(t, `^abc123/0/[0-9a-f]+_[0-9a-f]+_0$`, recs[0])

	// The work directory holds the file.
	matches, err := filepath.Glob(filepath.Join(constants.OutgoingDir(work), "0", "5_*", "*", "obs.txt"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Equal(t, "TTAA report", string(data))
}

func TestProcessBatchFansOut(t *testing.T) {
	j1 := plainJob()
	j2 := plainJob()
	j2.JobID = 0xdef456
	d, work := newDispatcher(t, []rules.InstantJob{j1, j2}, nil)

	batch := makeBatch(t, work, map[string]string{"metar": "SA data"}, refTime)
	require.NoError(t, d.ProcessBatch(context.Background(), batch, refTime))

	for _, jobID := range []string{"abc123", "def456"} {
		matches, err := filepath.Glob(filepath.Join(constants.OutgoingDir(work), "0", "5_*", "*", "metar"))
		require.NoError(t, err)
		assert.Len(t, matches, 2, "both destinations receive the file")
		_, err = os.Stat(filepath.Join(constants.MessageDir(work), jobID))
		assert.NoError(t, err)
	}
}

func TestProcessBatchNoMatch(t *testing.T) {
	job := plainJob()
	job.FileMasks = []string{"*.txt"}
	d, work := newDispatcher(t, []rules.InstantJob{job}, nil)

	batch := makeBatch(t, work, map[string]string{"image.png": "not text"}, refTime)
	require.NoError(t, d.ProcessBatch(context.Background(), batch, refTime))

	// Unwanted file is discarded without a message.
	_, err := os.Lstat(batch.PoolDir)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, messageRecords(t, work, job.JobID))
}

func TestAgeLimitDeletesOldFile(t *testing.T) {
	job := plainJob()
	job.AgeLimit = 60
	d, work := newDispatcher(t, []rules.InstantJob{job}, nil)

	batch := makeBatch(t, work, map[string]string{"stale": "old data"}, refTime.Add(-5*time.Minute))
	require.NoError(t, d.ProcessBatch(context.Background(), batch, refTime))

	_, err := os.Lstat(batch.PoolDir)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, messageRecords(t, work, job.JobID))
}

func TestAgeLimitPassesFreshFile(t *testing.T) {
	job := plainJob()
	job.AgeLimit = 3600
	d, work := newDispatcher(t, []rules.InstantJob{job}, nil)

	batch := makeBatch(t, work, map[string]string{"fresh": "new data"}, refTime.Add(-time.Minute))
	require.NoError(t, d.ProcessBatch(context.Background(), batch, refTime))

	assert.Len(t, messageRecords(t, work, job.JobID), 1)
}

func TestCollectTimeKeepsFile(t *testing.T) {
	job := plainJob()
	job.LocalOptions |= rules.OptTime
	job.TimeMode = rules.SendCollectTime
	job.TimeEntries = []string{"45 * * * *"}
	job.Timezone = "UTC"
	d, work := newDispatcher(t, []rules.InstantJob{job}, nil)

	// refTime is minute 15, outside the window.
	batch := makeBatch(t, work, map[string]string{"synop": "collected"}, refTime)
	require.NoError(t, d.ProcessBatch(context.Background(), batch, refTime))

	// The file waits in the pool for the window to open.
	_, err := os.Lstat(filepath.Join(batch.PoolDir, "synop"))
	assert.NoError(t, err)
	assert.Empty(t, messageRecords(t, work, job.JobID))

	// Re-dispatch inside the window drains it.
	inWindow := refTime.Add(30 * time.Minute)
	batch.Files[0].Mtime = inWindow
	require.NoError(t, d.ProcessBatch(context.Background(), batch, inWindow))
	_, err = os.Lstat(batch.PoolDir)
	assert.True(t, os.IsNotExist(err))
	assert.Len(t, messageRecords(t, work, job.JobID), 1)
}

func TestNoCollectTimeDeletesFile(t *testing.T) {
	job := plainJob()
	job.LocalOptions |= rules.OptTime
	job.TimeMode = rules.SendNoCollectTime
	job.TimeEntries = []string{"45 * * * *"}
	job.Timezone = "UTC"
	d, work := newDispatcher(t, []rules.InstantJob{job}, nil)

	batch := makeBatch(t, work, map[string]string{"synop": "dropped"}, refTime)
	require.NoError(t, d.ProcessBatch(context.Background(), batch, refTime))

	_, err := os.Lstat(batch.PoolDir)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, messageRecords(t, work, job.JobID))
}

func TestDupcheckDeletesSecondCopy(t *testing.T) {
	work := t.TempDir()
	dup, err := dupcheck.Initialize(filepath.Join(work, "dup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dup.Close() })

	job := plainJob()
	job.LocalOptions |= rules.OptDupcheck
	job.DupcheckFlag = constants.DcFilenameOnly | constants.DcDelete
	job.DupcheckTimeout = 3600
	d, dwork := newDispatcher(t, []rules.InstantJob{job}, dup)

	first := makeBatch(t, dwork, map[string]string{"dup.txt": "payload"}, refTime)
	require.NoError(t, d.ProcessBatch(context.Background(), first, refTime))
	require.Len(t, messageRecords(t, dwork, job.JobID), 1)

	second := makeBatch(t, dwork, map[string]string{"dup.txt": "payload"}, refTime)
	require.NoError(t, d.ProcessBatch(context.Background(), second, refTime))

	// The duplicate is removed and no second message is queued.
	_, err = os.Lstat(second.PoolDir)
	assert.True(t, os.IsNotExist(err))
	assert.Len(t, messageRecords(t, dwork, job.JobID), 1)
}

func TestSchedulesExposed(t *testing.T) {
	job := plainJob()
	job.LocalOptions |= rules.OptTime
	job.TimeEntries = []string{"0 12 * * *"}
	d, _ := newDispatcher(t, []rules.InstantJob{job}, nil)

	scheds := d.Schedules()
	require.Len(t, scheds, 1)
	assert.True(t, scheds[0].InTime(time.Date(2026, 3, 10, 12, 0, 30, 0, time.Local)))
}
