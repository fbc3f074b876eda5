//go:build linux

// Package dispatch fans staged pool files out to the compiled instant-db
// destinations and queues one message per materialised work directory for
// the transfer layer.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/afd-plus/afd-plus/internal/filter"
	"github.com/afd-plus/afd-plus/internal/rules"
	"github.com/afd-plus/afd-plus/internal/rules/renamerule"
	"github.com/afd-plus/afd-plus/internal/scanner"
	"github.com/afd-plus/afd-plus/internal/store/constants"
	"github.com/afd-plus/afd-plus/internal/store/counter"
	"github.com/afd-plus/afd-plus/internal/store/dupcheck"
	"github.com/afd-plus/afd-plus/internal/store/table"
	"github.com/afd-plus/afd-plus/internal/syslog"
	"github.com/afd-plus/afd-plus/internal/timejob"
)

// Dispatcher matches pool files against the instant db and materialises each
// match into its own unique work directory.
type Dispatcher struct {
	work    string
	jobs    []rules.InstantJob
	byDir   map[uint32][]int
	dirNos  map[uint32]uint32
	fsa     *table.Table
	counter *counter.Counter
	dup     *dupcheck.Store
	limiter *rate.Limiter

	schedules   map[uint32]*timejob.Schedule
	splits      map[uint32]uint32
	msgFifo     *os.File
	renameRules *renamerule.Cache
}

// SetRenameRules attaches the shared rename.rule cache used by the rename
// transformations. The dispatcher never closes it.
func (d *Dispatcher) SetRenameRules(cache *renamerule.Cache) {
	d.renameRules = cache
}

// New wires a dispatcher over a compiled rule set. fsa and dup may be shared
// with other components; the dispatcher never closes them.
func New(work string, res *rules.Result, fsa *table.Table, dup *dupcheck.Store) (*Dispatcher, error) {
	cnt, err := counter.Attach(constants.CounterFile(work))
	if err != nil {
		return nil, fmt.Errorf("New: error attaching counter -> %w", err)
	}

	d := &Dispatcher{
		work:      work,
		jobs:      res.Jobs,
		byDir:     make(map[uint32][]int),
		dirNos:    make(map[uint32]uint32),
		fsa:       fsa,
		counter:   cnt,
		dup:       dup,
		limiter:   rate.NewLimiter(rate.Limit(constants.MaxMsgPerSec), constants.MaxMsgPerSec),
		schedules: make(map[uint32]*timejob.Schedule),
		splits:    make(map[uint32]uint32),
	}

	for i, job := range res.Jobs {
		d.byDir[job.DirID] = append(d.byDir[job.DirID], i)
		if job.LocalOptions&rules.OptTime != 0 {
			sched, err := timejob.New(job.TimeEntries, job.Timezone)
			if err != nil {
				return nil, fmt.Errorf("New: job %x -> %w", job.JobID, err)
			}
			d.schedules[job.JobID] = sched
		}
	}
	for _, dir := range res.Dirs {
		d.dirNos[dir.DirID] = uint32(dir.FraPos)
	}

	if err := os.MkdirAll(constants.MessageDir(work), 0700); err != nil {
		return nil, fmt.Errorf("New: error creating message dir -> %w", err)
	}
	if err := os.MkdirAll(constants.OutgoingDir(work), 0700); err != nil {
		return nil, fmt.Errorf("New: error creating outgoing dir -> %w", err)
	}

	// Transfer layer wake-up is best effort; without a reader the fifo is
	// simply not opened.
	if fd, err := unix.Open(constants.MsgFifo(work), unix.O_WRONLY|unix.O_NONBLOCK, 0); err == nil {
		d.msgFifo = os.NewFile(uintptr(fd), constants.MsgFifo(work))
	}

	return d, nil
}

func (d *Dispatcher) Close() error {
	if d.msgFifo != nil {
		d.msgFifo.Close()
	}
	return nil
}

// ProcessBatch runs every file of one batch through the match chain and
// removes the pool directory when it drained completely.
func (d *Dispatcher) ProcessBatch(ctx context.Context, batch *scanner.Batch, now time.Time) error {
	jobIdxs := d.byDir[batch.DirID]

	for _, f := range batch.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		poolFile := filepath.Join(batch.PoolDir, f.Name)
		keepFile := false

		for _, ji := range jobIdxs {
			job := &d.jobs[ji]
			switch filter.CheckFileMasks(job.FileMasks, f.Name, 0) {
			case filter.NegMatch:
				// Definitely not wanted by this chain.
				continue
			case filter.NoMatch:
				continue
			}

			keep, err := d.dispatchOne(ctx, job, poolFile, f, now)
			if err != nil {
				return err
			}
			if keep {
				keepFile = true
			}
			if _, err := os.Lstat(poolFile); err != nil {
				// Deleted by age limit, dupcheck or rename; stop fanning out.
				keepFile = true
				break
			}
		}

		if !keepFile {
			if err := os.Remove(poolFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				// Another destination already took it.
				syslog.L.Warn().WithField("file", poolFile).
					WithMessagef("could not unlink pool file: %v", err).Write()
			}
		}
	}

	// Leftovers (collect-time jobs) keep the pool dir alive.
	if entries, err := os.ReadDir(batch.PoolDir); err == nil && len(entries) == 0 {
		os.Remove(batch.PoolDir)
	}
	return nil
}

// dispatchOne handles one (file, destination) pair. It reports whether the
// pool file must be kept for a later window.
func (d *Dispatcher) dispatchOne(ctx context.Context, job *rules.InstantJob, poolFile string, f scanner.BatchFile, now time.Time) (bool, error) {
	if job.AgeLimit > 0 && now.Unix()-f.Mtime.Unix() > int64(job.AgeLimit) && !d.hostKeepsData(job) {
		os.Remove(poolFile)
		syslog.DeleteRecord(job.DirID, job.JobID, constants.AgeInput, f.Name, f.Size)
		syslog.DistributionRecord(constants.AgeLimitDeleteDisType, job.DirID, job.JobID, f.Name, f.Size)
		return false, nil
	}

	if sched, ok := d.schedules[job.JobID]; ok && !sched.InTime(now) {
		if job.TimeMode == rules.SendNoCollectTime {
			os.Remove(poolFile)
			syslog.DeleteRecord(job.DirID, job.JobID, constants.NoCollectTime, f.Name, f.Size)
			syslog.DistributionRecord(constants.TimeJobDisType, job.DirID, job.JobID, f.Name, f.Size)
			return false, nil
		}
		// Collect mode: the file stays in the pool until the window opens.
		return true, nil
	}

	if job.LocalOptions&rules.OptDupcheck != 0 && d.dup != nil {
		hit, err := d.dup.IsDuplicate(job.JobID, job.DupcheckFlag, job.DupcheckTimeout, f.Name, poolFile)
		if err != nil {
			syslog.L.Error(err).WithField("file", f.Name).WithMessage("dupcheck failed").Write()
		} else if hit {
			// The duplicate is dropped for this destination either way,
			// so the delete log always gets an entry. The delete flag
			// additionally takes the pool file away from the rest of
			// the chain.
			syslog.DeleteRecord(job.DirID, job.JobID, constants.DupcheckDelete, f.Name, f.Size)
			if job.DupcheckFlag&constants.DcDelete != 0 {
				os.Remove(poolFile)
			}
			if job.DupcheckFlag&constants.DcWarn != 0 {
				syslog.L.Warn().WithField("file", f.Name).WithMessage("duplicate file").Write()
			}
			syslog.DistributionRecord(constants.DupcheckDisType, job.DirID, job.JobID, f.Name, f.Size)
			return false, nil
		}
	}

	if job.LocalOptions&rules.OptDelete != 0 {
		// This destination discards the file. Other jobs in the chain
		// still see the pool copy.
		syslog.DeleteRecord(job.DirID, job.JobID, constants.DeleteOption, f.Name, f.Size)
		return false, nil
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return false, err
	}

	unique, err := d.counter.Next(constants.MaxMsgPerSec)
	if err != nil {
		return false, fmt.Errorf("dispatchOne: error drawing unique number -> %w", err)
	}

	split := d.splits[job.JobID]
	dirNo := d.dirNos[job.DirID]

	workDir, err := CreateName(constants.OutgoingDir(d.work), job.Priority, now, dirNo, unique, &split)
	if err != nil {
		return false, err
	}
	d.splits[job.JobID] = split

	if err := d.materialise(job, poolFile, filepath.Join(workDir, f.Name)); err != nil {
		if errors.Is(err, unix.EEXIST) {
			syslog.L.Warn().WithField("file", f.Name).
				WithMessagef("destination already present: %v", err).Write()
		} else {
			syslog.L.Error(err).WithField("file", f.Name).WithMessage("failed to materialise file").Write()
			syslog.DeleteRecord(job.DirID, job.JobID, constants.InternalLinkFailed, f.Name, f.Size)
			syslog.DistributionRecord(constants.ErrorDisType, job.DirID, job.JobID, f.Name, f.Size)
			os.Remove(workDir)
			return false, nil
		}
	}

	if job.LocalOptions&transformBits != 0 {
		if _, err := d.applyOptions(ctx, job, workDir, f.Name, now); err != nil {
			syslog.L.Error(err).WithField("file", f.Name).
				WithMessage("option handling failed").Write()
		}
	}

	msgName := fmt.Sprintf("%x/%x/%x_%x_%x", job.JobID, dirNo, now.Unix(), unique, split)
	if err := d.queueMessage(job, msgName); err != nil {
		return false, err
	}

	syslog.DistributionRecord(constants.NormalDisType, job.DirID, job.JobID, f.Name, f.Size)
	return false, nil
}

// QueueFull reports whether the outgoing queue holds more job directories
// than the stop boundary allows. Counting walks the dir-no, priority-time
// and unique levels and bails out as soon as the boundary is crossed.
func (d *Dispatcher) QueueFull() bool {
	count := 0
	dirNos, err := os.ReadDir(constants.OutgoingDir(d.work))
	if err != nil {
		return false
	}
	for _, a := range dirNos {
		if !a.IsDir() {
			continue
		}
		prios, err := os.ReadDir(filepath.Join(constants.OutgoingDir(d.work), a.Name()))
		if err != nil {
			continue
		}
		for _, b := range prios {
			if !b.IsDir() {
				continue
			}
			jobs, err := os.ReadDir(filepath.Join(constants.OutgoingDir(d.work), a.Name(), b.Name()))
			if err != nil {
				continue
			}
			count += len(jobs)
			if count >= constants.StopAmgBoundary {
				return true
			}
		}
	}
	return false
}

// Schedules returns the compiled time schedules so the caller can arm the
// wake-up clock for collect-time re-dispatch.
func (d *Dispatcher) Schedules() []*timejob.Schedule {
	out := make([]*timejob.Schedule, 0, len(d.schedules))
	for _, s := range d.schedules {
		out = append(out, s)
	}
	return out
}

// hostKeepsData reports whether the job's host carries DO_NOT_DELETE_DATA.
func (d *Dispatcher) hostKeepsData(job *rules.InstantJob) bool {
	if d.fsa == nil || job.FsaPos < 0 || job.FsaPos >= d.fsa.Count() {
		return false
	}
	raw, err := d.fsa.Record(job.FsaPos)
	if err != nil {
		return false
	}
	var host table.HostRecord
	host.Decode(raw)
	return host.HostStatus&constants.DoNotDeleteData != 0
}

// materialise places the pool file into the work directory. Rename only for
// a job that exclusively owns its source, link unless forbidden, copy
// otherwise.
func (d *Dispatcher) materialise(job *rules.InstantJob, src, dst string) error {
	if job.Lfs&constants.RenameOneJobOnly != 0 {
		if err := os.Rename(src, dst); err == nil {
			return nil
		} else if !errors.Is(err, unix.EXDEV) {
			return fmt.Errorf("materialise: error renaming %s -> %w", src, err)
		}
	}
	if job.Lfs&constants.DoNotLinkFiles == 0 {
		err := os.Link(src, dst)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EPERM) && !errors.Is(err, unix.EXDEV) {
			return fmt.Errorf("materialise: error linking %s -> %w", src, err)
		}
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("materialise: error opening %s -> %w", src, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("materialise: error creating %s -> %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("materialise: error copying to %s -> %w", dst, err)
	}
	return out.Close()
}

// queueMessage writes one fixed-length message record naming the work
// directory and pokes the transfer fifo.
func (d *Dispatcher) queueMessage(job *rules.InstantJob, msgName string) error {
	if len(msgName)+1 > constants.MaxBinMsgLength {
		return fmt.Errorf("queueMessage: message name %q too long", msgName)
	}
	rec := make([]byte, constants.MaxBinMsgLength)
	copy(rec, msgName)

	path := filepath.Join(constants.MessageDir(d.work), fmt.Sprintf("%x", job.JobID))
	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("queueMessage: error opening %s -> %w", path, err)
	}
	if _, err := fh.Write(rec); err != nil {
		fh.Close()
		return fmt.Errorf("queueMessage: error writing %s -> %w", path, err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("queueMessage: error closing %s -> %w", path, err)
	}

	if d.msgFifo != nil {
		if _, err := d.msgFifo.Write([]byte{1}); err != nil {
			syslog.L.Warn().WithMessagef("transfer wake-up failed: %v", err).Write()
		}
	}
	return nil
}
