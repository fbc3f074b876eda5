//go:build linux

// Package scanner produces bounded batches of pool files for one managed
// directory. Each cycle lists the source, applies the directory's filters,
// merges the result into the retrieve list and stages eligible files into a
// fresh pool directory.
package scanner

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"

	"github.com/afd-plus/afd-plus/internal/filter"
	"github.com/afd-plus/afd-plus/internal/rules"
	"github.com/afd-plus/afd-plus/internal/store/constants"
	"github.com/afd-plus/afd-plus/internal/syslog"
)

// poolSeq disambiguates pool directories created within one second.
var poolSeq atomic.Uint32

// BatchFile is one staged file with the metadata the dispatcher needs.
type BatchFile struct {
	Name  string
	Size  int64
	Mtime time.Time
}

// Batch is the descriptor handed to the dispatcher: one pool directory and
// its file list. Complete is false when a size or count limit closed the
// batch early and the source still holds eligible files.
type Batch struct {
	PoolDir   string
	DirID     uint32
	FraPos    int
	Files     []BatchFile
	TotalSize int64
	Complete  bool
}

// Scanner runs the scan cycle of one managed directory.
type Scanner struct {
	work  string
	entry rules.DirectoryEntry
	list  *retrieveList

	// Set after link(2) came back EPERM once; the directory is then copied
	// from for the rest of the process lifetime.
	copyDueToEperm bool
	epermCopyCount uint64
	epermCopyBytes int64
	renameOneJob   bool
	watcher        *fsnotify.Watcher
	wake           chan struct{}
}

// New prepares a scanner for entry. The entry's job count decides whether
// staging may rename: only a directory feeding exactly one job with the
// remove option may move files out of the source.
func New(work string, entry rules.DirectoryEntry) (*Scanner, error) {
	list, err := openRetrieveList(work, entry.Alias)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(constants.PoolDir(work), 0700); err != nil {
		list.close()
		return nil, fmt.Errorf("New: error creating pool dir -> %w", err)
	}

	jobs := 0
	for _, fg := range entry.FileGroups {
		jobs += len(fg.JobIndexes)
	}

	return &Scanner{
		work:         work,
		entry:        entry,
		list:         list,
		renameOneJob: entry.Options.Remove && jobs == 1,
		wake:         make(chan struct{}, 1),
	}, nil
}

func (s *Scanner) Close() error {
	if s.watcher != nil {
		s.watcher.Close()
	}
	return s.list.close()
}

// Watch arms an fsnotify watch on the source so pushes wake the scan loop
// ahead of the poll floor. Failure to watch is not fatal; polling covers it.
func (s *Scanner) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("Watch: error creating watcher -> %w", err)
	}
	if err := w.Add(s.entry.Dir); err != nil {
		w.Close()
		return fmt.Errorf("Watch: error watching %s -> %w", s.entry.Dir, err)
	}
	s.watcher = w

	go func() {
		for {
			select {
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				select {
				case s.wake <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				syslog.L.Warn().WithField("dir", s.entry.Dir).
					WithMessagef("watch error: %v", err).Write()
			}
		}
	}()
	return nil
}

// Wake fires when the watched directory changed.
func (s *Scanner) Wake() <-chan struct{} {
	return s.wake
}

// CopyDueToEperm reports how many files and bytes were copied because
// hardlink protection blocked linking.
func (s *Scanner) CopyDueToEperm() (uint64, int64) {
	return s.epermCopyCount, s.epermCopyBytes
}

// Scan runs one cycle and returns the staged batch, or nil when nothing was
// eligible.
func (s *Scanner) Scan(now time.Time) (*Batch, error) {
	names, err := os.ReadDir(s.entry.Dir)
	if err != nil {
		return nil, fmt.Errorf("Scan: error reading %s -> %w", s.entry.Dir, err)
	}

	if err := s.list.clearInList(); err != nil {
		return nil, fmt.Errorf("Scan: error resetting list -> %w", err)
	}

	opts := s.entry.Options
	var batch *Batch
	complete := true

	for _, de := range names {
		name := de.Name()
		if name[0] == '.' && !opts.AcceptDotFiles {
			continue
		}
		if opts.WaitForFilename != "" &&
			filter.Sfilter(opts.WaitForFilename, name, 0) != filter.Match {
			continue
		}

		info, err := de.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		size := info.Size()
		mtime := info.ModTime()

		if opts.IgnoreSizeCmp != 0 && relationHolds(size, opts.IgnoreSize, opts.IgnoreSizeCmp) {
			continue
		}
		if opts.IgnoreFileTimeCmp != 0 {
			age := now.Unix() - mtime.Unix()
			if relationHolds(age, opts.IgnoreFileTime, opts.IgnoreFileTimeCmp) {
				continue
			}
		}

		pick, err := s.list.checkList(name, size, mtime.Unix())
		if err != nil {
			return nil, err
		}
		if !pick {
			continue
		}

		if batch == nil {
			batch, err = s.newBatch(now)
			if err != nil {
				return nil, err
			}
		}

		if err := s.stage(filepath.Join(s.entry.Dir, name), filepath.Join(batch.PoolDir, name)); err != nil {
			syslog.L.Error(err).WithField("file", name).
				WithMessage("failed to stage file").Write()
			continue
		}
		if err := s.list.markRetrieved(name); err != nil {
			return nil, err
		}

		batch.Files = append(batch.Files, BatchFile{Name: name, Size: size, Mtime: mtime})
		batch.TotalSize += size

		if opts.MaxCopiedFiles > 0 && uint32(len(batch.Files)) >= opts.MaxCopiedFiles {
			complete = false
			break
		}
		if opts.MaxCopiedFileSize > 0 && batch.TotalSize >= opts.MaxCopiedFileSize {
			complete = false
			break
		}
	}

	if err := s.list.rmRemovedFiles(s.entry.Dir, complete); err != nil {
		return nil, err
	}

	if batch == nil {
		return nil, nil
	}
	batch.Complete = complete
	syslog.ReceiveRecord(s.entry.DirID, s.entry.Alias, len(batch.Files), batch.TotalSize)
	return batch, nil
}

// newBatch creates the pool directory of one batch. The name carries the
// directory id so orphan cleanup can route leftovers back to dispatch.
func (s *Scanner) newBatch(now time.Time) (*Batch, error) {
	name := fmt.Sprintf("%x_%x_%x_%x", now.Unix(), poolSeq.Add(1), os.Getpid(), s.entry.DirID)
	dir := filepath.Join(constants.PoolDir(s.work), name)
	if err := os.Mkdir(dir, 0700); err != nil {
		return nil, fmt.Errorf("newBatch: error creating pool dir %s -> %w", dir, err)
	}
	return &Batch{PoolDir: dir, DirID: s.entry.DirID, FraPos: s.entry.FraPos}, nil
}

// stage moves one source file into the pool. Rename only when this scanner
// exclusively owns the file, link otherwise, copy once linking is known to
// be blocked.
func (s *Scanner) stage(src, dst string) error {
	if s.renameOneJob {
		if err := os.Rename(src, dst); err == nil {
			return nil
		} else if !errors.Is(err, unix.EXDEV) {
			return fmt.Errorf("stage: error renaming %s -> %w", src, err)
		}
	}

	if !s.copyDueToEperm {
		err := os.Link(src, dst)
		if err == nil {
			s.removeSource(src)
			return nil
		}
		if errors.Is(err, unix.EPERM) {
			// Hardlink protection. Remember and copy from here on.
			syslog.L.Debug().WithMessagef("EPERM for %s, assuming hardlink protection and switching to copy", s.entry.Dir).Write()
			s.copyDueToEperm = true
		} else if !errors.Is(err, unix.EXDEV) {
			return fmt.Errorf("stage: error linking %s -> %w", src, err)
		}
	}

	if err := copyFile(src, dst); err != nil {
		return err
	}
	if s.copyDueToEperm {
		s.epermCopyCount++
		if info, err := os.Lstat(dst); err == nil {
			s.epermCopyBytes += info.Size()
		}
	}
	s.removeSource(src)
	return nil
}

// removeSource drops the source once it is staged. Only the rename path
// skips this, renaming already consumed the file.
func (s *Scanner) removeSource(src string) {
	if !s.entry.Options.Remove {
		return
	}
	if err := os.Remove(src); err != nil {
		syslog.L.Warn().WithField("file", src).
			WithMessagef("could not remove staged source: %v", err).Write()
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("copyFile: error opening %s -> %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("copyFile: error creating %s -> %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copyFile: error copying to %s -> %w", dst, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("copyFile: error closing %s -> %w", dst, err)
	}
	return nil
}

// relationHolds evaluates value against threshold under the cmp bits. A set
// bit enables that relation; any enabled relation holding is a match.
func relationHolds(value, threshold int64, cmp uint32) bool {
	if cmp&constants.CmpLess != 0 && value < threshold {
		return true
	}
	if cmp&constants.CmpEqual != 0 && value == threshold {
		return true
	}
	if cmp&constants.CmpGreater != 0 && value > threshold {
		return true
	}
	return false
}
