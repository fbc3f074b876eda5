//go:build linux

// Package table implements the shared fixed-layout tables (JID, DNB, FMD,
// FRA, FSA and the per-directory retrieve lists) as memory-mapped files.
//
// Every file starts with the same 16-byte header:
//
//	offset  size  meaning
//	  0      4    record count (little endian)
//	  4      3    reserved, zero
//	  7      1    version byte
//	  8      4    generation counter (bumped on every mutation)
//	 12      4    reserved, zero
//	 16           first record
//
// Writers take a byte-range write lock on the header; readers tolerate stale
// data and re-read a record when the generation counter moved underneath
// them.
package table

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/afd-plus/afd-plus/internal/store/constants"
)

const headerLength = constants.TableHeaderLength

// growStep is how many records a grow adds at once, so appends do not remap
// on every insert.
const growStep = 32

// ConvertFunc upgrades an old-version file body in place. It receives the
// whole old file contents (header included) and returns the new contents.
type ConvertFunc func(oldVersion byte, old []byte) ([]byte, error)

// Table is one attached mapped file.
type Table struct {
	f       *os.File
	data    []byte
	path    string
	recSize int
	version byte
}

// Attach opens or creates the table file at path, converting an older
// version in place when conv is non-nil. A newer version than ours is a
// permanent error.
func Attach(path string, recSize int, version byte, conv ConvertFunc) (*Table, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("Attach: error opening %s -> %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("Attach: error stating %s -> %w", path, err)
	}

	if fi.Size() < headerLength {
		hdr := make([]byte, headerLength)
		hdr[7] = version
		if _, err := f.WriteAt(hdr, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("Attach: error initializing %s -> %w", path, err)
		}
	} else {
		var verByte [1]byte
		if _, err := f.ReadAt(verByte[:], 7); err != nil {
			f.Close()
			return nil, fmt.Errorf("Attach: error reading version of %s -> %w", path, err)
		}
		if verByte[0] != version {
			if verByte[0] > version || conv == nil {
				f.Close()
				return nil, fmt.Errorf("Attach: %s has version %d, want %d", path, verByte[0], version)
			}
			if err := convertInPlace(f, verByte[0], version, conv); err != nil {
				f.Close()
				return nil, fmt.Errorf("Attach: error converting %s -> %w", path, err)
			}
		}
	}

	t := &Table{f: f, path: path, recSize: recSize, version: version}
	if err := t.remap(); err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

func convertInPlace(f *os.File, oldVersion, version byte, conv ConvertFunc) error {
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	old := make([]byte, fi.Size())
	if _, err := f.ReadAt(old, 0); err != nil {
		return err
	}

	fresh, err := conv(oldVersion, old)
	if err != nil {
		return err
	}
	fresh[7] = version

	if err := f.Truncate(int64(len(fresh))); err != nil {
		return err
	}
	if _, err := f.WriteAt(fresh, 0); err != nil {
		return err
	}
	return f.Sync()
}

func (t *Table) remap() error {
	if t.data != nil {
		if err := unix.Munmap(t.data); err != nil {
			return fmt.Errorf("remap: error unmapping %s -> %w", t.path, err)
		}
		t.data = nil
	}

	fi, err := t.f.Stat()
	if err != nil {
		return fmt.Errorf("remap: error stating %s -> %w", t.path, err)
	}

	data, err := unix.Mmap(int(t.f.Fd()), 0, int(fi.Size()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("remap: error mapping %s -> %w", t.path, err)
	}
	t.data = data
	return nil
}

// Count returns the number of live records.
func (t *Table) Count() int {
	return int(binary.LittleEndian.Uint32(t.data[0:4]))
}

func (t *Table) setCount(n int) {
	binary.LittleEndian.PutUint32(t.data[0:4], uint32(n))
}

// Generation returns the mutation counter. Readers capture it before and
// after decoding a record; a change means the record must be re-read.
func (t *Table) Generation() uint32 {
	return binary.LittleEndian.Uint32(t.data[8:12])
}

func (t *Table) bumpGeneration() {
	g := binary.LittleEndian.Uint32(t.data[8:12])
	binary.LittleEndian.PutUint32(t.data[8:12], g+1)
}

// Version returns the file's version byte.
func (t *Table) Version() byte {
	return t.data[7]
}

// Record returns the mapped bytes of record i. The slice aliases the mapped
// region; mutations land in the file.
func (t *Table) Record(i int) ([]byte, error) {
	off := headerLength + i*t.recSize
	if i < 0 || off+t.recSize > len(t.data) {
		return nil, fmt.Errorf("Record: index %d out of range in %s", i, t.path)
	}
	return t.data[off : off+t.recSize], nil
}

// Append grows the table by one record and returns its mapped bytes, zeroed.
func (t *Table) Append() ([]byte, int, error) {
	n := t.Count()
	needed := headerLength + (n+1)*t.recSize
	if needed > len(t.data) {
		grown := headerLength + (n+growStep)*t.recSize
		if err := t.f.Truncate(int64(grown)); err != nil {
			return nil, 0, fmt.Errorf("Append: error growing %s -> %w", t.path, err)
		}
		if err := t.remap(); err != nil {
			return nil, 0, err
		}
	}

	rec := t.data[headerLength+n*t.recSize : headerLength+(n+1)*t.recSize]
	clear(rec)
	t.setCount(n + 1)
	t.bumpGeneration()
	return rec, n, nil
}

// Truncate drops the table back to n records.
func (t *Table) Truncate(n int) {
	if n < 0 || n > t.Count() {
		return
	}
	t.setCount(n)
	t.bumpGeneration()
}

// MarkDirty bumps the generation counter after an in-place record update.
func (t *Table) MarkDirty() {
	t.bumpGeneration()
}

// Lock takes the advisory write lock on the header region, blocking until it
// is granted. Only one writer mutates a table at a time.
func (t *Table) Lock() error {
	lk := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: headerLength}
	if err := unix.FcntlFlock(t.f.Fd(), unix.F_SETLKW, &lk); err != nil {
		return fmt.Errorf("Lock: error locking %s -> %w", t.path, err)
	}
	return nil
}

// Unlock releases the header lock.
func (t *Table) Unlock() error {
	lk := unix.Flock_t{Type: unix.F_UNLCK, Whence: 0, Start: 0, Len: headerLength}
	if err := unix.FcntlFlock(t.f.Fd(), unix.F_SETLK, &lk); err != nil {
		return fmt.Errorf("Unlock: error unlocking %s -> %w", t.path, err)
	}
	return nil
}

// Sync flushes the mapping to disk.
func (t *Table) Sync() error {
	if err := unix.Msync(t.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("Sync: error syncing %s -> %w", t.path, err)
	}
	return nil
}

// Detach unmaps and closes the table.
func (t *Table) Detach() error {
	if t.data != nil {
		if err := unix.Munmap(t.data); err != nil {
			return fmt.Errorf("Detach: error unmapping %s -> %w", t.path, err)
		}
		t.data = nil
	}
	return t.f.Close()
}
