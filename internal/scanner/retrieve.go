//go:build linux

package scanner

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/afd-plus/afd-plus/internal/store/constants"
	"github.com/afd-plus/afd-plus/internal/store/table"
)

// retrieveList wraps the mmap'd ls_data file of one directory alias.
type retrieveList struct {
	tbl *table.Table
}

func openRetrieveList(work, alias string) (*retrieveList, error) {
	dir := constants.LsDataDir(work)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("openRetrieveList: error creating %s -> %w", dir, err)
	}
	tbl, err := table.AttachLsData(filepath.Join(dir, alias))
	if err != nil {
		return nil, fmt.Errorf("openRetrieveList: error attaching list for %s -> %w", alias, err)
	}
	return &retrieveList{tbl: tbl}, nil
}

func (l *retrieveList) close() error {
	return l.tbl.Detach()
}

// find returns the record index of name, or -1.
func (l *retrieveList) find(name string) int {
	for i := 0; i < l.tbl.Count(); i++ {
		raw, err := l.tbl.Record(i)
		if err != nil {
			return -1
		}
		var rec table.ListRecord
		rec.Decode(raw)
		if rec.FileName == name {
			return i
		}
	}
	return -1
}

func (l *retrieveList) get(i int) (table.ListRecord, error) {
	var rec table.ListRecord
	raw, err := l.tbl.Record(i)
	if err != nil {
		return rec, err
	}
	rec.Decode(raw)
	return rec, nil
}

func (l *retrieveList) put(i int, rec table.ListRecord) error {
	raw, err := l.tbl.Record(i)
	if err != nil {
		return err
	}
	rec.Encode(raw)
	l.tbl.MarkDirty()
	return nil
}

// checkList merges one candidate into the list and decides whether it may be
// picked up this cycle. An entry already retrieved is skipped unless its
// mtime or size changed, which clears the retrieved flag. This keeps a
// partially drained directory moving forward instead of re-staging the same
// leading files every cycle.
func (l *retrieveList) checkList(name string, size, mtime int64) (pick bool, err error) {
	if i := l.find(name); i >= 0 {
		rec, err := l.get(i)
		if err != nil {
			return false, err
		}
		changed := rec.FileMtime != mtime || rec.Size != size
		if changed {
			rec.PrevSize = rec.Size
			rec.Size = size
			rec.FileMtime = mtime
			rec.Retrieved = false
		}
		rec.InList = true
		rec.GotDate = true
		if err := l.put(i, rec); err != nil {
			return false, err
		}
		if !changed && rec.Retrieved {
			return false, nil
		}
		return true, nil
	}

	raw, _, err := l.tbl.Append()
	if err != nil {
		return false, fmt.Errorf("checkList: error growing list -> %w", err)
	}
	rec := table.ListRecord{
		FileName:  name,
		FileMtime: mtime,
		Size:      size,
		InList:    true,
		GotDate:   true,
	}
	rec.Encode(raw)
	l.tbl.MarkDirty()
	return true, nil
}

// markRetrieved flags name as picked up.
func (l *retrieveList) markRetrieved(name string) error {
	i := l.find(name)
	if i < 0 {
		return nil
	}
	rec, err := l.get(i)
	if err != nil {
		return err
	}
	rec.Retrieved = true
	return l.put(i, rec)
}

// clearInList resets every in-list marker ahead of a fresh scan.
func (l *retrieveList) clearInList() error {
	for i := 0; i < l.tbl.Count(); i++ {
		rec, err := l.get(i)
		if err != nil {
			return err
		}
		if rec.InList {
			rec.InList = false
			if err := l.put(i, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// rmRemovedFiles purges entries whose files are gone. After a complete scan
// every entry not re-listed is dropped; after a partial scan an unlisted
// entry survives when the file still exists in srcDir.
func (l *retrieveList) rmRemovedFiles(srcDir string, complete bool) error {
	keep := 0
	for i := 0; i < l.tbl.Count(); i++ {
		rec, err := l.get(i)
		if err != nil {
			return err
		}
		drop := !rec.InList
		if drop && !complete {
			if _, err := os.Lstat(filepath.Join(srcDir, rec.FileName)); err == nil {
				drop = false
			}
		}
		if drop {
			continue
		}
		if keep != i {
			if err := l.put(keep, rec); err != nil {
				return err
			}
		}
		keep++
	}
	l.tbl.Truncate(keep)
	return l.tbl.Sync()
}
