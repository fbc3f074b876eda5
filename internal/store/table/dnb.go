//go:build linux

package table

import (
	"github.com/afd-plus/afd-plus/internal/store/constants"
)

// DirNameRecord maps a dir-id to the canonical directory path and the
// DIR_CONFIG id the stanza came from.
type DirNameRecord struct {
	DirID       uint32
	DirConfigID uint32
	Dir         string
}

const DNBRecordSize = 4 + 4 + (constants.MaxPathLength + 1)

func (r *DirNameRecord) Encode(b []byte) {
	c := cursor{b: b}
	c.putU32(r.DirID)
	c.putU32(r.DirConfigID)
	c.putStr(r.Dir, constants.MaxPathLength+1)
}

func (r *DirNameRecord) Decode(b []byte) {
	c := cursor{b: b}
	c.u32(&r.DirID)
	c.u32(&r.DirConfigID)
	c.str(&r.Dir, constants.MaxPathLength+1)
}

// AttachDNB opens the directory-name buffer.
func AttachDNB(path string) (*Table, error) {
	return Attach(path, DNBRecordSize, constants.CurrentDNBVersion, nil)
}

// LookupDir scans the DNB for a dir-id. Returns the empty string when the id
// is unknown.
func LookupDir(t *Table, dirID uint32) string {
	for i := 0; i < t.Count(); i++ {
		b, err := t.Record(i)
		if err != nil {
			return ""
		}
		var rec DirNameRecord
		rec.Decode(b)
		if rec.DirID == dirID {
			return rec.Dir
		}
	}
	return ""
}
