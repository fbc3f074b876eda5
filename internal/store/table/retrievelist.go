//go:build linux

package table

import (
	"fmt"

	"github.com/afd-plus/afd-plus/internal/store/constants"
)

// Retrieve-list flag bits, packed into one byte on disk.
const (
	lsRetrieved = 1 << 0
	lsInList    = 1 << 1
	lsGotDate   = 1 << 2
)

// ListRecord is one retrieve-list entry: a file seen in a pull source.
type ListRecord struct {
	FileName  string
	FileMtime int64
	Size      int64
	PrevSize  int64
	Retrieved bool
	InList    bool
	GotDate   bool
}

const ListRecordSize = (constants.MaxFilenameLength + 1) + 8 + 8 + 8 + 1

// Version 0 retrieve lists carried a 128-byte filename slot.
const listRecordSizeV0 = 128 + 8 + 8 + 8 + 1

func (r *ListRecord) Encode(b []byte) {
	c := cursor{b: b}
	c.putStr(r.FileName, constants.MaxFilenameLength+1)
	c.putI64(r.FileMtime)
	c.putI64(r.Size)
	c.putI64(r.PrevSize)
	var flags byte
	if r.Retrieved {
		flags |= lsRetrieved
	}
	if r.InList {
		flags |= lsInList
	}
	if r.GotDate {
		flags |= lsGotDate
	}
	c.putU8(flags)
}

func (r *ListRecord) Decode(b []byte) {
	c := cursor{b: b}
	c.str(&r.FileName, constants.MaxFilenameLength+1)
	c.i64(&r.FileMtime)
	c.i64(&r.Size)
	c.i64(&r.PrevSize)
	var flags byte
	c.u8(&flags)
	r.Retrieved = flags&lsRetrieved != 0
	r.InList = flags&lsInList != 0
	r.GotDate = flags&lsGotDate != 0
}

// ConvertLsData upgrades an old retrieve-list file body to the current
// layout. Only the version 0 record (shorter filename slot) is known.
func ConvertLsData(oldVersion byte, old []byte) ([]byte, error) {
	if oldVersion != 0 {
		return nil, fmt.Errorf("ConvertLsData: unknown retrieve-list version %d", oldVersion)
	}
	if len(old) < headerLength {
		return nil, fmt.Errorf("ConvertLsData: truncated header")
	}

	count := (len(old) - headerLength) / listRecordSizeV0
	fresh := make([]byte, headerLength+count*ListRecordSize)
	copy(fresh, old[:headerLength])

	for i := 0; i < count; i++ {
		src := old[headerLength+i*listRecordSizeV0 : headerLength+(i+1)*listRecordSizeV0]
		dst := fresh[headerLength+i*ListRecordSize : headerLength+(i+1)*ListRecordSize]

		// Filename slot widened; the numeric tail keeps its order.
		nameEnd := 0
		for nameEnd < 128 && src[nameEnd] != 0 {
			nameEnd++
		}
		copy(dst, src[:nameEnd])
		copy(dst[constants.MaxFilenameLength+1:], src[128:])
	}
	return fresh, nil
}

// AttachLsData opens (or upgrades) the retrieve list of one directory alias.
func AttachLsData(path string) (*Table, error) {
	return Attach(path, ListRecordSize, constants.CurrentLSVersion, ConvertLsData)
}
