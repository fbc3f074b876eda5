//go:build linux

package table

import (
	"github.com/afd-plus/afd-plus/internal/store/constants"
)

// Protocols a managed directory can be listed with. Local is a push source
// (plain readdir); everything else pulls through the external transfer
// layer's listers.
const (
	ProtoLocal = iota
	ProtoFTP
	ProtoSFTP
	ProtoHTTP
)

// FRA flag bits (scan options).
const (
	FraRemove = 1 << iota
	FraAcceptDotFiles
	FraDoNotGetDirList
	FraMirror
	FraAccumulate
	FraIgnoreSize
	FraIgnoreFileTime
	FraDisabled
)

// RetrieveRecord is one FRA entry: the scan configuration of one managed
// source directory.
type RetrieveRecord struct {
	Alias             string
	URL               string // filesystem path or pull URL
	DirID             uint32
	Protocol          uint32
	Flags             uint32
	StupidMode        uint32
	IgnoreSize        int64
	IgnoreSizeCmp     uint32 // CmpLess/CmpEqual/CmpGreater bits
	IgnoreFileTime    int64
	IgnoreFileTimeCmp uint32
	MaxCopiedFiles    uint32
	MaxCopiedFileSize int64
	DupcheckFlag      uint32
	DupcheckTimeout   int64
	WaitForFilename   string
	Timezone          string
	TimeEntries       []string // cron expressions, up to MaxTimeEntries
}

const fraTimeEntryLen = 64

const FRARecordSize = (constants.MaxDirAliasLength + 1) +
	(constants.MaxPathLength + 1) +
	4 + 4 + 4 + 4 + // dir id, protocol, flags, stupid mode
	8 + 4 + // ignore size + cmp
	8 + 4 + // ignore file time + cmp
	4 + 8 + // max copied files, max copied file size
	4 + 8 + // dupcheck flag, dupcheck timeout
	(constants.MaxFilenameLength + 1) +
	64 + // timezone
	4 + constants.MaxTimeEntries*fraTimeEntryLen

func (r *RetrieveRecord) Encode(b []byte) {
	c := cursor{b: b}
	c.putStr(r.Alias, constants.MaxDirAliasLength+1)
	c.putStr(r.URL, constants.MaxPathLength+1)
	c.putU32(r.DirID)
	c.putU32(r.Protocol)
	c.putU32(r.Flags)
	c.putU32(r.StupidMode)
	c.putI64(r.IgnoreSize)
	c.putU32(r.IgnoreSizeCmp)
	c.putI64(r.IgnoreFileTime)
	c.putU32(r.IgnoreFileTimeCmp)
	c.putU32(r.MaxCopiedFiles)
	c.putI64(r.MaxCopiedFileSize)
	c.putU32(r.DupcheckFlag)
	c.putI64(r.DupcheckTimeout)
	c.putStr(r.WaitForFilename, constants.MaxFilenameLength+1)
	c.putStr(r.Timezone, 64)
	n := len(r.TimeEntries)
	if n > constants.MaxTimeEntries {
		n = constants.MaxTimeEntries
	}
	c.putU32(uint32(n))
	for i := 0; i < constants.MaxTimeEntries; i++ {
		if i < n {
			c.putStr(r.TimeEntries[i], fraTimeEntryLen)
		} else {
			c.putStr("", fraTimeEntryLen)
		}
	}
}

func (r *RetrieveRecord) Decode(b []byte) {
	c := cursor{b: b}
	c.str(&r.Alias, constants.MaxDirAliasLength+1)
	c.str(&r.URL, constants.MaxPathLength+1)
	c.u32(&r.DirID)
	c.u32(&r.Protocol)
	c.u32(&r.Flags)
	c.u32(&r.StupidMode)
	c.i64(&r.IgnoreSize)
	c.u32(&r.IgnoreSizeCmp)
	c.i64(&r.IgnoreFileTime)
	c.u32(&r.IgnoreFileTimeCmp)
	c.u32(&r.MaxCopiedFiles)
	c.i64(&r.MaxCopiedFileSize)
	c.u32(&r.DupcheckFlag)
	c.i64(&r.DupcheckTimeout)
	c.str(&r.WaitForFilename, constants.MaxFilenameLength+1)
	c.str(&r.Timezone, 64)
	var n uint32
	c.u32(&n)
	r.TimeEntries = r.TimeEntries[:0]
	for i := 0; i < constants.MaxTimeEntries; i++ {
		var s string
		c.str(&s, fraTimeEntryLen)
		if i < int(n) && s != "" {
			r.TimeEntries = append(r.TimeEntries, s)
		}
	}
}

// AttachFRA opens the file-retrieve-status table.
func AttachFRA(path string) (*Table, error) {
	return Attach(path, FRARecordSize, constants.CurrentFRAVersion, nil)
}
