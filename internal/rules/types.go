//go:build linux

// Package rules compiles the textual DIR_CONFIG into the runtime tables: the
// in-memory instant-db and directory-entry arrays plus the on-disk JID, DNB
// and FMD records.
package rules

// Local-option bits on an instant-db entry. A set bit means the dispatcher
// must run the matching transformation before handoff.
const (
	OptRename = 1 << iota
	OptSrename
	OptExec
	OptTime
	OptTimezone
	OptAssemble
	OptExtract
	OptConvert
	OptChmod
	OptLchmod
	OptAddPrefix
	OptDelPrefix
	OptBasename
	OptExtension
	OptToUpper
	OptToLower
	OptDelete
	OptForceCopy
	OptGrib2WMO
	OptFax2GTS
	OptMail
	OptDupcheck
)

// Time-job collect modes.
const (
	SendCollectTime = iota
	SendNoCollectTime
)

// InstantJob is one compiled (dir, file-group, destination) triple: the unit
// the dispatcher works with.
type InstantJob struct {
	JobID       uint32
	DirID       uint32
	FileMaskID  uint32
	DirConfigID uint32

	Priority  byte
	Recipient string
	HostAlias string
	Protocol  uint32

	FraPos int
	FsaPos int

	FileMasks        []string
	AdditionalLocked string

	LocalOptions uint32
	OptionLines  []string
	AgeLimit     uint32
	Lfs          uint32

	TimeEntries []string
	TimeMode    int
	Timezone    string

	DupcheckFlag    uint32
	DupcheckTimeout int64
}

// FileGroup attaches one compiled mask list to the jobs it feeds.
type FileGroup struct {
	FileMaskID       uint32
	Masks            []string
	AdditionalLocked string
	JobIndexes       []int
}

// DirOptions are the per-directory scan options from a [dir options] block.
type DirOptions struct {
	Remove            bool
	StupidMode        uint32
	AcceptDotFiles    bool
	DoNotGetDirList   bool
	Mirror            bool
	Accumulate        bool
	IgnoreSize        int64
	IgnoreSizeCmp     uint32
	IgnoreFileTime    int64
	IgnoreFileTimeCmp uint32
	MaxCopiedFiles    uint32
	MaxCopiedFileSize int64
	WaitForFilename   string
	Timezone          string
	DupcheckFlag      uint32
	DupcheckTimeout   int64
}

// DirectoryEntry is one managed source directory with its file groups.
type DirectoryEntry struct {
	Alias       string
	Dir         string
	DirID       uint32
	DirConfigID uint32
	Protocol    uint32
	FraPos      int
	Options     DirOptions
	TimeEntries []string
	FileGroups  []FileGroup
}

// ParseError rejects one rule; the compiler continues with the next.
type ParseError struct {
	File   string
	Line   int
	Reason string
}

// Result is the outcome of one compile: the runtime arrays and the per-rule
// error summary.
type Result struct {
	Jobs   []InstantJob
	Dirs   []DirectoryEntry
	Errors []ParseError
}
