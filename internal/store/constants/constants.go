package constants

import (
	"os"
	"path/filepath"
	"time"
)

// Limits shared by every component. The on-disk tables bake these into their
// record layouts, so changing one bumps the matching version byte below.
const (
	MaxFilenameLength  = 255
	MaxPathLength      = 1024
	MaxHostnameLength  = 64
	MaxDirAliasLength  = 32
	MaxRecipientLength = 256
	MaxOptionsLength   = 1024
	MaxBinMsgLength    = 256

	// Upper bound for unique numbers handed out per second; the dispatcher
	// counter wraps at this value.
	MaxMsgPerSec = 10000

	MaxNoOfDirChecks = 20
	MaxTimeEntries   = 8

	// Outgoing-queue backpressure. Scanning pauses once the queued job
	// directories cross StopAmgBoundary. The arithmetic is an empirical
	// threshold carried over from operations, subject to tuning.
	DangerNoOfJobs   = 4096
	StopAmgThreshold = 100
	DirsInFileDir    = 50
	StopAmgBoundary  = (DangerNoOfJobs * 2) - StopAmgThreshold - DirsInFileDir
)

// On-disk version bytes. A mismatch between these and a file header invokes
// the in-place conversion path.
const (
	CurrentJIDVersion byte = 3
	CurrentDNBVersion byte = 2
	CurrentFMDVersion byte = 2
	CurrentFRAVersion byte = 5
	CurrentFSAVersion byte = 5
	CurrentLSVersion  byte = 1

	TableHeaderLength = 16
)

// Fifo protocol bytes (controller <-> dir-check child).
const (
	CmdRescan byte = 'R'
	CmdStop   byte = 'S'
	CmdReload byte = 'C'

	Ackn        byte = 0x06
	BusyWorking byte = 0x16
)

// Timing.
const (
	JobTimeout         = 30 * time.Second
	DiskFullRescanTime = 20 * time.Second
	DirCheckInterval   = time.Second
)

// Log sign prefixes carried in every record channel.
const (
	DebugSign = "<D>"
	InfoSign  = "<I>"
	WarnSign  = "<W>"
	ErrorSign = "<E>"
	FatalSign = "<F>"
)

// Distribution types recorded in the distribution log.
const (
	NormalDisType         = 0
	TimeJobDisType        = 1
	AgeLimitDeleteDisType = 4
	DupcheckDisType       = 5
	ErrorDisType          = 6
)

// Delete-log reasons.
const (
	AgeInput           = "AGE_INPUT"
	InternalLinkFailed = "INTERNAL_LINK_FAILED"
	DupcheckDelete     = "DUPCHECK_DELETE"
	NoCollectTime      = "NO_COLLECT_TIME"
	DeleteOption       = "DELETE_OPTION"
)

// Link-or-copy behavior flags on an instant-db entry.
const (
	InSameFilesystem = 1 << iota
	AllFiles
	RenameOneJobOnly
	GoParallel
	SplitFileList
	DoNotLinkFiles
	DeleteAllFiles
	ExpandDir
)

// Pull-source pickup modes.
const (
	StupidModeOff = iota
	GetOnceOnly
	GetOnceNotExact
)

// Duplicate-check flag bits. Exactly one key bit and one hash bit are set
// when dupcheck is active.
const (
	DcFilenameOnly   = 1 << 0
	DcFileContent    = 1 << 1
	DcNameAndContent = 1 << 2
	DcCRC32          = 1 << 4
	DcCRC32C         = 1 << 5
	DcXXH3           = 1 << 6
	DcDelete         = 1 << 8
	DcWarn           = 1 << 9
)

// Host-status bits in an FSA entry.
const (
	HostPaused       = 1 << 0
	HostErrorOffline = 1 << 1
	DoNotDeleteData  = 1 << 2
)

// Relational bits for ignore_size / ignore_file_time. Three bits each for
// the size and time comparisons.
const (
	CmpLess    = 1 << 0
	CmpEqual   = 1 << 1
	CmpGreater = 1 << 2
)

// WorkDirEnv overrides the -w flag when set.
const WorkDirEnv = "AFD_WORK_DIR"

const DefaultWorkDir = "/var/lib/afd-plus"

// WorkDir resolves the shared-table root for the running process.
func WorkDir(flagValue string) string {
	if env := os.Getenv(WorkDirEnv); env != "" {
		return env
	}
	if flagValue != "" {
		return flagValue
	}
	return DefaultWorkDir
}

// Layout under the work dir. Every component derives paths through these so
// the tree stays consistent with what the transfer layer expects.
func FifoDir(work string) string     { return filepath.Join(work, "fifodir") }
func JIDFile(work string) string     { return filepath.Join(FifoDir(work), "jid_data") }
func DNBFile(work string) string     { return filepath.Join(FifoDir(work), "dir_name_data") }
func FMDFile(work string) string     { return filepath.Join(FifoDir(work), "file_mask_data") }
func FRAFile(work string) string     { return filepath.Join(FifoDir(work), "fra_data") }
func FSAFile(work string) string     { return filepath.Join(FifoDir(work), "fsa_data") }
func CounterFile(work string) string { return filepath.Join(FifoDir(work), "counter") }
func DupcheckDB(work string) string  { return filepath.Join(FifoDir(work), "dupcheck.db") }

func DcCmdFifo(work string) string  { return filepath.Join(FifoDir(work), "dc_cmd.fifo") }
func DcRespFifo(work string) string { return filepath.Join(FifoDir(work), "dc_resp.fifo") }
func MsgFifo(work string) string    { return filepath.Join(FifoDir(work), "msg.fifo") }

func EtcDir(work string) string         { return filepath.Join(work, "etc") }
func RenameRuleFile(work string) string { return filepath.Join(EtcDir(work), "rename.rule") }

func IncomingDir(work string) string { return filepath.Join(work, "files", "incoming") }
func LsDataDir(work string) string   { return filepath.Join(IncomingDir(work), "ls_data") }
func FiltersDir(work string) string  { return filepath.Join(IncomingDir(work), "filters") }
func PoolDir(work string) string     { return filepath.Join(IncomingDir(work), "pool") }
func MessageDir(work string) string  { return filepath.Join(work, "messages") }
func OutgoingDir(work string) string { return filepath.Join(work, "outgoing") }
func LogDir(work string) string      { return filepath.Join(work, "log") }
