package syslog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/afd-plus/afd-plus/internal/store/constants"
)

// Record channels with fixed line layouts. The monitoring side parses these,
// so the field order here must not change without a version note in the
// layout comment.
const (
	ReceiveChannel      = "receive"
	DeleteChannel       = "delete"
	DistributionChannel = "distribution"
)

// RecordLogger appends fixed-format records to one channel file under the
// work dir's log directory.
type RecordLogger struct {
	*os.File
	Path    string
	channel string

	sync.Mutex
}

var recordLoggers = xsync.NewMapOf[string, *RecordLogger]()

var recordDir = os.TempDir()

// SetRecordDir points the channel sinks at the work dir's log directory.
// Call before the first record is written.
func SetRecordDir(work string) {
	recordDir = constants.LogDir(work)
	_ = os.MkdirAll(recordDir, 0755)
}

// GetRecordLogger returns the sink for a channel, creating the file on first
// use. A nil return means the file could not be opened; callers drop the
// record rather than fail the operation that produced it.
func GetRecordLogger(channel string) *RecordLogger {
	logger, _ := recordLoggers.LoadOrCompute(channel, func() *RecordLogger {
		filePath := filepath.Join(recordDir, channel+".log")

		f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil
		}

		return &RecordLogger{
			File:    f,
			Path:    filePath,
			channel: channel,
		}
	})
	return logger
}

func (r *RecordLogger) writeLine(line string) {
	r.Lock()
	defer r.Unlock()

	if _, err := r.File.WriteString(line + "\n"); err != nil {
		L.Error(err).WithField("channel", r.channel).WithMessage("record write failed").Write()
	}
}

func (r *RecordLogger) Close() error {
	r.Lock()
	defer r.Unlock()

	recordLoggers.Delete(r.channel)
	return r.File.Close()
}

// ResetRecordLoggers closes all open channel sinks. Used by tests and on
// shutdown.
func ResetRecordLoggers() {
	recordLoggers.Range(func(_ string, r *RecordLogger) bool {
		if r != nil {
			_ = r.Close()
		}
		return true
	})
}

// DeleteRecord layout:
//
//	<unix-time> <dir-id-hex> <job-id-hex> <reason> <size> <file-name>
func DeleteRecord(dirID, jobID uint32, reason, fileName string, size int64) {
	if r := GetRecordLogger(DeleteChannel); r != nil {
		r.writeLine(fmt.Sprintf("%d %x %x %s %d %s",
			time.Now().Unix(), dirID, jobID, reason, size, fileName))
	}
}

// DistributionRecord layout:
//
//	<unix-time> <type> <dir-id-hex> <job-id-hex> <size> <file-name>
func DistributionRecord(disType int, dirID, jobID uint32, fileName string, size int64) {
	if r := GetRecordLogger(DistributionChannel); r != nil {
		r.writeLine(fmt.Sprintf("%d %d %x %x %d %s",
			time.Now().Unix(), disType, dirID, jobID, size, fileName))
	}
}

// ReceiveRecord layout:
//
//	<unix-time> <dir-id-hex> <file-count> <byte-count> <dir-alias>
func ReceiveRecord(dirID uint32, alias string, files int, bytes int64) {
	if r := GetRecordLogger(ReceiveChannel); r != nil {
		r.writeLine(fmt.Sprintf("%d %x %d %d %s",
			time.Now().Unix(), dirID, files, bytes, alias))
	}
}
