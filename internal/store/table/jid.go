//go:build linux

package table

import (
	"github.com/afd-plus/afd-plus/internal/store/constants"
)

// JobRecord is one immutable compiled job (a JID entry). Two records with
// identical salient fields always carry the same JobID.
type JobRecord struct {
	JobID        uint32
	DirID        uint32
	FileMaskID   uint32
	DirConfigID  uint32
	Priority     byte // '0'..'9'
	LocalOptions uint32
	AgeLimit     uint32
	HostAlias    string
	Recipient    string
	Options      string // newline-joined local option lines
}

const JIDRecordSize = 4 + 4 + 4 + 4 + // ids
	1 + 3 + // priority + pad
	4 + 4 + // local options, age limit
	(constants.MaxHostnameLength + 1) +
	(constants.MaxRecipientLength + 1) +
	(constants.MaxOptionsLength + 1)

func (r *JobRecord) Encode(b []byte) {
	c := cursor{b: b}
	c.putU32(r.JobID)
	c.putU32(r.DirID)
	c.putU32(r.FileMaskID)
	c.putU32(r.DirConfigID)
	c.putU8(r.Priority)
	c.putU8(0)
	c.putU8(0)
	c.putU8(0)
	c.putU32(r.LocalOptions)
	c.putU32(r.AgeLimit)
	c.putStr(r.HostAlias, constants.MaxHostnameLength+1)
	c.putStr(r.Recipient, constants.MaxRecipientLength+1)
	c.putStr(r.Options, constants.MaxOptionsLength+1)
}

func (r *JobRecord) Decode(b []byte) {
	var pad byte
	c := cursor{b: b}
	c.u32(&r.JobID)
	c.u32(&r.DirID)
	c.u32(&r.FileMaskID)
	c.u32(&r.DirConfigID)
	c.u8(&r.Priority)
	c.u8(&pad)
	c.u8(&pad)
	c.u8(&pad)
	c.u32(&r.LocalOptions)
	c.u32(&r.AgeLimit)
	c.str(&r.HostAlias, constants.MaxHostnameLength+1)
	c.str(&r.Recipient, constants.MaxRecipientLength+1)
	c.str(&r.Options, constants.MaxOptionsLength+1)
}

// AttachJID opens the job-id-data table.
func AttachJID(path string) (*Table, error) {
	return Attach(path, JIDRecordSize, constants.CurrentJIDVersion, nil)
}
