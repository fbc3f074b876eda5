//go:build linux

package table

import (
	"github.com/afd-plus/afd-plus/internal/store/constants"
)

// Protocol bits in a HostRecord.
const (
	ProtoBitFTP = 1 << iota
	ProtoBitSFTP
	ProtoBitSMTP
	ProtoBitHTTP
	ProtoBitSCP
	ProtoBitWMO
	ProtoBitLocal
)

// HostRecord is one FSA entry: the transfer status of a logical destination
// host. The compiler creates entries when a host is first referenced; the
// transfer workers own the connection-state fields.
type HostRecord struct {
	Alias             string
	RealHostname      [2]string // active/standby pair for toggling hosts
	HostToggle        byte      // index into RealHostname
	Protocols         uint32
	ConnectState      uint32
	ErrorCounter      uint32
	HostStatus        uint32
	AllowedTransfers  uint32
	ActiveTransfers   uint32
	SocketSendBufSize uint32
	SocketRecvBufSize uint32
	TotalFileCounter  uint32
	TotalFileSize     int64
}

const FSARecordSize = (constants.MaxHostnameLength + 1) +
	2*(constants.MaxHostnameLength+1) +
	1 + 3 + // toggle + pad
	4 + 4 + 4 + 4 + // protocols, connect state, error counter, host status
	4 + 4 + // allowed/active transfers
	4 + 4 + // socket buffers
	4 + 8 // total file counter, total file size

func (r *HostRecord) Encode(b []byte) {
	c := cursor{b: b}
	c.putStr(r.Alias, constants.MaxHostnameLength+1)
	c.putStr(r.RealHostname[0], constants.MaxHostnameLength+1)
	c.putStr(r.RealHostname[1], constants.MaxHostnameLength+1)
	c.putU8(r.HostToggle)
	c.putU8(0)
	c.putU8(0)
	c.putU8(0)
	c.putU32(r.Protocols)
	c.putU32(r.ConnectState)
	c.putU32(r.ErrorCounter)
	c.putU32(r.HostStatus)
	c.putU32(r.AllowedTransfers)
	c.putU32(r.ActiveTransfers)
	c.putU32(r.SocketSendBufSize)
	c.putU32(r.SocketRecvBufSize)
	c.putU32(r.TotalFileCounter)
	c.putI64(r.TotalFileSize)
}

func (r *HostRecord) Decode(b []byte) {
	var pad byte
	c := cursor{b: b}
	c.str(&r.Alias, constants.MaxHostnameLength+1)
	c.str(&r.RealHostname[0], constants.MaxHostnameLength+1)
	c.str(&r.RealHostname[1], constants.MaxHostnameLength+1)
	c.u8(&r.HostToggle)
	c.u8(&pad)
	c.u8(&pad)
	c.u8(&pad)
	c.u32(&r.Protocols)
	c.u32(&r.ConnectState)
	c.u32(&r.ErrorCounter)
	c.u32(&r.HostStatus)
	c.u32(&r.AllowedTransfers)
	c.u32(&r.ActiveTransfers)
	c.u32(&r.SocketSendBufSize)
	c.u32(&r.SocketRecvBufSize)
	c.u32(&r.TotalFileCounter)
	c.i64(&r.TotalFileSize)
}

// AttachFSA opens the file-transfer-status table.
func AttachFSA(path string) (*Table, error) {
	return Attach(path, FSARecordSize, constants.CurrentFSAVersion, nil)
}

// FindHost returns the position of alias in the FSA, or -1.
func FindHost(t *Table, alias string) int {
	for i := 0; i < t.Count(); i++ {
		b, err := t.Record(i)
		if err != nil {
			return -1
		}
		var rec HostRecord
		rec.Decode(b)
		if rec.Alias == alias {
			return i
		}
	}
	return -1
}
