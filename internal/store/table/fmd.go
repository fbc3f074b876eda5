//go:build linux

package table

import (
	"strings"

	"github.com/afd-plus/afd-plus/internal/store/constants"
)

// fmdBlobSize bounds the concatenated NUL-terminated mask list of one file
// group.
const fmdBlobSize = 2048

// FileMaskRecord holds one compiled file-mask list. The blob on disk is the
// additional-locked-file prefix followed by each mask, all NUL terminated.
type FileMaskRecord struct {
	FileMaskID        uint32
	AdditionalLocked  string
	Masks             []string
}

const FMDRecordSize = 4 + 4 + 4 + fmdBlobSize

func (r *FileMaskRecord) Encode(b []byte) {
	var blob strings.Builder
	blob.WriteString(r.AdditionalLocked)
	blob.WriteByte(0)
	for _, m := range r.Masks {
		blob.WriteString(m)
		blob.WriteByte(0)
	}

	c := cursor{b: b}
	c.putU32(r.FileMaskID)
	c.putU32(uint32(len(r.Masks)))
	c.putU32(uint32(blob.Len()))
	c.putBytes([]byte(blob.String()), fmdBlobSize)
}

func (r *FileMaskRecord) Decode(b []byte) {
	var noOfMasks, blobLen uint32
	var blob []byte

	c := cursor{b: b}
	c.u32(&r.FileMaskID)
	c.u32(&noOfMasks)
	c.u32(&blobLen)
	c.bytes(&blob, fmdBlobSize)

	if int(blobLen) < len(blob) {
		blob = blob[:blobLen]
	}
	parts := strings.Split(strings.TrimSuffix(string(blob), "\x00"), "\x00")
	r.Masks = r.Masks[:0]
	if len(parts) > 0 {
		r.AdditionalLocked = parts[0]
		parts = parts[1:]
	}
	for i, p := range parts {
		if i >= int(noOfMasks) {
			break
		}
		r.Masks = append(r.Masks, p)
	}
}

// AttachFMD opens the file-mask database.
func AttachFMD(path string) (*Table, error) {
	return Attach(path, FMDRecordSize, constants.CurrentFMDVersion, nil)
}
