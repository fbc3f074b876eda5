//go:build linux

package rules

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"
	"strings"

	"github.com/afd-plus/afd-plus/internal/syslog"
)

// idRegistry hands out CRC-32 ids and resolves collisions deterministically:
// when two different inputs hash to the same id, a disambiguator byte is
// appended to the later input until the id is free. Compiles process rules
// in input order, so identical inputs always resolve identically.
type idRegistry struct {
	kind string
	seen map[uint32]string
}

func newIDRegistry(kind string) *idRegistry {
	return &idRegistry{kind: kind, seen: make(map[uint32]string)}
}

func (r *idRegistry) id(input string) uint32 {
	for {
		id := crc32.ChecksumIEEE([]byte(input))
		prev, ok := r.seen[id]
		if !ok {
			r.seen[id] = input
			return id
		}
		if prev == input {
			return id
		}
		syslog.L.Warn().
			WithField("kind", r.kind).
			WithField("id", fmt.Sprintf("%x", id)).
			WithMessage("CRC-32 collision, appending disambiguator").Write()
		input += "\x00"
	}
}

// dirID derives the id of a canonical directory path.
func (c *compilation) dirID(canonicalPath string) uint32 {
	return c.dirIDs.id(canonicalPath)
}

// fileMaskID derives the id of a mask list: CRC-32 over the sorted unique
// masks plus the additional-locked-file prefix.
func (c *compilation) fileMaskID(masks []string, additionalLocked string) uint32 {
	uniq := make([]string, 0, len(masks))
	seen := make(map[string]struct{}, len(masks))
	for _, m := range masks {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		uniq = append(uniq, m)
	}
	sort.Strings(uniq)

	var sb strings.Builder
	for _, m := range uniq {
		sb.WriteString(m)
		sb.WriteByte(0)
	}
	sb.WriteString(additionalLocked)
	return c.maskIDs.id(sb.String())
}

// jobID derives the id of one compiled job from its salient fields.
func (c *compilation) jobID(priority byte, dirID uint32, recipient string, fileMaskID uint32, hostAlias, optionsBlob string) uint32 {
	var sb strings.Builder
	sb.WriteByte(priority)
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], dirID)
	sb.Write(n[:])
	sb.WriteString(recipient)
	binary.LittleEndian.PutUint32(n[:], fileMaskID)
	sb.Write(n[:])
	sb.WriteString(hostAlias)
	sb.WriteString(optionsBlob)
	return c.jobIDs.id(sb.String())
}
