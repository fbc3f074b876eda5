package bulletin

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/afd-plus/afd-plus/internal/store/counter"
	"github.com/afd-plus/afd-plus/internal/syslog"
)

var chopperTags = [][]byte{[]byte("GRIB"), []byte("BUFR"), []byte("BLOK")}

var gribEnd = []byte("7777")

// ChopperOptions control bin_file_chopper output naming.
type ChopperOptions struct {
	// Origin is the middle token of the default output name.
	Origin string
	// WMOHeaderFileName names outputs by the WMO header derived from the
	// GRIB contents instead of the tag/origin/timestamp rule.
	WMOHeaderFileName bool
	// Counter provides the trailing hex counter of the default name.
	Counter *counter.Counter
}

// BinFileChopper splits one framed file into one file per bulletin, written
// next to destDir with the source file's mode bits. The source file is
// removed when every bulletin was written. Bulletins whose indicated length
// exceeds the remaining bytes are skipped (one DEBUG record) and scanning
// resumes at the next tag. A write failure removes the partial output and
// aborts the whole file.
func BinFileChopper(srcPath, destDir string, opts ChopperOptions) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("BinFileChopper: error reading %s -> %w", srcPath, err)
	}
	fi, err := os.Stat(srcPath)
	if err != nil {
		return fmt.Errorf("BinFileChopper: error stating %s -> %w", srcPath, err)
	}
	mode := fi.Mode().Perm()

	loggedShort := false
	pos := 0
	for {
		tagPos, tag := nextTag(data, pos)
		if tagPos < 0 {
			break
		}

		msg, advance, ok := cutBulletin(data, tagPos, tag)
		if !ok {
			if !loggedShort {
				syslog.L.Debug().WithField("file", srcPath).
					WithMessage("bulletin length exceeds remaining bytes, skipping").Write()
				loggedShort = true
			}
			pos = tagPos + len(tag)
			continue
		}

		name, err := outputName(msg, tag, destDir, opts)
		if err != nil {
			return err
		}
		if err := os.WriteFile(name, msg, mode); err != nil {
			_ = os.Remove(name)
			return fmt.Errorf("BinFileChopper: error writing %s -> %w", name, err)
		}

		pos = tagPos + advance
	}

	if err := os.Remove(srcPath); err != nil {
		return fmt.Errorf("BinFileChopper: error removing %s -> %w", srcPath, err)
	}
	return nil
}

func nextTag(data []byte, pos int) (int, []byte) {
	best := -1
	var bestTag []byte
	for _, tag := range chopperTags {
		if idx := bytes.Index(data[pos:], tag); idx >= 0 {
			if best < 0 || pos+idx < best {
				best = pos + idx
				bestTag = tag
			}
		}
	}
	return best, bestTag
}

// cutBulletin determines the bulletin starting at the tag and how far the
// read pointer advances. When a message length was decoded the advance is
// the length rounded up to a 4-byte boundary; the searched GRIB edition 0
// path advances by the exact length including the end marker.
func cutBulletin(data []byte, tagPos int, tag []byte) (msg []byte, advance int, ok bool) {
	rest := data[tagPos:]

	if bytes.Equal(tag, []byte("GRIB")) {
		if len(rest) < 8 {
			return nil, 0, false
		}
		edition := rest[7]
		switch {
		case edition >= 2:
			if len(rest) < 16 {
				return nil, 0, false
			}
			length := int(binary.BigEndian.Uint64(rest[8:16]))
			if length <= 0 || length > len(rest) {
				return nil, 0, false
			}
			return rest[:length], aligned4(length), true
		case edition == 0:
			idx := bytes.Index(rest, gribEnd)
			if idx < 0 {
				return nil, 0, false
			}
			length := idx + len(gribEnd)
			return rest[:length], length, true
		default:
			return cutMessageLength24(rest)
		}
	}
	return cutMessageLength24(rest)
}

// cutMessageLength24 handles GRIB edition 1, BUFR and BLOK: a 3-byte big
// endian length directly after the tag, with the 7777 trailer expected at
// the computed end.
func cutMessageLength24(rest []byte) (msg []byte, advance int, ok bool) {
	if len(rest) < 7 {
		return nil, 0, false
	}
	length := int(rest[4])<<16 | int(rest[5])<<8 | int(rest[6])
	if length <= 0 || length > len(rest) {
		return nil, 0, false
	}
	if length < len(gribEnd) || !bytes.Equal(rest[length-len(gribEnd):length], gribEnd) {
		return nil, 0, false
	}
	return rest[:length], aligned4(length), true
}

func aligned4(n int) int {
	return (n + 3) &^ 3
}

func outputName(msg, tag []byte, destDir string, opts ChopperOptions) (string, error) {
	var base string
	if opts.WMOHeaderFileName {
		base = wmoHeaderFromGrib(msg, opts.Origin)
	} else {
		var cnt uint32
		if opts.Counter != nil {
			var err error
			cnt, err = opts.Counter.Next(0xFFFFFF)
			if err != nil {
				return "", err
			}
		}
		base = fmt.Sprintf("%s_%s_%s_%x",
			tag, opts.Origin, time.Now().Format("20060102150405"), cnt)
	}

	name := filepath.Join(destDir, base)
	for i := 0; ; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s;%d", name, i-1)
		}
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
}

// wmoHeaderFromGrib derives an abbreviated WMO heading file name from a GRIB
// bulletin. The reference time comes from the product definition section
// when it is readable, otherwise the wall clock.
func wmoHeaderFromGrib(msg []byte, origin string) string {
	day, hour, minute := refTime(msg)
	return fmt.Sprintf("%s_%s_%02d%02d%02d", "GRIB", origin, day, hour, minute)
}

func refTime(msg []byte) (day, hour, minute int) {
	// GRIB edition 1: PDS starts at octet 8; day/hour/minute sit at PDS
	// octets 12-14.
	if len(msg) >= 8 && msg[7] == 1 && len(msg) >= 8+14 {
		pds := msg[8:]
		return int(pds[11]), int(pds[12]), int(pds[13])
	}
	now := time.Now().UTC()
	return now.Day(), now.Hour(), now.Minute()
}
