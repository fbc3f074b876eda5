// Package bulletin implements the WMO bulletin codecs: length framing,
// concatenation (assemble), splitting (extract and the tag-based chopper)
// and the header converters.
package bulletin

import (
	"encoding/binary"
	"fmt"

	"github.com/afd-plus/afd-plus/internal/syslog"
)

// Framing control characters.
const (
	SOH = 0x01
	ETX = 0x03
)

// FrameType selects the length indicator written before each bulletin.
type FrameType int

const (
	TwoByteVAX FrameType = iota // 2-byte length, little endian
	FourByteLBF                 // 4-byte length, little endian
	FourByteHBF                 // 4-byte length, big endian
	FourByteMSS                 // 0xFA + 3-byte length, big endian
	FourByteDWD                 // 4-byte length big endian, 4 zero bytes at file start and end
	WMOStandard                 // 8 ASCII digits + "00" + SOH/ETX flag
	ASCIIStandard               // no length, bulletin framed by SOH/ETX only
	WMOWithDummy                // WMOStandard with a terminating zero-length frame
)

// ParseFrameType maps an assemble/extract option argument onto a FrameType.
func ParseFrameType(name string) (FrameType, error) {
	switch name {
	case "VAX":
		return TwoByteVAX, nil
	case "LBF":
		return FourByteLBF, nil
	case "HBF":
		return FourByteHBF, nil
	case "MSS":
		return FourByteMSS, nil
	case "DWD":
		return FourByteDWD, nil
	case "WMO":
		return WMOStandard, nil
	case "WMO+DUMMY":
		return WMOWithDummy, nil
	case "ASCII":
		return ASCIIStandard, nil
	}
	return 0, fmt.Errorf("ParseFrameType: unknown frame type %q", name)
}

// wmoMaxLength is the largest value the 8-digit WMO indicator can carry.
// Larger bulletins write the clamped value and a WARN record.
const wmoMaxLength = 99_999_999

// wmoHeaderExtra is the part of the WMO length indicator counted inside the
// indicated length (the 8 digits plus the 2-byte type).
const wmoHeaderExtra = 10

// encodeFrame returns the length indicator for a bulletin body of n bytes.
// sohEtx says whether the body carries its own SOH/ETX envelope.
func encodeFrame(typ FrameType, n int, sohEtx bool) []byte {
	switch typ {
	case TwoByteVAX:
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(n))
		return b[:]
	case FourByteLBF:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(n))
		return b[:]
	case FourByteHBF, FourByteDWD:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(n))
		return b[:]
	case FourByteMSS:
		var b [4]byte
		b[0] = 0xFA
		b[1] = byte(n >> 16)
		b[2] = byte(n >> 8)
		b[3] = byte(n)
		return b[:]
	case WMOStandard, WMOWithDummy:
		length := n + wmoHeaderExtra
		if length > wmoMaxLength {
			syslog.L.Warn().WithField("length", length).
				WithMessage("bulletin exceeds WMO length indicator, clamped").Write()
			length = wmoMaxLength
		}
		flag := byte('1')
		if sohEtx {
			flag = '0'
		}
		return []byte(fmt.Sprintf("%08d00%c", length, flag))
	default:
		return nil
	}
}

// wmoDummyFrame terminates a WMO+DUMMY stream.
var wmoDummyFrame = []byte("00000000000")

// decodeFrame reads one length indicator from the head of data. It returns
// the body length and the number of indicator bytes consumed. A zero body
// with zero indicated length marks the WMO dummy terminator.
func decodeFrame(typ FrameType, data []byte) (bodyLen, indLen int, err error) {
	switch typ {
	case TwoByteVAX:
		if len(data) < 2 {
			return 0, 0, fmt.Errorf("decodeFrame: short VAX indicator")
		}
		return int(binary.LittleEndian.Uint16(data)), 2, nil
	case FourByteLBF:
		if len(data) < 4 {
			return 0, 0, fmt.Errorf("decodeFrame: short LBF indicator")
		}
		return int(binary.LittleEndian.Uint32(data)), 4, nil
	case FourByteHBF, FourByteDWD:
		if len(data) < 4 {
			return 0, 0, fmt.Errorf("decodeFrame: short HBF indicator")
		}
		return int(binary.BigEndian.Uint32(data)), 4, nil
	case FourByteMSS:
		if len(data) < 4 {
			return 0, 0, fmt.Errorf("decodeFrame: short MSS indicator")
		}
		if data[0] != 0xFA {
			return 0, 0, fmt.Errorf("decodeFrame: bad MSS marker %#x", data[0])
		}
		return int(data[1])<<16 | int(data[2])<<8 | int(data[3]), 4, nil
	case WMOStandard, WMOWithDummy:
		if len(data) < 11 {
			return 0, 0, fmt.Errorf("decodeFrame: short WMO indicator")
		}
		length := 0
		for _, c := range data[:8] {
			if c < '0' || c > '9' {
				return 0, 0, fmt.Errorf("decodeFrame: non-digit %q in WMO indicator", c)
			}
			length = length*10 + int(c-'0')
		}
		if length == 0 {
			return 0, 11, nil
		}
		if length < wmoHeaderExtra {
			return 0, 0, fmt.Errorf("decodeFrame: WMO length %d below indicator size", length)
		}
		return length - wmoHeaderExtra, 11, nil
	default:
		return 0, 0, fmt.Errorf("decodeFrame: type %d carries no indicator", typ)
	}
}
