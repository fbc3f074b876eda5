package bulletin

import (
	"bytes"
	"fmt"
	"io"
)

// BinFileConvert reads a DWD stream (four zero lead bytes) or a bare tag
// stream and writes every bulletin WMO_STANDARD framed to w. It returns the
// total bytes written.
func BinFileConvert(data []byte, w io.Writer) (int64, error) {
	var bulletins [][]byte

	if len(data) >= 4 && bytes.Equal(data[:4], []byte{0, 0, 0, 0}) {
		var err error
		bulletins, err = Extract(data, FourByteDWD)
		if err != nil {
			return 0, fmt.Errorf("BinFileConvert: error splitting DWD stream -> %w", err)
		}
	} else {
		pos := 0
		for {
			tagPos, tag := nextTag(data, pos)
			if tagPos < 0 {
				break
			}
			msg, advance, ok := cutBulletin(data, tagPos, tag)
			if !ok {
				pos = tagPos + len(tag)
				continue
			}
			bulletins = append(bulletins, msg)
			pos = tagPos + advance
		}
	}

	var total int64
	for _, body := range bulletins {
		sohEtx := len(body) > 0 && body[0] == SOH
		n, err := w.Write(encodeFrame(WMOStandard, len(body), sohEtx))
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("BinFileConvert: error writing indicator -> %w", err)
		}
		n, err = w.Write(body)
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("BinFileConvert: error writing bulletin -> %w", err)
		}
	}
	return total, nil
}

// ConvertText applies one of the `convert` option transformations to a
// bulletin buffer.
func ConvertText(name string, data []byte) ([]byte, error) {
	switch name {
	case "unix2dos":
		return replaceLineEnds(data, "\n", "\r\n"), nil
	case "dos2unix":
		return replaceLineEnds(data, "\r\n", "\n"), nil
	case "lf2crcrlf":
		return replaceLineEnds(data, "\n", "\r\r\n"), nil
	case "crcrlf2lf":
		return bytes.ReplaceAll(data, []byte("\r\r\n"), []byte("\n")), nil
	case "iso8859_2ascii":
		return iso8859ToASCII(data), nil
	case "sohetx", "mrz2wmo":
		return ensureEnvelope(data), nil
	case "wmo", "sohetxwmo", "sohetx2wmo0":
		body := ensureEnvelope(data)
		out := encodeFrame(WMOStandard, len(body), true)
		return append(out, body...), nil
	case "sohetx2wmo1":
		body := stripEnvelope(data)
		out := encodeFrame(WMOStandard, len(body), false)
		return append(out, body...), nil
	}
	return nil, fmt.Errorf("ConvertText: unknown conversion %q", name)
}

func ensureEnvelope(data []byte) []byte {
	if len(data) > 0 && data[0] == SOH {
		return data
	}
	out := make([]byte, 0, len(data)+2)
	out = append(out, SOH)
	out = append(out, data...)
	return append(out, ETX)
}

func stripEnvelope(data []byte) []byte {
	if len(data) >= 2 && data[0] == SOH && data[len(data)-1] == ETX {
		return data[1 : len(data)-1]
	}
	return data
}

// replaceLineEnds rewrites from to to without touching line ends already in
// the target form.
func replaceLineEnds(data []byte, from, to string) []byte {
	normalized := bytes.ReplaceAll(data, []byte(to), []byte(from))
	return bytes.ReplaceAll(normalized, []byte(from), []byte(to))
}

// iso8859ToASCII maps the Latin-1 range onto 7-bit approximations; bytes
// without one become '?'.
func iso8859ToASCII(data []byte) []byte {
	out := make([]byte, len(data))
	for i, c := range data {
		switch {
		case c < 0x80:
			out[i] = c
		case c >= 0xC0 && c <= 0xC5:
			out[i] = 'A'
		case c == 0xC7:
			out[i] = 'C'
		case c >= 0xC8 && c <= 0xCB:
			out[i] = 'E'
		case c >= 0xCC && c <= 0xCF:
			out[i] = 'I'
		case c == 0xD1:
			out[i] = 'N'
		case c >= 0xD2 && c <= 0xD6:
			out[i] = 'O'
		case c >= 0xD9 && c <= 0xDC:
			out[i] = 'U'
		case c == 0xDF:
			out[i] = 's'
		case c >= 0xE0 && c <= 0xE5:
			out[i] = 'a'
		case c == 0xE7:
			out[i] = 'c'
		case c >= 0xE8 && c <= 0xEB:
			out[i] = 'e'
		case c >= 0xEC && c <= 0xEF:
			out[i] = 'i'
		case c == 0xF1:
			out[i] = 'n'
		case c >= 0xF2 && c <= 0xF6:
			out[i] = 'o'
		case c >= 0xF9 && c <= 0xFC:
			out[i] = 'u'
		default:
			out[i] = '?'
		}
	}
	return out
}
