package bulletin

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

// Assemble concatenates bulletin bodies into one framed buffer. Bodies keep
// their input order and are wrapped verbatim even when they lack SOH/ETX
// delimiters. nnn, when non-negative, is the starting value of the 3-digit
// counter inserted between SOH and the header's CRCRLF.
func Assemble(bulletins [][]byte, typ FrameType, nnn int) ([]byte, error) {
	var out bytes.Buffer

	if typ == FourByteDWD {
		out.Write([]byte{0, 0, 0, 0})
	}

	for _, body := range bulletins {
		if nnn >= 0 {
			body = insertNNN(body, nnn%1000)
			nnn++
		}

		sohEtx := len(body) > 0 && body[0] == SOH
		switch typ {
		case ASCIIStandard:
			if sohEtx {
				out.Write(body)
			} else {
				out.WriteByte(SOH)
				out.Write(body)
				out.WriteByte(ETX)
			}
		default:
			out.Write(encodeFrame(typ, len(body), sohEtx))
			out.Write(body)
		}
	}

	switch typ {
	case FourByteDWD:
		out.Write([]byte{0, 0, 0, 0})
	case WMOWithDummy:
		out.Write(wmoDummyFrame)
	}
	return out.Bytes(), nil
}

// insertNNN places a 3-digit counter between SOH and the CRCRLF of the
// bulletin header. Bodies without that shape pass through unchanged.
func insertNNN(body []byte, nnn int) []byte {
	if len(body) < 4 || body[0] != SOH || !bytes.HasPrefix(body[1:], []byte("\r\r\n")) {
		return body
	}
	out := make([]byte, 0, len(body)+3)
	out = append(out, SOH)
	out = append(out, fmt.Sprintf("%03d", nnn)...)
	out = append(out, body[1:]...)
	return out
}

// AssembleFiles reads each input file as one bulletin and writes the framed
// result to output. The data lands in a working file first and is renamed to
// the final name only after every input has been processed, so a disk-full
// mid-append never leaves a half result under the final name.
func AssembleFiles(inputs []string, output string, typ FrameType, nnn int) error {
	bulletins := make([][]byte, 0, len(inputs))
	for _, in := range inputs {
		body, err := os.ReadFile(in)
		if err != nil {
			return fmt.Errorf("AssembleFiles: error reading %s -> %w", in, err)
		}
		bulletins = append(bulletins, body)
	}

	framed, err := Assemble(bulletins, typ, nnn)
	if err != nil {
		return err
	}

	tmp := filepath.Join(filepath.Dir(output), "."+filepath.Base(output)+".assembling")
	if err := os.WriteFile(tmp, framed, 0644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("AssembleFiles: error writing %s -> %w", tmp, err)
	}
	if err := os.Rename(tmp, output); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("AssembleFiles: error renaming to %s -> %w", output, err)
	}
	return nil
}

// Extract splits a framed buffer back into its bulletin bodies, the inverse
// of Assemble for every frame type. For ASCIIStandard the SOH/ETX envelope
// delimits each bulletin and stays part of the body.
func Extract(data []byte, typ FrameType) ([][]byte, error) {
	var out [][]byte

	if typ == FourByteDWD {
		if len(data) < 8 || !bytes.Equal(data[:4], []byte{0, 0, 0, 0}) {
			return nil, fmt.Errorf("Extract: missing DWD leader")
		}
		data = data[4:]
		if bytes.Equal(data[len(data)-4:], []byte{0, 0, 0, 0}) {
			data = data[:len(data)-4]
		}
	}

	if typ == ASCIIStandard {
		for len(data) > 0 {
			start := bytes.IndexByte(data, SOH)
			if start < 0 {
				break
			}
			end := bytes.IndexByte(data[start:], ETX)
			if end < 0 {
				return nil, fmt.Errorf("Extract: bulletin without ETX")
			}
			out = append(out, data[start:start+end+1])
			data = data[start+end+1:]
		}
		return out, nil
	}

	for len(data) > 0 {
		bodyLen, indLen, err := decodeFrame(typ, data)
		if err != nil {
			return nil, err
		}
		if typ == WMOWithDummy && bodyLen == 0 {
			break
		}
		if indLen+bodyLen > len(data) {
			return nil, fmt.Errorf("Extract: indicated length %d exceeds remaining %d",
				bodyLen, len(data)-indLen)
		}
		out = append(out, data[indLen:indLen+bodyLen])
		data = data[indLen+bodyLen:]
	}
	return out, nil
}
