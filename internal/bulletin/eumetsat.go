//go:build linux

package bulletin

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// eumetsatCentre is the originating centre written into EUMETSAT names.
const eumetsatCentre = "EUMS"

// CreateEumetsatName renames an ECMWF GRIB file to the EUMETSAT GTS file
// naming convention and returns the new path. When header is non-empty the
// file body is additionally wrapped in a WMO envelope using header as the
// abbreviated heading. The reference time comes from the GRIB product
// definition section when readable, otherwise the wall clock.
func CreateEumetsatName(path, header string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("CreateEumetsatName: error reading %s -> %w", path, err)
	}
	if !bytes.HasPrefix(data, []byte("GRIB")) {
		return "", fmt.Errorf("CreateEumetsatName: %s is not a GRIB file", path)
	}

	day, hour, minute := refTime(data)
	now := time.Now().UTC()
	stamp := fmt.Sprintf("%04d%02d%02d%02d%02d00", now.Year(), now.Month(), day, hour, minute)

	base := filepath.Base(path)
	newName := fmt.Sprintf("W_XX-EUMETSAT-Darmstadt,GRIB,%s_C_%s_%s.bin",
		base, eumetsatCentre, stamp)
	newPath := filepath.Join(filepath.Dir(path), newName)

	if header != "" {
		var buf bytes.Buffer
		buf.WriteByte(SOH)
		buf.WriteString("\r\r\n")
		fmt.Fprintf(&buf, "%s %02d%02d%02d", header, day, hour, minute)
		buf.WriteString("\r\r\n")
		buf.Write(data)
		buf.WriteByte(ETX)
		if err := os.WriteFile(newPath, buf.Bytes(), 0644); err != nil {
			return "", fmt.Errorf("CreateEumetsatName: error writing %s -> %w", newPath, err)
		}
		if err := os.Remove(path); err != nil {
			os.Remove(newPath)
			return "", fmt.Errorf("CreateEumetsatName: error removing %s -> %w", path, err)
		}
		return newPath, nil
	}

	if err := os.Rename(path, newPath); err != nil {
		return "", fmt.Errorf("CreateEumetsatName: error renaming %s -> %w", path, err)
	}
	return newPath, nil
}
