package bulletin

import (
	"bytes"
	"fmt"
)

// dfaxCodes maps the fax2gts numeric parameter onto the DFAX identifier
// carried in the bulletin header. 0 selects the default.
var dfaxCodes = map[int]string{
	0: "DFAX1064",
	1: "DFAX1062",
	2: "DFAX1064",
	3: "DFAX1074",
	4: "DFAX1084",
	5: "DFAX1099",
}

// Fax2GTS wraps a fax file body in a GTS bulletin whose header is derived
// from the 18-character file name `TTAAii_CCCC_YYGGgg`. code selects the
// DFAX identifier; unknown codes fall back to the default.
func Fax2GTS(fileName string, body []byte, code int) ([]byte, error) {
	if len(fileName) != 18 || fileName[6] != '_' || fileName[11] != '_' {
		return nil, fmt.Errorf("Fax2GTS: file name %q is not TTAAii_CCCC_YYGGgg", fileName)
	}
	ttaaii := fileName[0:6]
	cccc := fileName[7:11]
	yygggg := fileName[12:18]

	for _, c := range ttaaii[:4] {
		if c < 'A' || c > 'Z' {
			return nil, fmt.Errorf("Fax2GTS: bad heading %q", ttaaii)
		}
	}
	for _, c := range yygggg {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("Fax2GTS: bad time group %q", yygggg)
		}
	}

	dfax, ok := dfaxCodes[code]
	if !ok {
		dfax = dfaxCodes[0]
	}

	var out bytes.Buffer
	out.WriteByte(SOH)
	out.WriteString("\r\r\n")
	fmt.Fprintf(&out, "%s %s %s", ttaaii, cccc, yygggg)
	out.WriteString("\r\r\n")
	out.WriteString(dfax)
	out.WriteString("\r\r\n")
	out.Write(body)
	out.WriteByte(ETX)
	return out.Bytes(), nil
}

// Grib2WMO wraps a GRIB product in a WMO envelope. The abbreviated heading
// comes from the 18-character `TTAAii_CCCC_YYGGgg` file name, with cccc
// overriding the originator when non-empty.
func Grib2WMO(fileName, cccc string, body []byte) ([]byte, error) {
	if !bytes.HasPrefix(body, []byte("GRIB")) {
		return nil, fmt.Errorf("Grib2WMO: %q is not a GRIB product", fileName)
	}
	if len(fileName) != 18 || fileName[6] != '_' || fileName[11] != '_' {
		return nil, fmt.Errorf("Grib2WMO: file name %q is not TTAAii_CCCC_YYGGgg", fileName)
	}
	orig := fileName[7:11]
	if cccc != "" {
		orig = cccc
	}

	var out bytes.Buffer
	out.WriteByte(SOH)
	out.WriteString("\r\r\n")
	fmt.Fprintf(&out, "%s %s %s", fileName[0:6], orig, fileName[12:18])
	out.WriteString("\r\r\n")
	out.Write(body)
	out.WriteByte(ETX)
	return out.Bytes(), nil
}
