package bulletin

import (
	"bytes"
	"fmt"
	"strings"
)

// headerRewrite maps an AFW bulletin-type prefix onto its WMO replacement.
// The entries are DWD conventions; keeping them as data means a new rewrite
// is one table line.
type headerRewrite struct {
	prefix  string
	replace string
	// except skips the rewrite for these full type values.
	except []string
	// byStation, when set, picks replace (numeric IIiii station) or
	// altReplace (alphanumeric CCCC station).
	byStation  bool
	altReplace string
}

var headerRewrites = []headerRewrite{
	{prefix: "XX", replace: "BMBB", except: []string{"XX35"}},
	{prefix: "SN40", replace: "SNXX"},
	{prefix: "SP", replace: "SP41", byStation: true, altReplace: "SP40"},
	{prefix: "WO50", replace: "ED50"},
	{prefix: "DW", replace: "ED"},
}

// Afw2WMO rewrites an AFW-style bulletin to standard WMO form. The input
// header line is `TTii CCCC YYGGgg` followed by the station indicator line;
// the output carries the rewritten header with SOH/LF framing. A malformed
// header rejects the whole bulletin.
func Afw2WMO(data []byte) ([]byte, error) {
	body := stripEnvelope(data)
	lines := strings.SplitN(string(bytes.TrimLeft(body, "\r\n")), "\n", 3)
	if len(lines) < 2 {
		return nil, fmt.Errorf("Afw2WMO: bulletin too short for a header")
	}

	header := strings.TrimRight(lines[0], "\r")
	station := strings.TrimRight(lines[1], "\r")
	rest := ""
	if len(lines) == 3 {
		rest = lines[2]
	}

	fields := strings.Fields(header)
	if len(fields) != 3 {
		return nil, fmt.Errorf("Afw2WMO: header %q is not TTii CCCC YYGGgg", header)
	}
	ttii, cccc, yygggg := fields[0], fields[1], fields[2]

	if err := validateType(ttii); err != nil {
		return nil, err
	}
	if len(cccc) != 4 || !isAlpha(cccc) {
		return nil, fmt.Errorf("Afw2WMO: bad originator %q", cccc)
	}
	if len(yygggg) != 6 || !isDigits(yygggg) {
		return nil, fmt.Errorf("Afw2WMO: bad time group %q", yygggg)
	}
	numericStation, err := classifyStation(station)
	if err != nil {
		return nil, err
	}

	rewritten := rewriteType(ttii, numericStation)

	var out bytes.Buffer
	out.WriteByte(SOH)
	out.WriteByte('\n')
	fmt.Fprintf(&out, "%s %s %s\n", rewritten, cccc, yygggg)
	out.WriteString(station)
	out.WriteByte('\n')
	out.WriteString(rest)
	out.WriteByte(ETX)
	return out.Bytes(), nil
}

func validateType(ttii string) error {
	if len(ttii) != 4 || !isAlpha(ttii[:2]) || !isDigits(ttii[2:]) {
		return fmt.Errorf("Afw2WMO: bad bulletin type %q", ttii)
	}
	return nil
}

// classifyStation accepts a numeric IIiii or an alphanumeric CCCC station
// indicator and reports which one it saw.
func classifyStation(station string) (numeric bool, err error) {
	switch {
	case len(station) == 5 && isDigits(station):
		return true, nil
	case len(station) == 4 && isAlpha(station):
		return false, nil
	}
	return false, fmt.Errorf("Afw2WMO: bad station indicator %q", station)
}

func rewriteType(ttii string, numericStation bool) string {
	for _, rw := range headerRewrites {
		if !strings.HasPrefix(ttii, rw.prefix) {
			continue
		}
		skip := false
		for _, ex := range rw.except {
			if ttii == ex {
				skip = true
				break
			}
		}
		if skip {
			continue
		}

		if rw.byStation {
			if numericStation {
				return rw.replace
			}
			return rw.altReplace
		}
		return rw.replace + ttii[len(rw.prefix):]
	}
	return ttii
}

func isAlpha(s string) bool {
	for _, c := range s {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
