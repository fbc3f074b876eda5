//go:build linux

package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gorhill/cronexpr"
	"github.com/pkg/errors"

	"github.com/afd-plus/afd-plus/internal/store/constants"
)

// optionDef describes one recognized option token: its argument validator
// and the local-option bit it sets. A validator error rejects the whole rule.
type optionDef struct {
	name     string
	bit      uint32
	validate func(job *InstantJob, args string) error
}

// optionDefs is scanned in declaration order, so a token that is a prefix
// of another one ("lock" vs "lock postfix") must be listed after the longer
// token.
var optionDefs = []optionDef{
	{"priority", 0, func(j *InstantJob, a string) error {
		if len(a) != 1 || a[0] < '0' || a[0] > '9' {
			return errors.Errorf("priority must be a single digit 0-9, got %q", a)
		}
		j.Priority = a[0]
		return nil
	}},
	{"archive", 0, func(j *InstantJob, a string) error {
		return wantBoundedUint(a, 0, 1<<31-1, "archive time")
	}},
	{"lock postfix", 0, wantOneArg("lock postfix")},
	{"lock", 0, func(j *InstantJob, a string) error {
		switch a {
		case "DOT", "DOT_VMS", "OFF", "LOCKFILE":
			return nil
		}
		return errors.Errorf("unknown lock type %q", a)
	}},
	{"ulock", 0, wantNoArg("ulock")},
	{"rename", OptRename, wantOneArg("rename rule header")},
	{"srename", OptSrename, wantTwoArgs("srename")},
	{"trans_rename", OptRename, wantOneArg("trans_rename rule header")},
	{"trans_srename", OptSrename, wantTwoArgs("trans_srename")},
	{"age-limit", 0, func(j *InstantJob, a string) error {
		v, err := strconv.ParseUint(a, 10, 32)
		if err != nil {
			return errors.Errorf("age-limit wants seconds, got %q", a)
		}
		j.AgeLimit = uint32(v)
		return nil
	}},
	{"ageing", 0, func(j *InstantJob, a string) error {
		if len(a) != 1 || a[0] < '0' || a[0] > '9' {
			return errors.Errorf("ageing must be 0-9, got %q", a)
		}
		return nil
	}},
	{"exec", OptExec, validateExec},
	{"trans_exec", OptExec, validateExec},
	{"time", OptTime, func(j *InstantJob, a string) error {
		mode := SendCollectTime
		if rest, ok := strings.CutPrefix(a, "no collect "); ok {
			mode = SendNoCollectTime
			a = rest
		}
		if len(j.TimeEntries) >= constants.MaxTimeEntries {
			return errors.Errorf("more than %d time entries", constants.MaxTimeEntries)
		}
		if _, err := cronexpr.Parse(a); err != nil {
			return errors.Wrapf(err, "bad time expression %q", a)
		}
		j.TimeEntries = append(j.TimeEntries, a)
		j.TimeMode = mode
		return nil
	}},
	{"timezone", OptTimezone, func(j *InstantJob, a string) error {
		if a == "" {
			return errors.New("timezone wants a zone name")
		}
		j.Timezone = a
		return nil
	}},
	{"add prefix", OptAddPrefix, wantOneArg("add prefix")},
	{"del prefix", OptDelPrefix, wantOneArg("del prefix")},
	{"file name is user", 0, wantNoArg("file name is user")},
	{"file name is target", 0, wantNoArg("file name is target")},
	{"file name is subject", 0, wantNoArg("file name is subject")},
	{"file name is header", 0, wantNoArg("file name is header")},
	{"grib2wmo", OptGrib2WMO, func(j *InstantJob, a string) error {
		if len(a) != 4 {
			return errors.Errorf("grib2wmo wants a 4-letter CCCC, got %q", a)
		}
		return nil
	}},
	{"assemble", OptAssemble, func(j *InstantJob, a string) error {
		switch a {
		case "VAX", "LBF", "HBF", "MSS", "DWD", "WMO", "WMO+DUMMY", "ASCII":
			return nil
		}
		return errors.Errorf("unknown assemble type %q", a)
	}},
	{"convert", OptConvert, func(j *InstantJob, a string) error {
		switch a {
		case "sohetx", "sohetxwmo", "wmo", "sohetx2wmo0", "sohetx2wmo1",
			"mrz2wmo", "iso8859_2ascii", "unix2dos", "dos2unix",
			"lf2crcrlf", "crcrlf2lf":
			return nil
		}
		return errors.Errorf("unknown convert type %q", a)
	}},
	{"extract", OptExtract, validateExtract},
	{"lchmod", OptLchmod, wantOctal("lchmod")},
	{"chmod", OptChmod, wantOctal("chmod")},
	{"chown", 0, wantOneArg("chown")},
	{"attach all files", OptMail, wantNoArg("attach all files")},
	{"attach file", OptMail, func(j *InstantJob, a string) error { return nil }},
	{"dupcheck", OptDupcheck, validateDupcheck},
	{"subject", OptMail, func(j *InstantJob, a string) error {
		if a == "" {
			return errors.New(`subject wants "<string>" or /file`)
		}
		if a[0] != '"' && a[0] != '/' {
			return errors.Errorf(`subject wants "<string>" or /file, got %q`, a)
		}
		return nil
	}},
	{"add mail header", OptMail, wantOneArg("add mail header")},
	{"from", OptMail, wantOneArg("from")},
	{"reply-to", OptMail, wantOneArg("reply-to")},
	{"group-to", OptMail, wantOneArg("group-to")},
	{"charset", OptMail, wantOneArg("charset")},
	{"ftp-exec", 0, wantOneArg("ftp-exec")},
	{"login-site", 0, wantOneArg("login-site")},
	{"socket send buffer", 0, func(j *InstantJob, a string) error {
		return wantBoundedUint(a, 1, 1<<30, "socket send buffer")
	}},
	{"socket receive buffer", 0, func(j *InstantJob, a string) error {
		return wantBoundedUint(a, 1, 1<<30, "socket receive buffer")
	}},
	{"basename", OptBasename, func(j *InstantJob, a string) error {
		if a != "" && a != "overwrite" {
			return errors.Errorf("basename takes only 'overwrite', got %q", a)
		}
		return nil
	}},
	{"extension", OptExtension, func(j *InstantJob, a string) error {
		if a != "" && a != "overwrite" {
			return errors.Errorf("extension takes only 'overwrite', got %q", a)
		}
		return nil
	}},
	{"toupper", OptToUpper, wantNoArg("toupper")},
	{"tolower", OptToLower, wantNoArg("tolower")},
	{"delete", OptDelete, wantNoArg("delete")},
	{"force copy", OptForceCopy, wantNoArg("force copy")},
	{"dont create target dir", 0, wantNoArg("dont create target dir")},
	{"create target dir", 0, func(j *InstantJob, a string) error {
		if a == "" {
			return nil
		}
		return wantOctal("create target dir mode")(j, a)
	}},
	{"fax2gts", OptFax2GTS, func(j *InstantJob, a string) error {
		if a == "" {
			return nil
		}
		return wantBoundedUint(a, 0, 9, "fax2gts code")
	}},
}

func wantNoArg(name string) func(*InstantJob, string) error {
	return func(_ *InstantJob, a string) error {
		if a != "" {
			return errors.Errorf("%s takes no argument, got %q", name, a)
		}
		return nil
	}
}

func wantOneArg(name string) func(*InstantJob, string) error {
	return func(_ *InstantJob, a string) error {
		if a == "" {
			return errors.Errorf("%s wants an argument", name)
		}
		if len(a) > constants.MaxPathLength {
			return errors.Errorf("%s argument exceeds %d bytes", name, constants.MaxPathLength)
		}
		return nil
	}
}

func wantTwoArgs(name string) func(*InstantJob, string) error {
	return func(_ *InstantJob, a string) error {
		if len(strings.Fields(a)) != 2 {
			return errors.Errorf("%s wants <filter> <rename-to>", name)
		}
		return nil
	}
}

func wantOctal(name string) func(*InstantJob, string) error {
	return func(_ *InstantJob, a string) error {
		if _, err := strconv.ParseUint(a, 8, 32); err != nil {
			return errors.Errorf("%s wants an octal mode, got %q", name, a)
		}
		return nil
	}
}

func wantBoundedUint(a string, min, max uint64, what string) error {
	v, err := strconv.ParseUint(a, 10, 64)
	if err != nil || v < min || v > max {
		return errors.Errorf("%s wants %d..%d, got %q", what, min, max, a)
	}
	return nil
}

func validateExec(_ *InstantJob, a string) error {
	fields := strings.Fields(a)
	i := 0
	for i < len(fields) {
		switch fields[i] {
		case "-d", "-D", "-l", "-L", "-s":
			i++
		case "-t":
			if i+1 >= len(fields) {
				return errors.New("exec -t wants a timeout in seconds")
			}
			if err := wantBoundedUint(fields[i+1], 1, 86400, "exec timeout"); err != nil {
				return err
			}
			i += 2
		default:
			if fields[i] == "" || fields[i][0] == '-' {
				return errors.Errorf("unknown exec flag %q", fields[i])
			}
			return nil // rest is the command
		}
	}
	return errors.New("exec wants a command")
}

func validateExtract(_ *InstantJob, a string) error {
	fields := strings.Fields(a)
	typeArg := a
	if len(fields) == 2 && strings.HasPrefix(fields[0], "-") {
		for _, f := range fields[0][1:] {
			if !strings.ContainsRune("abcdefHnrstC", f) {
				return errors.Errorf("unknown extract flag -%c", f)
			}
		}
		typeArg = fields[1]
	} else if len(fields) != 1 {
		return errors.Errorf("extract wants [-flags] <type>, got %q", a)
	}
	switch typeArg {
	case "VAX", "LBF", "HBF", "MRZ", "MSS", "WMO", "ASCII", "BINARY",
		"ZCZC", "GRIB", "WMO+CHK", "SP_CHAR":
		return nil
	}
	return errors.Errorf("unknown extract type %q", typeArg)
}

func validateDupcheck(j *InstantJob, a string) error {
	fields := strings.Fields(a)
	if len(fields) < 2 {
		return errors.New("dupcheck wants <timeout> <key> [hash]")
	}
	timeout, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || timeout <= 0 {
		return errors.Errorf("dupcheck timeout wants positive seconds, got %q", fields[0])
	}

	var flag uint32
	switch fields[1] {
	case "filename":
		flag |= constants.DcFilenameOnly
	case "content":
		flag |= constants.DcFileContent
	case "filename-content":
		flag |= constants.DcNameAndContent
	default:
		return errors.Errorf("dupcheck key wants filename|content|filename-content, got %q", fields[1])
	}

	if len(fields) > 2 {
		switch fields[2] {
		case "crc32":
			flag |= constants.DcCRC32
		case "crc32c":
			flag |= constants.DcCRC32C
		case "xxh3":
			flag |= constants.DcXXH3
		default:
			return errors.Errorf("dupcheck hash wants crc32|crc32c|xxh3, got %q", fields[2])
		}
	} else {
		flag |= constants.DcCRC32
	}

	j.DupcheckFlag = flag
	j.DupcheckTimeout = timeout
	return nil
}

// applyOption validates one option line against the table and folds it into
// the job. Unknown tokens and bad arguments are errors; the caller rejects
// the rule and keeps going.
func applyOption(job *InstantJob, line string) error {
	for _, def := range optionDefs {
		rest, ok := matchToken(line, def.name)
		if !ok {
			continue
		}
		if err := def.validate(job, rest); err != nil {
			return err
		}
		job.LocalOptions |= def.bit
		if def.name != "priority" {
			job.OptionLines = append(job.OptionLines, line)
		}
		return nil
	}
	return fmt.Errorf("unknown option %q", line)
}

// CutOption returns the argument part of an option line when it starts with
// token. The dispatcher uses it to pull transformation arguments out of a
// job's retained option lines.
func CutOption(line, token string) (string, bool) {
	return matchToken(line, token)
}

func matchToken(line, token string) (string, bool) {
	if !strings.HasPrefix(line, token) {
		return "", false
	}
	rest := line[len(token):]
	if rest == "" {
		return "", true
	}
	if rest[0] != ' ' && rest[0] != '\t' {
		return "", false
	}
	return strings.TrimSpace(rest), true
}
