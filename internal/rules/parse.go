//go:build linux

package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gorhill/cronexpr"

	"github.com/afd-plus/afd-plus/internal/store/constants"
)

// GroupSign introduces a group reference in a directory location:
// `&{name}` or `&[name]` expands to every member of the group.
const GroupSign = '&'

// Section headers of a DIR_CONFIG stanza.
const (
	secDirectory   = "[directory]"
	secDirOptions  = "[dir options]"
	secFiles       = "[files]"
	secDestination = "[destination]"
	secRecipient   = "[recipient]"
	secOptions     = "[options]"
	secGroupPrefix = "[group "
)

type destRaw struct {
	Recipients  []string
	OptionLines []string
	line        int
}

type fileGroupRaw struct {
	Masks        []string
	Destinations []destRaw
	line         int
}

type dirStanza struct {
	Location       string
	DirOptionLines []string
	FileGroups     []fileGroupRaw
	file           string
	line           int
}

// parseText splits one DIR_CONFIG text into directory stanzas and inline
// group definitions. Structural problems reject the smallest enclosing rule
// and parsing continues.
func parseText(file, text string, groups map[string][]string, errs *[]ParseError) []dirStanza {
	var stanzas []dirStanza
	var cur *dirStanza
	var curGroup string

	section := ""
	lines := strings.Split(text, "\n")

	fail := func(line int, format string, args ...any) {
		*errs = append(*errs, ParseError{File: file, Line: line, Reason: fmt.Sprintf(format, args...)})
	}

	for i, raw := range lines {
		lineNo := i + 1
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		switch {
		case line == secDirectory:
			stanzas = appendStanza(stanzas, cur)
			cur = &dirStanza{file: file, line: lineNo}
			curGroup = ""
			section = secDirectory
			continue
		case strings.HasPrefix(line, secGroupPrefix) && strings.HasSuffix(line, "]"):
			stanzas = appendStanza(stanzas, cur)
			cur = nil
			curGroup = strings.TrimSuffix(strings.TrimPrefix(line, secGroupPrefix), "]")
			section = secGroupPrefix
			continue
		case line == secDirOptions, line == secFiles, line == secDestination,
			line == secRecipient, line == secOptions:
			if cur == nil {
				fail(lineNo, "%s outside a [directory] stanza", line)
				section = ""
				continue
			}
			if line == secDestination {
				if len(cur.FileGroups) == 0 {
					fail(lineNo, "[destination] before any [files] group")
					continue
				}
				fg := &cur.FileGroups[len(cur.FileGroups)-1]
				fg.Destinations = append(fg.Destinations, destRaw{line: lineNo})
			}
			if line == secFiles {
				cur.FileGroups = append(cur.FileGroups, fileGroupRaw{line: lineNo})
			}
			section = line
			continue
		}

		switch section {
		case secGroupPrefix:
			groups[curGroup] = append(groups[curGroup], line)
		case secDirectory:
			if cur.Location != "" {
				fail(lineNo, "second location %q in one stanza", line)
				continue
			}
			if len(line) > constants.MaxPathLength {
				fail(lineNo, "location exceeds %d bytes", constants.MaxPathLength)
				continue
			}
			cur.Location = line
		case secDirOptions:
			cur.DirOptionLines = append(cur.DirOptionLines, line)
		case secFiles:
			if len(cur.FileGroups) == 0 {
				fail(lineNo, "file mask outside a [files] group")
				continue
			}
			fg := &cur.FileGroups[len(cur.FileGroups)-1]
			fg.Masks = append(fg.Masks, line)
		case secRecipient:
			fg, dst := lastDest(cur)
			if dst == nil {
				fail(lineNo, "recipient outside a [destination] group")
				continue
			}
			if len(line) > constants.MaxRecipientLength {
				fail(lineNo, "recipient exceeds %d bytes", constants.MaxRecipientLength)
				continue
			}
			_ = fg
			dst.Recipients = append(dst.Recipients, line)
		case secOptions:
			_, dst := lastDest(cur)
			if dst == nil {
				fail(lineNo, "option outside a [destination] group")
				continue
			}
			dst.OptionLines = append(dst.OptionLines, line)
		default:
			fail(lineNo, "line %q outside any section", line)
		}
	}

	return appendStanza(stanzas, cur)
}

func appendStanza(stanzas []dirStanza, cur *dirStanza) []dirStanza {
	if cur != nil {
		stanzas = append(stanzas, *cur)
	}
	return stanzas
}

func lastDest(cur *dirStanza) (*fileGroupRaw, *destRaw) {
	if cur == nil || len(cur.FileGroups) == 0 {
		return nil, nil
	}
	fg := &cur.FileGroups[len(cur.FileGroups)-1]
	if len(fg.Destinations) == 0 {
		return fg, nil
	}
	return fg, &fg.Destinations[len(fg.Destinations)-1]
}

// expandLocation resolves a group reference in a location to all member
// locations. A location without the group sign expands to itself. Expansion
// is recursive: a member may itself reference a group. Each expanded token is
// bounded by MaxPathLength.
func expandLocation(location string, groups map[string][]string, depth int) ([]string, error) {
	if depth > 8 {
		return nil, fmt.Errorf("group expansion recursion too deep in %q", location)
	}

	idx := strings.IndexByte(location, GroupSign)
	if idx < 0 || idx+1 >= len(location) {
		return []string{location}, nil
	}

	open := location[idx+1]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return []string{location}, nil
	}

	end := strings.IndexByte(location[idx+2:], close)
	if end < 0 {
		return nil, fmt.Errorf("unterminated group reference in %q", location)
	}
	name := location[idx+2 : idx+2+end]
	members, ok := groups[name]
	if !ok {
		return nil, fmt.Errorf("unknown group %q in %q", name, location)
	}

	var out []string
	for _, member := range members {
		candidate := location[:idx] + member + location[idx+3+end:]
		if len(candidate) > constants.MaxPathLength {
			return nil, fmt.Errorf("expanded location for group %q exceeds %d bytes", name, constants.MaxPathLength)
		}
		expanded, err := expandLocation(candidate, groups, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, expanded...)
	}
	return out, nil
}

// parseDirOptions folds the [dir options] lines into a DirOptions plus the
// directory's time-of-day schedule. The returned error names the offending
// line.
func parseDirOptions(lines []string) (DirOptions, []string, error) {
	var opts DirOptions
	var timeEntries []string

	for _, line := range lines {
		switch {
		case line == "remove":
			opts.Remove = true
		case line == "get once only":
			opts.StupidMode = constants.GetOnceOnly
		case line == "get once not exact":
			opts.StupidMode = constants.GetOnceNotExact
		case line == "accept dot files":
			opts.AcceptDotFiles = true
		case line == "do not get dir list":
			opts.DoNotGetDirList = true
		case line == "mirror":
			opts.Mirror = true
		case line == "accumulate":
			opts.Accumulate = true
		default:
			if err := parseDirOptionArg(&opts, &timeEntries, line); err != nil {
				return opts, timeEntries, err
			}
		}
	}

	return opts, timeEntries, nil
}

func parseDirOptionArg(opts *DirOptions, timeEntries *[]string, line string) error {
	if rest, ok := matchToken(line, "ignore size"); ok {
		cmp, v, err := parseRelational(rest)
		if err != nil {
			return fmt.Errorf("ignore size: %w", err)
		}
		opts.IgnoreSize, opts.IgnoreSizeCmp = v, cmp
		return nil
	}
	if rest, ok := matchToken(line, "ignore file time"); ok {
		cmp, v, err := parseRelational(rest)
		if err != nil {
			return fmt.Errorf("ignore file time: %w", err)
		}
		opts.IgnoreFileTime, opts.IgnoreFileTimeCmp = v, cmp
		return nil
	}
	if rest, ok := matchToken(line, "max files"); ok {
		v, err := strconv.ParseUint(rest, 10, 32)
		if err != nil || v == 0 {
			return fmt.Errorf("max files wants a positive count, got %q", rest)
		}
		opts.MaxCopiedFiles = uint32(v)
		return nil
	}
	if rest, ok := matchToken(line, "max size"); ok {
		v, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || v <= 0 {
			return fmt.Errorf("max size wants positive bytes, got %q", rest)
		}
		opts.MaxCopiedFileSize = v
		return nil
	}
	if rest, ok := matchToken(line, "wait for"); ok {
		if rest == "" || len(rest) > constants.MaxFilenameLength {
			return fmt.Errorf("wait for wants a file name up to %d bytes", constants.MaxFilenameLength)
		}
		opts.WaitForFilename = rest
		return nil
	}
	if rest, ok := matchToken(line, "timezone"); ok {
		if rest == "" {
			return fmt.Errorf("timezone wants a zone name")
		}
		opts.Timezone = rest
		return nil
	}
	if rest, ok := matchToken(line, "time"); ok {
		if len(*timeEntries) >= constants.MaxTimeEntries {
			return fmt.Errorf("more than %d time entries", constants.MaxTimeEntries)
		}
		if _, err := cronexpr.Parse(rest); err != nil {
			return fmt.Errorf("bad time expression %q: %w", rest, err)
		}
		*timeEntries = append(*timeEntries, rest)
		return nil
	}
	if rest, ok := matchToken(line, "dupcheck"); ok {
		var scratch InstantJob
		if err := validateDupcheck(&scratch, rest); err != nil {
			return err
		}
		opts.DupcheckFlag = scratch.DupcheckFlag
		opts.DupcheckTimeout = scratch.DupcheckTimeout
		return nil
	}
	return fmt.Errorf("unknown dir option %q", line)
}

// parseRelational reads leading <, =, > characters into comparison bits, then
// the numeric argument. No prefix means equality.
func parseRelational(arg string) (uint32, int64, error) {
	var cmp uint32
	i := 0
	for i < len(arg) {
		switch arg[i] {
		case '<':
			cmp |= constants.CmpLess
		case '=':
			cmp |= constants.CmpEqual
		case '>':
			cmp |= constants.CmpGreater
		default:
			goto done
		}
		i++
	}
done:
	if cmp == 0 {
		cmp = constants.CmpEqual
	}
	v, err := strconv.ParseInt(strings.TrimSpace(arg[i:]), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("wants [<=>]<number>, got %q", arg)
	}
	return cmp, v, nil
}
