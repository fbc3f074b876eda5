// Package filter implements the file-mask matcher used by the scanner and
// dispatcher. Masks use `*`, `?`, `[set]` and `\` escapes; a leading `!`
// negates the mask. Matching is tristate so a mask chain can distinguish
// "take it", "definitely not wanted" and "keep looking".
package filter

import (
	"fmt"

	"github.com/gobwas/glob"
	"github.com/puzpuzpuz/xsync/v3"
)

type Result int

const (
	// Match means the mask matched and the file is wanted.
	Match Result = 0
	// NegMatch means a negated mask matched: the file is definitely not
	// wanted and the chain stops.
	NegMatch Result = 1
	// NoMatch means the mask did not apply; the chain continues.
	NoMatch Result = -1
)

var compiled = xsync.NewMapOf[string, glob.Glob]()

func compile(pattern string, sep byte) glob.Glob {
	key := fmt.Sprintf("%c\x00%s", sep, pattern)
	g, _ := compiled.LoadOrCompute(key, func() glob.Glob {
		var seps []rune
		if sep != 0 {
			seps = []rune{rune(sep)}
		}
		g, err := glob.Compile(pattern, seps...)
		if err != nil {
			return nil
		}
		return g
	})
	return g
}

// Sfilter matches name against one mask. When sep is non-zero a `*` run does
// not cross it. A malformed mask never matches.
func Sfilter(pattern, name string, sep byte) Result {
	negated := false
	if len(pattern) > 0 && pattern[0] == '!' {
		negated = true
		pattern = pattern[1:]
	}

	g := compile(pattern, sep)
	if g == nil {
		return NoMatch
	}

	if !g.Match(name) {
		return NoMatch
	}
	if negated {
		return NegMatch
	}
	return Match
}

// CheckFileMasks runs name through a mask chain in declaration order. The
// first NegMatch wins and stops the chain; otherwise the first Match wins.
func CheckFileMasks(masks []string, name string, sep byte) Result {
	for _, m := range masks {
		switch Sfilter(m, name, sep) {
		case Match:
			return Match
		case NegMatch:
			return NegMatch
		}
	}
	return NoMatch
}
