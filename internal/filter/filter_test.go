package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSfilterTristate(t *testing.T) {
	assert.Equal(t, Match, Sfilter("*.txt", "report.txt", 0))
	assert.Equal(t, NoMatch, Sfilter("*.txt", "report.bin", 0))
	assert.Equal(t, NegMatch, Sfilter("!*.txt", "report.txt", 0))
	assert.Equal(t, NoMatch, Sfilter("!*.txt", "report.bin", 0))
}

func TestSfilterNegationProperty(t *testing.T) {
	cases := []struct {
		pattern, name string
	}{
		{"*.grb", "ecmwf.grb"},
		{"*.grb", "ecmwf.txt"},
		{"data_??.bin", "data_01.bin"},
		{"[abc]*", "bfile"},
		{"[abc]*", "dfile"},
	}
	for _, c := range cases {
		plain := Sfilter(c.pattern, c.name, 0)
		negated := Sfilter("!"+c.pattern, c.name, 0)
		if plain == Match {
			assert.Equal(t, NegMatch, negated, "pattern %q name %q", c.pattern, c.name)
		} else {
			assert.Equal(t, NoMatch, negated, "pattern %q name %q", c.pattern, c.name)
		}
	}
}

func TestSfilterSeparator(t *testing.T) {
	assert.Equal(t, Match, Sfilter("*.txt", "sub/report.txt", 0))
	assert.Equal(t, NoMatch, Sfilter("*.txt", "sub/report.txt", '/'))
	assert.Equal(t, Match, Sfilter("sub/*.txt", "sub/report.txt", '/'))
}

func TestSfilterMalformed(t *testing.T) {
	assert.Equal(t, NoMatch, Sfilter("[unclosed", "anything", 0))
}

func TestCheckFileMasks(t *testing.T) {
	masks := []string{"!*.tmp", "*.txt", "*.bin"}
	assert.Equal(t, Match, CheckFileMasks(masks, "a.txt", 0))
	assert.Equal(t, Match, CheckFileMasks(masks, "a.bin", 0))
	assert.Equal(t, NegMatch, CheckFileMasks(masks, "a.tmp", 0))
	assert.Equal(t, NoMatch, CheckFileMasks(masks, "a.dat", 0))
}
