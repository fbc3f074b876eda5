//go:build linux

package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afd-plus/afd-plus/internal/rules/renamerule"
	"github.com/afd-plus/afd-plus/internal/store/constants"
	"github.com/afd-plus/afd-plus/internal/store/table"
)

var testBasePath string

func TestMain(m *testing.M) {
	var err error
	testBasePath, err = os.MkdirTemp("", "afd-plus-rules-test-*")
	if err != nil {
		fmt.Printf("Failed to create temp directory: %v\n", err)
		os.Exit(1)
	}
	code := m.Run()
	os.RemoveAll(testBasePath)
	os.Exit(code)
}

const simpleConfig = `
[directory]
/data/incoming/obs

[dir options]
remove

[files]
*.txt
!*.tmp

[destination]

[recipient]
ftp://anonymous@wx-primary/pub

[options]
priority 5
age-limit 3600
`

func newCompiler(t *testing.T, name string) *Compiler {
	t.Helper()
	work := filepath.Join(testBasePath, name)
	c, err := New(work)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestCompileSimpleConfig(t *testing.T) {
	c := newCompiler(t, "simple")
	res, err := c.Compile([]NamedText{{Name: "DIR_CONFIG", Text: simpleConfig}}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Errors)

	require.Len(t, res.Dirs, 1)
	assert.Equal(t, "/data/incoming/obs", res.Dirs[0].Dir)
	assert.True(t, res.Dirs[0].Options.Remove)

	require.Len(t, res.Jobs, 1)
	job := res.Jobs[0]
	assert.Equal(t, byte('5'), job.Priority)
	assert.Equal(t, uint32(3600), job.AgeLimit)
	assert.Equal(t, "wx-primary", job.HostAlias)
	assert.Equal(t, []string{"*.txt", "!*.tmp"}, job.FileMasks)
}

func TestCompileIsDeterministic(t *testing.T) {
	texts := []NamedText{{Name: "DIR_CONFIG", Text: simpleConfig}}

	c1 := newCompiler(t, "det1")
	res1, err := c1.Compile(texts, nil)
	require.NoError(t, err)

	c2 := newCompiler(t, "det2")
	res2, err := c2.Compile(texts, nil)
	require.NoError(t, err)

	require.Equal(t, len(res1.Jobs), len(res2.Jobs))
	for i := range res1.Jobs {
		assert.Equal(t, res1.Jobs[i].JobID, res2.Jobs[i].JobID)
		assert.Equal(t, res1.Jobs[i].DirID, res2.Jobs[i].DirID)
		assert.Equal(t, res1.Jobs[i].FileMaskID, res2.Jobs[i].FileMaskID)
	}

	// The persisted tables must be bit-identical.
	jid1, err := os.ReadFile(constants.JIDFile(filepath.Join(testBasePath, "det1")))
	require.NoError(t, err)
	jid2, err := os.ReadFile(constants.JIDFile(filepath.Join(testBasePath, "det2")))
	require.NoError(t, err)
	assert.Equal(t, jid1, jid2)
}

func TestCompileGroupExpansion(t *testing.T) {
	config := `
[group regions]
north
south

[directory]
/data/&{regions}/in

[files]
*

[destination]

[recipient]
sftp://feed@archive-host/store
`
	c := newCompiler(t, "groups")
	res, err := c.Compile([]NamedText{{Name: "DIR_CONFIG", Text: config}}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Errors)

	require.Len(t, res.Dirs, 2)
	assert.Equal(t, "/data/north/in", res.Dirs[0].Dir)
	assert.Equal(t, "/data/south/in", res.Dirs[1].Dir)
	assert.NotEqual(t, res.Dirs[0].DirID, res.Dirs[1].DirID)
	assert.NotEqual(t, res.Dirs[0].Alias, res.Dirs[1].Alias)
}

func TestCompileBadOptionRejectsRule(t *testing.T) {
	config := `
[directory]
/data/incoming/bad

[files]
*

[destination]

[recipient]
ftp://anonymous@somewhere/pub

[options]
age-limit not-a-number
`
	c := newCompiler(t, "badopt")
	res, err := c.Compile([]NamedText{{Name: "DIR_CONFIG", Text: config}}, nil)
	require.NoError(t, err)

	assert.Empty(t, res.Jobs)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, "DIR_CONFIG", res.Errors[0].File)
	assert.NotZero(t, res.Errors[0].Line)
}

func TestCompileContinuesPastBadRule(t *testing.T) {
	config := simpleConfig + `
[directory]
/data/incoming/broken

[files]
*

[destination]

[recipient]
this is not a recipient url at all ` + "\x00" + `
`
	c := newCompiler(t, "continue")
	res, err := c.Compile([]NamedText{{Name: "DIR_CONFIG", Text: config}}, nil)
	require.NoError(t, err)

	// The good rule still compiled.
	assert.Len(t, res.Jobs, 1)
	assert.NotEmpty(t, res.Errors)
}

func TestCompilePersistsTables(t *testing.T) {
	c := newCompiler(t, "persist")
	res, err := c.Compile([]NamedText{{Name: "DIR_CONFIG", Text: simpleConfig}}, nil)
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)

	jid, dnb, _, fra, fsa := c.Tables()
	assert.Equal(t, 1, jid.Count())
	assert.Equal(t, 1, dnb.Count())
	assert.Equal(t, 1, fra.Count())
	assert.Equal(t, 1, fsa.Count())

	raw, err := jid.Record(0)
	require.NoError(t, err)
	var rec table.JobRecord
	rec.Decode(raw)
	assert.Equal(t, res.Jobs[0].JobID, rec.JobID)
	assert.Equal(t, "wx-primary", rec.HostAlias)
}

func TestIDRegistryCollisionTiebreak(t *testing.T) {
	r1 := newIDRegistry("test")
	idA := r1.id("input-a")
	idASame := r1.id("input-a")
	assert.Equal(t, idA, idASame)

	// Force a collision by pre-claiming input-b's id under other content.
	r2 := newIDRegistry("test")
	r2.seen[idA] = "something-else"
	forced := r2.id("input-a")
	assert.NotEqual(t, idA, forced, "collision must resolve to a new id")

	// The tiebreak is deterministic: a fresh registry with the same claim
	// resolves to the same id.
	r3 := newIDRegistry("test")
	r3.seen[idA] = "something-else"
	assert.Equal(t, forced, r3.id("input-a"))
}

func TestTimeOptionCompiles(t *testing.T) {
	config := `
[directory]
/data/incoming/timed

[files]
*

[destination]

[recipient]
ftp://anonymous@wx-primary/pub

[options]
time 0 12 * * *
timezone UTC
`
	c := newCompiler(t, "timed")
	res, err := c.Compile([]NamedText{{Name: "DIR_CONFIG", Text: config}}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Errors)

	require.Len(t, res.Jobs, 1)
	job := res.Jobs[0]
	assert.NotZero(t, job.LocalOptions&OptTime)
	assert.Equal(t, []string{"0 12 * * *"}, job.TimeEntries)
	assert.Equal(t, SendCollectTime, job.TimeMode)
	assert.Equal(t, "UTC", job.Timezone)
}

func TestRecompilePausesHostWithQueuedMessages(t *testing.T) {
	c := newCompiler(t, "retire")
	res, err := c.Compile([]NamedText{{Name: "DIR_CONFIG", Text: simpleConfig}}, nil)
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)

	// One message still queued for the job of wx-primary.
	work := filepath.Join(testBasePath, "retire")
	require.NoError(t, os.MkdirAll(constants.MessageDir(work), 0700))
	msg := make([]byte, constants.MaxBinMsgLength)
	copy(msg, "abc/0/1_2_0")
	msgFile := filepath.Join(constants.MessageDir(work), fmt.Sprintf("%x", res.Jobs[0].JobID))
	require.NoError(t, os.WriteFile(msgFile, msg, 0600))

	other := strings.ReplaceAll(simpleConfig, "wx-primary", "gts-relay")
	res, err = c.Recompile([]NamedText{{Name: "DIR_CONFIG", Text: other}}, nil)
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)

	// The unreferenced host stays in the FSA, paused, next to the new one.
	_, _, _, _, fsa := c.Tables()
	require.Equal(t, 2, fsa.Count())
	found := false
	for i := 0; i < fsa.Count(); i++ {
		raw, err := fsa.Record(i)
		require.NoError(t, err)
		var rec table.HostRecord
		rec.Decode(raw)
		if rec.Alias == "wx-primary" {
			found = true
			assert.NotZero(t, rec.HostStatus&constants.HostPaused)
		}
	}
	assert.True(t, found, "host with queued messages must stay in the FSA")
}

func TestRenameHeaderValidated(t *testing.T) {
	rulePath := filepath.Join(testBasePath, "rename.rule")
	require.NoError(t, os.WriteFile(rulePath, []byte("[wmo]\nTT* gts/*\n"), 0644))
	cache, err := renamerule.NewCache(rulePath)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	config := `
[directory]
/data/incoming/gts

[files]
*

[destination]

[recipient]
ftp://anonymous@wx-primary/pub

[options]
rename %s
`
	c := newCompiler(t, "renamed")
	c.SetRenameRules(cache)

	res, err := c.Compile([]NamedText{{Name: "DIR_CONFIG", Text: fmt.Sprintf(config, "wmo")}}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	require.Len(t, res.Jobs, 1)
	assert.NotZero(t, res.Jobs[0].LocalOptions&OptRename)

	res, err = c.Recompile([]NamedText{{Name: "DIR_CONFIG", Text: fmt.Sprintf(config, "nosuch")}}, nil)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Reason, "[nosuch]")
	assert.Empty(t, res.Jobs)
}
