//go:build linux

package dupcheck

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afd-plus/afd-plus/internal/store/constants"
)

var testBasePath string

func TestMain(m *testing.M) {
	var err error
	testBasePath, err = os.MkdirTemp("", "afd-plus-dupcheck-test-*")
	if err != nil {
		fmt.Printf("Failed to create temp directory: %v\n", err)
		os.Exit(1)
	}
	code := m.Run()
	os.RemoveAll(testBasePath)
	os.Exit(code)
}

func newStore(t *testing.T, name string) *Store {
	t.Helper()
	s, err := Initialize(filepath.Join(testBasePath, name+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFilenameDuplicate(t *testing.T) {
	s := newStore(t, "filename")
	flag := uint32(constants.DcFilenameOnly | constants.DcCRC32)

	hit, err := s.IsDuplicate(1, flag, 3600, "a.txt", "")
	require.NoError(t, err)
	assert.False(t, hit)

	hit, err = s.IsDuplicate(1, flag, 3600, "a.txt", "")
	require.NoError(t, err)
	assert.True(t, hit)

	// Same key under another job is independent.
	hit, err = s.IsDuplicate(2, flag, 3600, "a.txt", "")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestContentDuplicate(t *testing.T) {
	s := newStore(t, "content")
	flag := uint32(constants.DcFileContent | constants.DcXXH3)

	p1 := filepath.Join(testBasePath, "c1")
	p2 := filepath.Join(testBasePath, "c2")
	require.NoError(t, os.WriteFile(p1, []byte("same payload"), 0644))
	require.NoError(t, os.WriteFile(p2, []byte("same payload"), 0644))

	hit, err := s.IsDuplicate(1, flag, 3600, "first-name", p1)
	require.NoError(t, err)
	assert.False(t, hit)

	// Different name, identical content: still a duplicate.
	hit, err = s.IsDuplicate(1, flag, 3600, "second-name", p2)
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestExpiredWindowForgets(t *testing.T) {
	s := newStore(t, "expire")
	flag := uint32(constants.DcFilenameOnly | constants.DcCRC32C)

	hit, err := s.IsDuplicate(1, flag, 5, "short.txt", "")
	require.NoError(t, err)
	assert.False(t, hit)

	// Age the row past the window; the next check prunes it.
	_, err = s.writeDb.Exec("UPDATE seen SET first_seen = first_seen - 60")
	require.NoError(t, err)

	hit, err = s.IsDuplicate(1, flag, 5, "short.txt", "")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestForget(t *testing.T) {
	s := newStore(t, "forget")
	flag := uint32(constants.DcFilenameOnly | constants.DcCRC32)

	_, err := s.IsDuplicate(7, flag, 3600, "x.txt", "")
	require.NoError(t, err)
	require.NoError(t, s.Forget(7))

	hit, err := s.IsDuplicate(7, flag, 3600, "x.txt", "")
	require.NoError(t, err)
	assert.False(t, hit)
}
