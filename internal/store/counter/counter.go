//go:build linux

// Package counter provides the small named-counter files used for unique
// message numbers and per-rule bulletin counters. A counter is a 4-byte file
// incremented under an advisory lock so cooperating processes never hand out
// the same value.
package counter

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/gofrs/flock"
)

// Counter is one attached counter file.
type Counter struct {
	path     string
	fileLock *flock.Flock
}

// Attach opens or creates the counter file at path.
func Attach(path string) (*Counter, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("Attach: error opening counter %s -> %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("Attach: error stating counter %s -> %w", path, err)
	}
	if fi.Size() < 4 {
		var zero [4]byte
		if _, err := f.WriteAt(zero[:], 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("Attach: error initializing counter %s -> %w", path, err)
		}
	}
	f.Close()

	return &Counter{
		path:     path,
		fileLock: flock.New(path + ".lock"),
	}, nil
}

// Next returns the current counter value and advances it by one, wrapping
// at max. The read-increment-write runs under the file lock, so the value
// is unique across processes and never outside [0, max).
func (c *Counter) Next(max uint32) (uint32, error) {
	if max == 0 {
		return 0, fmt.Errorf("Next: max must be positive")
	}

	if err := c.fileLock.Lock(); err != nil {
		return 0, fmt.Errorf("Next: error locking counter %s -> %w", c.path, err)
	}
	defer func() {
		_ = c.fileLock.Unlock()
	}()

	f, err := os.OpenFile(c.path, os.O_RDWR, 0644)
	if err != nil {
		return 0, fmt.Errorf("Next: error opening counter %s -> %w", c.path, err)
	}
	defer f.Close()

	var buf [4]byte
	if _, err := f.ReadAt(buf[:], 0); err != nil {
		return 0, fmt.Errorf("Next: error reading counter %s -> %w", c.path, err)
	}

	value := binary.LittleEndian.Uint32(buf[:]) % max

	binary.LittleEndian.PutUint32(buf[:], (value+1)%max)
	if _, err := f.WriteAt(buf[:], 0); err != nil {
		return 0, fmt.Errorf("Next: error writing counter %s -> %w", c.path, err)
	}
	return value, nil
}
