//go:build linux

package dispatch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/afd-plus/afd-plus/internal/store/constants"
	"github.com/afd-plus/afd-plus/internal/syslog"
)

// CreateName builds the unique work directory of one dispatched job. The
// last three path components encode the directory number, the priority with
// the creation time, and the unique/split counters. Collisions bump the
// split counter until mkdir succeeds; ENOSPC sleeps and retries forever,
// logging one ERROR on entry and one INFO once space is back.
func CreateName(destRoot string, priority byte, t time.Time, dirNo uint32, unique uint32, split *uint32) (string, error) {
	diskFull := false
	for {
		name := filepath.Join(destRoot,
			fmt.Sprintf("%x", dirNo),
			fmt.Sprintf("%c_%x", priority, t.Unix()),
			fmt.Sprintf("%x_%x", unique, *split))

		err := os.MkdirAll(filepath.Dir(name), 0700)
		if err == nil {
			err = os.Mkdir(name, 0700)
		}
		switch {
		case err == nil:
			if diskFull {
				syslog.L.Info().WithMessage("Continuing after disk was full").Write()
			}
			return name, nil
		case errors.Is(err, unix.EEXIST):
			*split++
		case errors.Is(err, unix.ENOSPC):
			if !diskFull {
				syslog.L.Error(err).WithMessage("DISK FULL!!!").Write()
				diskFull = true
			}
			time.Sleep(constants.DiskFullRescanTime)
		default:
			return "", fmt.Errorf("CreateName: error creating %s -> %w", name, err)
		}
	}
}
