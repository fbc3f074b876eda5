//go:build linux

package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/afd-plus/afd-plus/internal/store/constants"
	"github.com/afd-plus/afd-plus/internal/store/table"
)

// persist rewrites the on-disk tables from a compile result. The JID header
// lock covers the whole rewrite so readers never see a half-written set.
// Compiles of identical input produce bit-identical tables: records are
// emitted in result order and ids derive from rule content.
func (c *Compiler) persist(result *Result) error {
	if err := c.jid.Lock(); err != nil {
		return err
	}
	defer func() {
		_ = c.jid.Unlock()
	}()

	if err := c.persistJobs(result); err != nil {
		return err
	}
	if err := c.persistDirs(result); err != nil {
		return err
	}
	if err := c.persistMasks(result); err != nil {
		return err
	}
	if err := c.persistHosts(result); err != nil {
		return err
	}
	return c.writeFilterBlobs(result)
}

func (c *Compiler) persistJobs(result *Result) error {
	c.jid.Truncate(0)
	for _, job := range result.Jobs {
		b, _, err := c.jid.Append()
		if err != nil {
			return err
		}
		rec := table.JobRecord{
			JobID:        job.JobID,
			DirID:        job.DirID,
			FileMaskID:   job.FileMaskID,
			DirConfigID:  job.DirConfigID,
			Priority:     job.Priority,
			LocalOptions: job.LocalOptions,
			AgeLimit:     job.AgeLimit,
			HostAlias:    job.HostAlias,
			Recipient:    job.Recipient,
			Options:      strings.Join(job.OptionLines, "\n"),
		}
		rec.Encode(b)
	}
	return c.jid.Sync()
}

func (c *Compiler) persistDirs(result *Result) error {
	c.dnb.Truncate(0)
	c.fra.Truncate(0)
	for _, dir := range result.Dirs {
		b, _, err := c.dnb.Append()
		if err != nil {
			return err
		}
		dnbRec := table.DirNameRecord{
			DirID:       dir.DirID,
			DirConfigID: dir.DirConfigID,
			Dir:         dir.Dir,
		}
		dnbRec.Encode(b)

		b, _, err = c.fra.Append()
		if err != nil {
			return err
		}
		fraRec := table.RetrieveRecord{
			Alias:             dir.Alias,
			URL:               dir.Dir,
			DirID:             dir.DirID,
			Protocol:          dir.Protocol,
			Flags:             fraFlags(dir.Options),
			StupidMode:        dir.Options.StupidMode,
			IgnoreSize:        dir.Options.IgnoreSize,
			IgnoreSizeCmp:     dir.Options.IgnoreSizeCmp,
			IgnoreFileTime:    dir.Options.IgnoreFileTime,
			IgnoreFileTimeCmp: dir.Options.IgnoreFileTimeCmp,
			MaxCopiedFiles:    dir.Options.MaxCopiedFiles,
			MaxCopiedFileSize: dir.Options.MaxCopiedFileSize,
			DupcheckFlag:      dir.Options.DupcheckFlag,
			DupcheckTimeout:   dir.Options.DupcheckTimeout,
			WaitForFilename:   dir.Options.WaitForFilename,
			Timezone:          dir.Options.Timezone,
			TimeEntries:       dir.TimeEntries,
		}
		fraRec.Encode(b)
	}
	if err := c.dnb.Sync(); err != nil {
		return err
	}
	return c.fra.Sync()
}

func fraFlags(o DirOptions) uint32 {
	var flags uint32
	if o.Remove {
		flags |= table.FraRemove
	}
	if o.AcceptDotFiles {
		flags |= table.FraAcceptDotFiles
	}
	if o.DoNotGetDirList {
		flags |= table.FraDoNotGetDirList
	}
	if o.Mirror {
		flags |= table.FraMirror
	}
	if o.Accumulate {
		flags |= table.FraAccumulate
	}
	if o.IgnoreSizeCmp != 0 {
		flags |= table.FraIgnoreSize
	}
	if o.IgnoreFileTimeCmp != 0 {
		flags |= table.FraIgnoreFileTime
	}
	return flags
}

func (c *Compiler) persistMasks(result *Result) error {
	c.fmd.Truncate(0)
	written := make(map[uint32]struct{})
	for _, dir := range result.Dirs {
		for _, fg := range dir.FileGroups {
			if _, ok := written[fg.FileMaskID]; ok {
				continue
			}
			written[fg.FileMaskID] = struct{}{}

			b, _, err := c.fmd.Append()
			if err != nil {
				return err
			}
			rec := table.FileMaskRecord{
				FileMaskID:       fg.FileMaskID,
				AdditionalLocked: fg.AdditionalLocked,
				Masks:            fg.Masks,
			}
			rec.Encode(b)
		}
	}
	return c.fmd.Sync()
}

// persistHosts rewrites the FSA, carrying over the live status fields of
// hosts that survive the compile. New hosts start with one allowed transfer.
func (c *Compiler) persistHosts(result *Result) error {
	prev := make(map[string]table.HostRecord)
	for i := 0; i < c.fsa.Count(); i++ {
		b, err := c.fsa.Record(i)
		if err != nil {
			return err
		}
		var rec table.HostRecord
		rec.Decode(b)
		prev[rec.Alias] = rec
	}

	c.fsa.Truncate(0)
	pos := make(map[string]int)
	for i := range result.Jobs {
		job := &result.Jobs[i]
		if p, ok := pos[job.HostAlias]; ok {
			job.FsaPos = p
			b, err := c.fsa.Record(p)
			if err != nil {
				return err
			}
			var rec table.HostRecord
			rec.Decode(b)
			rec.Protocols |= job.Protocol
			rec.Encode(b)
			continue
		}

		rec, ok := prev[job.HostAlias]
		if !ok {
			rec = table.HostRecord{
				Alias:            job.HostAlias,
				RealHostname:     [2]string{job.HostAlias, ""},
				AllowedTransfers: 1,
			}
		}
		rec.Protocols |= job.Protocol

		b, p, err := c.fsa.Append()
		if err != nil {
			return err
		}
		rec.Encode(b)
		pos[job.HostAlias] = p
		job.FsaPos = p
	}
	c.fsa.MarkDirty()
	return c.fsa.Sync()
}

// writeFilterBlobs persists each directory's compiled mask lists under
// files/incoming/filters/<alias> for the monitoring side.
func (c *Compiler) writeFilterBlobs(result *Result) error {
	dir := constants.FiltersDir(c.work)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("writeFilterBlobs: error creating %s -> %w", dir, err)
	}

	for _, d := range result.Dirs {
		var sb strings.Builder
		for _, fg := range d.FileGroups {
			fmt.Fprintf(&sb, "%x\n", fg.FileMaskID)
			for _, m := range fg.Masks {
				sb.WriteString(m)
				sb.WriteByte('\n')
			}
			sb.WriteByte('\n')
		}
		path := filepath.Join(dir, d.Alias)
		if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
			return fmt.Errorf("writeFilterBlobs: error writing %s -> %w", path, err)
		}
	}
	return nil
}
