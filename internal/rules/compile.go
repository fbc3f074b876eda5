//go:build linux

package rules

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/afd-plus/afd-plus/internal/rules/renamerule"
	"github.com/afd-plus/afd-plus/internal/store/constants"
	"github.com/afd-plus/afd-plus/internal/store/table"
	"github.com/afd-plus/afd-plus/internal/syslog"
)

// NamedText is one DIR_CONFIG source with the name used in error records.
type NamedText struct {
	Name string
	Text string
}

// Compiler owns the on-disk JID/DNB/FMD writes. It is the single writer of
// those tables; scanners and dispatchers only read.
type Compiler struct {
	work string

	jid *table.Table
	dnb *table.Table
	fmd *table.Table
	fra *table.Table
	fsa *table.Table

	renameRules *renamerule.Cache
}

type compilation struct {
	c      *Compiler
	result *Result

	jobIDs  *idRegistry
	dirIDs  *idRegistry
	maskIDs *idRegistry

	dirConfigID uint32
}

// New attaches the persistent tables below work.
func New(work string) (*Compiler, error) {
	if err := os.MkdirAll(constants.FifoDir(work), 0755); err != nil {
		return nil, fmt.Errorf("New: error creating fifodir -> %w", err)
	}

	jid, err := table.AttachJID(constants.JIDFile(work))
	if err != nil {
		return nil, err
	}
	dnb, err := table.AttachDNB(constants.DNBFile(work))
	if err != nil {
		jid.Detach()
		return nil, err
	}
	fmd, err := table.AttachFMD(constants.FMDFile(work))
	if err != nil {
		jid.Detach()
		dnb.Detach()
		return nil, err
	}
	fra, err := table.AttachFRA(constants.FRAFile(work))
	if err != nil {
		jid.Detach()
		dnb.Detach()
		fmd.Detach()
		return nil, err
	}
	fsa, err := table.AttachFSA(constants.FSAFile(work))
	if err != nil {
		jid.Detach()
		dnb.Detach()
		fmd.Detach()
		fra.Detach()
		return nil, err
	}

	return &Compiler{work: work, jid: jid, dnb: dnb, fmd: fmd, fra: fra, fsa: fsa}, nil
}

// Close detaches all tables.
func (c *Compiler) Close() {
	_ = c.jid.Detach()
	_ = c.dnb.Detach()
	_ = c.fmd.Detach()
	_ = c.fra.Detach()
	_ = c.fsa.Detach()
}

// SetRenameRules lets the compiler verify rename and trans_rename headers
// against the loaded rename.rule files. Without a cache any header is
// accepted.
func (c *Compiler) SetRenameRules(cache *renamerule.Cache) {
	c.renameRules = cache
}

// Tables exposes the attached tables to the scanner and dispatcher.
func (c *Compiler) Tables() (jid, dnb, fmd, fra, fsa *table.Table) {
	return c.jid, c.dnb, c.fmd, c.fra, c.fsa
}

// Compile transforms the DIR_CONFIG texts into the runtime arrays and
// rewrites the on-disk tables. Identical inputs always produce identical
// table contents; a rule with a problem is dropped with a ParseError and the
// rest of the input still compiles.
func (c *Compiler) Compile(texts []NamedText, groups map[string][]string) (*Result, error) {
	comp := &compilation{
		c:       c,
		result:  &Result{},
		jobIDs:  newIDRegistry("job"),
		dirIDs:  newIDRegistry("dir"),
		maskIDs: newIDRegistry("file-mask"),
	}

	if groups == nil {
		groups = make(map[string][]string)
	}

	for _, text := range texts {
		comp.dirConfigID = comp.dirIDs.id("dir-config\x00" + text.Name)
		stanzas := parseText(text.Name, text.Text, groups, &comp.result.Errors)
		for _, st := range stanzas {
			comp.compileStanza(st, groups)
		}
	}

	if err := c.persist(comp.result); err != nil {
		return comp.result, err
	}
	return comp.result, nil
}

// Recompile is Compile plus retirement: hosts no longer referenced by any
// rule are removed from the FSA unless a queued message still targets them,
// in which case they are paused instead.
func (c *Compiler) Recompile(texts []NamedText, groups map[string][]string) (*Result, error) {
	prevHosts := make(map[string]table.HostRecord)
	for i := 0; i < c.fsa.Count(); i++ {
		b, err := c.fsa.Record(i)
		if err != nil {
			break
		}
		var rec table.HostRecord
		rec.Decode(b)
		prevHosts[rec.Alias] = rec
	}

	// Message files are keyed by job id, so the host to job mapping of the
	// outgoing JID table must be taken before Compile rewrites it.
	prevJobs := make(map[string][]uint32)
	for i := 0; i < c.jid.Count(); i++ {
		b, err := c.jid.Record(i)
		if err != nil {
			break
		}
		var rec table.JobRecord
		rec.Decode(b)
		prevJobs[rec.HostAlias] = append(prevJobs[rec.HostAlias], rec.JobID)
	}

	result, err := c.Compile(texts, groups)
	if err != nil {
		return result, err
	}

	referenced := make(map[string]struct{})
	for _, job := range result.Jobs {
		referenced[job.HostAlias] = struct{}{}
	}

	for alias, rec := range prevHosts {
		if _, ok := referenced[alias]; ok {
			continue
		}
		if hasQueuedMessages(c.work, prevJobs[alias]) {
			rec.HostStatus |= constants.HostPaused
			b, _, aerr := c.fsa.Append()
			if aerr != nil {
				return result, aerr
			}
			rec.Encode(b)
			syslog.L.Info().WithField("host", alias).
				WithMessage("host unreferenced but has queued messages, paused").Write()
		}
	}
	return result, nil
}

// hasQueuedMessages reports whether any of the host's jobs still has a
// non-empty message file in the message directory.
func hasQueuedMessages(work string, jobIDs []uint32) bool {
	for _, id := range jobIDs {
		fi, err := os.Stat(filepath.Join(constants.MessageDir(work), fmt.Sprintf("%x", id)))
		if err == nil && fi.Size() > 0 {
			return true
		}
	}
	return false
}

func (comp *compilation) compileStanza(st dirStanza, groups map[string][]string) {
	fail := func(line int, reason string) {
		comp.result.Errors = append(comp.result.Errors,
			ParseError{File: st.file, Line: line, Reason: reason})
	}

	if st.Location == "" {
		fail(st.line, "stanza without a location")
		return
	}

	locations, err := expandLocation(st.Location, groups, 0)
	if err != nil {
		fail(st.line, err.Error())
		return
	}

	dirOpts, timeEntries, err := parseDirOptions(st.DirOptionLines)
	if err != nil {
		fail(st.line, err.Error())
		return
	}

	for _, location := range locations {
		comp.compileDirectory(st, location, dirOpts, timeEntries, fail)
	}
}

func (comp *compilation) compileDirectory(st dirStanza, location string, dirOpts DirOptions, timeEntries []string, fail func(int, string)) {
	protocol, canonical := canonicalLocation(location)
	dirID := comp.dirID(canonical)

	entry := DirectoryEntry{
		Alias:       fmt.Sprintf("%x", dirID),
		Dir:         canonical,
		DirID:       dirID,
		DirConfigID: comp.dirConfigID,
		Protocol:    protocol,
		Options:     dirOpts,
		TimeEntries: timeEntries,
		FraPos:      len(comp.result.Dirs),
	}

	jobsInDir := 0
	for _, fg := range st.FileGroups {
		if len(fg.Masks) == 0 {
			fail(fg.line, "[files] group without masks")
			continue
		}

		group := FileGroup{
			Masks:      fg.Masks,
			FileMaskID: comp.fileMaskID(fg.Masks, ""),
		}

		for _, dst := range fg.Destinations {
			if len(dst.Recipients) == 0 {
				fail(dst.line, "[destination] without recipients")
				continue
			}
			for _, recipient := range dst.Recipients {
				job, err := comp.compileJob(entry, group, recipient, dst.OptionLines, dirOpts)
				if err != nil {
					fail(dst.line, err.Error())
					continue
				}
				comp.result.Jobs = append(comp.result.Jobs, job)
				group.JobIndexes = append(group.JobIndexes, len(comp.result.Jobs)-1)
				jobsInDir++
			}
		}

		if len(fg.Destinations) == 0 {
			fail(fg.line, "[files] group without a destination")
			continue
		}
		entry.FileGroups = append(entry.FileGroups, group)
	}

	if len(entry.FileGroups) == 0 {
		return
	}

	// A directory feeding exactly one job may move files by rename when
	// source and pool share a filesystem.
	if jobsInDir == 1 && dirOpts.Remove {
		for i := range comp.result.Jobs {
			if comp.result.Jobs[i].DirID == dirID {
				comp.result.Jobs[i].Lfs |= constants.RenameOneJobOnly
			}
		}
	}

	comp.result.Dirs = append(comp.result.Dirs, entry)
}

func (comp *compilation) compileJob(entry DirectoryEntry, group FileGroup, recipient string, optionLines []string, dirOpts DirOptions) (InstantJob, error) {
	hostAlias, protocol, err := parseRecipient(recipient)
	if err != nil {
		return InstantJob{}, err
	}

	job := InstantJob{
		DirID:       entry.DirID,
		DirConfigID: entry.DirConfigID,
		FileMaskID:  group.FileMaskID,
		Priority:    '9',
		Recipient:   recipient,
		HostAlias:   hostAlias,
		Protocol:    protocol,
		FileMasks:   group.Masks,
		FraPos:      entry.FraPos,
		TimeMode:    SendCollectTime,
	}

	for _, line := range optionLines {
		if err := applyOption(&job, line); err != nil {
			return InstantJob{}, err
		}
	}

	if comp.c.renameRules != nil && job.LocalOptions&OptRename != 0 {
		for _, line := range job.OptionLines {
			for _, token := range []string{"rename", "trans_rename"} {
				rest, ok := matchToken(line, token)
				if !ok {
					continue
				}
				header := strings.Fields(rest)[0]
				if !comp.c.renameRules.Has(header) {
					return InstantJob{}, fmt.Errorf("no [%s] rule set in any rename.rule file", header)
				}
			}
		}
	}

	// Directory-level dupcheck applies when the job has none of its own.
	if job.DupcheckFlag == 0 && dirOpts.DupcheckFlag != 0 {
		job.LocalOptions |= OptDupcheck
		job.DupcheckFlag = dirOpts.DupcheckFlag
		job.DupcheckTimeout = dirOpts.DupcheckTimeout
	}
	if job.Timezone == "" {
		job.Timezone = dirOpts.Timezone
	}

	if job.LocalOptions&OptForceCopy != 0 {
		job.Lfs |= constants.DoNotLinkFiles
	}
	if job.LocalOptions&OptDelete != 0 {
		job.Lfs |= constants.DeleteAllFiles
	}
	if len(group.Masks) == 1 && group.Masks[0] == "*" {
		job.Lfs |= constants.AllFiles
	}

	blob := strings.Join(job.OptionLines, "\n")
	if len(blob) > constants.MaxOptionsLength {
		return InstantJob{}, fmt.Errorf("options blob exceeds %d bytes", constants.MaxOptionsLength)
	}
	job.JobID = comp.jobID(job.Priority, job.DirID, recipient, job.FileMaskID, hostAlias, blob)
	return job, nil
}

// canonicalLocation classifies a location as local path or pull URL and
// returns its canonical form. Local paths are cleaned; URLs keep their text
// form so the dir-id stays stable.
func canonicalLocation(location string) (uint32, string) {
	switch {
	case strings.HasPrefix(location, "ftp://"):
		return table.ProtoFTP, location
	case strings.HasPrefix(location, "sftp://"):
		return table.ProtoSFTP, location
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return table.ProtoHTTP, location
	default:
		return table.ProtoLocal, filepath.Clean(location)
	}
}

func parseRecipient(recipient string) (hostAlias string, protocol uint32, err error) {
	u, err := url.Parse(recipient)
	if err != nil {
		return "", 0, fmt.Errorf("bad recipient %q: %w", recipient, err)
	}

	var bit uint32
	switch u.Scheme {
	case "ftp", "ftps":
		bit = table.ProtoBitFTP
	case "sftp":
		bit = table.ProtoBitSFTP
	case "mailto", "smtp":
		bit = table.ProtoBitSMTP
	case "http", "https":
		bit = table.ProtoBitHTTP
	case "scp":
		bit = table.ProtoBitSCP
	case "wmo":
		bit = table.ProtoBitWMO
	case "file":
		bit = table.ProtoBitLocal
	default:
		return "", 0, fmt.Errorf("unknown recipient scheme %q", u.Scheme)
	}

	alias := u.Hostname()
	if alias == "" && u.Scheme == "mailto" {
		// mailto:user@host has the host in the opaque part.
		if at := strings.LastIndexByte(u.Opaque, '@'); at >= 0 {
			alias = u.Opaque[at+1:]
		}
	}
	if alias == "" && bit == table.ProtoBitLocal {
		alias = "localhost"
	}
	if alias == "" {
		return "", 0, fmt.Errorf("recipient %q has no host", recipient)
	}
	if len(alias) > constants.MaxHostnameLength {
		return "", 0, fmt.Errorf("host alias %q exceeds %d bytes", alias, constants.MaxHostnameLength)
	}
	return alias, bit, nil
}
