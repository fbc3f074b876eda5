//go:build linux

package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/afd-plus/afd-plus/internal/bulletin"
	"github.com/afd-plus/afd-plus/internal/filter"
	"github.com/afd-plus/afd-plus/internal/rules"
	"github.com/afd-plus/afd-plus/internal/syslog"
)

// transformBits are the local options handled between materialising a file
// and queueing its message. The trans_* variants run on the transfer side
// and are left alone here.
const transformBits = rules.OptExtract | rules.OptAssemble | rules.OptConvert |
	rules.OptGrib2WMO | rules.OptFax2GTS | rules.OptExec | rules.OptSrename |
	rules.OptRename | rules.OptDelPrefix | rules.OptAddPrefix |
	rules.OptToUpper | rules.OptToLower | rules.OptBasename |
	rules.OptExtension | rules.OptChmod | rules.OptLchmod

// optionArg returns the argument of the first retained option line starting
// with token. A "rename" token never matches a "trans_rename" line since the
// prefix must end at a blank.
func optionArg(job *rules.InstantJob, token string) (string, bool) {
	for _, line := range job.OptionLines {
		if rest, ok := rules.CutOption(line, token); ok {
			return rest, true
		}
	}
	return "", false
}

// applyOptions runs the job's transformations on the files of one work
// directory. Content options run first since extract and assemble change the
// file set, name options follow, mode bits come last. The returned names are
// what ended up in the directory.
func (d *Dispatcher) applyOptions(ctx context.Context, job *rules.InstantJob, workDir, fileName string, now time.Time) ([]string, error) {
	files := []string{fileName}

	if arg, ok := optionArg(job, "extract"); ok {
		out, err := d.extractFiles(workDir, files, arg)
		if err != nil {
			return files, err
		}
		files = out
	}

	if arg, ok := optionArg(job, "assemble"); ok && len(files) > 0 {
		typ, err := bulletin.ParseFrameType(arg)
		if err != nil {
			return files, fmt.Errorf("applyOptions: %w", err)
		}
		inputs := make([]string, len(files))
		for i, f := range files {
			inputs[i] = filepath.Join(workDir, f)
		}
		if err := bulletin.AssembleFiles(inputs, filepath.Join(workDir, files[0]), typ, -1); err != nil {
			return files, err
		}
		for _, f := range files[1:] {
			os.Remove(filepath.Join(workDir, f))
		}
		files = files[:1]
	}

	if arg, ok := optionArg(job, "convert"); ok {
		for _, f := range files {
			if err := rewriteFile(workDir, f, func(data []byte) ([]byte, error) {
				return bulletin.ConvertText(arg, data)
			}); err != nil {
				return files, err
			}
		}
	}

	if arg, ok := optionArg(job, "grib2wmo"); ok {
		for _, f := range files {
			err := rewriteFile(workDir, f, func(data []byte) ([]byte, error) {
				return bulletin.Grib2WMO(f, arg, data)
			})
			if err != nil {
				syslog.L.Warn().WithField("file", f).
					WithMessagef("grib2wmo skipped: %v", err).Write()
			}
		}
	}

	if arg, ok := optionArg(job, "fax2gts"); ok {
		code := 0
		if arg != "" {
			code, _ = strconv.Atoi(arg)
		}
		for _, f := range files {
			err := rewriteFile(workDir, f, func(data []byte) ([]byte, error) {
				return bulletin.Fax2GTS(f, data, code)
			})
			if err != nil {
				syslog.L.Warn().WithField("file", f).
					WithMessagef("fax2gts skipped: %v", err).Write()
			}
		}
	}

	if arg, ok := optionArg(job, "exec"); ok {
		if err := runExec(ctx, workDir, files, arg); err != nil {
			syslog.L.Error(err).WithField("job", fmt.Sprintf("%x", job.JobID)).
				WithMessage("exec option failed").Write()
		}
		// The command may have renamed, added or consumed files.
		files = listWorkDir(workDir)
	}

	if arg, ok := optionArg(job, "srename"); ok && len(strings.Fields(arg)) == 2 {
		fields := strings.Fields(arg)
		for i, f := range files {
			if filter.Sfilter(fields[0], f, 0) != filter.Match {
				continue
			}
			files[i] = renameInDir(workDir, f, expandRenameTo(fields[1], f, now), true)
		}
	}

	if arg, ok := optionArg(job, "rename"); ok && d.renameRules != nil {
		for i, f := range files {
			if to, ok := d.renameRules.Lookup(arg, f); ok {
				files[i] = renameInDir(workDir, f, expandRenameTo(to, f, now), true)
			}
		}
	}

	if arg, ok := optionArg(job, "del prefix"); ok {
		for i, f := range files {
			if rest, found := strings.CutPrefix(f, arg); found && rest != "" {
				files[i] = renameInDir(workDir, f, rest, true)
			}
		}
	}
	if arg, ok := optionArg(job, "add prefix"); ok {
		for i, f := range files {
			files[i] = renameInDir(workDir, f, expandRenameTo(arg, "", now)+f, true)
		}
	}
	if job.LocalOptions&rules.OptToUpper != 0 {
		for i, f := range files {
			files[i] = renameInDir(workDir, f, strings.ToUpper(f), true)
		}
	}
	if job.LocalOptions&rules.OptToLower != 0 {
		for i, f := range files {
			files[i] = renameInDir(workDir, f, strings.ToLower(f), true)
		}
	}
	if arg, ok := optionArg(job, "basename"); ok {
		for i, f := range files {
			if dot := strings.IndexByte(f, '.'); dot > 0 {
				files[i] = renameInDir(workDir, f, f[:dot], arg == "overwrite")
			}
		}
	}
	if arg, ok := optionArg(job, "extension"); ok {
		for i, f := range files {
			if dot := strings.LastIndexByte(f, '.'); dot > 0 {
				files[i] = renameInDir(workDir, f, f[:dot], arg == "overwrite")
			}
		}
	}

	for _, token := range []string{"lchmod", "chmod"} {
		arg, ok := optionArg(job, token)
		if !ok {
			continue
		}
		mode, err := strconv.ParseUint(arg, 8, 32)
		if err != nil {
			continue
		}
		for _, f := range files {
			if err := os.Chmod(filepath.Join(workDir, f), os.FileMode(mode)); err != nil {
				syslog.L.Warn().WithField("file", f).
					WithMessagef("%s failed: %v", token, err).Write()
			}
		}
	}

	return files, nil
}

// extractFiles splits each framed file into one file per bulletin. GRIB and
// BINARY go through the tag chopper, the length-framed types through the
// frame decoder with a 3-digit part suffix.
func (d *Dispatcher) extractFiles(workDir string, files []string, arg string) ([]string, error) {
	fields := strings.Fields(arg)
	flags, typName := "", arg
	if len(fields) == 2 {
		flags, typName = fields[0], fields[1]
	}

	if typName == "GRIB" || typName == "BINARY" {
		for _, f := range files {
			err := bulletin.BinFileChopper(filepath.Join(workDir, f), workDir, bulletin.ChopperOptions{
				WMOHeaderFileName: strings.ContainsRune(flags, 'H'),
				Counter:           d.counter,
			})
			if err != nil {
				return files, err
			}
		}
		return listWorkDir(workDir), nil
	}

	typ, err := bulletin.ParseFrameType(typName)
	if err != nil {
		return files, fmt.Errorf("extractFiles: %w", err)
	}

	var out []string
	for _, f := range files {
		path := filepath.Join(workDir, f)
		data, err := os.ReadFile(path)
		if err != nil {
			return files, fmt.Errorf("extractFiles: error reading %s -> %w", path, err)
		}
		parts, err := bulletin.Extract(data, typ)
		if err != nil {
			return files, fmt.Errorf("extractFiles: %s -> %w", f, err)
		}
		for i, part := range parts {
			name := fmt.Sprintf("%s.%03d", f, i)
			if err := os.WriteFile(filepath.Join(workDir, name), part, 0644); err != nil {
				return files, fmt.Errorf("extractFiles: error writing %s -> %w", name, err)
			}
			out = append(out, name)
		}
		os.Remove(path)
	}
	return out, nil
}

// rewriteFile replaces one file's contents with fn's output. The result
// lands in a working file first; the rename breaks the hard link shared
// with the pool copy, which must keep its original bytes for the other
// destinations.
func rewriteFile(dir, name string, fn func([]byte) ([]byte, error)) error {
	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("rewriteFile: error reading %s -> %w", path, err)
	}
	out, err := fn(data)
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, "."+name+".converting")
	if err := os.WriteFile(tmp, out, 0644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rewriteFile: error writing %s -> %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rewriteFile: error renaming to %s -> %w", path, err)
	}
	return nil
}

// renameInDir renames one file inside dir and returns the name now in use.
// A failed or refused rename keeps the old name so the caller's list stays
// truthful.
func renameInDir(dir, from, to string, overwrite bool) string {
	if to == "" || to == from {
		return from
	}
	dst := filepath.Join(dir, to)
	if !overwrite {
		if _, err := os.Lstat(dst); err == nil {
			return from
		}
	}
	if err := os.Rename(filepath.Join(dir, from), dst); err != nil {
		syslog.L.Warn().WithField("file", from).
			WithMessagef("rename to %s failed: %v", to, err).Write()
		return from
	}
	return to
}

// expandRenameTo builds a target name from a rename-to pattern. `*` inserts
// the source name, `%tX` a time field of the dispatch instant and `%%` a
// literal percent sign.
func expandRenameTo(pattern, name string, now time.Time) string {
	var out strings.Builder
	for i := 0; i < len(pattern); i++ {
		switch {
		case pattern[i] == '*':
			out.WriteString(name)
		case pattern[i] == '%' && i+1 < len(pattern) && pattern[i+1] == '%':
			out.WriteByte('%')
			i++
		case pattern[i] == '%' && i+2 < len(pattern) && pattern[i+1] == 't':
			switch pattern[i+2] {
			case 'Y':
				fmt.Fprintf(&out, "%04d", now.Year())
			case 'y':
				fmt.Fprintf(&out, "%02d", now.Year()%100)
			case 'm':
				fmt.Fprintf(&out, "%02d", now.Month())
			case 'd':
				fmt.Fprintf(&out, "%02d", now.Day())
			case 'H':
				fmt.Fprintf(&out, "%02d", now.Hour())
			case 'M':
				fmt.Fprintf(&out, "%02d", now.Minute())
			case 'S':
				fmt.Fprintf(&out, "%02d", now.Second())
			case 'U':
				fmt.Fprintf(&out, "%d", now.Unix())
			default:
				out.WriteString(pattern[i : i+3])
			}
			i += 2
		default:
			out.WriteByte(pattern[i])
		}
	}
	return out.String()
}

// runExec runs an exec option command in the work directory. `%s` in the
// command is replaced by the file names, otherwise they are appended. -t
// bounds the run time, -d drops the input files after a clean exit, the
// remaining flags concern the transfer side and are accepted unchanged.
func runExec(ctx context.Context, workDir string, files []string, arg string) error {
	fields := strings.Fields(arg)
	var timeout time.Duration
	removeInputs := false

	i := 0
scan:
	for i < len(fields) {
		switch fields[i] {
		case "-d":
			removeInputs = true
			i++
		case "-D", "-l", "-L", "-s":
			i++
		case "-t":
			if i+1 >= len(fields) {
				return fmt.Errorf("runExec: -t without a timeout")
			}
			if secs, err := strconv.Atoi(fields[i+1]); err == nil {
				timeout = time.Duration(secs) * time.Second
			}
			i += 2
		default:
			break scan
		}
	}

	command := strings.Join(fields[i:], " ")
	names := strings.Join(files, " ")
	if strings.Contains(command, "%s") {
		command = strings.ReplaceAll(command, "%s", names)
	} else {
		command = command + " " + names
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("runExec: %q failed -> %w (%s)", command, err, bytes.TrimSpace(out))
	}
	if removeInputs {
		for _, f := range files {
			os.Remove(filepath.Join(workDir, f))
		}
	}
	return nil
}

func listWorkDir(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}
