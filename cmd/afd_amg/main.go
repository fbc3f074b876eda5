//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/afd-plus/afd-plus/internal/dispatch"
	"github.com/afd-plus/afd-plus/internal/fifo"
	"github.com/afd-plus/afd-plus/internal/rules"
	"github.com/afd-plus/afd-plus/internal/rules/renamerule"
	"github.com/afd-plus/afd-plus/internal/scanner"
	"github.com/afd-plus/afd-plus/internal/store/constants"
	"github.com/afd-plus/afd-plus/internal/store/dupcheck"
	"github.com/afd-plus/afd-plus/internal/syslog"
	"github.com/afd-plus/afd-plus/internal/timejob"

	_ "github.com/KimMachineGun/automemlimit"
)

var Version = "v0.0.0"

type arrayFlags []string

func (i *arrayFlags) String() string {
	return fmt.Sprintf("%v", *i)
}

func (i *arrayFlags) Set(value string) error {
	*i = append(*i, value)
	return nil
}

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	var configs arrayFlags
	workFlag := flag.String("w", "", "work directory holding the shared tables")
	flag.Var(&configs, "c", "DIR_CONFIG file, repeatable")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println(Version)
		return
	}
	if len(configs) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: %s -c <DIR_CONFIG> [-c ...] [-w <work-dir>]\n", os.Args[0])
		os.Exit(1)
	}

	work := constants.WorkDir(*workFlag)
	for _, dir := range []string{
		constants.FifoDir(work),
		constants.IncomingDir(work),
		constants.LogDir(work),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			syslog.L.Fatal(err).WithMessagef("cannot create %s", dir).Write()
		}
	}
	syslog.SetRecordDir(work)

	amg, err := newAMG(work, configs)
	if err != nil {
		syslog.L.Fatal(err).WithMessage("failed to initialize").Write()
	}
	defer amg.close()

	if err := amg.compile(); err != nil {
		syslog.L.Fatal(err).WithMessage("initial compile failed").Write()
	}
	amg.cleanOrphanedPools(mainCtx)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		syslog.L.Info().WithMessage("shutting down").Write()
		mainCancel()
	}()

	srv, err := fifo.NewServer(constants.DcCmdFifo(work), constants.DcRespFifo(work))
	if err != nil {
		syslog.L.Fatal(err).WithMessage("cannot open control fifos").Write()
	}
	defer srv.Close()

	go amg.run(mainCtx)

	if err := srv.Serve(mainCtx, amg.handleCommand); err != nil && mainCtx.Err() == nil {
		syslog.L.Error(err).WithMessage("control loop failed").Write()
	}
}

// amg owns the compiled rule set and the per-directory scan loops.
type amg struct {
	work    string
	configs []string

	mu          sync.Mutex
	compiler    *rules.Compiler
	renameRules *renamerule.Cache
	result      *rules.Result
	dispatcher  *dispatch.Dispatcher
	dup         *dupcheck.Store
	scanners    []*scanner.Scanner
	rescan      chan struct{}
	reload      chan struct{}
}

func newAMG(work string, configs []string) (*amg, error) {
	compiler, err := rules.New(work)
	if err != nil {
		return nil, err
	}
	renameRules, err := renamerule.NewCache(constants.RenameRuleFile(work))
	if err != nil {
		compiler.Close()
		return nil, err
	}
	compiler.SetRenameRules(renameRules)
	dup, err := dupcheck.Initialize(constants.DupcheckDB(work))
	if err != nil {
		renameRules.Close()
		compiler.Close()
		return nil, err
	}
	return &amg{
		work:        work,
		configs:     configs,
		compiler:    compiler,
		renameRules: renameRules,
		dup:         dup,
		rescan:      make(chan struct{}, 1),
		reload:      make(chan struct{}, 1),
	}, nil
}

func (a *amg) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.teardown()
	if a.dup != nil {
		a.dup.Close()
	}
	if a.renameRules != nil {
		a.renameRules.Close()
	}
	a.compiler.Close()
}

// teardown drops the scanners and dispatcher of the previous rule set.
// Callers hold a.mu.
func (a *amg) teardown() {
	for _, s := range a.scanners {
		s.Close()
	}
	a.scanners = nil
	if a.dispatcher != nil {
		a.dispatcher.Close()
		a.dispatcher = nil
	}
}

func (a *amg) readConfigs() ([]rules.NamedText, error) {
	var texts []rules.NamedText
	for _, path := range a.configs {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("readConfigs: error reading %s -> %w", path, err)
		}
		texts = append(texts, rules.NamedText{Name: path, Text: string(data)})
	}
	return texts, nil
}

// compile runs a full compile and rebuilds the scanners and dispatcher from
// the result. Rule errors are logged per rule; only a total failure aborts.
func (a *amg) compile() error {
	texts, err := a.readConfigs()
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var res *rules.Result
	if a.result == nil {
		res, err = a.compiler.Compile(texts, nil)
	} else {
		res, err = a.compiler.Recompile(texts, nil)
	}
	if err != nil {
		return err
	}
	for _, pe := range res.Errors {
		syslog.L.Warn().WithField("file", pe.File).WithField("line", strconv.Itoa(pe.Line)).
			WithMessage(pe.Reason).Write()
	}

	a.teardown()

	_, _, _, _, fsa := a.compiler.Tables()
	disp, err := dispatch.New(a.work, res, fsa, a.dup)
	if err != nil {
		return err
	}
	disp.SetRenameRules(a.renameRules)

	var scanners []*scanner.Scanner
	for _, dir := range res.Dirs {
		s, err := scanner.New(a.work, dir)
		if err != nil {
			syslog.L.Error(err).WithField("dir", dir.Dir).
				WithMessage("cannot scan directory, skipping").Write()
			continue
		}
		if err := s.Watch(); err != nil {
			syslog.L.Warn().WithField("dir", dir.Dir).
				WithMessagef("no change notification, polling only: %v", err).Write()
		}
		scanners = append(scanners, s)
	}

	a.result = res
	a.dispatcher = disp
	a.scanners = scanners
	syslog.L.Info().WithField("dirs", strconv.Itoa(len(res.Dirs))).
		WithField("jobs", strconv.Itoa(len(res.Jobs))).
		WithMessage("rule set compiled").Write()
	return nil
}

// run is the scan/dispatch loop. Each directory scans on the poll floor, on
// an fsnotify wake-up, on an explicit rescan command and on time-job window
// openings.
func (a *amg) run(ctx context.Context) {
	clock := timejob.NewClock()
	ticker := time.NewTicker(constants.DirCheckInterval)
	defer ticker.Stop()

	for {
		a.scanAll(ctx)

		a.mu.Lock()
		if a.dispatcher != nil {
			clock.Arm(time.Now(), a.dispatcher.Schedules())
		}
		wakes := make([]<-chan struct{}, len(a.scanners))
		for i, s := range a.scanners {
			wakes[i] = s.Wake()
		}
		a.mu.Unlock()

		wakeCtx, wakeCancel := context.WithCancel(ctx)
		select {
		case <-ctx.Done():
			wakeCancel()
			return
		case <-ticker.C:
		case <-a.rescan:
		case <-clock.C():
			a.redispatchPools(ctx)
		case <-a.reload:
			if err := a.compile(); err != nil {
				syslog.L.Error(err).WithMessage("reload failed, keeping old rule set").Write()
			}
		case <-anyWake(wakeCtx, wakes):
		}
		wakeCancel()
	}
}

// anyWake fans N wake channels into one.
func anyWake(ctx context.Context, chans []<-chan struct{}) <-chan struct{} {
	out := make(chan struct{}, 1)
	for _, ch := range chans {
		go func(c <-chan struct{}) {
			select {
			case <-c:
				select {
				case out <- struct{}{}:
				default:
				}
			case <-ctx.Done():
			}
		}(ch)
	}
	return out
}

func (a *amg) scanAll(ctx context.Context) {
	a.mu.Lock()
	scanners := a.scanners
	disp := a.dispatcher
	a.mu.Unlock()
	if disp == nil {
		return
	}
	if disp.QueueFull() {
		syslog.L.Warn().WithMessage("too many jobs queued, pausing scans").Write()
		return
	}

	now := time.Now()
	for _, s := range scanners {
		if ctx.Err() != nil {
			return
		}
		batch, err := s.Scan(now)
		if err != nil {
			syslog.L.Error(err).WithMessage("scan cycle failed").Write()
			continue
		}
		if batch == nil {
			continue
		}
		if err := disp.ProcessBatch(ctx, batch, now); err != nil && ctx.Err() == nil {
			syslog.L.Error(err).WithMessage("dispatch failed").Write()
		}
	}
}

// cleanOrphanedPools re-dispatches pool directories left behind by an
// earlier run. The directory id is the last underscore field of the pool
// directory name.
func (a *amg) cleanOrphanedPools(ctx context.Context) {
	pool := constants.PoolDir(a.work)
	entries, err := os.ReadDir(pool)
	if err != nil {
		return
	}

	a.mu.Lock()
	disp := a.dispatcher
	a.mu.Unlock()

	now := time.Now()
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(pool, e.Name())
		batch := orphanBatch(dir, e.Name())
		if batch == nil || disp == nil {
			os.RemoveAll(dir)
			continue
		}
		syslog.L.Info().WithField("pool", e.Name()).
			WithMessage("re-dispatching orphaned pool directory").Write()
		if err := disp.ProcessBatch(ctx, batch, now); err != nil {
			syslog.L.Error(err).WithMessage("orphan re-dispatch failed").Write()
		}
	}
}

func orphanBatch(dir, name string) *scanner.Batch {
	fields := strings.Split(name, "_")
	if len(fields) != 4 {
		return nil
	}
	dirID, err := strconv.ParseUint(fields[3], 16, 32)
	if err != nil {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		return nil
	}
	batch := &scanner.Batch{PoolDir: dir, DirID: uint32(dirID), Complete: true}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		batch.Files = append(batch.Files, scanner.BatchFile{
			Name:  e.Name(),
			Size:  info.Size(),
			Mtime: info.ModTime(),
		})
		batch.TotalSize += info.Size()
	}
	return batch
}

// redispatchPools re-runs leftover pool files when a collect-time window
// opens.
func (a *amg) redispatchPools(ctx context.Context) {
	a.cleanOrphanedPools(ctx)
}

// handleCommand services the control fifo.
func (a *amg) handleCommand(ctx context.Context, cmd byte) error {
	switch cmd {
	case constants.CmdRescan:
		select {
		case a.rescan <- struct{}{}:
		default:
		}
		return nil
	case constants.CmdReload:
		select {
		case a.reload <- struct{}{}:
		default:
		}
		return nil
	case constants.CmdStop:
		p, err := os.FindProcess(os.Getpid())
		if err != nil {
			return err
		}
		return p.Signal(syscall.SIGTERM)
	default:
		return fmt.Errorf("handleCommand: unknown command %#x", cmd)
	}
}
