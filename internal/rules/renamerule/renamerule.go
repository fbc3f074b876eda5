//go:build linux

// Package renamerule caches rename.rule files and answers
// (header, file name) -> rename-to lookups for the dispatcher's rename
// transformations. Files are reloaded when fsnotify reports a change or the
// mtime moved since the last load.
package renamerule

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/afd-plus/afd-plus/internal/filter"
	"github.com/afd-plus/afd-plus/internal/syslog"
)

// Rule maps a file-name filter onto a rename-to pattern.
type Rule struct {
	Filter   string
	RenameTo string
}

// Cache holds the parsed rule sets of all configured rename.rule files,
// keyed by rule header.
type Cache struct {
	paths   []string
	mtimes  map[string]time.Time
	rules   *xsync.MapOf[string, []Rule]
	watcher *fsnotify.Watcher

	mu   sync.Mutex
	done chan struct{}
}

// NewCache loads the given rename.rule files and starts watching them.
// A missing file is tolerated; it is retried on the next lookup after a
// change notification.
func NewCache(paths ...string) (*Cache, error) {
	c := &Cache{
		paths:  paths,
		mtimes: make(map[string]time.Time),
		rules:  xsync.NewMapOf[string, []Rule](),
		done:   make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("NewCache: error creating watcher -> %w", err)
	}
	c.watcher = watcher

	for _, p := range paths {
		if err := c.loadFile(p); err != nil {
			syslog.L.Warn().WithField("file", p).
				WithMessagef("rename rule file not loaded: %v", err).Write()
		}
		if err := watcher.Add(p); err != nil {
			syslog.L.Warn().WithField("file", p).
				WithMessagef("rename rule file not watched: %v", err).Write()
		}
	}

	go c.watch()
	return c, nil
}

func (c *Cache) watch() {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if err := c.loadFile(ev.Name); err != nil {
					syslog.L.Warn().WithField("file", ev.Name).
						WithMessagef("rename rule reload failed: %v", err).Write()
				}
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			syslog.L.Warn().WithMessagef("rename rule watcher: %v", err).Write()
		}
	}
}

// loadFile parses one rename.rule file. Layout: `[header]` lines open a rule
// set; each following non-blank line is `<filter> <rename-to>`.
func (c *Cache) loadFile(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if prev, ok := c.mtimes[path]; ok && prev.Equal(fi.ModTime()) {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	header := ""
	loaded := make(map[string][]Rule)

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			header = strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			continue
		}
		if header == "" {
			return fmt.Errorf("%s:%d: rule line before any [header]", path, lineNo)
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return fmt.Errorf("%s:%d: want <filter> <rename-to>", path, lineNo)
		}
		loaded[header] = append(loaded[header], Rule{Filter: fields[0], RenameTo: fields[1]})
	}
	if err := sc.Err(); err != nil {
		return err
	}

	for h, rules := range loaded {
		c.rules.Store(h, rules)
	}
	c.mtimes[path] = fi.ModTime()
	return nil
}

// Lookup returns the rename-to pattern of the first filter under header that
// matches fileName.
func (c *Cache) Lookup(header, fileName string) (string, bool) {
	rules, ok := c.rules.Load(header)
	if !ok {
		return "", false
	}
	for _, r := range rules {
		if filter.Sfilter(r.Filter, fileName, 0) == filter.Match {
			return r.RenameTo, true
		}
	}
	return "", false
}

// Has reports whether any rule set with this header is loaded. The compiler
// uses it to reject trans_rename options referencing a missing header.
func (c *Cache) Has(header string) bool {
	_, ok := c.rules.Load(header)
	return ok
}

// Close stops the watcher.
func (c *Cache) Close() error {
	close(c.done)
	return c.watcher.Close()
}
