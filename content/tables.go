package content

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/z46-dev/go-logger"
)

// Alias maps an administrator-chosen short name to an image filename and
// an optional downloadable marker.
type Alias struct {
	Filename     string
	Downloadable bool
}

// CompositeSource is one entry of a composite: either a file inside an
// aliased image or a flat file relative to the library directory.
type CompositeSource struct {
	Alias string // set for content: sources
	Inner string // path inside the aliased image
	File  string // set for file: sources
}

// Composite is a named, ordered list of sources concatenated on the fly.
type Composite struct {
	Sources []CompositeSource
}

// Snapshot is one coherent parse of both tables. Snapshots are immutable;
// reloads swap the whole thing so in-flight resolutions never see a mix of
// old and new entries.
type Snapshot struct {
	Aliases    map[string]Alias
	Composites map[string]Composite
}

// Tables holds the current snapshot and knows how to rebuild it from disk.
type Tables struct {
	log         *logger.Logger
	aliasesPath string
	combinePath string

	snapshot atomic.Pointer[Snapshot]
	watcher  *fsnotify.Watcher
}

// NewTables loads both tables once and returns the handle. A missing table
// file is an empty table, not an error; operators add entries while the
// server runs.
func NewTables(aliasesPath, combinePath string) (t *Tables, err error) {
	t = &Tables{
		log:         logger.NewLogger().SetPrefix("[TABLES]", logger.BoldGreen).IncludeTimestamp(),
		aliasesPath: aliasesPath,
		combinePath: combinePath,
	}

	if err = t.Reload(); err != nil {
		t = nil
	}

	return
}

// Snapshot returns the current table snapshot.
func (t *Tables) Snapshot() *Snapshot {
	return t.snapshot.Load()
}

// Reload re-parses both table files and atomically swaps the snapshot.
func (t *Tables) Reload() (err error) {
	var next *Snapshot = &Snapshot{}

	if next.Aliases, err = parseAliases(t.aliasesPath); err != nil {
		return fmt.Errorf("reload %s: %w", t.aliasesPath, err)
	}

	if next.Composites, err = parseComposites(t.combinePath); err != nil {
		return fmt.Errorf("reload %s: %w", t.combinePath, err)
	}

	t.snapshot.Store(next)
	t.log.Basicf("Loaded %d aliases, %d composites\n", len(next.Aliases), len(next.Composites))
	return
}

// Watch starts an fsnotify watcher on the table files' directories and
// reloads the snapshot whenever either file changes. Reload failures keep
// the previous snapshot and are logged, never fatal.
func (t *Tables) Watch() (err error) {
	if t.watcher, err = fsnotify.NewWatcher(); err != nil {
		return
	}

	var dirs map[string]struct{} = map[string]struct{}{
		filepath.Dir(t.aliasesPath): {},
		filepath.Dir(t.combinePath): {},
	}

	for dir := range dirs {
		if err = t.watcher.Add(dir); err != nil {
			t.watcher.Close()
			t.watcher = nil
			return
		}
	}

	go func() {
		for {
			select {
			case event, ok := <-t.watcher.Events:
				if !ok {
					return
				}

				if event.Name != t.aliasesPath && event.Name != t.combinePath {
					continue
				}

				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
					continue
				}

				if err := t.Reload(); err != nil {
					t.log.Errorf("Table reload failed, keeping previous snapshot: %v\n", err)
				}

			case err, ok := <-t.watcher.Errors:
				if !ok {
					return
				}

				t.log.Errorf("Table watcher error: %v\n", err)
			}
		}
	}()

	return
}

// Close stops the watcher if one is running.
func (t *Tables) Close() {
	if t.watcher != nil {
		t.watcher.Close()
	}
}

// parseAliases reads an alias table: one `alias=filename[,downloadable]`
// per line, comments and blanks skipped.
func parseAliases(path string) (aliases map[string]Alias, err error) {
	aliases = make(map[string]Alias)

	var lines []string
	if lines, err = readLines(path); err != nil {
		return
	}

	for _, line := range lines {
		key, rest, ok := parseKeyValue(line)
		if !ok {
			continue
		}

		var parts []string = strings.Split(rest, ",")
		var alias Alias = Alias{Filename: strings.TrimSpace(parts[0])}
		if len(parts) > 1 && strings.TrimSpace(parts[1]) == "downloadable" {
			alias.Downloadable = true
		}

		if alias.Filename == "" {
			continue
		}

		aliases[key] = alias
	}

	return
}

// parseComposites reads a composite table: one
// `name=source[,source...]` per line where each source is
// `content:alias/inner/path` or `file:relative/path`.
func parseComposites(path string) (composites map[string]Composite, err error) {
	composites = make(map[string]Composite)

	var lines []string
	if lines, err = readLines(path); err != nil {
		return
	}

	for _, line := range lines {
		key, rest, ok := parseKeyValue(line)
		if !ok {
			continue
		}

		var composite Composite
		for _, raw := range strings.Split(rest, ",") {
			raw = strings.TrimSpace(raw)

			if inner, found := strings.CutPrefix(raw, "content:"); found {
				alias, innerPath, ok := strings.Cut(inner, "/")
				if !ok || alias == "" || innerPath == "" {
					continue
				}

				composite.Sources = append(composite.Sources, CompositeSource{Alias: alias, Inner: innerPath})
			} else if file, found := strings.CutPrefix(raw, "file:"); found && file != "" {
				composite.Sources = append(composite.Sources, CompositeSource{File: file})
			}
		}

		if len(composite.Sources) > 0 {
			composites[key] = composite
		}
	}

	return
}

// readLines returns the lines of path, or nothing if the file is absent.
func readLines(path string) (lines []string, err error) {
	var file *os.File
	if file, err = os.Open(path); err != nil {
		if os.IsNotExist(err) {
			err = nil
		}
		return
	}

	defer file.Close()

	var scanner *bufio.Scanner = bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	err = scanner.Err()
	return
}

// parseKeyValue splits a `key=value` table line, skipping comments and
// blank lines.
func parseKeyValue(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}

	if key, value, ok = strings.Cut(line, "="); !ok {
		return
	}

	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	ok = key != ""
	return
}
