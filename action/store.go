// Package action tracks the one-shot pending installation per machine in a
// line-oriented store file. A machine gets its payload exactly once; the
// completed entry stays behind as an inert comment so operators can audit
// it or re-arm the machine by hand.
package action

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/z46-dev/go-logger"
)

var (
	// ErrNoPending means the machine has no active entry in the store.
	ErrNoPending = errors.New("action: no pending entry")

	// ErrBadMachineID means the identifier is not a MAC address in any
	// accepted spelling.
	ErrBadMachineID = errors.New("action: invalid machine identifier")

	// ErrStore means the backing file could not be locked or rewritten.
	// Callers may retry a bounded number of times.
	ErrStore = errors.New("action: store unavailable")
)

// Entry is one pending installation: which image alias to install and with
// which automation profile.
type Entry struct {
	Machine string
	Alias   string
	Profile string
}

// Store owns the on-disk action file. All mutations flow through
// MarkComplete; lookups read without the exclusive lock and tolerate
// seeing either pre- or post-transition state.
type Store struct {
	log  *logger.Logger
	path string
	lock *flock.Flock
}

// NewStore returns a store over the given file. The file may not exist
// yet; an absent store simply has no pending entries.
func NewStore(path string) *Store {
	return &Store{
		log:  logger.NewLogger().SetPrefix("[ACTION]", logger.BoldYellow).IncludeTimestamp(),
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// LookupPending returns the first pending entry for the machine, or
// ErrNoPending. A duplicate pending entry for the same machine is a
// configuration anomaly: it is logged and the first line wins, because
// refusing to boot the machine would be worse than a deterministic match.
func (s *Store) LookupPending(machine string) (entry *Entry, err error) {
	var id string
	if id, err = NormalizeMachineID(machine); err != nil {
		return
	}

	var lines []string
	if lines, err = s.readLines(); err != nil {
		return
	}

	for _, line := range lines {
		parsed := parseEntry(line)
		if parsed == nil || parsed.Machine != id {
			continue
		}

		if entry != nil {
			s.log.Warningf("Duplicate pending entry for %s, using the first\n", id)
			break
		}

		entry = parsed
	}

	if entry == nil {
		err = fmt.Errorf("%w: %s", ErrNoPending, id)
	}

	return
}

// MarkComplete transitions the machine's pending entry to completed:
// under an exclusive lock the store is re-read, the matching line is
// replaced by a timestamped completion comment followed by the original
// line commented out, and the whole file is written back atomically.
// Every other line survives byte for byte.
func (s *Store) MarkComplete(machine string) (err error) {
	var id string
	if id, err = NormalizeMachineID(machine); err != nil {
		return
	}

	if err = s.lock.Lock(); err != nil {
		return fmt.Errorf("%w: lock %s: %v", ErrStore, s.lock.Path(), err)
	}

	defer s.lock.Unlock()

	// Re-read under the lock; a concurrent completion may have rewritten
	// the file since any earlier lookup.
	var lines []string
	if lines, err = s.readLines(); err != nil {
		return
	}

	var (
		output   []string = make([]string, 0, len(lines)+1)
		modified bool
	)

	for _, line := range lines {
		if parsed := parseEntry(line); !modified && parsed != nil && parsed.Machine == id {
			var stamp string = time.Now().UTC().Format("2006-01-02T15:04:05") + "-UTC"
			output = append(output, fmt.Sprintf("# completed %s on %s", id, stamp))
			output = append(output, "# "+line)
			modified = true
			continue
		}

		output = append(output, line)
	}

	if !modified {
		return fmt.Errorf("%w: %s", ErrNoPending, id)
	}

	if err = s.writeAtomic(output); err != nil {
		return
	}

	s.log.Basicf("Marked %s completed\n", id)
	return
}

// readLines reads the current store content. A missing file is an empty
// store.
func (s *Store) readLines() (lines []string, err error) {
	var file *os.File
	if file, err = os.Open(s.path); err != nil {
		if os.IsNotExist(err) {
			err = nil
		} else {
			err = fmt.Errorf("%w: read %s: %v", ErrStore, s.path, err)
		}
		return
	}

	defer file.Close()

	var scanner *bufio.Scanner = bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	if err = scanner.Err(); err != nil {
		err = fmt.Errorf("%w: read %s: %v", ErrStore, s.path, err)
	}

	return
}

// writeAtomic replaces the store file via temp file and rename, so a
// reader never observes a half-written store.
func (s *Store) writeAtomic(lines []string) (err error) {
	var tmp *os.File
	if tmp, err = os.CreateTemp(filepath.Dir(s.path), ".action-*"); err != nil {
		return fmt.Errorf("%w: temp file: %v", ErrStore, err)
	}

	// The store stays hand-editable; the replacement must keep the mode
	// the operator gave the original.
	var mode os.FileMode = 0644
	if stat, statErr := os.Stat(s.path); statErr == nil {
		mode = stat.Mode().Perm()
	}

	var content string = strings.Join(lines, "\n") + "\n"
	if err = tmp.Chmod(mode); err == nil {
		if _, err = tmp.WriteString(content); err == nil {
			err = tmp.Sync()
		}
	}

	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: write %s: %v", ErrStore, s.path, err)
	}

	if err = os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: replace %s: %v", ErrStore, s.path, err)
	}

	// The rename itself only survives a crash once the directory entry is
	// on disk.
	if dir, dirErr := os.Open(filepath.Dir(s.path)); dirErr == nil {
		dir.Sync()
		dir.Close()
	}

	return
}

// parseEntry parses an active `machine=alias,profile` line. Comments,
// blanks and malformed lines yield nil; they pass through untouched.
func parseEntry(line string) (entry *Entry) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}

	machine, rest, ok := strings.Cut(line, "=")
	if !ok {
		return
	}

	var id string
	var err error
	if id, err = NormalizeMachineID(machine); err != nil {
		return
	}

	alias, profile, ok := strings.Cut(rest, ",")
	if !ok {
		return
	}

	entry = &Entry{
		Machine: id,
		Alias:   strings.TrimSpace(alias),
		Profile: strings.TrimSpace(profile),
	}

	return
}

// NormalizeMachineID canonicalizes a MAC address to lowercase hex pairs
// joined by hyphens, accepting colon, hyphen and bare spellings.
func NormalizeMachineID(machine string) (id string, err error) {
	var hexDigits []byte
	for _, c := range strings.ToLower(strings.TrimSpace(machine)) {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
			hexDigits = append(hexDigits, byte(c))
		case c == ':' || c == '-':
			// separator, any spelling
		default:
			err = fmt.Errorf("%w: %q", ErrBadMachineID, machine)
			return
		}
	}

	if len(hexDigits) != 12 {
		err = fmt.Errorf("%w: %q", ErrBadMachineID, machine)
		return
	}

	var pairs []string = make([]string, 0, 6)
	for i := 0; i < 12; i += 2 {
		pairs = append(pairs, string(hexDigits[i:i+2]))
	}

	id = strings.Join(pairs, "-")
	return
}
