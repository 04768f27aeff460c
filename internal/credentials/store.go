// Package credentials loads and checks the caster's credential list: a
// SOURCE's password against the mountpoint it wants to write, and a
// CLIENT's bearer token against the mountpoint it wants to read. See
// DESIGN.md for why authentication is wired rather than left pass-through.
package credentials

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
)

// Record is one credential-file line: a token usable to publish to
// WriteMountpoint as a SOURCE and/or to read ReadMountpoint as a CLIENT.
type Record struct {
	Token           string `validate:"required,max=63"`
	ReadMountpoint  string `validate:"omitempty,max=63"`
	WriteMountpoint string `validate:"omitempty,max=63"`
}

var validate = validator.New()

// Store is a read-only-at-runtime credential list with optional hot reload.
// A nil *Store (or one loaded from an empty/unset file) admits every
// handshake unconditionally.
type Store struct {
	records atomic.Pointer[[]Record]
	path    string
}

// Load reads a credential file in the format
// "token,read_mountpoint,write_mountpoint" (either mountpoint may be blank),
// one record per line, "#" comments and blank lines ignored. An empty path
// yields a Store with no records — every Authenticate* call then returns
// true, preserving the pass-through default.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	empty := []Record{}
	s.records.Store(&empty)
	if strings.TrimSpace(path) == "" {
		return s, nil
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reload() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ",")
		for len(fields) < 3 {
			fields = append(fields, "")
		}
		rec := Record{
			Token:           strings.TrimSpace(fields[0]),
			ReadMountpoint:  strings.TrimSpace(fields[1]),
			WriteMountpoint: strings.TrimSpace(fields[2]),
		}
		if err := validate.Struct(rec); err != nil {
			return fmt.Errorf("credentials: invalid record at line %d: %w", lineNo, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	s.records.Store(&records)
	return nil
}

// Watch starts an fsnotify watch on the credential file and reloads it on
// every write, matching the same hot-reload shape as internal/config.Watch.
// A no-op if the store has no backing file.
func (s *Store) Watch(done <-chan struct{}) {
	if strings.TrimSpace(s.path) == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	dir := dirOf(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					_ = s.reload()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

// AuthenticateWriter checks a SOURCE handshake's password against a record
// whose Token matches and whose WriteMountpoint matches mountpoint
// (case-insensitive). An empty credential list admits unconditionally.
func (s *Store) AuthenticateWriter(password, mountpoint string) bool {
	records := *s.records.Load()
	if len(records) == 0 {
		return true
	}
	for _, r := range records {
		if r.Token == password && strings.EqualFold(r.WriteMountpoint, mountpoint) {
			return true
		}
	}
	return false
}

// AuthenticateReader checks a GET handshake's bearer token against a record
// whose Token matches and whose ReadMountpoint matches mountpoint
// (case-insensitive). An empty credential list, or an empty token presented
// against a non-empty list with no ReadMountpoint restrictions configured at
// all, admits unconditionally — only once at least one record restricts
// reads is a missing/incorrect token rejected.
func (s *Store) AuthenticateReader(token, mountpoint string) bool {
	records := *s.records.Load()
	if len(records) == 0 {
		return true
	}
	restricted := false
	for _, r := range records {
		if r.ReadMountpoint == "" {
			continue
		}
		restricted = true
		if r.Token == token && strings.EqualFold(r.ReadMountpoint, mountpoint) {
			return true
		}
	}
	return !restricted
}
