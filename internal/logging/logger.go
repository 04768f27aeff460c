package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	serverLogPrefix = "caster-"
	serverLogSuffix = ".log"
	serverLogFixed  = "caster.log"
	dateFormat      = "20060102"
)

// RotatingWriter is an io.Writer that tees to stdout and a daily-rotated log
// file:
//   - Rotation enabled:  caster-YYYYMMDD.log, new file each day
//   - Rotation disabled: caster.log (fixed name)
//   - Old log files are cleaned up based on keepDays
//
// A connection-relay caster's log volume tracks connection churn, not a
// fixed interval, so rotation isn't driven by a background ticker: every
// Write checks whether the date has rolled over and opens a new file on the
// spot. An idle caster with nothing to log simply never rotates until its
// next log line, which is the correct outcome — there's nothing to split
// across files in the meantime.
type RotatingWriter struct {
	mu              sync.Mutex
	logDir          string
	rotationEnabled bool
	keepDays        int

	currentFile *os.File
	currentDate string // YYYYMMDD of the open file

	failedWrites atomic.Uint64
}

// NewRotatingWriter creates a RotatingWriter. The actual file is opened
// lazily on first Write.
func NewRotatingWriter(logDir string, rotationEnabled bool, keepDays int) *RotatingWriter {
	return &RotatingWriter{
		logDir:          logDir,
		rotationEnabled: rotationEnabled,
		keepDays:        keepDays,
	}
}

// Write implements io.Writer. It writes to both stdout and the log file. A
// failure to persist to disk is tolerated — slog.SetDefault wraps this
// writer, so a caster whose log directory went away (disk full, permission
// change, mount dropped) keeps serving connections and keeps logging to
// stdout; it does not start failing every log call across the reactor.
// Failures increment failedWrites instead of being silently dropped.
func (w *RotatingWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureFile(); err != nil {
		w.noteFailureLocked(err)
		return len(p), nil
	}

	n, err = w.currentFile.Write(p)
	if err != nil {
		w.noteFailureLocked(err)
		w.closeFileLocked()
		return len(p), nil
	}
	return n, nil
}

// FailedWrites returns the number of log lines that failed to reach disk
// since startup (still delivered to stdout). A caster with a nonzero and
// growing count has a logging problem worth paging on, even though it never
// affects relay correctness.
func (w *RotatingWriter) FailedWrites() uint64 {
	return w.failedWrites.Load()
}

// noteFailureLocked records a write failure to stderr directly rather than
// through slog: this writer may itself be slog's configured output, and
// routing the failure back through slog would recurse into Write. Must be
// called with mu held.
func (w *RotatingWriter) noteFailureLocked(err error) {
	w.failedWrites.Add(1)
	fmt.Fprintf(os.Stderr, "time=%s level=ERROR msg=\"log file write failed\" error=%q\n",
		time.Now().Format(time.RFC3339), err)
}

// Start begins a background goroutine that periodically deletes log files
// older than keepDays.
func (w *RotatingWriter) Start(ctx context.Context) {
	go func() {
		w.clearOldLogs()

		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.clearOldLogs()
			}
		}
	}()
}

// Close closes the underlying file.
func (w *RotatingWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeFileLocked()
}

// ensureFile opens the log file if not already open, or if the date has
// rolled over since it was opened. Must be called with mu held.
func (w *RotatingWriter) ensureFile() error {
	today := time.Now().Format(dateFormat)

	if w.currentFile != nil && (!w.rotationEnabled || w.currentDate == today) {
		return nil
	}

	w.closeFileLocked()

	if err := os.MkdirAll(w.logDir, 0755); err != nil {
		return err
	}

	var filename string
	if w.rotationEnabled {
		filename = serverLogPrefix + today + serverLogSuffix
	} else {
		filename = serverLogFixed
	}

	f, err := os.OpenFile(
		filepath.Join(w.logDir, filename),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0644,
	)
	if err != nil {
		return err
	}

	w.currentFile = f
	w.currentDate = today
	return nil
}

// closeFileLocked closes the current file. Must be called with mu held.
func (w *RotatingWriter) closeFileLocked() {
	if w.currentFile != nil {
		w.currentFile.Close()
		w.currentFile = nil
		w.currentDate = ""
	}
}

// clearOldLogs deletes rotated log files older than keepDays.
func (w *RotatingWriter) clearOldLogs() {
	if !w.rotationEnabled || w.keepDays <= 0 {
		return
	}

	entries, err := os.ReadDir(w.logDir)
	if err != nil {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -w.keepDays)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, serverLogPrefix) || !strings.HasSuffix(name, serverLogSuffix) {
			continue
		}

		dateStr := strings.TrimPrefix(name, serverLogPrefix)
		dateStr = strings.TrimSuffix(dateStr, serverLogSuffix)
		if len(dateStr) != 8 {
			continue
		}

		fileDate, err := time.Parse(dateFormat, dateStr)
		if err != nil {
			continue
		}

		if fileDate.Before(cutoff) {
			path := filepath.Join(w.logDir, name)
			if err := os.Remove(path); err == nil {
				fmt.Fprintf(os.Stdout, "time=%s level=INFO msg=\"deleted old log file\" path=%s\n",
					time.Now().Format(time.RFC3339), path)
			}
		}
	}
}

// SetupWriter creates a RotatingWriter and returns an io.Writer suitable for
// slog. If logDir is empty, returns os.Stdout only.
func SetupWriter(logDir string, rotationEnabled bool, keepDays int) io.Writer {
	if logDir == "" {
		return os.Stdout
	}
	return NewRotatingWriter(logDir, rotationEnabled, keepDays)
}
