// Package audit writes the record trail for intercepted calls.
//
// Each traced thread gets its own append-only log file so concurrent
// threads never share an append point; a consumer wanting a single
// ordered view merges the per-thread files by timestamp. Records are
// prefixed with a relative timestamp taken from one process-wide
// reference instant, so timestamps are comparable across threads.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Trail owns the audit directory, the reference clock, and the per-thread
// sinks. It is driven from the single tracer thread; the per-thread split
// exists for the consumer's benefit (attribution and merge-by-timestamp),
// not for locking.
type Trail struct {
	dir   string
	pid   int
	start time.Time
	sinks map[int]*os.File
}

// NewTrail creates the audit directory if needed and establishes the
// reference instant for all records. An already existing directory is
// fine; any other creation failure is an error the caller must treat as
// fatal, since a trail that silently drops records is worse than no
// trail at all.
func NewTrail(dir string, pid int) (*Trail, error) {
	if err := os.Mkdir(dir, 0o755); err != nil && !os.IsExist(err) {
		return nil, fmt.Errorf("creating audit directory %q: %w", dir, err)
	}
	return &Trail{
		dir:   dir,
		pid:   pid,
		start: time.Now(),
		sinks: make(map[int]*os.File),
	}, nil
}

// Dir returns the audit directory.
func (t *Trail) Dir() string {
	return t.dir
}

// Record appends one line to the sink of the given thread, prefixed with
// the seconds and nanoseconds elapsed since the reference instant. The
// sink file is created on the thread's first record and appended to for
// the thread's lifetime; a record, once written, is never modified.
func (t *Trail) Record(tid int, line string) error {
	sink, err := t.sink(tid)
	if err != nil {
		return err
	}
	elapsed := time.Since(t.start)
	secs := int64(elapsed / time.Second)
	nanos := int64(elapsed % time.Second)
	if _, err := fmt.Fprintf(sink, "%05d.%08d %s\n", secs, nanos, line); err != nil {
		return fmt.Errorf("writing audit record for thread %d: %w", tid, err)
	}
	return nil
}

// sink returns the thread's log file, creating it on first use. Files are
// named after the traced process and thread so that concurrent trails for
// different processes never collide.
func (t *Trail) sink(tid int) (*os.File, error) {
	if f, ok := t.sinks[tid]; ok {
		return f, nil
	}
	name := filepath.Join(t.dir, fmt.Sprintf("%d.%d.log", t.pid, tid))
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating audit log %q: %w", name, err)
	}
	t.sinks[tid] = f
	return f, nil
}

// Close releases the sink files. The trail normally lives until process
// teardown; Close exists for tests and for the run mode, where the tracer
// outlives the traced command.
func (t *Trail) Close() error {
	var firstErr error
	for tid, f := range t.sinks {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.sinks, tid)
	}
	return firstErr
}
