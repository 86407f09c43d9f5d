// Package eventlog writes the engine's append-only JSONL logs: one
// event log with a record per operational event, and one dialog log
// with a record per human/agent exchange. Files are opened per append
// so they can be renamed or rotated between writes.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Writer appends one JSON object per event to a log file. Every record
// carries at least n (thought index), k (kind), and c (content); meta
// keys are merged in alongside.
type Writer struct {
	mu   sync.Mutex
	path string
}

// NewWriter creates a writer for path. The file is created lazily on
// the first Log call.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Path returns the current log file path.
func (w *Writer) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Log appends one event record. Meta may be nil. Reserved keys in meta
// (n, k, c) are ignored in favor of the explicit fields.
func (w *Writer) Log(n int, kind, content string, meta map[string]any) error {
	record := make(map[string]any, len(meta)+3)
	for k, v := range meta {
		record[k] = v
	}
	record["n"] = n
	record["k"] = kind
	record["c"] = content

	return w.append(record)
}

// Rename moves the log file to newPath. Future appends go to the new
// path. Renaming before the first append just changes the target.
func (w *Writer) Rename(newPath string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := os.Stat(w.path); err == nil {
		if err := os.Rename(w.path, newPath); err != nil {
			return fmt.Errorf("rename log %s: %w", w.path, err)
		}
	}
	w.path = newPath
	return nil
}

// Retarget points the writer at a fresh path without moving the old
// file, used when the engine resets and rotates its logs.
func (w *Writer) Retarget(newPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.path = newPath
}

func (w *Writer) append(record any) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal log record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log %s: %w", w.path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append log record: %w", err)
	}
	return nil
}

// DialogWriter appends one JSON record per human/agent exchange:
// {n, h, a}.
type DialogWriter struct {
	w *Writer
}

// NewDialogWriter creates a dialog writer for path.
func NewDialogWriter(path string) *DialogWriter {
	return &DialogWriter{w: NewWriter(path)}
}

// Log appends one exchange record.
func (d *DialogWriter) Log(n int, human, agent string) error {
	return d.w.append(map[string]any{"n": n, "h": human, "a": agent})
}

// Rename moves the dialog log file to newPath.
func (d *DialogWriter) Rename(newPath string) error {
	return d.w.Rename(newPath)
}

// Retarget points the dialog writer at a fresh path.
func (d *DialogWriter) Retarget(newPath string) {
	d.w.Retarget(newPath)
}
