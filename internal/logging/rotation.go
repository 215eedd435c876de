package logging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// RotatingWriter appends to a log file and shifts it into numbered backups
// (path.1 is the newest) before a write would push it past its size limit.
// It is safe for concurrent use.
type RotatingWriter struct {
	path    string
	limit   int64
	backups int

	mu   sync.Mutex
	f    *os.File
	size int64
}

// NewRotatingWriter opens path for appending. Backups numbered above
// maxBackups, left over from an earlier configuration, are removed.
func NewRotatingWriter(path string, maxSizeMB, maxBackups int) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 20
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	w := &RotatingWriter{
		path:    path,
		limit:   int64(maxSizeMB) << 20,
		backups: maxBackups,
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.reopenLocked(); err != nil {
		return nil, err
	}
	w.pruneLocked()
	return w, nil
}

// Write implements io.Writer. A file lost to a failed rotation is reopened
// on the next write.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		if err := w.reopenLocked(); err != nil {
			return 0, err
		}
	}
	if w.size > 0 && w.size+int64(len(p)) > w.limit {
		if err := w.rotateLocked(); err != nil {
			return 0, fmt.Errorf("log rotation: %w", err)
		}
	}

	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

// Rotate moves the current file to the first backup slot now.
func (w *RotatingWriter) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

// Close closes the current file. A later Write reopens it.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func (w *RotatingWriter) reopenLocked() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.f = f
	w.size = info.Size()
	return nil
}

// rotateLocked renames path.N-1 over path.N down to path over path.1, so the
// oldest backup is replaced rather than deleted first.
func (w *RotatingWriter) rotateLocked() error {
	if w.f != nil {
		w.f.Close()
		w.f = nil
	}
	for i := w.backups; i >= 1; i-- {
		src := w.path
		if i > 1 {
			src = backupPath(w.path, i-1)
		}
		if err := os.Rename(src, backupPath(w.path, i)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return w.reopenLocked()
}

func (w *RotatingWriter) pruneLocked() {
	matches, _ := filepath.Glob(w.path + ".*")
	for _, m := range matches {
		n, err := strconv.Atoi(strings.TrimPrefix(m, w.path+"."))
		if err != nil || n <= w.backups {
			continue
		}
		os.Remove(m)
	}
}

func backupPath(path string, index int) string {
	return path + "." + strconv.Itoa(index)
}
