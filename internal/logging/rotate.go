package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	// MaxLogFileSize is the maximum size of a log file before rotation (10MB)
	MaxLogFileSize = 10 * 1024 * 1024

	// MaxLogFiles is the number of rotated log files to keep
	MaxLogFiles = 5
)

// RotatingFile is an append-only log file that rotates to path.1 … path.N
// once it reaches maxSize bytes. It is safe for concurrent use.
type RotatingFile struct {
	path     string
	maxSize  int64
	maxFiles int

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewRotatingFile opens path for appending, rotating first if it is already over maxSize.
func NewRotatingFile(path string, maxSize int64, maxFiles int) (*RotatingFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	r := &RotatingFile{path: path, maxSize: maxSize, maxFiles: maxFiles}

	info, err := os.Stat(path)
	switch {
	case err == nil && info.Size() >= maxSize:
		if err := r.rotate(); err != nil {
			return nil, fmt.Errorf("failed to rotate log: %w", err)
		}
	case err != nil && !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to stat log file: %w", err)
	}

	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RotatingFile) open() error {
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	r.file = file
	r.size = info.Size()
	return nil
}

// Write appends p, rotating afterwards when the file has reached its size limit.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	if err != nil {
		return n, err
	}

	if r.size >= r.maxSize {
		r.file.Close()
		r.file = nil
		if err := r.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to rotate log files: %v\n", err)
		}
		if err := r.open(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// rotate shifts path.i to path.i+1, dropping the oldest, and moves path to path.1.
func (r *RotatingFile) rotate() error {
	oldest := fmt.Sprintf("%s.%d", r.path, r.maxFiles)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove oldest log file: %w", err)
	}

	for i := r.maxFiles - 1; i >= 1; i-- {
		oldName := fmt.Sprintf("%s.%d", r.path, i)
		newName := fmt.Sprintf("%s.%d", r.path, i+1)
		if _, err := os.Stat(oldName); err == nil {
			if err := os.Rename(oldName, newName); err != nil {
				return fmt.Errorf("failed to rotate log file %s to %s: %w", oldName, newName, err)
			}
		}
	}

	if err := os.Rename(r.path, r.path+".1"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rotate current log file: %w", err)
	}
	return nil
}

// Rotated returns the rotated files that currently exist, newest first.
func (r *RotatingFile) Rotated() []string {
	var files []string
	for i := 1; i <= r.maxFiles; i++ {
		name := fmt.Sprintf("%s.%d", r.path, i)
		if _, err := os.Stat(name); err == nil {
			files = append(files, name)
		}
	}
	return files
}

// Path returns the active log file path.
func (r *RotatingFile) Path() string {
	return r.path
}

// Close closes the active file.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
