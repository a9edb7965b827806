// Package security provides file and input hygiene helpers for diagd.
package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// File permission constants
const (
	// PermPrivateFile is the permission for files only the daemon user may read.
	PermPrivateFile os.FileMode = 0600

	// PermPrivateDir is the permission for directories only the daemon user may list.
	PermPrivateDir os.FileMode = 0700

	// PermPublicFile is the permission for exported files other apps may read.
	PermPublicFile os.FileMode = 0644

	// PermPublicDir is the permission for exported directories.
	PermPublicDir os.FileMode = 0755
)

// File operation errors
var (
	ErrAtomicWriteFailed = errors.New("security: atomic write failed")
	ErrTempFileFailed    = errors.New("security: temporary file creation failed")
	ErrNotDirectory      = errors.New("security: not a directory")
)

// AtomicFileWriter writes to a temporary sibling file and renames it over
// the destination on Commit. Readers of the destination never observe a
// partially written file, and an existing destination is replaced.
type AtomicFileWriter struct {
	path     string
	tempFile *os.File
	tempPath string
}

// NewAtomicFileWriter creates a writer for path. The parent directory is
// created with dirPerm if missing.
func NewAtomicFileWriter(path string, perm, dirPerm os.FileMode) (*AtomicFileWriter, error) {
	cleanPath, err := DefaultPathValidator().ValidatePath(path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cleanPath), dirPerm); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	// Same directory as the destination so the rename stays on one filesystem.
	tempPath := cleanPath + ".tmp." + randomSuffix()
	tempFile, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTempFileFailed, err)
	}

	return &AtomicFileWriter{
		path:     cleanPath,
		tempFile: tempFile,
		tempPath: tempPath,
	}, nil
}

// Write writes data to the temporary file.
func (w *AtomicFileWriter) Write(p []byte) (n int, err error) {
	return w.tempFile.Write(p)
}

// Path returns the final destination path.
func (w *AtomicFileWriter) Path() string {
	return w.path
}

// Commit syncs the temporary file and renames it over the destination.
func (w *AtomicFileWriter) Commit() error {
	if err := w.tempFile.Sync(); err != nil {
		w.Abort()
		return fmt.Errorf("sync: %w", err)
	}

	if err := w.tempFile.Close(); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("close: %w", err)
	}

	if err := os.Rename(w.tempPath, w.path); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}

	return nil
}

// Abort cancels the write and removes the temporary file.
func (w *AtomicFileWriter) Abort() {
	w.tempFile.Close()
	os.Remove(w.tempPath)
}

func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// CopyToFile copies r into dst, replacing any existing file atomically.
// It returns the number of bytes written.
func CopyToFile(dst string, r io.Reader, perm os.FileMode) (int64, error) {
	writer, err := NewAtomicFileWriter(dst, perm, PermPublicDir)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(writer, r)
	if err != nil {
		writer.Abort()
		return n, err
	}

	if err := writer.Commit(); err != nil {
		return n, err
	}
	return n, nil
}

// EnsureDir ensures a directory exists. Existing directories are left with
// their current permissions.
func EnsureDir(path string, perm os.FileMode) error {
	cleanPath, err := DefaultPathValidator().ValidatePath(path)
	if err != nil {
		return err
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(cleanPath, perm)
		}
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDirectory, cleanPath)
	}
	return nil
}

// LockShared blocks until a shared advisory lock is held on f.
func LockShared(f *os.File) error {
	return lockFile(f, false)
}

// LockExclusive blocks until an exclusive advisory lock is held on f.
func LockExclusive(f *os.File) error {
	return lockFile(f, true)
}

// Unlock releases a lock taken with LockShared or LockExclusive.
func Unlock(f *os.File) error {
	return unlockFile(f)
}
