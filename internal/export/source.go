package export

import (
	"fmt"
	"io"
	"os"

	"diagd/internal/security"
)

// FileSource exposes an append-only file as a Source. Writers must hold an
// exclusive lock on the file while appending.
type FileSource struct {
	Path string
	Name string
}

// Prefix implements Source.
func (s FileSource) Prefix() string {
	return s.Name
}

// Snapshot captures the file length under a shared lock and returns a
// reader limited to that length. Bytes before that offset never change in
// an append-only file, so the copy needs no lock.
func (s FileSource) Snapshot() (io.ReadCloser, int64, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, 0, err
	}

	if err := security.LockShared(f); err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("lock source: %w", err)
	}
	info, statErr := f.Stat()
	if err := security.Unlock(f); err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("unlock source: %w", err)
	}
	if statErr != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat source: %w", statErr)
	}

	return &limitedFile{Reader: io.LimitReader(f, info.Size()), f: f}, info.Size(), nil
}

type limitedFile struct {
	io.Reader
	f *os.File
}

func (l *limitedFile) Close() error {
	return l.f.Close()
}
