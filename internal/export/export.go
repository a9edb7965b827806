// Package export turns a channel's mirror file into a file the user can
// locate, through either managed shared storage or a legacy public
// directory.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"
)

// Errors returned by strategies.
var (
	ErrEmptySource = errors.New("export: source missing or empty")
	ErrNoPublicDir = errors.New("export: public directory unavailable")
	ErrNotFound    = errors.New("export: handle not found")
	ErrShortCopy   = errors.New("export: source shorter than snapshot")
	ErrNoStrategy  = errors.New("export: no strategy configured")
)

// Kind identifies which strategy produced a handle.
type Kind int

const (
	KindNone Kind = iota
	KindManaged
	KindLegacy
)

func (k Kind) String() string {
	switch k {
	case KindManaged:
		return "managed"
	case KindLegacy:
		return "legacy"
	default:
		return "none"
	}
}

// Handle locates an exported file. The zero Handle means no export.
type Handle struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// IsZero reports whether h is the failure value.
func (h Handle) IsZero() bool {
	return h == Handle{}
}

// Source is a read-only view of the file being exported.
type Source interface {
	// Prefix names the dated export file.
	Prefix() string

	// Snapshot returns a reader over a stable prefix of the file and its
	// length. A missing file yields an error wrapping fs.ErrNotExist.
	Snapshot() (io.ReadCloser, int64, error)
}

// Strategy copies a Source to a locatable destination.
type Strategy interface {
	Export(ctx context.Context, src Source) (Handle, error)
}

// Resolver maps a handle URI to a local file path.
type Resolver interface {
	Resolve(uri string) (string, error)
}

// FileName returns the dated export name for prefix.
func FileName(prefix string, t time.Time) string {
	return fmt.Sprintf("%s-%s.log", prefix, t.Format("20060102"))
}

// openSource snapshots src and maps a missing or empty file to ErrEmptySource.
func openSource(src Source) (io.ReadCloser, int64, error) {
	rc, size, err := src.Snapshot()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, ErrEmptySource
		}
		return nil, 0, fmt.Errorf("snapshot source: %w", err)
	}
	if size <= 0 {
		rc.Close()
		return nil, 0, ErrEmptySource
	}
	return rc, size, nil
}

// copyExact copies exactly size bytes from r to w.
func copyExact(w io.Writer, r io.Reader, size int64) (int64, error) {
	n, err := io.Copy(w, io.LimitReader(r, size))
	if err != nil {
		return n, err
	}
	if n != size {
		return n, fmt.Errorf("%w: copied %d of %d bytes", ErrShortCopy, n, size)
	}
	return n, nil
}

// Resolvers tries each Resolver in turn.
type Resolvers []Resolver

// Resolve returns the first successful resolution.
func (rs Resolvers) Resolve(uri string) (string, error) {
	for _, r := range rs {
		if r == nil {
			continue
		}
		if path, err := r.Resolve(uri); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, uri)
}
