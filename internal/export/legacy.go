package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"diagd/internal/security"
)

// Legacy copies the export into a public directory and returns a provider
// handle for it.
type Legacy struct {
	Dir      string
	Provider *Provider
	Now      func() time.Time
}

// NewLegacy builds a Legacy strategy whose provider serves dir.
func NewLegacy(dir, authority string) *Legacy {
	return &Legacy{
		Dir:      dir,
		Provider: &Provider{Authority: authority, Root: dir},
	}
}

// Export implements Strategy.
func (l *Legacy) Export(ctx context.Context, src Source) (Handle, error) {
	rc, size, err := openSource(src)
	if err != nil {
		return Handle{}, err
	}
	defer rc.Close()

	if l.Dir == "" {
		return Handle{}, ErrNoPublicDir
	}
	if err := security.EnsureDir(l.Dir, security.PermPublicDir); err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrNoPublicDir, err)
	}

	name := FileName(src.Prefix(), l.now())
	if err := security.ValidateFilename(name); err != nil {
		return Handle{}, err
	}

	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}

	w, err := security.NewAtomicFileWriter(filepath.Join(l.Dir, name), security.PermPublicFile, security.PermPublicDir)
	if err != nil {
		return Handle{}, fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := copyExact(w, rc, size); err != nil {
		w.Abort()
		return Handle{}, fmt.Errorf("copy %s: %w", name, err)
	}
	if err := w.Commit(); err != nil {
		return Handle{}, fmt.Errorf("commit %s: %w", name, err)
	}

	return Handle{URI: l.Provider.URIFor(name), Name: name, Kind: KindLegacy}, nil
}

func (l *Legacy) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// DefaultPublicDir returns the user's download directory plus a diagd
// subdirectory, or "" when no home directory is known.
func DefaultPublicDir() string {
	if runtime.GOOS != "windows" && runtime.GOOS != "darwin" {
		if d := os.Getenv("XDG_DOWNLOAD_DIR"); d != "" {
			return filepath.Join(d, "diagd")
		}
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, "Downloads", "diagd")
}
