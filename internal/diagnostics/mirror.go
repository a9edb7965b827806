package diagnostics

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"diagd/internal/security"
)

// mirrorResult is the outcome of one mirror append. The write path never
// surfaces it; callers must discard it explicitly.
type mirrorResult struct {
	err error
}

// discard drops the result, counting a failure.
func (r mirrorResult) discard(c *Channel) {
	if r.err == nil {
		return
	}
	c.metrics.RecordMirrorFailure(c.stream.String())
	c.logger.Debug("mirror append failed", "path", c.mirrorPath, "error", r.err)
}

// appendMirror appends line to the mirror file under an exclusive lock.
func (c *Channel) appendMirror(line string) mirrorResult {
	f, err := openMirror(c.mirrorPath)
	if errors.Is(err, fs.ErrNotExist) {
		if err := security.EnsureDir(filepath.Dir(c.mirrorPath), security.PermPrivateDir); err != nil {
			return mirrorResult{err: err}
		}
		f, err = openMirror(c.mirrorPath)
	}
	if err != nil {
		return mirrorResult{err: err}
	}
	defer f.Close()

	if err := security.LockExclusive(f); err != nil {
		return mirrorResult{err: err}
	}
	defer security.Unlock(f)

	_, err = f.WriteString(line + "\n")
	return mirrorResult{err: err}
}

func openMirror(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, security.PermPrivateFile)
}
