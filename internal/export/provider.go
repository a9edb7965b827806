package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"diagd/internal/security"
)

// Provider hands out opaque content:// handles for files in one export
// directory, so receivers never see the real path.
type Provider struct {
	Authority string
	Root      string
}

func (p *Provider) prefix() string {
	return fmt.Sprintf("content://%s/exports/", p.Authority)
}

// URIFor returns the handle for a file name in the export directory.
func (p *Provider) URIFor(name string) string {
	return p.prefix() + name
}

// Resolve maps a handle back to its file path.
func (p *Provider) Resolve(uri string) (string, error) {
	name, ok := strings.CutPrefix(uri, p.prefix())
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	if err := security.ValidateFilename(name); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	v := &security.PathValidator{AllowedRoots: []string{p.Root}}
	path, err := v.ValidatePath(filepath.Join(p.Root, name))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	return path, nil
}
