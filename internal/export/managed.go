package export

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/blake2b"
)

// MIMEType is the content type registered for exported logs.
const MIMEType = "text/plain"

// DefaultRelativePath is the managed storage subdirectory for exports.
const DefaultRelativePath = "Download/diagd"

// Index is the managed storage registry an export is recorded in.
//
// Insert reports created=true for rows that hold no finalized content.
// Content written through OpenWriter replaces the entry's file only on
// Finalize; Discard drops it instead.
type Index interface {
	Insert(ctx context.Context, displayName, mimeType, relativePath string) (id int64, created bool, err error)
	OpenWriter(ctx context.Context, id int64) (io.WriteCloser, error)
	Finalize(ctx context.Context, id, size int64, digest []byte) (string, error)
	Discard(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
}

// Managed registers the export in the index before writing its content.
type Managed struct {
	Index        Index
	RelativePath string

	// CleanupOrphans deletes an entry this export created when the write
	// fails. An entry finalized by an earlier export is always kept.
	CleanupOrphans bool

	Now func() time.Time
}

// Export implements Strategy.
func (m *Managed) Export(ctx context.Context, src Source) (h Handle, err error) {
	rc, size, err := openSource(src)
	if err != nil {
		return Handle{}, err
	}
	defer rc.Close()

	name := FileName(src.Prefix(), m.now())
	rel := m.RelativePath
	if rel == "" {
		rel = DefaultRelativePath
	}

	id, created, err := m.Index.Insert(ctx, name, MIMEType, rel)
	if err != nil {
		return Handle{}, fmt.Errorf("register %s: %w", name, err)
	}
	defer func() {
		if err == nil {
			return
		}
		// Best effort; the original error is what the caller needs.
		cleanupCtx := context.WithoutCancel(ctx)
		if created && m.CleanupOrphans {
			_ = m.Index.Delete(cleanupCtx, id)
			return
		}
		_ = m.Index.Discard(cleanupCtx, id)
	}()

	digest, err := m.write(ctx, id, rc, size)
	if err != nil {
		return Handle{}, fmt.Errorf("write %s: %w", name, err)
	}

	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}

	uri, err := m.Index.Finalize(ctx, id, size, digest)
	if err != nil {
		return Handle{}, fmt.Errorf("finalize %s: %w", name, err)
	}

	return Handle{URI: uri, Name: name, Kind: KindManaged}, nil
}

func (m *Managed) write(ctx context.Context, id int64, r io.Reader, size int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w, err := m.Index.OpenWriter(ctx, id)
	if err != nil {
		return nil, err
	}

	h, err := blake2b.New256(nil)
	if err != nil {
		w.Close()
		return nil, err
	}

	if _, err := copyExact(io.MultiWriter(w, h), r, size); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func (m *Managed) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}
