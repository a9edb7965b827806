package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Integrity errors.
var (
	ErrPendingEntry   = errors.New("store: entry never finalized")
	ErrSizeMismatch   = errors.New("store: size mismatch")
	ErrDigestMismatch = errors.New("store: digest mismatch")
)

// Digest returns the BLAKE2b-256 digest of r and the number of bytes read.
func Digest(r io.Reader) ([]byte, int64, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, 0, err
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return nil, n, err
	}
	return h.Sum(nil), n, nil
}

// VerifyEntry checks that an entry's file still matches what Finalize recorded.
func (s *Store) VerifyEntry(e *Entry) error {
	if e.Pending {
		return ErrPendingEntry
	}

	f, err := os.Open(s.pathFor(e))
	if err != nil {
		return fmt.Errorf("open entry file: %w", err)
	}
	defer f.Close()

	sum, n, err := Digest(f)
	if err != nil {
		return fmt.Errorf("hash entry file: %w", err)
	}
	if n != e.Size {
		return fmt.Errorf("%w: entry %d has %d bytes, recorded %d", ErrSizeMismatch, e.ID, n, e.Size)
	}
	if !bytes.Equal(sum, e.Digest) {
		return fmt.Errorf("%w: entry %d computed %x, recorded %x", ErrDigestMismatch, e.ID, sum, e.Digest)
	}
	return nil
}

// VerifyAll checks every entry in the index.
func (s *Store) VerifyAll(ctx context.Context) ([]Status, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Status, 0, len(entries))
	for i := range entries {
		e := entries[i]
		out = append(out, Status{
			Entry: e,
			Path:  s.pathFor(&e),
			Err:   s.VerifyEntry(&e),
		})
	}
	return out, nil
}

// SweepPending deletes entries still pending since before cutoff, along
// with any partial files. It returns the number of entries removed.
func (s *Store) SweepPending(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM downloads WHERE pending = 1 AND updated_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("query pending entries: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan pending entry: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			return 0, err
		}
	}
	return len(ids), nil
}
