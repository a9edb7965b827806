package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"diagd/internal/security"
)

// Errors returned by the index.
var (
	ErrNotFound     = errors.New("store: entry not found")
	ErrInvalidEntry = errors.New("store: invalid entry")
	ErrBadURI       = errors.New("store: uri not owned by this index")
)

// Store is the managed storage index. Entries are registered before their
// content is written and finalized once the bytes are in place.
type Store struct {
	db        *sql.DB
	root      string
	authority string
	now       func() time.Time
}

// Open opens or creates the index database at path. Files are stored under
// root; handles are issued under content://{authority}/downloads/.
func Open(path, root, authority string) (*Store, error) {
	if err := security.EnsureDir(filepath.Dir(path), security.PermPrivateDir); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := os.Chmod(path, security.PermPrivateFile); err != nil && !os.IsNotExist(err) {
		db.Close()
		return nil, fmt.Errorf("restrict database permissions: %w", err)
	}

	return &Store{
		db:        db,
		root:      root,
		authority: authority,
		now:       time.Now,
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping reports whether the index database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store: not open")
	}
	return s.db.PingContext(ctx)
}

// Root returns the directory managed files live under.
func (s *Store) Root() string {
	return s.root
}

// Insert registers displayName under relativePath and returns its ID.
// created reports whether the row never held finalized content, in which
// case the caller owns it and may Delete it on failure. A finalized row is
// reused as is and keeps resolving to its current file until Finalize
// replaces it.
func (s *Store) Insert(ctx context.Context, displayName, mimeType, relativePath string) (id int64, created bool, err error) {
	if err := security.ValidateFilename(displayName); err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	rel, err := cleanRelative(relativePath)
	if err != nil {
		return 0, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UnixNano()
	var pending int
	err = tx.QueryRowContext(ctx,
		"SELECT id, pending FROM downloads WHERE relative_path = ? AND display_name = ?",
		rel, displayName,
	).Scan(&id, &pending)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = tx.QueryRowContext(ctx, `
			INSERT INTO downloads (display_name, mime_type, relative_path, pending, created_at, updated_at)
			VALUES (?, ?, ?, 1, ?, ?)
			RETURNING id`,
			displayName, mimeType, rel, now, now,
		).Scan(&id)
		if err != nil {
			return 0, false, fmt.Errorf("insert entry: %w", err)
		}
		created = true
	case err != nil:
		return 0, false, fmt.Errorf("look up entry: %w", err)
	default:
		if _, err := tx.ExecContext(ctx,
			"UPDATE downloads SET mime_type = ?, updated_at = ? WHERE id = ?",
			mimeType, now, id,
		); err != nil {
			return 0, false, fmt.Errorf("update entry: %w", err)
		}
		created = pending != 0
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit entry: %w", err)
	}
	return id, created, nil
}

// OpenWriter opens a staging file for the entry's next content. The
// entry's current file is untouched until Finalize.
func (s *Store) OpenWriter(ctx context.Context, id int64) (io.WriteCloser, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	path := s.stagingPath(e)
	if err := security.EnsureDir(filepath.Dir(path), security.PermPublicDir); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, security.PermPublicFile)
	if err != nil {
		return nil, fmt.Errorf("open staging file: %w", err)
	}
	return stagedFile{f}, nil
}

// stagedFile syncs on Close so Finalize renames durable content.
type stagedFile struct {
	*os.File
}

func (f stagedFile) Close() error {
	if err := f.File.Sync(); err != nil {
		f.File.Close()
		return fmt.Errorf("sync staging file: %w", err)
	}
	return f.File.Close()
}

// Finalize moves the staged content into place, records size and digest,
// clears the pending flag and returns the entry's handle URI.
func (s *Store) Finalize(ctx context.Context, id, size int64, digest []byte) (string, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}

	if err := os.Rename(s.stagingPath(e), s.pathFor(e)); err != nil {
		return "", fmt.Errorf("install entry file: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET size = ?, digest = ?, pending = 0, updated_at = ?
		WHERE id = ?`,
		size, digest, s.now().UnixNano(), id,
	)
	if err != nil {
		return "", fmt.Errorf("finalize entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("finalize entry: %w", err)
	}
	if n == 0 {
		return "", ErrNotFound
	}
	return s.URIFor(id), nil
}

// Discard drops staged content that will not be finalized. The entry and
// its current file are kept.
func (s *Store) Discard(ctx context.Context, id int64) error {
	e, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := os.Remove(s.stagingPath(e)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove staging file: %w", err)
	}
	return nil
}

// Delete removes an entry with its file and any staged content.
func (s *Store) Delete(ctx context.Context, id int64) error {
	e, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	for _, path := range []string{s.pathFor(e), s.stagingPath(e)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove entry file: %w", err)
		}
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM downloads WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

// Get retrieves an entry by ID.
func (s *Store) Get(ctx context.Context, id int64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, mime_type, relative_path, size, digest, pending, created_at, updated_at
		FROM downloads WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

// List returns all entries ordered by most recently updated first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, mime_type, relative_path, size, digest, pending, created_at, updated_at
		FROM downloads ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Path returns the filesystem location of an entry.
func (s *Store) Path(e *Entry) string {
	return s.pathFor(e)
}

// URIFor returns the handle URI of an entry ID.
func (s *Store) URIFor(id int64) string {
	return fmt.Sprintf("content://%s/downloads/%d", s.authority, id)
}

// Resolve maps a handle URI issued by Finalize back to a file path.
// Pending entries do not resolve.
func (s *Store) Resolve(uri string) (string, error) {
	prefix := fmt.Sprintf("content://%s/downloads/", s.authority)
	rest, ok := strings.CutPrefix(uri, prefix)
	if !ok {
		return "", ErrBadURI
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadURI, err)
	}

	e, err := s.Get(context.Background(), id)
	if err != nil {
		return "", err
	}
	if e.Pending {
		return "", ErrNotFound
	}
	return s.pathFor(e), nil
}

func (s *Store) pathFor(e *Entry) string {
	return filepath.Join(s.root, filepath.FromSlash(e.RelativePath), e.DisplayName)
}

func (s *Store) stagingPath(e *Entry) string {
	return s.pathFor(e) + ".partial"
}

func cleanRelative(rel string) (string, error) {
	rel = strings.Trim(filepath.ToSlash(rel), "/")
	if rel == "" {
		return "", fmt.Errorf("%w: empty relative path", ErrInvalidEntry)
	}
	for _, part := range strings.Split(rel, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("%w: relative path %q", ErrInvalidEntry, rel)
		}
	}
	return rel, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var pending int
	var created, updated int64
	if err := row.Scan(&e.ID, &e.DisplayName, &e.MIMEType, &e.RelativePath, &e.Size, &e.Digest, &pending, &created, &updated); err != nil {
		return nil, err
	}
	e.Pending = pending != 0
	e.CreatedAt = time.Unix(0, created)
	e.UpdatedAt = time.Unix(0, updated)
	return &e, nil
}
