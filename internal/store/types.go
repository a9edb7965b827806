// Package store provides the SQLite-backed managed storage index for
// exported diagnostics files.
package store

import "time"

// Entry is one registered file in managed storage.
type Entry struct {
	ID           int64
	DisplayName  string
	MIMEType     string
	RelativePath string
	Size         int64
	Digest       []byte
	Pending      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Status reports the integrity of one entry.
type Status struct {
	Entry Entry
	Path  string
	Err   error
}

// OK reports whether the entry's file matches its recorded size and digest.
func (s Status) OK() bool {
	return s.Err == nil
}
