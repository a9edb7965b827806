package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyToFile_OverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "out", "theme-20261018.log")

	n, err := CopyToFile(dst, strings.NewReader("first\n"), PermPublicFile)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	n, err = CopyToFile(dst, strings.NewReader("second run\n"), PermPublicFile)
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "second run\n", string(data))

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(dst))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAtomicFileWriter_AbortLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "aborted.log")

	w, err := NewAtomicFileWriter(dst, PermPrivateFile, PermPrivateDir)
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	w.Abort()

	_, err = os.Stat(dst)
	assert.True(t, os.IsNotExist(err))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEnsureDir(t *testing.T) {
	dir := t.TempDir()

	target := filepath.Join(dir, "a", "b")
	require.NoError(t, EnsureDir(target, PermPrivateDir))
	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, PermPrivateFile))
	assert.ErrorIs(t, EnsureDir(file, PermPrivateDir), ErrNotDirectory)
}

func TestLocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, PermPrivateFile)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, LockShared(f))
	require.NoError(t, Unlock(f))
	require.NoError(t, LockExclusive(f))
	require.NoError(t, Unlock(f))
}

func TestValidatePath(t *testing.T) {
	v := DefaultPathValidator()

	_, err := v.ValidatePath("")
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = v.ValidatePath("logs/../../etc/passwd")
	assert.ErrorIs(t, err, ErrPathTraversal)

	_, err = v.ValidatePath("bad\x00path")
	assert.ErrorIs(t, err, ErrNullByte)

	root := t.TempDir()
	rooted := &PathValidator{AllowedRoots: []string{root}}
	got, err := rooted.ValidatePath(filepath.Join(root, "x.log"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "x.log"), got)

	_, err = rooted.ValidatePath(filepath.Join(filepath.Dir(root), "elsewhere.log"))
	assert.ErrorIs(t, err, ErrPathOutsideRoot)
}

func TestValidateFilename(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"whisper-20261018.log", false},
		{".hidden", false},
		{"", true},
		{"..", true},
		{"a/b.log", true},
		{`a\b.log`, true},
		{"what?.log", true},
		{"CON.log", true},
		{"com3.txt", true},
		{"COMX.txt", false},
		{" lead.log", true},
		{"trail.", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFilename(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLogTextValidator(t *testing.T) {
	v := LogTextValidator()

	assert.NoError(t, v.Validate("model loaded\tin 120ms\n"))
	assert.ErrorIs(t, v.Validate("bell\a"), ErrControlCharacters)
	assert.ErrorIs(t, v.Validate("nul\x00"), ErrNullByte)
	assert.ErrorIs(t, v.Validate(string([]byte{0xff, 0xfe})), ErrInvalidUTF8)
	assert.ErrorIs(t, v.Validate(strings.Repeat("x", 16*1024+1)), ErrInputTooLong)
}
