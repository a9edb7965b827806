package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validation errors
var (
	ErrPathTraversal     = errors.New("security: path traversal detected")
	ErrInvalidPath       = errors.New("security: invalid path")
	ErrPathOutsideRoot   = errors.New("security: path outside allowed root")
	ErrInvalidInput      = errors.New("security: invalid input")
	ErrInputTooLong      = errors.New("security: input exceeds maximum length")
	ErrNullByte          = errors.New("security: null byte in input")
	ErrInvalidUTF8       = errors.New("security: invalid UTF-8 encoding")
	ErrControlCharacters = errors.New("security: control characters in input")
)

// PathValidator provides path validation.
type PathValidator struct {
	// AllowedRoots are the directories that paths must be within
	AllowedRoots []string

	// ResolveSymlinks replaces the path with its real location when it exists
	ResolveSymlinks bool

	// MaxPathLength is the maximum allowed path length
	MaxPathLength int
}

// DefaultPathValidator returns a PathValidator with sensible defaults.
func DefaultPathValidator() *PathValidator {
	return &PathValidator{
		MaxPathLength: 4096,
	}
}

// ValidatePath checks if a path is safe to use and returns it cleaned and
// absolute.
func (v *PathValidator) ValidatePath(path string) (string, error) {
	if path == "" {
		return "", ErrInvalidPath
	}
	if strings.Contains(path, "\x00") {
		return "", ErrNullByte
	}
	if v.MaxPathLength > 0 && len(path) > v.MaxPathLength {
		return "", fmt.Errorf("%w: length %d exceeds maximum %d", ErrInputTooLong, len(path), v.MaxPathLength)
	}
	if containsTraversal(path) {
		return "", ErrPathTraversal
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	if v.ResolveSymlinks {
		realPath, err := filepath.EvalSymlinks(absPath)
		switch {
		case err == nil:
			absPath = realPath
		case !os.IsNotExist(err):
			return "", fmt.Errorf("%w: symlink evaluation failed: %v", ErrInvalidPath, err)
		}
	}

	if len(v.AllowedRoots) > 0 && !withinRoots(absPath, v.AllowedRoots) {
		return "", ErrPathOutsideRoot
	}

	return absPath, nil
}

func withinRoots(absPath string, roots []string) bool {
	for _, root := range roots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if absPath == absRoot || strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// containsTraversal checks for common path traversal patterns.
func containsTraversal(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return true
		}
	}
	if strings.Contains(strings.ToLower(path), "%2e%2e") {
		return true
	}
	return strings.Contains(path, "..\\") || strings.Contains(path, "\\..")
}

// ValidateFilename validates a single path element used for an exported
// file. It must be portable across the platforms diagd exports to.
func ValidateFilename(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: empty or reserved filename", ErrInvalidInput)
	}
	if strings.Contains(name, "\x00") {
		return ErrNullByte
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: filename contains path separator", ErrInvalidInput)
	}
	if strings.ContainsAny(name, `<>:"|?*`) {
		return fmt.Errorf("%w: invalid characters in filename", ErrInvalidInput)
	}

	base := strings.TrimSuffix(strings.ToUpper(name), strings.ToUpper(filepath.Ext(name)))
	switch base {
	case "CON", "PRN", "AUX", "NUL":
		return fmt.Errorf("%w: reserved filename", ErrInvalidInput)
	}
	if len(base) == 4 && (strings.HasPrefix(base, "COM") || strings.HasPrefix(base, "LPT")) && base[3] >= '1' && base[3] <= '9' {
		return fmt.Errorf("%w: reserved filename", ErrInvalidInput)
	}

	if strings.HasPrefix(name, " ") || strings.HasSuffix(name, " ") {
		return fmt.Errorf("%w: filename has leading/trailing spaces", ErrInvalidInput)
	}
	if strings.HasSuffix(name, ".") {
		return fmt.Errorf("%w: filename ends with dot", ErrInvalidInput)
	}
	return nil
}

// InputValidator checks text arriving from other processes.
type InputValidator struct {
	// MaxLength is the maximum allowed input length in bytes
	MaxLength int

	// AllowControlChars controls whether control characters other than
	// tab, CR and LF are allowed
	AllowControlChars bool
}

// LogTextValidator returns the validator applied to log lines submitted over IPC.
func LogTextValidator() *InputValidator {
	return &InputValidator{
		MaxLength: 16 * 1024,
	}
}

// Validate checks if input meets the validation requirements.
func (v *InputValidator) Validate(input string) error {
	if v.MaxLength > 0 && len(input) > v.MaxLength {
		return fmt.Errorf("%w: length %d exceeds maximum %d", ErrInputTooLong, len(input), v.MaxLength)
	}
	if strings.Contains(input, "\x00") {
		return ErrNullByte
	}
	if !utf8.ValidString(input) {
		return ErrInvalidUTF8
	}
	if !v.AllowControlChars {
		for _, r := range input {
			if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
				return ErrControlCharacters
			}
		}
	}
	return nil
}
