// Package pathguard validates user-supplied snapshot paths and confines
// them to a set of allowed directories.
//
// A path is accepted only if it is relative, free of control characters and
// traversal patterns (also after percent-decoding), and resolves inside one
// of the allowed roots. Symlinks are resolved within the root.
package pathguard

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// MaxDecodePasses bounds iterative percent-decoding.
const MaxDecodePasses = 4

// DefaultAllowed are the directories, relative to the working directory,
// that snapshots may be written to and read from.
var DefaultAllowed = []string{".", "./data", "./models", "./indices", "./tmp"}

// ErrInvalidPath is matched by every validation failure.
var ErrInvalidPath = errors.New("invalid path")

var dangerous = []string{"..", "~", "$", "\x00"}

// Error describes why a path was rejected.
type Error struct {
	Path   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Path, e.Reason)
}

func (e *Error) Unwrap() error { return ErrInvalidPath }

func reject(path, format string, args ...any) error {
	return &Error{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks path syntactically without touching the filesystem.
func Validate(path string) error {
	if strings.TrimSpace(path) == "" {
		return reject(path, "empty")
	}
	if isAbsolute(path) {
		return reject(path, "absolute paths are not allowed")
	}

	current := path
	for pass := 0; ; pass++ {
		if err := checkCharacters(path, current); err != nil {
			return err
		}
		for _, p := range dangerous {
			if strings.Contains(current, p) {
				return reject(path, "contains %q", p)
			}
		}
		if isAbsolute(current) {
			return reject(path, "decodes to an absolute path")
		}
		if !strings.Contains(current, "%") {
			return nil
		}
		if pass == MaxDecodePasses {
			return reject(path, "still encoded after %d decoding passes", MaxDecodePasses)
		}

		decoded, err := url.PathUnescape(current)
		if err != nil {
			return reject(path, "malformed percent-encoding")
		}
		if decoded == current {
			return nil
		}
		current = decoded
	}
}

func checkCharacters(orig, s string) error {
	for _, r := range s {
		if r == 0 {
			return reject(orig, "contains a null byte")
		}
		if r == '\t' || r == '\n' || r == '\r' {
			continue
		}
		if r < 0x20 || r == 0x7f || (r >= 0x80 && r <= 0x9f) {
			return reject(orig, "contains control character %U", r)
		}
	}
	return nil
}

func isAbsolute(p string) bool {
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return true
	}
	if len(p) >= 2 && p[1] == ':' && isLetter(p[0]) {
		return true
	}
	return false
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// Guard confines paths to allowed roots.
type Guard struct {
	roots []string
}

// New creates a Guard for the given roots, resolved against the working
// directory. With no roots, DefaultAllowed is used.
func New(roots ...string) (*Guard, error) {
	if len(roots) == 0 {
		roots = DefaultAllowed
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return NewAt(wd, roots...)
}

// NewAt is like New but resolves relative roots against base.
func NewAt(base string, roots ...string) (*Guard, error) {
	if len(roots) == 0 {
		roots = DefaultAllowed
	}
	g := &Guard{roots: make([]string, 0, len(roots))}
	for _, r := range roots {
		if !filepath.IsAbs(r) {
			r = filepath.Join(base, r)
		}
		g.roots = append(g.roots, filepath.Clean(r))
	}
	return g, nil
}

// Roots returns the absolute allowed roots.
func (g *Guard) Roots() []string {
	return append([]string(nil), g.roots...)
}

// Resolve validates path and returns its absolute location inside the first
// allowed root that contains it. The path is interpreted relative to the
// first root (the base directory).
func (g *Guard) Resolve(path string) (string, error) {
	if err := Validate(path); err != nil {
		return "", err
	}
	if len(g.roots) == 0 {
		return "", reject(path, "no allowed directories")
	}

	target := filepath.Join(g.roots[0], filepath.FromSlash(path))
	for _, root := range g.roots {
		rel, err := filepath.Rel(root, target)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		resolved, err := securejoin.SecureJoin(root, rel)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidPath, err)
		}
		return resolved, nil
	}
	return "", reject(path, "outside allowed directories")
}
