// Package sandbox confines every filesystem path the shard touches to a
// configured storage root.
//
// Two component rules exist. Keys (storage keys, upload session ids, bucket
// names) must match ^[A-Za-z0-9_-]+$, an alphabet in which no traversal
// sequence can be written. Filenames follow a looser rule because real names
// contain spaces and punctuation. Whatever the inputs, Root.Resolve is the
// final authority: it canonicalizes the joined path and rejects anything that
// does not land inside the root.
package sandbox

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ssd-technologies/shard/internal/errs"
)

// MaxComponentLen is the longest key or filename accepted, in bytes.
const MaxComponentLen = 255

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidKey reports whether s may be used verbatim as a directory name.
func ValidKey(s string) bool {
	return len(s) <= MaxComponentLen && keyPattern.MatchString(s)
}

// ValidFilename reports whether an already-decoded filename is safe to use
// as the last component of an object path.
func ValidFilename(name string) bool {
	if name == "" || len(name) > MaxComponentLen {
		return false
	}
	if name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return false
	}
	if !utf8.ValidString(name) {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 0x20 || c == 0x7f || c == '/' || c == '\\' {
			return false
		}
	}
	return true
}

// Key returns an invalid-path error unless s is a valid key.
func Key(s string) error {
	if !ValidKey(s) {
		return fmt.Errorf("key %q: %w", truncate(s), errs.ErrInvalidPath)
	}
	return nil
}

// Filename returns an invalid-path error unless name is a valid filename.
func Filename(name string) error {
	if !ValidFilename(name) {
		return fmt.Errorf("filename %q: %w", truncate(name), errs.ErrInvalidPath)
	}
	return nil
}

// DecodeFilename percent-decodes a raw path segment and validates the result.
func DecodeFilename(raw string) (string, error) {
	name, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("decode filename: %w", errs.ErrInvalidPath)
	}
	if err := Filename(name); err != nil {
		return "", err
	}
	return name, nil
}

// Root is a canonicalized storage root directory.
type Root struct {
	dir string
}

// New creates dir if needed and returns it as a canonical Root.
func New(dir string) (*Root, error) {
	if dir == "" {
		return nil, fmt.Errorf("sandbox: empty root")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("sandbox: create root: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("sandbox: abs root: %w", err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("sandbox: canonicalize root: %w", err)
	}
	return &Root{dir: canon}, nil
}

// Dir returns the canonical root directory.
func (r *Root) Dir() string {
	return r.dir
}

// Resolve joins components onto the root and returns the canonical result.
// The path is rejected with an invalid-path error unless it is the root
// itself or lies beneath it. Components that do not exist yet are allowed;
// only the existing part of the path is resolved through symlinks.
func (r *Root) Resolve(components ...string) (string, error) {
	for _, c := range components {
		if c == "" || strings.ContainsRune(c, 0) {
			return "", fmt.Errorf("resolve: empty or NUL component: %w", errs.ErrInvalidPath)
		}
	}
	joined := filepath.Join(append([]string{r.dir}, components...)...)
	canon, err := canonicalize(joined)
	if err != nil {
		return "", fmt.Errorf("resolve: %v: %w", err, errs.ErrInvalidPath)
	}
	if !r.contains(canon) {
		return "", fmt.Errorf("resolve: outside root: %w", errs.ErrInvalidPath)
	}
	return canon, nil
}

// contains reports whether p is the root or lies beneath it.
func (r *Root) contains(p string) bool {
	return p == r.dir || strings.HasPrefix(p, r.dir+string(filepath.Separator))
}

// canonicalize resolves symlinks in the longest existing prefix of p and
// re-appends the missing tail. p must already be clean and absolute.
func canonicalize(p string) (string, error) {
	existing := p
	var tail []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		tail = append(tail, filepath.Base(existing))
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	for i := len(tail) - 1; i >= 0; i-- {
		resolved = filepath.Join(resolved, tail[i])
	}
	return resolved, nil
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
