// Package objects lays stored objects out on disk as
// <root>/<bucket>/<key>/<name> and resolves every path through the sandbox.
package objects

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ssd-technologies/shard/internal/errs"
	"github.com/ssd-technologies/shard/internal/sandbox"
)

// Bucket is a top-level visibility partition.
type Bucket string

const (
	Public  Bucket = "public"
	Private Bucket = "private"
)

// ParseBucket accepts "public" or "private".
func ParseBucket(s string) (Bucket, error) {
	switch Bucket(s) {
	case Public, Private:
		return Bucket(s), nil
	}
	return "", fmt.Errorf("bucket %q: %w", s, errs.ErrInvalidMetadata)
}

// Object describes a stored object. It is what the metadata registry is told
// about after an upload completes.
type Object struct {
	Key      string `json:"key"`
	Bucket   Bucket `json:"bucket"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type,omitempty"`
	Owner    string `json:"owner,omitempty"`
}

// RelativePath is the path signed into capability URLs: "<key>/<name>".
func (o Object) RelativePath() string {
	return o.Key + "/" + o.Name
}

// Store manages object directories under a sandboxed root.
type Store struct {
	root *sandbox.Root
}

// NewStore returns a Store rooted at root.
func NewStore(root *sandbox.Root) *Store {
	return &Store{root: root}
}

// Root returns the sandbox the store resolves paths through.
func (s *Store) Root() *sandbox.Root {
	return s.root
}

// Path resolves the file path of an object after validating every component.
func (s *Store) Path(bucket Bucket, key, name string) (string, error) {
	if _, err := ParseBucket(string(bucket)); err != nil {
		return "", fmt.Errorf("object path: %w", errs.ErrInvalidPath)
	}
	if err := sandbox.Key(key); err != nil {
		return "", err
	}
	if err := sandbox.Filename(name); err != nil {
		return "", err
	}
	return s.root.Resolve(string(bucket), key, name)
}

// Dir resolves the directory that holds an object.
func (s *Store) Dir(bucket Bucket, key string) (string, error) {
	if _, err := ParseBucket(string(bucket)); err != nil {
		return "", fmt.Errorf("object dir: %w", errs.ErrInvalidPath)
	}
	if err := sandbox.Key(key); err != nil {
		return "", err
	}
	return s.root.Resolve(string(bucket), key)
}

// Create makes the directory for a new key. An existing directory is an
// error: keys are never reused.
func (s *Store) Create(bucket Bucket, key string) (string, error) {
	dir, err := s.Dir(bucket, key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return "", fmt.Errorf("create bucket dir: %v: %w", err, errs.ErrIO)
	}
	if err := os.Mkdir(dir, 0755); err != nil {
		return "", fmt.Errorf("create key dir: %v: %w", err, errs.ErrIO)
	}
	return dir, nil
}

// Remove deletes an object directory and everything in it. Removing a key
// that does not exist returns a not-found error.
func (s *Store) Remove(bucket Bucket, key string) error {
	dir, err := s.Dir(bucket, key)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s/%s: %w", bucket, key, errs.ErrNotFound)
		}
		return fmt.Errorf("remove: %v: %w", err, errs.ErrIO)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove: %v: %w", err, errs.ErrIO)
	}
	return nil
}

// Stat returns the size of a stored object.
func (s *Store) Stat(bucket Bucket, key, name string) (int64, error) {
	p, err := s.Path(bucket, key, name)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("stat %s/%s: %w", bucket, key, errs.ErrNotFound)
		}
		return 0, fmt.Errorf("stat: %v: %w", err, errs.ErrIO)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("stat %s/%s: %w", bucket, key, errs.ErrNotFound)
	}
	return info.Size(), nil
}

// PutOptions constrain a single-shot upload.
type PutOptions struct {
	// MaxSize rejects bodies larger than this many bytes. Zero means no limit.
	MaxSize int64
	// SHA256 is an optional hex digest the body must match.
	SHA256 string
}

// Put writes r as a new object under a fresh directory for key. The data is
// written to a hidden temp file, flushed and renamed into place, so the
// object is never visible half-written. On any failure the key directory is
// removed.
func (s *Store) Put(ctx context.Context, bucket Bucket, key, name string, r io.Reader, opts PutOptions) (Object, error) {
	if err := sandbox.Filename(name); err != nil {
		return Object{}, err
	}
	dir, err := s.Create(bucket, key)
	if err != nil {
		return Object{}, err
	}
	obj, err := s.put(ctx, dir, bucket, key, name, r, opts)
	if err != nil {
		os.RemoveAll(dir)
		return Object{}, err
	}
	return obj, nil
}

func (s *Store) put(ctx context.Context, dir string, bucket Bucket, key, name string, r io.Reader, opts PutOptions) (Object, error) {
	final, err := s.Path(bucket, key, name)
	if err != nil {
		return Object{}, err
	}

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return Object{}, fmt.Errorf("create temp: %v: %w", err, errs.ErrIO)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	src := r
	if opts.MaxSize > 0 {
		src = io.LimitReader(r, opts.MaxSize+1)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), contextReader{ctx: ctx, r: src})
	if err != nil {
		tmp.Close()
		if ctx.Err() != nil {
			return Object{}, ctx.Err()
		}
		return Object{}, fmt.Errorf("write object: %v: %w", err, errs.ErrIO)
	}
	if opts.MaxSize > 0 && n > opts.MaxSize {
		tmp.Close()
		return Object{}, fmt.Errorf("object exceeds %d bytes: %w", opts.MaxSize, errs.ErrInvalidMetadata)
	}
	if opts.SHA256 != "" && !strings.EqualFold(hex.EncodeToString(h.Sum(nil)), opts.SHA256) {
		tmp.Close()
		return Object{}, fmt.Errorf("object hash: %w", errs.ErrIntegrity)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return Object{}, fmt.Errorf("sync object: %v: %w", err, errs.ErrIO)
	}
	if err := tmp.Close(); err != nil {
		return Object{}, fmt.Errorf("close object: %v: %w", err, errs.ErrIO)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return Object{}, fmt.Errorf("rename object: %v: %w", err, errs.ErrIO)
	}

	return Object{Key: key, Bucket: bucket, Name: name, Size: n}, nil
}

// contextReader stops a copy once ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
