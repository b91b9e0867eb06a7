// Package chunks stages upload chunks under <root>/_chunks_/<sessionId>/
// and assembles complete sessions into stored objects.
//
// The staging directory listing is the only record of which chunks have
// arrived. Several processes may share the storage root, so no in-memory
// session table exists; every status check lists the directory again.
package chunks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ssd-technologies/shard/internal/errs"
	"github.com/ssd-technologies/shard/internal/objects"
	"github.com/ssd-technologies/shard/internal/sandbox"
)

// StagingDir is the bucket-level directory that holds upload sessions.
const StagingDir = "_chunks_"

const (
	chunkExt = ".chunk"
	claimExt = ".assembling"
)

// Store writes chunks and assembles sessions. It is safe for concurrent use;
// concurrency control is left to the filesystem.
type Store struct {
	root    *sandbox.Root
	objects *objects.Store
	logger  zerolog.Logger
	now     func() time.Time
}

// New returns a Store that stages chunks under root and assembles into objs.
func New(root *sandbox.Root, objs *objects.Store) *Store {
	return &Store{
		root:    root,
		objects: objs,
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
}

// SetLogger sets the logger used for non-fatal cleanup failures.
func (s *Store) SetLogger(logger zerolog.Logger) {
	s.logger = logger
}

// ChunkName is the canonical file name of chunk index.
func ChunkName(index int) string {
	return strconv.Itoa(index) + chunkExt
}

// parseChunkName accepts only names ChunkName could have produced, so temp
// files and stray entries such as "01.chunk" never count towards completion.
func parseChunkName(name string) (int, bool) {
	base, ok := strings.CutSuffix(name, chunkExt)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(base)
	if err != nil || n < 0 || ChunkName(n) != name {
		return 0, false
	}
	return n, true
}

// sessionDir resolves the staging directory for id.
func (s *Store) sessionDir(id string) (string, error) {
	if err := sandbox.Key(id); err != nil {
		return "", err
	}
	return s.root.Resolve(StagingDir, id)
}

// WriteOptions describe what a chunk is expected to contain.
type WriteOptions struct {
	// Size is the declared payload length. Negative disables the check.
	Size int64
	// SHA256 is an optional hex digest the payload must match.
	SHA256 string
}

// WriteChunk streams r into chunk index of session id and returns the
// session state after the write. Re-sending an index replaces the earlier
// chunk; the payload becomes visible only once fully written.
func (s *Store) WriteChunk(ctx context.Context, id string, index, total int, r io.Reader, opts WriteOptions) (State, error) {
	if total <= 0 || index < 0 || index >= total {
		return State{}, fmt.Errorf("chunk index %d of %d: %w", index, total, errs.ErrInvalidMetadata)
	}
	dir, err := s.sessionDir(id)
	if err != nil {
		return State{}, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return State{}, fmt.Errorf("create staging dir: %v: %w", err, errs.ErrIO)
	}
	final, err := s.root.Resolve(StagingDir, id, ChunkName(index))
	if err != nil {
		return State{}, err
	}

	tmp, err := os.CreateTemp(dir, ".part-"+strconv.Itoa(index)+"-*")
	if err != nil {
		return State{}, fmt.Errorf("create chunk temp: %v: %w", err, errs.ErrIO)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	var h hash.Hash
	var w io.Writer = tmp
	if opts.SHA256 != "" {
		h = sha256.New()
		w = io.MultiWriter(tmp, h)
	}
	src := r
	if opts.Size >= 0 {
		src = io.LimitReader(r, opts.Size+1)
	}
	n, err := io.Copy(w, ctxReader{ctx: ctx, r: src})
	closeErr := tmp.Close()
	if err != nil {
		if ctx.Err() != nil {
			return State{}, ctx.Err()
		}
		return State{}, fmt.Errorf("write chunk %d: %v: %w", index, err, errs.ErrIO)
	}
	if closeErr != nil {
		return State{}, fmt.Errorf("close chunk %d: %v: %w", index, closeErr, errs.ErrIO)
	}
	if opts.Size >= 0 && n != opts.Size {
		return State{}, fmt.Errorf("chunk %d is %d bytes, declared %d: %w", index, n, opts.Size, errs.ErrInvalidMetadata)
	}
	if h != nil && !strings.EqualFold(hex.EncodeToString(h.Sum(nil)), opts.SHA256) {
		return State{}, fmt.Errorf("chunk %d hash: %w", index, errs.ErrIntegrity)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return State{}, fmt.Errorf("commit chunk %d: %v: %w", index, err, errs.ErrIO)
	}

	return s.State(id, total)
}

// Indices lists the chunk indices present for session id, in ascending
// order. A missing staging directory is ErrSessionNotFound.
func (s *Store) Indices(id string) ([]int, error) {
	dir, err := s.sessionDir(id)
	if err != nil {
		return nil, err
	}
	indices, err := listIndices(dir)
	if errors.Is(err, errs.ErrSessionNotFound) {
		return nil, fmt.Errorf("session %s: %w", id, errs.ErrSessionNotFound)
	}
	return indices, err
}

func listIndices(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.ErrSessionNotFound
		}
		return nil, fmt.Errorf("list session: %v: %w", err, errs.ErrIO)
	}
	indices := make([]int, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if n, ok := parseChunkName(e.Name()); ok {
			indices = append(indices, n)
		}
	}
	// os.ReadDir sorts by name, which puts 10 before 2.
	sort.Ints(indices)
	return indices, nil
}

// State lists session id and evaluates it against total.
func (s *Store) State(id string, total int) (State, error) {
	indices, err := s.Indices(id)
	if err != nil {
		return State{}, err
	}
	return Evaluate(total, indices), nil
}

// AssembleRequest names the declared shape of a session and where the
// assembled object goes. Key must be a fresh storage key.
type AssembleRequest struct {
	TotalChunks int
	Size        int64
	Bucket      objects.Bucket
	Key         string
	Name        string
	// SHA256 is an optional hex digest of the whole file.
	SHA256 string
}

// Assemble concatenates the chunks of session id in index order into a new
// object.
//
// The staging directory is first claimed by renaming it to ClaimName(id).
// Exactly one caller can win that rename, even across processes sharing the
// root; every other caller sees ErrSessionNotFound or ErrSessionBusy. The
// chunk set is then listed and checked from the claimed directory.
//
// On a size mismatch ErrSizeMismatch is returned and nothing is left at the
// destination. On any failure the destination is removed and the claim is
// renamed back so the client can retry. On success the claim is removed.
func (s *Store) Assemble(ctx context.Context, id string, req AssembleRequest) (objects.Object, error) {
	if err := sandbox.Filename(req.Name); err != nil {
		return objects.Object{}, err
	}
	if req.Size < 0 {
		return objects.Object{}, fmt.Errorf("declared size %d: %w", req.Size, errs.ErrInvalidMetadata)
	}
	staging, claim, err := s.claim(id)
	if err != nil {
		return objects.Object{}, err
	}

	obj, err := s.assembleClaimed(ctx, id, claim, req)
	if err != nil {
		s.unclaim(id, claim, staging)
		return objects.Object{}, err
	}
	if err := os.RemoveAll(claim); err != nil {
		s.logger.Warn().Err(err).Str("upload_id", id).Msg("failed to remove staging dir after assembly")
	}
	return obj, nil
}

// ClaimName is the staging entry a session is renamed to while it is being
// assembled. It is never a valid key, so listings skip it.
func ClaimName(id string) string {
	return "." + id + claimExt
}

// claim renames the staging directory of id to its claim name.
func (s *Store) claim(id string) (staging, claim string, err error) {
	staging, err = s.sessionDir(id)
	if err != nil {
		return "", "", err
	}
	claim, err = s.root.Resolve(StagingDir, ClaimName(id))
	if err != nil {
		return "", "", err
	}
	if err := os.Rename(staging, claim); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", "", fmt.Errorf("session %s: %w", id, errs.ErrSessionNotFound)
		}
		// A non-empty claim already exists (EEXIST or ENOTEMPTY): another
		// finalize holds it.
		if errors.Is(err, os.ErrExist) {
			return "", "", fmt.Errorf("session %s: %w", id, errs.ErrSessionBusy)
		}
		return "", "", fmt.Errorf("claim session: %v: %w", err, errs.ErrIO)
	}
	// Rename keeps the directory mtime; refresh it so the sweeper does not
	// take a claim that is in use.
	now := s.now()
	if err := os.Chtimes(claim, now, now); err != nil {
		s.logger.Warn().Err(err).Str("upload_id", id).Msg("failed to touch claimed session")
	}
	return staging, claim, nil
}

// unclaim puts claimed chunks back under the session id. If chunks were
// written to a new staging directory meanwhile, those win and only the
// missing indices are moved back.
func (s *Store) unclaim(id, claim, staging string) {
	err := os.Rename(claim, staging)
	if err == nil {
		return
	}
	entries, err := os.ReadDir(claim)
	if err == nil {
		err = os.MkdirAll(staging, 0755)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("upload_id", id).Msg("failed to release claimed session")
		return
	}
	for _, e := range entries {
		if _, ok := parseChunkName(e.Name()); !ok || !e.Type().IsRegular() {
			continue
		}
		dst := filepath.Join(staging, e.Name())
		if _, err := os.Lstat(dst); err == nil {
			continue
		}
		if err := os.Rename(filepath.Join(claim, e.Name()), dst); err != nil {
			s.logger.Warn().Err(err).Str("upload_id", id).Str("chunk", e.Name()).Msg("failed to restore chunk")
		}
	}
	if err := os.RemoveAll(claim); err != nil {
		s.logger.Warn().Err(err).Str("upload_id", id).Msg("failed to remove released claim")
	}
}

func (s *Store) assembleClaimed(ctx context.Context, id, claim string, req AssembleRequest) (objects.Object, error) {
	indices, err := listIndices(claim)
	if err != nil {
		return objects.Object{}, err
	}
	state := Evaluate(req.TotalChunks, indices)
	if !state.Complete() {
		return objects.Object{}, fmt.Errorf("session %s incomplete: %d missing, %d unexpected: %w",
			id, len(state.Missing), len(state.Unexpected), errs.ErrInvalidMetadata)
	}

	dir, err := s.objects.Create(req.Bucket, req.Key)
	if err != nil {
		return objects.Object{}, err
	}
	obj, err := s.assemble(ctx, claim, dir, req)
	if err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			s.logger.Warn().Err(rmErr).Str("key", req.Key).Msg("failed to remove partial object")
		}
		return objects.Object{}, err
	}
	return obj, nil
}

func (s *Store) assemble(ctx context.Context, claim, dir string, req AssembleRequest) (objects.Object, error) {
	final, err := s.objects.Path(req.Bucket, req.Key, req.Name)
	if err != nil {
		return objects.Object{}, err
	}
	tmp, err := os.CreateTemp(dir, ".assemble-*")
	if err != nil {
		return objects.Object{}, fmt.Errorf("create destination: %v: %w", err, errs.ErrIO)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	var h hash.Hash
	var w io.Writer = tmp
	if req.SHA256 != "" {
		h = sha256.New()
		w = io.MultiWriter(tmp, h)
	}

	var written int64
	for i := 0; i < req.TotalChunks; i++ {
		if err := ctx.Err(); err != nil {
			tmp.Close()
			return objects.Object{}, err
		}
		n, err := copyChunk(w, claim, i)
		written += n
		if err != nil {
			tmp.Close()
			return objects.Object{}, err
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return objects.Object{}, fmt.Errorf("sync destination: %v: %w", err, errs.ErrIO)
	}
	if err := tmp.Close(); err != nil {
		return objects.Object{}, fmt.Errorf("close destination: %v: %w", err, errs.ErrIO)
	}

	if written != req.Size {
		return objects.Object{}, fmt.Errorf("assembled %d bytes, declared %d: %w", written, req.Size, errs.ErrSizeMismatch)
	}
	if h != nil && !strings.EqualFold(hex.EncodeToString(h.Sum(nil)), req.SHA256) {
		return objects.Object{}, fmt.Errorf("file hash: %w", errs.ErrIntegrity)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return objects.Object{}, fmt.Errorf("commit object: %v: %w", err, errs.ErrIO)
	}

	return objects.Object{Key: req.Key, Bucket: req.Bucket, Name: req.Name, Size: written}, nil
}

// copyChunk streams chunk index of the claimed directory into w. The file is
// closed on every path.
func copyChunk(w io.Writer, claim string, index int) (int64, error) {
	f, err := os.Open(filepath.Join(claim, ChunkName(index)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("chunk %d vanished during assembly: %w", index, errs.ErrSessionNotFound)
		}
		return 0, fmt.Errorf("open chunk %d: %v: %w", index, err, errs.ErrIO)
	}
	defer f.Close()
	n, err := io.Copy(w, f)
	if err != nil {
		return n, fmt.Errorf("copy chunk %d: %v: %w", index, err, errs.ErrIO)
	}
	return n, nil
}

// RemoveSession deletes the staging directory of session id.
func (s *Store) RemoveSession(id string) error {
	dir, err := s.sessionDir(id)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("session %s: %w", id, errs.ErrSessionNotFound)
		}
		return fmt.Errorf("stat session: %v: %w", err, errs.ErrIO)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove session: %v: %w", err, errs.ErrIO)
	}
	return nil
}

// Session is a staging directory seen on disk.
type Session struct {
	ID      string
	ModTime time.Time
}

// Sessions lists every staging directory. Entries whose names are not valid
// session ids are skipped.
func (s *Store) Sessions() ([]Session, error) {
	base, err := s.root.Resolve(StagingDir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list staging: %v: %w", err, errs.ErrIO)
	}
	var out []Session
	for _, e := range entries {
		if !e.IsDir() || !sandbox.ValidKey(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Session{ID: e.Name(), ModTime: info.ModTime()})
	}
	return out, nil
}

// SweepStale removes staging directories not modified within maxAge and
// returns how many were removed. Writing a chunk touches the directory, so
// an active session keeps a fresh mtime. Claims left behind by a process
// that died while assembling are removed by the same rule.
func (s *Store) SweepStale(maxAge time.Duration) (int, error) {
	sessions, err := s.Sessions()
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-maxAge)
	removed := 0
	for _, sess := range sessions {
		if sess.ModTime.After(cutoff) {
			continue
		}
		if err := s.RemoveSession(sess.ID); err != nil {
			if errors.Is(err, errs.ErrSessionNotFound) {
				continue
			}
			s.logger.Warn().Err(err).Str("upload_id", sess.ID).Msg("failed to sweep stale session")
			continue
		}
		removed++
	}

	claims, err := s.claims()
	if err != nil {
		return removed, err
	}
	for _, c := range claims {
		if c.ModTime.After(cutoff) {
			continue
		}
		p, err := s.root.Resolve(StagingDir, ClaimName(c.ID))
		if err != nil {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			s.logger.Warn().Err(err).Str("upload_id", c.ID).Msg("failed to sweep stale claim")
			continue
		}
		s.logger.Info().Str("upload_id", c.ID).Msg("swept abandoned assembly")
		removed++
	}
	return removed, nil
}

// claims lists the sessions currently claimed for assembly.
func (s *Store) claims() ([]Session, error) {
	base, err := s.root.Resolve(StagingDir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list staging: %v: %w", err, errs.ErrIO)
	}
	var out []Session
	for _, e := range entries {
		name, ok := strings.CutPrefix(e.Name(), ".")
		if !ok || !e.IsDir() {
			continue
		}
		id, ok := strings.CutSuffix(name, claimExt)
		if !ok || !sandbox.ValidKey(id) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Session{ID: id, ModTime: info.ModTime()})
	}
	return out, nil
}

// ctxReader stops a copy once ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
