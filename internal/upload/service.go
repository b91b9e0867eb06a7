// Package upload drives chunked and single-shot uploads: it validates
// metadata, stages chunks, assembles finished sessions and registers the
// result with the coordinator.
package upload

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/ssd-technologies/shard/internal/chunks"
	"github.com/ssd-technologies/shard/internal/coordinator"
	"github.com/ssd-technologies/shard/internal/errs"
	"github.com/ssd-technologies/shard/internal/mimetype"
	"github.com/ssd-technologies/shard/internal/objects"
	"github.com/ssd-technologies/shard/internal/sandbox"
	"github.com/ssd-technologies/shard/internal/storage"
)

// Registry is the metadata registry stored objects are acknowledged to.
type Registry interface {
	Acknowledge(ctx context.Context, obj coordinator.Object) error
}

// Index is the optional local object index.
type Index interface {
	CreateObject(o *storage.ObjectRecord) error
	DeleteObject(key string) error
}

// Limits bound what a client may upload.
type Limits struct {
	MaxChunkSize int64
	MaxChunks    int
	MaxAnonSize  int64
	// VerifyHashes checks declared chunk and file SHA-256 digests.
	VerifyHashes bool
	// LeaseTTL bounds how long one finalize may hold its upload id.
	LeaseTTL time.Duration
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxChunkSize: 64 << 20,
		MaxChunks:    10000,
		MaxAnonSize:  100 << 20,
		VerifyHashes: true,
		LeaseTTL:     10 * time.Minute,
	}
}

// Service is the upload orchestrator. Construct it once and share it.
type Service struct {
	chunks   *chunks.Store
	objects  *objects.Store
	registry Registry
	index    Index
	lease    Lease
	mime     *mimetype.Guesser
	limits   Limits
	logger   zerolog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithIndex records registered objects in idx.
func WithIndex(idx Index) Option {
	return func(s *Service) { s.index = idx }
}

// WithLease replaces the default in-process finalize lease.
func WithLease(l Lease) Option {
	return func(s *Service) { s.lease = l }
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMime sets the guesser used when a client declares no content type.
func WithMime(g *mimetype.Guesser) Option {
	return func(s *Service) { s.mime = g }
}

// NewService wires an upload service.
func NewService(cs *chunks.Store, objs *objects.Store, reg Registry, limits Limits, opts ...Option) *Service {
	s := &Service{
		chunks:   cs,
		objects:  objs,
		registry: reg,
		lease:    NewLocalLease(),
		mime:     mimetype.New(),
		limits:   limits,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ChunkMeta is the metadata sent with every chunk.
type ChunkMeta struct {
	UploadID    string `json:"uploadId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	ChunkSize   int64  `json:"chunkSize"`
	MimeType    string `json:"mimeType,omitempty"`
	ChunkHash   string `json:"chunkHash,omitempty"`
	FileHash    string `json:"fileHash,omitempty"`
}

// Validate checks the metadata without touching the filesystem.
func (m ChunkMeta) Validate(l Limits) error {
	if !sandbox.ValidKey(m.UploadID) {
		return fmt.Errorf("upload id: %w", errs.ErrInvalidMetadata)
	}
	if err := sandbox.Filename(m.FileName); err != nil {
		return err
	}
	switch {
	case m.ChunkSize <= 0:
		return fmt.Errorf("chunk size %d: %w", m.ChunkSize, errs.ErrInvalidMetadata)
	case m.FileSize <= 0:
		return fmt.Errorf("file size %d: %w", m.FileSize, errs.ErrInvalidMetadata)
	case m.TotalChunks <= 0:
		return fmt.Errorf("total chunks %d: %w", m.TotalChunks, errs.ErrInvalidMetadata)
	case l.MaxChunks > 0 && m.TotalChunks > l.MaxChunks:
		return fmt.Errorf("total chunks %d exceeds %d: %w", m.TotalChunks, l.MaxChunks, errs.ErrInvalidMetadata)
	case m.ChunkIndex < 0 || m.ChunkIndex >= m.TotalChunks:
		return fmt.Errorf("chunk index %d of %d: %w", m.ChunkIndex, m.TotalChunks, errs.ErrInvalidMetadata)
	case l.MaxChunkSize > 0 && m.ChunkSize > l.MaxChunkSize:
		return fmt.Errorf("chunk size %d exceeds %d: %w", m.ChunkSize, l.MaxChunkSize, errs.ErrInvalidMetadata)
	case m.ChunkSize > m.FileSize:
		return fmt.Errorf("chunk size %d exceeds file size %d: %w", m.ChunkSize, m.FileSize, errs.ErrInvalidMetadata)
	}
	if err := checkHash("chunk hash", m.ChunkHash); err != nil {
		return err
	}
	return checkHash("file hash", m.FileHash)
}

// checkHash accepts "" or a 64-character hex SHA-256 digest.
func checkHash(field, h string) error {
	if h == "" {
		return nil
	}
	if b, err := hex.DecodeString(h); err != nil || len(b) != 32 {
		return fmt.Errorf("%s: %w", field, errs.ErrInvalidMetadata)
	}
	return nil
}

// ChunkResult reports the session after a chunk was stored.
type ChunkResult struct {
	UploadID string        `json:"uploadId"`
	Status   chunks.Status `json:"-"`
	State    string        `json:"status"`
	Received int           `json:"received"`
	Missing  []int         `json:"missing,omitempty"`
}

func newChunkResult(id string, st chunks.State) ChunkResult {
	missing := st.Missing
	if len(missing) > 100 {
		missing = missing[:100]
	}
	return ChunkResult{
		UploadID: id,
		Status:   st.Status(),
		State:    st.Status().String(),
		Received: st.Received,
		Missing:  missing,
	}
}

// AcceptChunk validates meta, stores the chunk read from r and reports
// whether the session is ready. Assembly is never triggered here; the
// client finalizes explicitly.
func (s *Service) AcceptChunk(ctx context.Context, meta ChunkMeta, r io.Reader) (ChunkResult, error) {
	if err := meta.Validate(s.limits); err != nil {
		return ChunkResult{}, err
	}
	opts := chunks.WriteOptions{Size: meta.ChunkSize}
	if s.limits.VerifyHashes {
		opts.SHA256 = meta.ChunkHash
	}
	st, err := s.chunks.WriteChunk(ctx, meta.UploadID, meta.ChunkIndex, meta.TotalChunks, r, opts)
	if err != nil {
		return ChunkResult{}, err
	}
	s.logger.Debug().
		Str("upload_id", meta.UploadID).
		Int("chunk", meta.ChunkIndex).
		Int("total", meta.TotalChunks).
		Str("status", st.Status().String()).
		Msg("chunk stored")
	return newChunkResult(meta.UploadID, st), nil
}

// Status lists the session and reports its state against totalChunks.
func (s *Service) Status(uploadID string, totalChunks int) (ChunkResult, error) {
	if !sandbox.ValidKey(uploadID) {
		return ChunkResult{}, fmt.Errorf("upload id: %w", errs.ErrInvalidMetadata)
	}
	if totalChunks <= 0 {
		return ChunkResult{}, fmt.Errorf("total chunks %d: %w", totalChunks, errs.ErrInvalidMetadata)
	}
	st, err := s.chunks.State(uploadID, totalChunks)
	if err != nil {
		return ChunkResult{}, err
	}
	return newChunkResult(uploadID, st), nil
}

// FinalizeMeta is the body of a finalize request.
type FinalizeMeta struct {
	UploadID    string `json:"uploadId"`
	TotalChunks int    `json:"totalChunks"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	MimeType    string `json:"mimeType,omitempty"`
	FileHash    string `json:"fileHash,omitempty"`
	Bucket      string `json:"bucket"`
	Owner       string `json:"-"`
}

// Validate checks the metadata without touching the filesystem.
func (m FinalizeMeta) Validate(l Limits) (objects.Bucket, error) {
	if !sandbox.ValidKey(m.UploadID) {
		return "", fmt.Errorf("upload id: %w", errs.ErrInvalidMetadata)
	}
	if err := sandbox.Filename(m.FileName); err != nil {
		return "", err
	}
	if m.TotalChunks <= 0 || (l.MaxChunks > 0 && m.TotalChunks > l.MaxChunks) {
		return "", fmt.Errorf("total chunks %d: %w", m.TotalChunks, errs.ErrInvalidMetadata)
	}
	if m.FileSize <= 0 {
		return "", fmt.Errorf("file size %d: %w", m.FileSize, errs.ErrInvalidMetadata)
	}
	if err := checkHash("file hash", m.FileHash); err != nil {
		return "", err
	}
	bucket := m.Bucket
	if bucket == "" {
		bucket = string(objects.Private)
	}
	return objects.ParseBucket(bucket)
}

// FinalizeSession assembles a complete session under a fresh storage key and
// registers it. If the registry does not acknowledge the object, the object
// is deleted again and errs.ErrRegistryUnreachable is returned: no file
// survives that the registry does not know about.
func (s *Service) FinalizeSession(ctx context.Context, meta FinalizeMeta) (objects.Object, error) {
	bucket, err := meta.Validate(s.limits)
	if err != nil {
		return objects.Object{}, err
	}
	release, err := s.lease.Acquire(ctx, meta.UploadID, s.limits.LeaseTTL)
	if err != nil {
		return objects.Object{}, err
	}
	defer release()

	req := chunks.AssembleRequest{
		TotalChunks: meta.TotalChunks,
		Size:        meta.FileSize,
		Bucket:      bucket,
		Key:         objects.NewKey(),
		Name:        meta.FileName,
	}
	if s.limits.VerifyHashes {
		req.SHA256 = meta.FileHash
	}
	obj, err := s.chunks.Assemble(ctx, meta.UploadID, req)
	if err != nil {
		s.logger.Warn().Err(err).Str("upload_id", meta.UploadID).Msg("assembly failed")
		return objects.Object{}, err
	}
	obj.MimeType = meta.MimeType
	if obj.MimeType == "" {
		obj.MimeType = s.mime.Guess(obj.Name)
	}
	obj.Owner = meta.Owner

	if err := s.register(ctx, obj, meta.FileHash); err != nil {
		return objects.Object{}, err
	}
	s.logger.Info().
		Str("upload_id", meta.UploadID).
		Str("key", obj.Key).
		Str("bucket", string(obj.Bucket)).
		Int64("size", obj.Size).
		Msg("upload finalized")
	return obj, nil
}

// Abort discards a session's staged chunks.
func (s *Service) Abort(uploadID string) error {
	if !sandbox.ValidKey(uploadID) {
		return fmt.Errorf("upload id: %w", errs.ErrInvalidMetadata)
	}
	if err := s.chunks.RemoveSession(uploadID); err != nil {
		return err
	}
	s.logger.Info().Str("upload_id", uploadID).Msg("upload aborted")
	return nil
}

// PutMeta describes a single-shot upload.
type PutMeta struct {
	FileName string
	MimeType string
	Bucket   objects.Bucket
	Owner    string
}

// Put stores r as a new object in one request and registers it, with the
// same compensation rule as FinalizeSession.
func (s *Service) Put(ctx context.Context, meta PutMeta, r io.Reader) (objects.Object, error) {
	if err := sandbox.Filename(meta.FileName); err != nil {
		return objects.Object{}, err
	}
	if meta.Bucket == "" {
		meta.Bucket = objects.Public
	}
	obj, err := s.objects.Put(ctx, meta.Bucket, objects.NewKey(), meta.FileName, r, objects.PutOptions{MaxSize: s.limits.MaxAnonSize})
	if err != nil {
		return objects.Object{}, err
	}
	obj.MimeType = meta.MimeType
	if obj.MimeType == "" {
		obj.MimeType = s.mime.Guess(obj.Name)
	}
	obj.Owner = meta.Owner
	if err := s.register(ctx, obj, ""); err != nil {
		return objects.Object{}, err
	}
	s.logger.Info().Str("key", obj.Key).Int64("size", obj.Size).Msg("single upload stored")
	return obj, nil
}

// Remove deletes a stored object and its index row.
func (s *Service) Remove(bucket objects.Bucket, key string) error {
	if err := s.objects.Remove(bucket, key); err != nil {
		return err
	}
	if s.index != nil {
		if err := s.index.DeleteObject(key); err != nil {
			s.logger.Debug().Err(err).Str("key", key).Msg("index row not removed")
		}
	}
	s.logger.Info().Str("key", key).Str("bucket", string(bucket)).Msg("object removed")
	return nil
}

// register acknowledges obj to the registry, deleting it on failure, then
// records it in the local index.
func (s *Service) register(ctx context.Context, obj objects.Object, sum string) error {
	fileType := mimetype.Classify(obj.MimeType, obj.Name)
	err := s.registry.Acknowledge(ctx, coordinator.Object{
		Key:      obj.Key,
		Bucket:   string(obj.Bucket),
		Name:     obj.Name,
		Size:     obj.Size,
		MimeType: obj.MimeType,
		FileType: string(fileType),
		Owner:    obj.Owner,
		SHA256:   sum,
	})
	if err != nil {
		if rmErr := s.objects.Remove(obj.Bucket, obj.Key); rmErr != nil && !errors.Is(rmErr, errs.ErrNotFound) {
			s.logger.Error().Err(rmErr).Str("key", obj.Key).Msg("failed to remove unregistered object")
		}
		s.logger.Warn().Err(err).Str("key", obj.Key).Msg("registry did not acknowledge object")
		return fmt.Errorf("acknowledge %s: %v: %w", obj.Key, err, errs.ErrRegistryUnreachable)
	}

	if s.index != nil {
		rec := &storage.ObjectRecord{
			Key:       obj.Key,
			Bucket:    string(obj.Bucket),
			Name:      obj.Name,
			Size:      obj.Size,
			MimeType:  obj.MimeType,
			FileType:  string(fileType),
			Owner:     obj.Owner,
			SHA256:    sum,
			CreatedAt: s.now().Unix(),
		}
		if err := s.index.CreateObject(rec); err != nil {
			s.logger.Warn().Err(err).Str("key", obj.Key).Msg("failed to index object")
		}
	}
	return nil
}
