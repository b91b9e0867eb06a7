package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/ssd-technologies/shard/internal/errs"
	"github.com/ssd-technologies/shard/internal/objects"
	"github.com/ssd-technologies/shard/internal/upload"
)

const (
	// multipartOverhead is allowed on top of the payload for boundaries,
	// part headers and metadata fields.
	multipartOverhead = 1 << 20
	maxFieldSize      = 4 << 10
	maxJSONBody       = 64 << 10
)

// objectResponse describes a stored object and where it can be read.
type objectResponse struct {
	Key       string `json:"key"`
	Bucket    string `json:"bucket"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType"`
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

func (s *Server) objectResponse(obj objects.Object) objectResponse {
	url, exp := s.resolver.Link(obj)
	return objectResponse{
		Key:       obj.Key,
		Bucket:    string(obj.Bucket),
		Name:      obj.Name,
		Size:      obj.Size,
		MimeType:  obj.MimeType,
		URL:       url,
		ExpiresAt: exp,
	}
}

// handleChunk handles POST /upload/chunk. Metadata fields must precede the
// "chunk" file part, which is streamed straight to disk.
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.limits.MaxChunkSize+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		s.fail(w, r, fmt.Errorf("multipart: %v: %w", err, errs.ErrInvalidMetadata))
		return
	}

	fields := map[string]string{}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			s.fail(w, r, fmt.Errorf("no chunk part: %w", errs.ErrInvalidMetadata))
			return
		}
		if err != nil {
			s.fail(w, r, fmt.Errorf("multipart: %v: %w", err, errs.ErrInvalidMetadata))
			return
		}
		if part.FormName() == "chunk" {
			meta, err := chunkMeta(fields)
			if err != nil {
				part.Close()
				s.fail(w, r, err)
				return
			}
			res, err := s.uploads.AcceptChunk(r.Context(), meta, part)
			part.Close()
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, res)
			return
		}
		if err := readField(fields, part); err != nil {
			s.fail(w, r, err)
			return
		}
	}
}

func readField(fields map[string]string, part *multipart.Part) error {
	defer part.Close()
	b, err := io.ReadAll(io.LimitReader(part, maxFieldSize+1))
	if err != nil {
		return fmt.Errorf("read field %s: %v: %w", part.FormName(), err, errs.ErrInvalidMetadata)
	}
	if len(b) > maxFieldSize {
		return fmt.Errorf("field %s too large: %w", part.FormName(), errs.ErrInvalidMetadata)
	}
	fields[part.FormName()] = string(b)
	return nil
}

func chunkMeta(f map[string]string) (upload.ChunkMeta, error) {
	meta := upload.ChunkMeta{
		UploadID:  f["uploadId"],
		FileName:  f["fileName"],
		MimeType:  f["mimeType"],
		ChunkHash: f["chunkHash"],
		FileHash:  f["fileHash"],
	}
	var err error
	if meta.ChunkIndex, err = intField(f, "chunkIndex"); err != nil {
		return meta, err
	}
	if meta.TotalChunks, err = intField(f, "totalChunks"); err != nil {
		return meta, err
	}
	if meta.FileSize, err = int64Field(f, "fileSize"); err != nil {
		return meta, err
	}
	if meta.ChunkSize, err = int64Field(f, "chunkSize"); err != nil {
		return meta, err
	}
	return meta, nil
}

func intField(f map[string]string, name string) (int, error) {
	n, err := strconv.Atoi(f[name])
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", name, errs.ErrInvalidMetadata)
	}
	return n, nil
}

func int64Field(f map[string]string, name string) (int64, error) {
	n, err := strconv.ParseInt(f[name], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", name, errs.ErrInvalidMetadata)
	}
	return n, nil
}

// handleStatus handles GET /upload/{uploadId}?totalChunks=N.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	total, err := strconv.Atoi(r.URL.Query().Get("totalChunks"))
	if err != nil {
		s.fail(w, r, fmt.Errorf("totalChunks: %w", errs.ErrInvalidMetadata))
		return
	}
	res, err := s.uploads.Status(r.PathValue("uploadId"), total)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleFinalize handles POST /upload/finalize.
func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var meta upload.FinalizeMeta
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&meta); err != nil {
		s.fail(w, r, fmt.Errorf("finalize body: %v: %w", err, errs.ErrInvalidMetadata))
		return
	}
	meta.Owner = caller(r.Context())

	obj, err := s.uploads.FinalizeSession(r.Context(), meta)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.objectResponse(obj))
}

// handleAbort handles DELETE /upload/{uploadId}.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if err := s.uploads.Abort(r.PathValue("uploadId")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAnonUpload handles POST /anon-upload: one multipart "file" part
// stored in the public bucket.
func (s *Server) handleAnonUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.limits.MaxAnonSize+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		s.fail(w, r, fmt.Errorf("multipart: %v: %w", err, errs.ErrInvalidMetadata))
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			s.fail(w, r, fmt.Errorf("no file part: %w", errs.ErrInvalidMetadata))
			return
		}
		if err != nil {
			s.fail(w, r, fmt.Errorf("multipart: %v: %w", err, errs.ErrInvalidMetadata))
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		meta := upload.PutMeta{
			FileName: part.FileName(),
			MimeType: partType(part),
			Bucket:   objects.Public,
		}
		obj, err := s.uploads.Put(r.Context(), meta, part)
		part.Close()
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, s.objectResponse(obj))
		return
	}
}

// partType returns the client-declared content type unless it is the
// generic default, in which case the name decides later.
func partType(part *multipart.Part) string {
	ct := part.Header.Get("Content-Type")
	if ct == "application/octet-stream" {
		return ""
	}
	return ct
}
