package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ssd-technologies/shard/internal/errs"
	"github.com/ssd-technologies/shard/internal/objects"
)

type presignRequest struct {
	// TTL in seconds; zero uses the configured default.
	TTL int64 `json:"ttl"`
}

type presignResponse struct {
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expiresAt"`
}

// handlePresign handles POST /files/{key}/{file}/presign.
func (s *Server) handlePresign(w http.ResponseWriter, r *http.Request) {
	var req presignRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		s.fail(w, r, fmt.Errorf("presign body: %v: %w", err, errs.ErrInvalidMetadata))
		return
	}
	url, exp, err := s.resolver.Presign(r.PathValue("key"), r.PathValue("file"), time.Duration(req.TTL)*time.Second)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presignResponse{URL: url, ExpiresAt: exp})
}

// handleDelete handles DELETE /files/{bucket}/{key}.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	bucket, err := objects.ParseBucket(r.PathValue("bucket"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.uploads.Remove(bucket, r.PathValue("key")); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Debug().Str("key", r.PathValue("key")).Str("by", caller(r.Context())).Msg("object deleted")
	w.WriteHeader(http.StatusNoContent)
}
