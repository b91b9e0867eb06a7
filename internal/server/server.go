package server

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ssd-technologies/shard/internal/access"
	"github.com/ssd-technologies/shard/internal/chunks"
	"github.com/ssd-technologies/shard/internal/ratelimit"
	"github.com/ssd-technologies/shard/internal/storage"
	"github.com/ssd-technologies/shard/internal/stream"
	"github.com/ssd-technologies/shard/internal/upload"
)

// IndexStats reports totals from the local object index.
type IndexStats interface {
	Stats() (*storage.Stats, error)
}

// Deps are the collaborators a Server is built from. Index, Limiter, Pinger
// and Reporter are optional.
type Deps struct {
	Uploads  *upload.Service
	Chunks   *chunks.Store
	Resolver *access.Resolver
	Streamer *stream.Streamer
	Auth     Authenticator
	Index    IndexStats
	Limiter  *ratelimit.Limiter
	Pinger   Pinger
	Reporter Reporter
	Limits   upload.Limits
	Sweep    SweepConfig
	Root     string
	Logger   zerolog.Logger
}

// Server is the shard's HTTP surface.
type Server struct {
	uploads  *upload.Service
	chunks   *chunks.Store
	resolver *access.Resolver
	streamer *stream.Streamer
	auth     Authenticator
	index    IndexStats
	limiter  *ratelimit.Limiter
	pinger   Pinger
	reporter Reporter
	limits   upload.Limits
	sweep    SweepConfig
	root     string
	logger   zerolog.Logger
	mux      *http.ServeMux
	handler  http.Handler
}

// New creates a new Server with all routes registered.
func New(d Deps) *Server {
	s := &Server{
		uploads:  d.Uploads,
		chunks:   d.Chunks,
		resolver: d.Resolver,
		streamer: d.Streamer,
		auth:     d.Auth,
		index:    d.Index,
		limiter:  d.Limiter,
		pinger:   d.Pinger,
		reporter: d.Reporter,
		limits:   d.Limits,
		sweep:    d.Sweep,
		root:     d.Root,
		logger:   d.Logger,
		mux:      http.NewServeMux(),
	}
	if s.auth == nil {
		s.auth = NoOpAuthenticator{}
	}
	s.routes()
	s.handler = s.logRequests(s.mux)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// routes registers all HTTP routes on the server mux.
func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	// Chunked uploads
	s.mux.Handle("POST /upload/chunk", s.limited(s.requireUser(s.handleChunk)))
	s.mux.Handle("GET /upload/{uploadId}", s.requireUser(s.handleStatus))
	s.mux.Handle("POST /upload/finalize", s.requireUser(s.handleFinalize))
	s.mux.Handle("DELETE /upload/{uploadId}", s.requireUser(s.handleAbort))

	// Single-shot anonymous upload
	s.mux.Handle("POST /anon-upload", s.limited(http.HandlerFunc(s.handleAnonUpload)))

	// Server-to-server
	s.mux.Handle("POST /files/{key}/{file}/presign", s.requireServer(s.handlePresign))
	s.mux.Handle("DELETE /files/{bucket}/{key}", s.requireServer(s.handleDelete))

	// Reads; GET patterns also match HEAD
	s.mux.HandleFunc("GET /p/{key}/{file}", s.handlePresigned)
	s.mux.HandleFunc("GET /{key}/{file}", s.handlePublic)
}

// handleHealth reports whether the storage root is reachable, with index
// totals when an index is configured.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"service": "shard",
		"time":    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if fi, err := os.Stat(s.root); err != nil || !fi.IsDir() {
		resp["status"] = "degraded"
		resp["storage"] = "unavailable"
		status = http.StatusServiceUnavailable
	}
	if s.index != nil {
		if st, err := s.index.Stats(); err == nil {
			resp["objects"] = st.Objects
			resp["bytes"] = st.Bytes
		}
	}
	if s.reporter != nil {
		resp["coordinator_connected"] = s.reporter.Connected()
		if at := s.reporter.LastAck(); !at.IsZero() {
			resp["coordinator_last_ack"] = at.UTC().Format(time.RFC3339)
		}
	}
	writeJSON(w, status, resp)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
