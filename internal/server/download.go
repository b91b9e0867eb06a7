package server

import (
	"net/http"
)

// handlePublic handles GET and HEAD /{key}/{file}.
func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request) {
	path, err := s.resolver.ResolvePublic(r.PathValue("key"), r.PathValue("file"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.serve(w, r, path)
}

// handlePresigned handles GET and HEAD /p/{key}/{file}?signature=&expires=.
func (s *Server) handlePresigned(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path, err := s.resolver.ResolvePresigned(r.PathValue("key"), r.PathValue("file"), q.Get("signature"), q.Get("expires"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.serve(w, r, path)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, path string) {
	st, err := s.streamer.Open(path, r.Header.Get("Range"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := st.Send(w, r.Method != http.MethodHead); err != nil {
		// Headers are already written; the client most likely went away.
		s.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("stream interrupted")
	}
}
