package server

import (
	"net/http"

	"github.com/ssd-technologies/shard/internal/errs"
)

// errorBody is the JSON body of every error response. Messages are fixed
// per kind so internal paths never leak to clients.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

var kindStatus = map[errs.Kind]int{
	errs.KindInvalidPath:         http.StatusBadRequest,
	errs.KindInvalidMetadata:     http.StatusBadRequest,
	errs.KindUnauthorized:        http.StatusUnauthorized,
	errs.KindNotFound:            http.StatusNotFound,
	errs.KindSessionNotFound:     http.StatusNotFound,
	errs.KindSessionBusy:         http.StatusConflict,
	errs.KindSizeMismatch:        http.StatusInternalServerError,
	errs.KindIntegrity:           http.StatusUnprocessableEntity,
	errs.KindRegistryUnreachable: http.StatusBadGateway,
	errs.KindIO:                  http.StatusInternalServerError,
}

var kindMessage = map[errs.Kind]string{
	errs.KindInvalidPath:         "invalid path",
	errs.KindInvalidMetadata:     "invalid upload metadata",
	errs.KindUnauthorized:        "unauthorized",
	errs.KindNotFound:            "not found",
	errs.KindSessionNotFound:     "upload session not found",
	errs.KindSessionBusy:         "upload is already being finalized",
	errs.KindSizeMismatch:        "assembled size does not match declared size",
	errs.KindIntegrity:           "content hash mismatch",
	errs.KindRegistryUnreachable: "metadata registry unavailable",
	errs.KindIO:                  "internal error",
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind errs.Kind) int {
	if st, ok := kindStatus[kind]; ok {
		return st
	}
	return http.StatusInternalServerError
}

// fail writes the response for err. Server-side failures are logged with
// the full error; the client only sees the kind.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("kind", string(kind)).Str("path", r.URL.Path).Msg("request failed")
	} else {
		s.logger.Debug().Err(err).Str("kind", string(kind)).Str("path", r.URL.Path).Msg("request rejected")
	}
	if kind == errs.KindUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="shard"`)
	}
	writeJSON(w, status, errorBody{Error: kindMessage[kind], Kind: string(kind)})
}
