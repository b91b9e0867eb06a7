// Package errs defines the error taxonomy shared by every layer of the shard.
//
// Each kind is a sentinel error. Lower layers wrap a sentinel with context
// using fmt.Errorf and %w; the HTTP layer recovers the kind with KindOf and
// picks a status code from it. Messages built from wrapped errors may contain
// filesystem paths and must never be written to a client.
package errs

import "errors"

// Kind names a class of failure.
type Kind string

const (
	KindInvalidPath         Kind = "invalid-path"
	KindInvalidMetadata     Kind = "invalid-metadata"
	KindNotFound            Kind = "not-found"
	KindUnauthorized        Kind = "unauthorized"
	KindSizeMismatch        Kind = "size-mismatch"
	KindRegistryUnreachable Kind = "registry-unreachable"
	KindIO                  Kind = "io-error"
	KindSessionNotFound     Kind = "session-not-found"
	KindSessionBusy         Kind = "session-busy"
	KindIntegrity           Kind = "integrity"
)

// Sentinel errors, one per Kind.
var (
	ErrInvalidPath         = errors.New(string(KindInvalidPath))
	ErrInvalidMetadata     = errors.New(string(KindInvalidMetadata))
	ErrNotFound            = errors.New(string(KindNotFound))
	ErrUnauthorized        = errors.New(string(KindUnauthorized))
	ErrSizeMismatch        = errors.New(string(KindSizeMismatch))
	ErrRegistryUnreachable = errors.New(string(KindRegistryUnreachable))
	ErrIO                  = errors.New(string(KindIO))
	ErrSessionNotFound     = errors.New(string(KindSessionNotFound))
	ErrSessionBusy         = errors.New(string(KindSessionBusy))
	ErrIntegrity           = errors.New(string(KindIntegrity))
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidPath, KindInvalidPath},
	{ErrInvalidMetadata, KindInvalidMetadata},
	{ErrSessionNotFound, KindSessionNotFound},
	{ErrNotFound, KindNotFound},
	{ErrUnauthorized, KindUnauthorized},
	{ErrSizeMismatch, KindSizeMismatch},
	{ErrIntegrity, KindIntegrity},
	{ErrSessionBusy, KindSessionBusy},
	{ErrRegistryUnreachable, KindRegistryUnreachable},
	{ErrIO, KindIO},
}

// KindOf returns the taxonomy kind carried by err. Errors that wrap none of
// the sentinels are reported as KindIO.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindIO
}
