// Package access turns the key and filename of an incoming read request into
// a sandboxed object path, checking the capability of presigned requests,
// and builds the links handed back to uploaders.
package access

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ssd-technologies/shard/internal/crypto"
	"github.com/ssd-technologies/shard/internal/errs"
	"github.com/ssd-technologies/shard/internal/objects"
	"github.com/ssd-technologies/shard/internal/sandbox"
)

// Resolver resolves read requests against the object store.
type Resolver struct {
	objects    *objects.Store
	signer     *crypto.Signer
	base       string
	defaultTTL time.Duration
	maxTTL     time.Duration
}

// NewResolver returns a resolver whose links start with base. Presign TTLs
// default to defaultTTL and are capped at maxTTL.
func NewResolver(objs *objects.Store, signer *crypto.Signer, base string, defaultTTL, maxTTL time.Duration) *Resolver {
	if maxTTL < defaultTTL {
		maxTTL = defaultTTL
	}
	return &Resolver{objects: objs, signer: signer, base: base, defaultTTL: defaultTTL, maxTTL: maxTTL}
}

// ResolvePublic returns the path of <key>/<name> in the public bucket. The
// name must already be percent-decoded. The file may not exist.
func (r *Resolver) ResolvePublic(key, name string) (string, error) {
	if err := validate(key, name); err != nil {
		return "", err
	}
	return r.objects.Path(objects.Public, key, name)
}

// ResolvePresigned checks the capability for <key>/<name> and returns the
// path in the private bucket. An unparsable expiry, an expired token or a
// bad signature all yield errs.ErrUnauthorized.
func (r *Resolver) ResolvePresigned(key, name, signature, expires string) (string, error) {
	if err := validate(key, name); err != nil {
		return "", err
	}
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return "", fmt.Errorf("expires %q: %w", expires, errs.ErrUnauthorized)
	}
	if !r.signer.Verify(signature, exp, key+"/"+name) {
		return "", fmt.Errorf("capability for %s: %w", key, errs.ErrUnauthorized)
	}
	return r.objects.Path(objects.Private, key, name)
}

// Presign returns a signed URL for a private object. A zero ttl uses the
// default; longer ttls are capped. The object must exist.
func (r *Resolver) Presign(key, name string, ttl time.Duration) (url string, expiresAt int64, err error) {
	if err := validate(key, name); err != nil {
		return "", 0, err
	}
	if ttl < 0 {
		return "", 0, fmt.Errorf("ttl %v: %w", ttl, errs.ErrInvalidMetadata)
	}
	if _, err := r.objects.Stat(objects.Private, key, name); err != nil {
		return "", 0, err
	}
	sig, exp := r.signer.Sign(key+"/"+name, r.clampTTL(ttl))
	return objects.SignedLink(r.base, key, name, sig, exp), exp, nil
}

// Link returns where obj can be read: a public link for the public bucket,
// otherwise a URL signed for the default ttl. expiresAt is zero for public
// links.
func (r *Resolver) Link(obj objects.Object) (url string, expiresAt int64) {
	if obj.Bucket == objects.Public {
		return objects.PublicLink(r.base, obj.Key, obj.Name), 0
	}
	sig, exp := r.signer.Sign(obj.RelativePath(), r.defaultTTL)
	return objects.SignedLink(r.base, obj.Key, obj.Name, sig, exp), exp
}

func (r *Resolver) clampTTL(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return r.defaultTTL
	}
	if ttl > r.maxTTL {
		return r.maxTTL
	}
	return ttl
}

func validate(key, name string) error {
	if err := sandbox.Key(key); err != nil {
		return err
	}
	return sandbox.Filename(name)
}
