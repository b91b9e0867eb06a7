package objects

import (
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/ssd-technologies/shard/internal/sandbox"
)

// PublicLink returns <base>/<key>/<name>.
func PublicLink(base, key, name string) string {
	return strings.TrimRight(base, "/") + "/" + key + "/" + url.PathEscape(name)
}

// SignedLink returns <base>/p/<key>/<name>?signature=<hex>&expires=<millis>.
func SignedLink(base, key, name, signature string, expiresAt int64) string {
	q := url.Values{}
	q.Set("signature", signature)
	q.Set("expires", strconv.FormatInt(expiresAt, 10))
	return strings.TrimRight(base, "/") + "/p/" + key + "/" + url.PathEscape(name) + "?" + q.Encode()
}

// Capability is the parsed form of a signed link.
type Capability struct {
	Key       string
	Name      string
	Signature string
	ExpiresAt int64
}

// RelativePath is the path the signature covers.
func (c Capability) RelativePath() string {
	return c.Key + "/" + c.Name
}

// ParseSignedLink extracts the capability fields from a signed link. The key
// and filename must pass the sandbox rules. It does not verify the signature.
func ParseSignedLink(raw string) (Capability, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Capability{}, err
	}
	segs := strings.Split(strings.TrimPrefix(u.EscapedPath(), "/"), "/")
	if len(segs) < 3 || segs[len(segs)-3] != "p" {
		return Capability{}, errBadLink
	}
	key := segs[len(segs)-2]
	if err := sandbox.Key(key); err != nil {
		return Capability{}, err
	}
	name, err := sandbox.DecodeFilename(segs[len(segs)-1])
	if err != nil {
		return Capability{}, err
	}
	q := u.Query()
	exp, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil || q.Get("signature") == "" {
		return Capability{}, errBadLink
	}
	return Capability{
		Key:       key,
		Name:      name,
		Signature: q.Get("signature"),
		ExpiresAt: exp,
	}, nil
}

var errBadLink = errors.New("not a signed link: want <base>/p/<key>/<name>?signature=&expires=")
