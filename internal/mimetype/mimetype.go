// Package mimetype guesses content types for stored objects from their
// names and buckets them into coarse file types for the registry.
package mimetype

import (
	"mime"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
)

// Default is returned when nothing better is known.
const Default = "application/octet-stream"

// known takes precedence over the host mime table, which varies between
// systems and often lacks media types.
var known = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
	".aac":  "audio/aac",
	".pdf":  "application/pdf",
	".txt":  "text/plain; charset=utf-8",
	".md":   "text/markdown; charset=utf-8",
	".json": "application/json",
	".csv":  "text/csv; charset=utf-8",
	".zip":  "application/zip",
	".tar":  "application/x-tar",
	".gz":   "application/gzip",
}

// corrections rewrite types that browsers refuse to play inline.
var corrections = map[string]string{
	"application/mp4": "video/mp4",
	"application/ogg": "video/ogg",
}

// Guesser maps file names to content types and caches the answers. It is
// safe for concurrent use.
type Guesser struct {
	cache  sync.Map
	hits   atomic.Int64
	misses atomic.Int64
}

// New returns an empty Guesser.
func New() *Guesser {
	return &Guesser{}
}

// Guess returns the content type for name. It never returns "".
func (g *Guesser) Guess(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if v, ok := g.cache.Load(ext); ok {
		g.hits.Add(1)
		return v.(string)
	}
	g.misses.Add(1)
	ct := lookup(ext)
	g.cache.Store(ext, ct)
	return ct
}

func lookup(ext string) string {
	if ext == "" {
		return Default
	}
	ct, ok := known[ext]
	if !ok {
		ct = mime.TypeByExtension(ext)
	}
	if ct == "" {
		return Default
	}
	base, _, _ := strings.Cut(ct, ";")
	if fixed, ok := corrections[strings.TrimSpace(base)]; ok {
		return fixed
	}
	return ct
}

// Stats returns the cache hit and miss counters.
func (g *Guesser) Stats() (hits, misses int64) {
	return g.hits.Load(), g.misses.Load()
}
