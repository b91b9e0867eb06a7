// Package stream turns a stored file into an HTTP response description,
// honoring single byte-range requests for seekable playback.
package stream

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ssd-technologies/shard/internal/errs"
)

// Guesser maps a file name to a content type.
type Guesser interface {
	Guess(name string) string
}

// Stream is a response ready to be written: status, headers and, for 200
// and 206, an open body. The caller must Close it.
type Stream struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// Close releases the underlying file. It is safe to call on a stream
// without a body and more than once.
func (s *Stream) Close() error {
	if s.Body == nil {
		return nil
	}
	err := s.Body.Close()
	s.Body = nil
	return err
}

// Send writes the stream to w and closes it. The body is skipped when
// withBody is false, as for HEAD requests.
func (s *Stream) Send(w http.ResponseWriter, withBody bool) (int64, error) {
	defer s.Close()
	for k, v := range s.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(s.Status)
	if !withBody || s.Body == nil {
		return 0, nil
	}
	return io.Copy(w, s.Body)
}

// Streamer opens stored files as Streams.
type Streamer struct {
	mime Guesser
}

// New returns a Streamer that labels content with g.
func New(g Guesser) *Streamer {
	return &Streamer{mime: g}
}

// Open prepares path for serving. rangeHeader is the raw Range request
// header, or "" for the whole file.
//
// A missing file is errs.ErrNotFound; every other failure is errs.ErrIO.
// An unsatisfiable range is not an error: it yields a 416 stream.
func (s *Streamer) Open(path, rangeHeader string) (*Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("open object: %w", errs.ErrNotFound)
		}
		return nil, fmt.Errorf("open object: %v: %w", err, errs.ErrIO)
	}
	handedOff := false
	defer func() {
		if !handedOff {
			f.Close()
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat object: %v: %w", err, errs.ErrIO)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("open object: is a directory: %w", errs.ErrNotFound)
	}
	size := info.Size()
	name := filepath.Base(path)

	h := make(http.Header)
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", s.mime.Guess(name))
	h.Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s"`, SanitizeFilename(name)))
	h.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))

	if rangeHeader == "" {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		handedOff = true
		return &Stream{Status: http.StatusOK, Header: h, Body: f}, nil
	}

	rng, ok := ParseRange(rangeHeader, size)
	if !ok {
		h.Set("Content-Range", "bytes */"+strconv.FormatInt(size, 10))
		h.Set("Content-Length", "0")
		return &Stream{Status: http.StatusRequestedRangeNotSatisfiable, Header: h}, nil
	}

	h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, size))
	h.Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
	handedOff = true
	return &Stream{
		Status: http.StatusPartialContent,
		Header: h,
		Body:   sectionCloser{io.NewSectionReader(f, rng.Start, rng.Length()), f},
	}, nil
}

type sectionCloser struct {
	*io.SectionReader
	f *os.File
}

func (s sectionCloser) Close() error { return s.f.Close() }

// Range is an inclusive byte span.
type Range struct {
	Start, End int64
}

// Length is the number of bytes in the span.
func (r Range) Length() int64 { return r.End - r.Start + 1 }

// ParseRange interprets a Range header against a file of size bytes.
//
// Accepted forms are "bytes=S-E", "bytes=S-" and the suffix "bytes=-N".
// Only the first range of a multi-range header is used. Any range whose
// start or end lies at or beyond size, or whose end precedes its start, is
// unsatisfiable, as is anything malformed.
func ParseRange(header string, size int64) (Range, bool) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok {
		return Range{}, false
	}
	first, _, _ := strings.Cut(spec, ",")
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(first), "-")
	if !ok {
		return Range{}, false
	}
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)

	if startStr == "" {
		n, err := parseOffset(endStr)
		if err != nil || n == 0 || size == 0 {
			return Range{}, false
		}
		start := size - n
		if start < 0 {
			start = 0
		}
		return Range{Start: start, End: size - 1}, true
	}

	start, err := parseOffset(startStr)
	if err != nil || start >= size {
		return Range{}, false
	}
	end := size - 1
	if endStr != "" {
		end, err = parseOffset(endStr)
		if err != nil || end >= size || end < start {
			return Range{}, false
		}
	}
	return Range{Start: start, End: end}, true
}

func parseOffset(s string) (int64, error) {
	if s == "" || s[0] == '+' || s[0] == '-' {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseInt(s, 10, 64)
}

// SanitizeFilename strips directory parts, quotes and CR/LF so a name can
// be placed in a Content-Disposition header.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(name)
	name = strings.NewReplacer(`"`, "", "\r", "", "\n", "").Replace(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "download"
	}
	return name
}
