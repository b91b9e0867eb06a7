package mimetype

import (
	"strings"
	"sync"
	"testing"
)

func TestGuess(t *testing.T) {
	g := New()
	tests := []struct {
		name string
		want string
	}{
		{"clip.mp4", "video/mp4"},
		{"CLIP.MP4", "video/mp4"},
		{"song.mp3", "audio/mpeg"},
		{"movie.mkv", "video/x-matroska"},
		{"noext", Default},
		{"weird.zzzunknown", Default},
	}
	for _, tt := range tests {
		if got := g.Guess(tt.name); got != tt.want {
			t.Errorf("Guess(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestGuess_Corrections(t *testing.T) {
	for _, ext := range []string{".mp4", ".ogg", ".ogv", ".m4v"} {
		got := lookup(ext)
		if strings.HasPrefix(got, "application/mp4") || strings.HasPrefix(got, "application/ogg") {
			t.Errorf("lookup(%q) = %q, want a playable video/audio type", ext, got)
		}
	}
}

func TestGuess_Cache(t *testing.T) {
	g := New()
	g.Guess("a.png")
	g.Guess("b.png")
	g.Guess("c.PNG")
	hits, misses := g.Stats()
	if misses != 1 || hits != 2 {
		t.Errorf("hits=%d misses=%d, want 2 and 1", hits, misses)
	}
}

func TestGuess_Concurrent(t *testing.T) {
	g := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if g.Guess("x.pdf") != "application/pdf" {
					t.Error("wrong type for pdf")
					return
				}
			}
		}()
	}
	wg.Wait()
	hits, misses := g.Stats()
	if hits+misses != 1600 {
		t.Errorf("hits+misses = %d, want 1600", hits+misses)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		ct, name string
		want     FileType
	}{
		{"video/mp4", "x.bin", Video},
		{"image/png; charset=binary", "", Image},
		{"application/pdf", "", Document},
		{"application/json", "", Plaintext},
		{"text/plain", "", Plaintext},
		{"application/octet-stream", "report.docx", Document},
		{"", "track.FLAC", Audio},
		{"", "archive.7z", Binary},
		{"", "", Binary},
	}
	for _, tt := range tests {
		if got := Classify(tt.ct, tt.name); got != tt.want {
			t.Errorf("Classify(%q, %q) = %s, want %s", tt.ct, tt.name, got, tt.want)
		}
	}
}
