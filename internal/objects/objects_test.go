package objects

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/ssd-technologies/shard/internal/errs"
	"github.com/ssd-technologies/shard/internal/sandbox"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	root, err := sandbox.New(t.TempDir())
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	return NewStore(root)
}

func TestNewKey_Shape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		k := NewKey()
		if len(k) != KeyLen {
			t.Fatalf("len(%q) = %d, want %d", k, len(k), KeyLen)
		}
		if !sandbox.ValidKey(k) {
			t.Fatalf("key %q fails the sandbox key rule", k)
		}
		if seen[k] {
			t.Fatalf("duplicate key %q", k)
		}
		seen[k] = true
	}
}

func TestDecodeKey_RoundTrip(t *testing.T) {
	for _, id := range []uuid.UUID{uuid.Nil, uuid.New(), uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff")} {
		key := EncodeKey(id)
		got, err := DecodeKey(key)
		if err != nil {
			t.Fatalf("DecodeKey(%q): %v", key, err)
		}
		if got != id {
			t.Errorf("DecodeKey(EncodeKey(%s)) = %s", id, got)
		}
	}
	if EncodeKey(uuid.Nil) != strings.Repeat("0", KeyLen) {
		t.Errorf("nil uuid key = %q", EncodeKey(uuid.Nil))
	}
}

func TestDecodeKey_Invalid(t *testing.T) {
	for _, k := range []string{"", "abc", strings.Repeat("z", KeyLen), strings.Repeat("-", KeyLen)} {
		if _, err := DecodeKey(k); err == nil {
			t.Errorf("DecodeKey(%q) succeeded, want error", k)
		}
	}
}

func TestParseBucket(t *testing.T) {
	for _, s := range []string{"public", "private"} {
		if b, err := ParseBucket(s); err != nil || string(b) != s {
			t.Errorf("ParseBucket(%q) = %q, %v", s, b, err)
		}
	}
	for _, s := range []string{"", "Public", "_chunks_", "../public"} {
		if _, err := ParseBucket(s); !errors.Is(err, errs.ErrInvalidMetadata) {
			t.Errorf("ParseBucket(%q) err = %v, want ErrInvalidMetadata", s, err)
		}
	}
}

func TestStore_PathLayout(t *testing.T) {
	s := testStore(t)
	p, err := s.Path(Private, "abc123", "clip.mp4")
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	want := filepath.Join(s.Root().Dir(), "private", "abc123", "clip.mp4")
	if p != want {
		t.Errorf("Path = %q, want %q", p, want)
	}

	bad := []struct {
		bucket    Bucket
		key, name string
	}{
		{"_chunks_", "abc", "x"},
		{Public, "..", "x"},
		{Public, "a.b", "x"},
		{Public, "abc", "../x"},
		{Public, "abc", ".env"},
	}
	for _, c := range bad {
		if _, err := s.Path(c.bucket, c.key, c.name); !errors.Is(err, errs.ErrInvalidPath) {
			t.Errorf("Path(%q, %q, %q) err = %v, want ErrInvalidPath", c.bucket, c.key, c.name, err)
		}
	}
}

func TestStore_CreateNeverReusesKey(t *testing.T) {
	s := testStore(t)
	if _, err := s.Create(Public, "k1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create(Public, "k1"); !errors.Is(err, errs.ErrIO) {
		t.Errorf("second Create err = %v, want ErrIO", err)
	}
}

func TestStore_Remove(t *testing.T) {
	s := testStore(t)
	obj, err := s.Put(context.Background(), Public, "k2", "a.txt", strings.NewReader("hi"), PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Remove(obj.Bucket, obj.Key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Stat(Public, "k2", "a.txt"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Stat after remove err = %v, want ErrNotFound", err)
	}
	if err := s.Remove(Public, "k2"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("second Remove err = %v, want ErrNotFound", err)
	}
}

func TestStore_Put(t *testing.T) {
	s := testStore(t)
	data := []byte("hello shard")
	sum := sha256.Sum256(data)

	obj, err := s.Put(context.Background(), Private, "k3", "note.txt", bytes.NewReader(data),
		PutOptions{MaxSize: 64, SHA256: hex.EncodeToString(sum[:])})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if obj.Size != int64(len(data)) || obj.Bucket != Private || obj.Key != "k3" || obj.Name != "note.txt" {
		t.Errorf("Put returned %+v", obj)
	}
	p, _ := s.Path(Private, "k3", "note.txt")
	got, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("stored %q, want %q", got, data)
	}

	entries, _ := os.ReadDir(filepath.Dir(p))
	if len(entries) != 1 {
		t.Errorf("key dir has %d entries, want 1 (no temp files)", len(entries))
	}
}

func TestStore_PutFailuresLeaveNothing(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, Public, "big", "f", strings.NewReader("0123456789"), PutOptions{MaxSize: 4}); !errors.Is(err, errs.ErrInvalidMetadata) {
		t.Errorf("oversize err = %v, want ErrInvalidMetadata", err)
	}
	if _, err := s.Put(ctx, Public, "hash", "f", strings.NewReader("abc"), PutOptions{SHA256: strings.Repeat("0", 64)}); !errors.Is(err, errs.ErrIntegrity) {
		t.Errorf("hash mismatch err = %v, want ErrIntegrity", err)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := s.Put(cancelled, Public, "ctx", "f", strings.NewReader("abc"), PutOptions{}); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled err = %v, want context.Canceled", err)
	}

	for _, key := range []string{"big", "hash", "ctx"} {
		dir, _ := s.Dir(Public, key)
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("key dir %s left behind after failed put", key)
		}
	}
}

func TestLinks(t *testing.T) {
	if got := PublicLink("https://cdn.example/", "k", "My Song.mp3"); got != "https://cdn.example/k/My%20Song.mp3" {
		t.Errorf("PublicLink = %q", got)
	}

	link := SignedLink("https://cdn.example", "k", "a b.txt", "deadbeef", 1700000000000)
	want := "https://cdn.example/p/k/a%20b.txt?expires=1700000000000&signature=deadbeef"
	if link != want {
		t.Errorf("SignedLink = %q, want %q", link, want)
	}

	c, err := ParseSignedLink(link)
	if err != nil {
		t.Fatalf("ParseSignedLink: %v", err)
	}
	if c.Key != "k" || c.Name != "a b.txt" || c.Signature != "deadbeef" || c.ExpiresAt != 1700000000000 {
		t.Errorf("ParseSignedLink = %+v", c)
	}
	if c.RelativePath() != "k/a b.txt" {
		t.Errorf("RelativePath = %q", c.RelativePath())
	}

	for _, raw := range []string{
		"https://x/k/name",
		"https://x/p/k/n?expires=abc&signature=s",
		"https://x/p/k/n?expires=1",
		"https://x/p/k/..%2Fetc?expires=1&signature=s",
		"https://x/p/k/.hidden?expires=1&signature=s",
		"https://x/p/k.k/n?expires=1&signature=s",
	} {
		if _, err := ParseSignedLink(raw); err == nil {
			t.Errorf("ParseSignedLink(%q) succeeded, want error", raw)
		}
	}
}
