package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ssd-technologies/shard/internal/access"
	"github.com/ssd-technologies/shard/internal/chunks"
	"github.com/ssd-technologies/shard/internal/coordinator"
	"github.com/ssd-technologies/shard/internal/crypto"
	"github.com/ssd-technologies/shard/internal/mimetype"
	"github.com/ssd-technologies/shard/internal/objects"
	"github.com/ssd-technologies/shard/internal/ratelimit"
	"github.com/ssd-technologies/shard/internal/sandbox"
	"github.com/ssd-technologies/shard/internal/storage"
	"github.com/ssd-technologies/shard/internal/stream"
	"github.com/ssd-technologies/shard/internal/upload"
)

type fakeRegistry struct {
	mu    sync.Mutex
	acked []coordinator.Object
	fail  error
}

func (f *fakeRegistry) Acknowledge(_ context.Context, obj coordinator.Object) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.acked = append(f.acked, obj)
	return nil
}

// fakeVerifier accepts user "alice" with token "t0k3n" and server "api"
// with key "k3y".
type fakeVerifier struct{ down bool }

func (f fakeVerifier) VerifyUserToken(_ context.Context, userID, token string) (bool, error) {
	if f.down {
		return false, errors.New("connection refused")
	}
	return userID == "alice" && token == "t0k3n", nil
}

func (f fakeVerifier) VerifyServerToken(_ context.Context, serverID, token string) (bool, error) {
	if f.down {
		return false, errors.New("connection refused")
	}
	return serverID == "api" && token == "k3y", nil
}

type testEnv struct {
	srv      *Server
	root     string
	registry *fakeRegistry
	index    *storage.DB
	signer   *crypto.Signer
}

func setupTestServer(t *testing.T, mutate func(*Deps)) testEnv {
	t.Helper()
	root, err := sandbox.New(t.TempDir())
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	signer, err := crypto.NewSigner("server-test-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	objs := objects.NewStore(root)
	cs := chunks.New(root, objs)
	reg := &fakeRegistry{}
	limits := upload.DefaultLimits()
	limits.MaxAnonSize = 1 << 20
	mime := mimetype.New()

	d := Deps{
		Uploads:  upload.NewService(cs, objs, reg, limits, upload.WithIndex(db), upload.WithMime(mime)),
		Chunks:   cs,
		Resolver: access.NewResolver(objs, signer, "http://shard.test", time.Hour, 24*time.Hour),
		Streamer: stream.New(mime),
		Auth:     NewCoordinatorAuthenticator(fakeVerifier{}),
		Index:    db,
		Limits:   limits,
		Root:     root.Dir(),
	}
	if mutate != nil {
		mutate(&d)
	}
	return testEnv{srv: New(d), root: root.Dir(), registry: reg, index: db, signer: signer}
}

func (e testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func asUser(req *http.Request) *http.Request {
	req.Header.Set("X-User-Id", "alice")
	req.Header.Set("Authorization", "Bearer t0k3n")
	return req
}

func asServer(req *http.Request) *http.Request {
	req.Header.Set("X-Server-Id", "api")
	req.Header.Set("X-Api-Key", "k3y")
	return req
}

func chunkRequest(t *testing.T, fields map[string]string, payload []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, k := range []string{"uploadId", "chunkIndex", "totalChunks", "fileName", "fileSize", "chunkSize", "mimeType", "chunkHash", "fileHash"} {
		if v, ok := fields[k]; ok {
			mw.WriteField(k, v)
		}
	}
	if payload != nil {
		fw, err := mw.CreateFormFile("chunk", "blob")
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(payload)
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/upload/chunk", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return asUser(req)
}

// sendChunks uploads data as chunks of chunkSize, last chunk first.
func sendChunks(t *testing.T, e testEnv, id, name string, data []byte, chunkSize int) map[string]any {
	t.Helper()
	total := (len(data) + chunkSize - 1) / chunkSize
	var last map[string]any
	for i := total - 1; i >= 0; i-- {
		part := data[i*chunkSize : min((i+1)*chunkSize, len(data))]
		rec := e.do(t, chunkRequest(t, map[string]string{
			"uploadId":    id,
			"chunkIndex":  strconv.Itoa(i),
			"totalChunks": strconv.Itoa(total),
			"fileName":    name,
			"fileSize":    strconv.Itoa(len(data)),
			"chunkSize":   strconv.Itoa(len(part)),
		}, part))
		if rec.Code != http.StatusOK {
			t.Fatalf("chunk %d status = %d, body = %s", i, rec.Code, rec.Body.String())
		}
		last = decode(t, rec)
	}
	return last
}

func finalizeRequest(body map[string]any) *http.Request {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/upload/finalize", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return asUser(req)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&m); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return m
}

func assertKind(t *testing.T, rec *httptest.ResponseRecorder, status int, kind string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d, body = %s", rec.Code, status, rec.Body.String())
	}
	body := rec.Body.String()
	var m map[string]any
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		t.Fatalf("error body %q: %v", body, err)
	}
	if m["kind"] != kind {
		t.Errorf("kind = %v, want %s", m["kind"], kind)
	}
}

// pathOf strips the scheme and host from a link returned by the server.
func pathOf(link string) string {
	return strings.TrimPrefix(link, "http://shard.test")
}

func TestServer_HealthEndpoint(t *testing.T) {
	e := setupTestServer(t, nil)
	rec := e.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["status"] != "ok" || body["objects"] != float64(0) {
		t.Errorf("health = %v", body)
	}

	os.RemoveAll(e.root)
	rec = e.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status with missing root = %d, want 503", rec.Code)
	}
}

type fakeReporter struct {
	connected bool
	lastAck   time.Time
}

func (f fakeReporter) Run(ctx context.Context) { <-ctx.Done() }
func (f fakeReporter) Connected() bool { return f.connected }
func (f fakeReporter) LastAck() time.Time { return f.lastAck }

func TestServer_HealthReportsCoordinator(t *testing.T) {
	ack := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := setupTestServer(t, func(d *Deps) { d.Reporter = fakeReporter{connected: true, lastAck: ack} })
	body := decode(t, e.do(t, httptest.NewRequest(http.MethodGet, "/health", nil)))
	if body["coordinator_connected"] != true {
		t.Errorf("coordinator_connected = %v", body["coordinator_connected"])
	}
	if body["coordinator_last_ack"] != "2026-03-01T12:00:00Z" {
		t.Errorf("coordinator_last_ack = %v", body["coordinator_last_ack"])
	}

	e = setupTestServer(t, func(d *Deps) { d.Reporter = fakeReporter{} })
	body = decode(t, e.do(t, httptest.NewRequest(http.MethodGet, "/health", nil)))
	if _, ok := body["coordinator_last_ack"]; ok || body["coordinator_connected"] != false {
		t.Errorf("health without acks = %v", body)
	}
}

func TestChunkedUpload_PublicRoundTrip(t *testing.T) {
	e := setupTestServer(t, nil)
	data := []byte("the quick brown fox jumps over the lazy dog")

	last := sendChunks(t, e, "up-1", "fox.txt", data, 10)
	if last["status"] != "ready" || last["received"] != float64(5) {
		t.Fatalf("last chunk result = %v", last)
	}

	rec := e.do(t, finalizeRequest(map[string]any{
		"uploadId": "up-1", "totalChunks": 5, "fileName": "fox.txt",
		"fileSize": len(data), "bucket": "public",
	}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("finalize status = %d, body = %s", rec.Code, rec.Body.String())
	}
	obj := decode(t, rec)
	key, _ := obj["key"].(string)
	if len(key) != objects.KeyLen || obj["mimeType"] != "text/plain; charset=utf-8" {
		t.Errorf("finalize response = %v", obj)
	}
	if obj["url"] != "http://shard.test/"+key+"/fox.txt" {
		t.Errorf("url = %v", obj["url"])
	}
	if len(e.registry.acked) != 1 || e.registry.acked[0].Owner != "alice" {
		t.Errorf("registry saw %+v", e.registry.acked)
	}
	if _, err := e.index.GetObject(key); err != nil {
		t.Errorf("index row missing: %v", err)
	}

	rec = e.do(t, httptest.NewRequest(http.MethodGet, "/"+key+"/fox.txt", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != string(data) {
		t.Fatalf("GET = %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Accept-Ranges") != "bytes" {
		t.Error("missing Accept-Ranges")
	}

	req := httptest.NewRequest(http.MethodGet, "/"+key+"/fox.txt", nil)
	req.Header.Set("Range", "bytes=4-8")
	rec = e.do(t, req)
	if rec.Code != http.StatusPartialContent || rec.Body.String() != "quick" {
		t.Errorf("range GET = %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Range"); got != fmt.Sprintf("bytes 4-8/%d", len(data)) {
		t.Errorf("Content-Range = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/"+key+"/fox.txt", nil)
	req.Header.Set("Range", "bytes=100-200")
	rec = e.do(t, req)
	if rec.Code != http.StatusRequestedRangeNotSatisfiable || rec.Body.Len() != 0 {
		t.Errorf("unsatisfiable range = %d, %d bytes", rec.Code, rec.Body.Len())
	}
	if got := rec.Header().Get("Content-Range"); got != fmt.Sprintf("bytes */%d", len(data)) {
		t.Errorf("Content-Range = %q", got)
	}

	rec = e.do(t, httptest.NewRequest(http.MethodHead, "/"+key+"/fox.txt", nil))
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Errorf("HEAD = %d with %d body bytes", rec.Code, rec.Body.Len())
	}
	if rec.Header().Get("Content-Length") != strconv.Itoa(len(data)) {
		t.Errorf("HEAD Content-Length = %q", rec.Header().Get("Content-Length"))
	}

	// a duplicate finalize finds no session
	rec = e.do(t, finalizeRequest(map[string]any{
		"uploadId": "up-1", "totalChunks": 5, "fileName": "fox.txt",
		"fileSize": len(data), "bucket": "public",
	}))
	assertKind(t, rec, http.StatusNotFound, "session-not-found")
}

func TestChunkedUpload_PrivateSignedURL(t *testing.T) {
	e := setupTestServer(t, nil)
	data := []byte("private payload")
	sendChunks(t, e, "up-2", "secret.bin", data, 8)

	rec := e.do(t, finalizeRequest(map[string]any{
		"uploadId": "up-2", "totalChunks": 2, "fileName": "secret.bin", "fileSize": len(data),
	}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("finalize = %d %s", rec.Code, rec.Body.String())
	}
	obj := decode(t, rec)
	if obj["bucket"] != "private" {
		t.Fatalf("default bucket = %v, want private", obj["bucket"])
	}
	link := obj["url"].(string)
	key := obj["key"].(string)

	rec = e.do(t, httptest.NewRequest(http.MethodGet, pathOf(link), nil))
	if rec.Code != http.StatusOK || rec.Body.String() != string(data) {
		t.Fatalf("signed GET = %d %q", rec.Code, rec.Body.String())
	}

	// the same object is not reachable through the public route
	rec = e.do(t, httptest.NewRequest(http.MethodGet, "/"+key+"/secret.bin", nil))
	assertKind(t, rec, http.StatusNotFound, "not-found")

	tampered := strings.Replace(pathOf(link), "signature=", "signature=00", 1)
	rec = e.do(t, httptest.NewRequest(http.MethodGet, tampered, nil))
	assertKind(t, rec, http.StatusUnauthorized, "unauthorized")

	sig, exp := e.signer.Sign(key+"/secret.bin", -time.Second)
	expired := fmt.Sprintf("/p/%s/secret.bin?signature=%s&expires=%d", key, sig, exp)
	rec = e.do(t, httptest.NewRequest(http.MethodGet, expired, nil))
	assertKind(t, rec, http.StatusUnauthorized, "unauthorized")
}

func TestChunkUpload_Rejections(t *testing.T) {
	e := setupTestServer(t, nil)
	valid := func() map[string]string {
		return map[string]string{
			"uploadId": "up-3", "chunkIndex": "0", "totalChunks": "2",
			"fileName": "a.txt", "fileSize": "8", "chunkSize": "4",
		}
	}

	tests := []struct {
		name    string
		mutate  func(map[string]string)
		payload []byte
		status  int
		kind    string
	}{
		{"bad upload id", func(f map[string]string) { f["uploadId"] = "../up" }, []byte("abcd"), 400, "invalid-metadata"},
		{"traversal filename", func(f map[string]string) { f["fileName"] = "../a.txt" }, []byte("abcd"), 400, "invalid-path"},
		{"index out of range", func(f map[string]string) { f["chunkIndex"] = "2" }, []byte("abcd"), 400, "invalid-metadata"},
		{"non-numeric size", func(f map[string]string) { f["chunkSize"] = "four" }, []byte("abcd"), 400, "invalid-metadata"},
		{"payload too short", func(f map[string]string) {}, []byte("abc"), 400, "invalid-metadata"},
		{"payload too long", func(f map[string]string) {}, []byte("abcde"), 400, "invalid-metadata"},
		{"no chunk part", func(f map[string]string) {}, nil, 400, "invalid-metadata"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := valid()
			tt.mutate(f)
			rec := e.do(t, chunkRequest(t, f, tt.payload))
			assertKind(t, rec, tt.status, tt.kind)
			if strings.Contains(rec.Body.String(), e.root) {
				t.Errorf("response leaks storage path: %s", rec.Body.String())
			}
		})
	}
}

func TestChunkUpload_RequiresAuth(t *testing.T) {
	e := setupTestServer(t, nil)
	req := chunkRequest(t, map[string]string{"uploadId": "x"}, []byte("a"))
	req.Header.Set("Authorization", "Bearer wrong")
	assertKind(t, e.do(t, req), http.StatusUnauthorized, "unauthorized")

	req.Header.Del("Authorization")
	rec := e.do(t, req)
	assertKind(t, rec, http.StatusUnauthorized, "unauthorized")
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate")
	}

	down := setupTestServer(t, func(d *Deps) { d.Auth = NewCoordinatorAuthenticator(fakeVerifier{down: true}) })
	assertKind(t, down.do(t, chunkRequest(t, nil, []byte("a"))), http.StatusBadGateway, "registry-unreachable")
}

func TestStatusAndAbort(t *testing.T) {
	e := setupTestServer(t, nil)
	rec := e.do(t, chunkRequest(t, map[string]string{
		"uploadId": "up-4", "chunkIndex": "1", "totalChunks": "3",
		"fileName": "a.txt", "fileSize": "9", "chunkSize": "3",
	}, []byte("def")))
	if rec.Code != http.StatusOK {
		t.Fatalf("chunk = %d %s", rec.Code, rec.Body.String())
	}
	res := decode(t, rec)
	if res["status"] != "pending" {
		t.Errorf("status = %v", res["status"])
	}

	rec = e.do(t, asUser(httptest.NewRequest(http.MethodGet, "/upload/up-4?totalChunks=3", nil)))
	res = decode(t, rec)
	missing, _ := res["missing"].([]any)
	if rec.Code != http.StatusOK || len(missing) != 2 || missing[0] != float64(0) || missing[1] != float64(2) {
		t.Errorf("status = %d %v", rec.Code, res)
	}

	rec = e.do(t, finalizeRequest(map[string]any{
		"uploadId": "up-4", "totalChunks": 3, "fileName": "a.txt", "fileSize": 9,
	}))
	assertKind(t, rec, http.StatusBadRequest, "invalid-metadata")

	rec = e.do(t, asUser(httptest.NewRequest(http.MethodDelete, "/upload/up-4", nil)))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("abort = %d", rec.Code)
	}
	rec = e.do(t, asUser(httptest.NewRequest(http.MethodGet, "/upload/up-4?totalChunks=3", nil)))
	assertKind(t, rec, http.StatusNotFound, "session-not-found")
	if _, err := os.Stat(filepath.Join(e.root, chunks.StagingDir, "up-4")); !os.IsNotExist(err) {
		t.Errorf("staging dir survived abort: %v", err)
	}
}

func TestFinalize_RegistryFailure(t *testing.T) {
	e := setupTestServer(t, nil)
	e.registry.fail = errors.New("coordinator down")
	data := []byte("0123456789")
	sendChunks(t, e, "up-5", "n.txt", data, 5)

	rec := e.do(t, finalizeRequest(map[string]any{
		"uploadId": "up-5", "totalChunks": 2, "fileName": "n.txt", "fileSize": 10, "bucket": "public",
	}))
	assertKind(t, rec, http.StatusBadGateway, "registry-unreachable")

	entries, _ := os.ReadDir(filepath.Join(e.root, "public"))
	if len(entries) != 0 {
		t.Errorf("object survived failed registration: %v", entries)
	}
}

func TestFinalize_SizeMismatch(t *testing.T) {
	e := setupTestServer(t, nil)
	sendChunks(t, e, "up-6", "n.txt", []byte("0123456789"), 5)

	rec := e.do(t, finalizeRequest(map[string]any{
		"uploadId": "up-6", "totalChunks": 2, "fileName": "n.txt", "fileSize": 11, "bucket": "public",
	}))
	assertKind(t, rec, http.StatusInternalServerError, "size-mismatch")
	if strings.Contains(rec.Body.String(), e.root) {
		t.Errorf("response leaks storage path: %s", rec.Body.String())
	}
	entries, _ := os.ReadDir(filepath.Join(e.root, "public"))
	if len(entries) != 0 {
		t.Errorf("partial object left behind: %v", entries)
	}
}

func anonRequest(t *testing.T, name, contentType string, payload []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	fw, err := mw.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(payload)
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/anon-upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.RemoteAddr = "192.0.2.7:4000"
	return req
}

func TestAnonUpload(t *testing.T) {
	e := setupTestServer(t, nil)

	rec := e.do(t, anonRequest(t, "clip.mp4", "application/octet-stream", []byte("not really a video")))
	if rec.Code != http.StatusCreated {
		t.Fatalf("anon upload = %d %s", rec.Code, rec.Body.String())
	}
	obj := decode(t, rec)
	if obj["bucket"] != "public" || obj["mimeType"] != "video/mp4" {
		t.Errorf("anon object = %v", obj)
	}
	if e.registry.acked[0].FileType != string(mimetype.Video) {
		t.Errorf("file type = %q", e.registry.acked[0].FileType)
	}

	rec = e.do(t, httptest.NewRequest(http.MethodGet, pathOf(obj["url"].(string)), nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "not really a video" {
		t.Errorf("GET anon object = %d %q", rec.Code, rec.Body.String())
	}

	rec = e.do(t, anonRequest(t, "big.bin", "", make([]byte, 2<<20)))
	if rec.Code < 400 {
		t.Errorf("oversized anon upload = %d", rec.Code)
	}

	rec = e.do(t, anonRequest(t, ".hidden", "", []byte("x")))
	assertKind(t, rec, http.StatusBadRequest, "invalid-path")
}

// readerFromRecorder records whether the handler reached its ReadFrom, as
// the net/http response writer does for sendfile.
type readerFromRecorder struct {
	*httptest.ResponseRecorder
	readFrom bool
}

func (r *readerFromRecorder) ReadFrom(src io.Reader) (int64, error) {
	r.readFrom = true
	return io.Copy(r.ResponseRecorder, src)
}

func TestDownload_KeepsReaderFrom(t *testing.T) {
	var logs bytes.Buffer
	e := setupTestServer(t, func(d *Deps) { d.Logger = zerolog.New(&logs) })
	payload := bytes.Repeat([]byte("z"), 100_000)
	rec := e.do(t, anonRequest(t, "big.txt", "", payload))
	if rec.Code != http.StatusCreated {
		t.Fatalf("anon upload = %d %s", rec.Code, rec.Body.String())
	}
	obj := decode(t, rec)

	logs.Reset()
	w := &readerFromRecorder{ResponseRecorder: httptest.NewRecorder()}
	e.srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, pathOf(obj["url"].(string)), nil))
	if w.Code != http.StatusOK || !bytes.Equal(w.Body.Bytes(), payload) {
		t.Fatalf("GET = %d, %d bytes", w.Code, w.Body.Len())
	}
	if !w.readFrom {
		t.Error("download did not reach the underlying ReadFrom")
	}
	if !strings.Contains(logs.String(), `"bytes":100000`) {
		t.Errorf("request log does not count streamed bytes: %s", logs.String())
	}
}

func TestAnonUpload_RateLimited(t *testing.T) {
	e := setupTestServer(t, func(d *Deps) { d.Limiter = ratelimit.New(1, time.Minute) })
	if rec := e.do(t, anonRequest(t, "a.txt", "", []byte("a"))); rec.Code != http.StatusCreated {
		t.Fatalf("first upload = %d", rec.Code)
	}
	if rec := e.do(t, anonRequest(t, "b.txt", "", []byte("b"))); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second upload = %d, want 429", rec.Code)
	}
}

func TestPresignAndDelete(t *testing.T) {
	e := setupTestServer(t, nil)
	data := []byte("report body")
	sendChunks(t, e, "up-7", "report.pdf", data, 100)
	rec := e.do(t, finalizeRequest(map[string]any{
		"uploadId": "up-7", "totalChunks": 1, "fileName": "report.pdf", "fileSize": len(data),
	}))
	key := decode(t, rec)["key"].(string)

	presign := func(body string, auth bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/files/"+key+"/report.pdf/presign", strings.NewReader(body))
		if auth {
			asServer(req)
		}
		return e.do(t, req)
	}

	assertKind(t, presign(`{"ttl":60}`, false), http.StatusUnauthorized, "unauthorized")

	rec = presign(`{"ttl":60}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("presign = %d %s", rec.Code, rec.Body.String())
	}
	res := decode(t, rec)
	if ttl := time.Until(time.UnixMilli(int64(res["expiresAt"].(float64)))); ttl > time.Minute || ttl < 50*time.Second {
		t.Errorf("ttl = %v, want about 60s", ttl)
	}
	rec = e.do(t, httptest.NewRequest(http.MethodGet, pathOf(res["url"].(string)), nil))
	if rec.Body.String() != string(data) {
		t.Errorf("presigned GET = %d %q", rec.Code, rec.Body.String())
	}

	if rec := presign(``, true); rec.Code != http.StatusOK {
		t.Errorf("presign with empty body = %d", rec.Code)
	}

	missing := httptest.NewRequest(http.MethodPost, "/files/"+key+"/other.pdf/presign", nil)
	assertKind(t, e.do(t, asServer(missing)), http.StatusNotFound, "not-found")

	del := asServer(httptest.NewRequest(http.MethodDelete, "/files/private/"+key, nil))
	if rec := e.do(t, del); rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d %s", rec.Code, rec.Body.String())
	}
	if _, err := e.index.GetObject(key); err == nil {
		t.Error("index row survived delete")
	}
	del = asServer(httptest.NewRequest(http.MethodDelete, "/files/private/"+key, nil))
	assertKind(t, e.do(t, del), http.StatusNotFound, "not-found")

	bad := asServer(httptest.NewRequest(http.MethodDelete, "/files/_chunks_/"+key, nil))
	if rec := e.do(t, bad); rec.Code != http.StatusBadRequest {
		t.Errorf("delete from staging bucket = %d, want 400", rec.Code)
	}
}

func TestDownload_InvalidNames(t *testing.T) {
	e := setupTestServer(t, nil)
	key := objects.NewKey()
	tests := []struct {
		path string
		kind string
		code int
	}{
		{"/" + key + "/.env", "invalid-path", 400},
		{"/" + key + "/a%5Cb", "invalid-path", 400},
		{"/bad.key/file.txt", "invalid-path", 400},
		{"/" + key + "/missing.txt", "not-found", 404},
		{"/p/" + key + "/x.txt?signature=ab&expires=1", "unauthorized", 401},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := e.do(t, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assertKind(t, rec, tt.code, tt.kind)
		})
	}
}

func TestWorkers_SweepStale(t *testing.T) {
	e := setupTestServer(t, func(d *Deps) { d.Sweep = SweepConfig{Interval: time.Hour, MaxAge: time.Hour} })
	sendChunks(t, e, "old", "a.txt", []byte("abc"), 2)
	sendChunks(t, e, "new", "a.txt", []byte("abc"), 2)

	old := filepath.Join(e.root, chunks.StagingDir, "old")
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}
	if n := e.srv.sweepStale(); n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("stale session survived")
	}
	if _, err := os.Stat(filepath.Join(e.root, chunks.StagingDir, "new")); err != nil {
		t.Errorf("fresh session removed: %v", err)
	}
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

func TestWorkers_Ping(t *testing.T) {
	p := &fakePinger{}
	e := setupTestServer(t, func(d *Deps) { d.Pinger = p })
	if !e.srv.ping(context.Background(), true) {
		t.Error("ping should succeed")
	}
	p.err = errors.New("down")
	if e.srv.ping(context.Background(), true) {
		t.Error("ping should fail")
	}
}

func TestStartWorkers_StopsOnCancel(t *testing.T) {
	e := setupTestServer(t, func(d *Deps) {
		d.Sweep = SweepConfig{Interval: time.Millisecond, MaxAge: time.Hour}
		d.Limiter = ratelimit.New(10, time.Minute)
		d.Pinger = &fakePinger{}
	})
	ctx, cancel := context.WithCancel(context.Background())
	e.srv.StartWorkers(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()
}

