package fs

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ert-concierge/concierge/pkg/protocol"
)

type fakeRegistry map[uuid.UUID]string

func (r fakeRegistry) ClientName(id uuid.UUID) (string, bool) {
	name, ok := r[id]
	return name, ok
}

type fakeRecorder struct {
	mu      sync.Mutex
	files   map[string]int64
	deleted []string
}

func (r *fakeRecorder) RecordFile(owner, path string, size int64, meta map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[owner+"/"+path] = size
	return nil
}

func (r *fakeRecorder) DeleteFile(owner, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, owner+"/"+path)
	return nil
}

type fixture struct {
	root     string
	srv      *httptest.Server
	alice    uuid.UUID
	bob      uuid.UUID
	recorder *fakeRecorder
}

func newFixture(t *testing.T, limit int64) *fixture {
	t.Helper()
	f := &fixture{
		root:     t.TempDir(),
		alice:    uuid.New(),
		bob:      uuid.New(),
		recorder: &fakeRecorder{files: make(map[string]int64)},
	}
	reg := fakeRegistry{f.alice: "alice", f.bob: "bob"}
	s := New(Config{Root: f.root, UploadLimit: limit}, reg, f.recorder, nil)

	mux := http.NewServeMux()
	s.Register(mux)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, key string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, body)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set(protocol.FsKeyHeader, key)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func multipartBody(t *testing.T, fileName, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "ignored"))
	part, err := mw.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestPutThenGet(t *testing.T) {
	f := newFixture(t, 1024)

	resp := f.do(t, http.MethodPut, "/fs/alice/data/system.json", f.alice.String(), strings.NewReader(`{"a":1}`), "application/json")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	content, err := os.ReadFile(filepath.Join(f.root, "alice", "data", "system.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(content))
	assert.Equal(t, int64(7), f.recorder.files["alice/data/system.json"])

	// Any connected client may read.
	resp = f.do(t, http.MethodGet, "/fs/alice/data/system.json", f.bob.String(), nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(body))
}

func TestPostMultipart(t *testing.T) {
	f := newFixture(t, 1024)

	body, ct := multipartBody(t, "upload.json", `{"bodies":[]}`)
	resp := f.do(t, http.MethodPost, "/fs/alice/system.json", f.alice.String(), body, ct)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	content, err := os.ReadFile(filepath.Join(f.root, "alice", "system.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"bodies":[]}`, string(content))
}

func TestPostWithoutFilePart(t *testing.T) {
	f := newFixture(t, 1024)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "no file"))
	require.NoError(t, mw.Close())

	resp := f.do(t, http.MethodPost, "/fs/alice/system.json", f.alice.String(), &buf, mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthorization(t *testing.T) {
	f := newFixture(t, 1024)

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		want   int
	}{
		{"missing key", http.MethodGet, "/fs/alice/x", "", http.StatusUnauthorized},
		{"garbage key", http.MethodGet, "/fs/alice/x", "not-a-uuid", http.StatusUnauthorized},
		{"unknown key", http.MethodGet, "/fs/alice/x", uuid.NewString(), http.StatusUnauthorized},
		{"foreign write", http.MethodPut, "/fs/alice/x", f.bob.String(), http.StatusForbidden},
		{"foreign delete", http.MethodDelete, "/fs/alice/x", f.bob.String(), http.StatusForbidden},
		{"missing file", http.MethodGet, "/fs/alice/nothing", f.bob.String(), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, tt.method, tt.path, tt.key, strings.NewReader("x"), "")
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
	assert.NoFileExists(t, filepath.Join(f.root, "alice", "x"))
}

func TestUploadLimit(t *testing.T) {
	f := newFixture(t, 8)

	resp := f.do(t, http.MethodPut, "/fs/alice/big.bin", f.alice.String(), strings.NewReader(strings.Repeat("x", 64)), "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.NoFileExists(t, filepath.Join(f.root, "alice", "big.bin"))

	entries, err := os.ReadDir(filepath.Join(f.root, "alice"))
	require.NoError(t, err)
	assert.Empty(t, entries, "temp file must be cleaned up")
}

func TestDelete(t *testing.T) {
	f := newFixture(t, 1024)

	resp := f.do(t, http.MethodDelete, "/fs/alice/system.json", f.alice.String(), nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.do(t, http.MethodPut, "/fs/alice/system.json", f.alice.String(), strings.NewReader("{}"), "")
	resp = f.do(t, http.MethodDelete, "/fs/alice/system.json", f.alice.String(), nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NoFileExists(t, filepath.Join(f.root, "alice", "system.json"))
	assert.Equal(t, []string{"alice/system.json"}, f.recorder.deleted)
}

func TestResolveRejectsEscapes(t *testing.T) {
	s := New(Config{Root: "/srv/fs", UploadLimit: 1}, fakeRegistry{}, nil, nil)

	for _, tail := range []string{"../bob/x", "a/../../x", "..", ""} {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.SetPathValue("name", "alice")
		r.SetPathValue("path", tail)
		_, _, err := s.resolve(r)
		assert.ErrorIs(t, err, ErrBadPath, tail)
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.SetPathValue("name", "alice")
	r.SetPathValue("path", "dir//file.json")
	full, rel, err := s.resolve(r)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/srv/fs", "alice", "dir", "file.json"), full)
	assert.Equal(t, "dir/file.json", rel)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(os.ErrNotExist))
	assert.Equal(t, http.StatusRequestEntityTooLarge, statusFor(&http.MaxBytesError{Limit: 1}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.ErrUnexpectedEOF))
}
