// Package fs serves the per-client file directories of the concierge over
// HTTP. Requests are authorised by the x-fs-key header, which must hold the
// uuid of a connected client.
package fs

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ert-concierge/concierge/pkg/protocol"
	"github.com/google/uuid"
)

var (
	ErrUnauthorized = errors.New("missing or unknown fs key")
	ErrForbidden    = errors.New("key does not own this directory")
	ErrBadPath      = errors.New("path escapes client directory")
	ErrNoFile       = errors.New("multipart body has no file part")
	ErrTooLarge     = errors.New("upload exceeds limit")
)

// Registry resolves fs keys to client names.
type Registry interface {
	ClientName(id uuid.UUID) (string, bool)
}

// Recorder keeps the file audit trail. Implemented by store.Manager.
type Recorder interface {
	RecordFile(owner, path string, size int64, meta map[string]any) error
	DeleteFile(owner, path string) error
}

// Config holds file server settings.
type Config struct {
	Root        string
	UploadLimit int64
}

// Server handles /fs/{name}/{path...}.
type Server struct {
	cfg      Config
	registry Registry
	recorder Recorder
	logger   *slog.Logger
}

// New creates a file server. recorder may be nil.
func New(cfg Config, registry Registry, recorder Recorder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, registry: registry, recorder: recorder, logger: logger}
}

// Register adds the fs routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /fs/{name}/{path...}", s.handleGet)
	mux.HandleFunc("PUT /fs/{name}/{path...}", s.handlePut)
	mux.HandleFunc("POST /fs/{name}/{path...}", s.handlePost)
	mux.HandleFunc("DELETE /fs/{name}/{path...}", s.handleDelete)
}

func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrBadPath), errors.Is(err, ErrNoFile):
		return http.StatusBadRequest
	case errors.Is(err, ErrTooLarge), errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("fs request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug("fs request rejected", "method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	}
	http.Error(w, err.Error(), code)
}

// authorize returns the name of the client holding the request key.
func (s *Server) authorize(r *http.Request) (string, error) {
	key := r.Header.Get(protocol.FsKeyHeader)
	if key == "" {
		return "", ErrUnauthorized
	}
	id, err := uuid.Parse(key)
	if err != nil {
		return "", ErrUnauthorized
	}
	name, ok := s.registry.ClientName(id)
	if !ok {
		return "", ErrUnauthorized
	}
	return name, nil
}

// authorizeOwner also requires the key's client to own the {name} directory.
func (s *Server) authorizeOwner(r *http.Request) (string, error) {
	name, err := s.authorize(r)
	if err != nil {
		return "", err
	}
	if name != r.PathValue("name") {
		return "", ErrForbidden
	}
	return name, nil
}

// resolve maps the request path to a file under the root and returns it along
// with the cleaned slash-separated path relative to the client directory.
func (s *Server) resolve(r *http.Request) (string, string, error) {
	name := r.PathValue("name")
	tail := r.PathValue("path")
	if name == "" || name == "." || name == ".." || tail == "" {
		return "", "", ErrBadPath
	}
	for _, seg := range strings.Split(tail, "/") {
		if seg == ".." {
			return "", "", ErrBadPath
		}
	}
	clean := path.Clean("/" + tail)[1:]
	if clean == "" {
		return "", "", ErrBadPath
	}
	base := filepath.Join(s.cfg.Root, name)
	full := filepath.Join(base, filepath.FromSlash(clean))
	rel, err := filepath.Rel(base, full)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", "", ErrBadPath
	}
	return full, clean, nil
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authorize(r); err != nil {
		s.fail(w, r, err)
		return
	}
	full, _, err := s.resolve(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	f, err := os.Open(full)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if info.IsDir() {
		s.fail(w, r, fmt.Errorf("%s is a directory: %w", r.PathValue("path"), os.ErrNotExist))
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.Name()))
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	owner, err := s.authorizeOwner(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	full, rel, err := s.resolve(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	body := http.MaxBytesReader(w, r.Body, s.cfg.UploadLimit)
	n, err := writeFile(full, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.record(owner, rel, n, map[string]any{"method": http.MethodPut, "contentType": r.Header.Get("Content-Type")})
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	owner, err := s.authorizeOwner(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	full, rel, err := s.resolve(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.UploadLimit)
	mr, err := r.MultipartReader()
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", ErrNoFile, err))
		return
	}

	part, err := nextFilePart(mr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer part.Close()

	n, err := writeFile(full, part)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.record(owner, rel, n, map[string]any{"method": http.MethodPost, "fileName": part.FileName()})
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	owner, err := s.authorizeOwner(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	full, rel, err := s.resolve(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if err := os.Remove(full); err != nil {
		s.fail(w, r, err)
		return
	}
	if s.recorder != nil {
		if err := s.recorder.DeleteFile(owner, rel); err != nil {
			s.logger.Error("Failed to record file deletion", "owner", owner, "path", rel, "error", err)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) record(owner, rel string, size int64, meta map[string]any) {
	s.logger.Info("File stored", "owner", owner, "path", rel, "size", size)
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordFile(owner, rel, size, meta); err != nil {
		s.logger.Error("Failed to record file", "owner", owner, "path", rel, "error", err)
	}
}

// nextFilePart skips form fields until the first part carrying a file.
func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, ErrNoFile
		}
		if err != nil {
			return nil, err
		}
		if part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

// writeFile streams src into a temp file beside dst and renames it into
// place, so a failed upload never leaves a partial file behind.
func writeFile(dst string, src io.Reader) (int64, error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return 0, fmt.Errorf("move upload into place: %w", err)
	}
	return n, nil
}
