package api

import (
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

const maxUploadSize = 32 << 20 // 32MB

// UploadStore keeps uploaded images on disk for a limited time. Expired
// entries delete their file.
type UploadStore struct {
	dir   string
	cache *cache.Cache
}

// NewUploadStore creates dir if needed. ttl bounds how long an image id can
// be referenced by a turn.
func NewUploadStore(dir string, ttl time.Duration) (*UploadStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}
	c := cache.New(ttl, ttl/2+time.Second)
	c.OnEvicted(func(id string, v any) {
		if err := os.Remove(v.(string)); err != nil && !os.IsNotExist(err) {
			slog.Warn("removing expired upload", "id", id, "error", err)
		}
	})
	return &UploadStore{dir: dir, cache: c}, nil
}

// Save stores one image and returns its id.
func (u *UploadStore) Save(r io.Reader, contentType, filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
			ext = exts[0]
		} else {
			ext = ".png"
		}
	}
	id := uuid.New().String()
	path := filepath.Join(u.dir, id+ext)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating upload file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("writing upload file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("closing upload file: %w", err)
	}

	u.cache.SetDefault(id, path)
	return id, nil
}

// Resolve maps image ids to file paths. Unknown and expired ids are skipped.
func (u *UploadStore) Resolve(ids []string) []string {
	u.cache.DeleteExpired()
	var paths []string
	for _, id := range ids {
		if v, ok := u.cache.Get(id); ok {
			paths = append(paths, v.(string))
		}
	}
	return paths
}

// Cleanup removes expired uploads now instead of waiting for the janitor.
func (u *UploadStore) Cleanup() {
	u.cache.DeleteExpired()
}

func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Uploads == nil {
			httpError(w, http.StatusServiceUnavailable, "server_error", "upload not configured")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		files := r.MultipartForm.File["files"]
		if len(files) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "files is required")
			return
		}

		ids := make([]string, 0, len(files))
		for _, fh := range files {
			ct := fh.Header.Get("Content-Type")
			if !strings.HasPrefix(ct, "image/") {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "仅支持图片上传: %s", fh.Filename)
				return
			}
			f, err := fh.Open()
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "reading %s: %v", fh.Filename, err)
				return
			}
			id, err := deps.Uploads.Save(f, ct, fh.Filename)
			f.Close()
			if err != nil {
				slog.Error("saving upload", "file", fh.Filename, "error", err)
				httpError(w, http.StatusInternalServerError, "server_error", "failed to store upload")
				return
			}
			ids = append(ids, id)
		}

		writeJSON(w, http.StatusOK, map[string][]string{"imageIds": ids})
	}
}
