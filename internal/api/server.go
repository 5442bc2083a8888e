package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/rsagent/internal/pipeline"
	"github.com/kalambet/rsagent/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Agent runs conversation turns. *pipeline.Coordinator satisfies it.
type Agent interface {
	Process(ctx context.Context, req pipeline.Request) iter.Seq[pipeline.Event]
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Final, error)
}

// Conversations reads stored history. *storage.Store satisfies it.
type Conversations interface {
	ListConversations(limit, offset int) ([]storage.Conversation, error)
	GetConversation(id string) (storage.Conversation, error)
}

// Health is reported by GET /health. It never carries the API key.
type Health struct {
	LLMConfigured bool
	LLMModel      string
	LLMBaseURL    string
}

type Deps struct {
	Agent         Agent
	Conversations Conversations
	Uploads       *UploadStore
	ImagesDir     string
	APIKey        string
	CORSOrigins   []string
	Health        Health
	Version       string
}

// NewHandler returns the HTTP surface: health, the agent endpoints, history,
// uploads and the knowledge base image files. Everything under /api except
// the images requires the bearer key when one is configured.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(CORS(deps.CORSOrigins))

	r.Get("/health", handleHealth(deps.Health))

	r.Route("/api", func(r chi.Router) {
		r.Handle("/kb-images/*", http.StripPrefix("/api/kb-images/", http.FileServer(http.Dir(deps.ImagesDir))))

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(deps.APIKey))

			r.Get("/version", handleVersion(deps.Version))
			r.Get("/conversations", handleListConversations(deps))
			r.Get("/conversations/{id}", handleGetConversation(deps))
			r.Post("/upload", handleUpload(deps))
			r.Post("/agent", handleAgent(deps))
			r.Post("/agent/stream", handleAgentStream(deps))
		})
	})

	return r
}

func handleHealth(h Health) http.HandlerFunc {
	baseURL := h.LLMBaseURL
	if len(baseURL) > 50 {
		baseURL = baseURL[:50] + "..."
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"llm_configured": h.LLMConfigured,
			"llm_model":      h.LLMModel,
			"llm_base_url":   baseURL,
		})
	}
}

func handleVersion(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": version})
	}
}

// EnsureImagesDir creates the directory served under /api/kb-images.
func EnsureImagesDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating images directory: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
}

// marshal encodes v without HTML escaping and without a trailing newline.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// errorType names the envelope type for a status code.
func errorType(code int) string {
	switch {
	case code == http.StatusUnauthorized:
		return "authentication_error"
	case code == http.StatusNotFound:
		return "not_found_error"
	case code < 500:
		return "invalid_request_error"
	case code == http.StatusBadGateway:
		return "api_error"
	}
	return "server_error"
}

// httpError writes {"error":{"message","type"},"detail"}. detail repeats the
// message for clients that read it from there.
func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
		"detail": msg,
	})
}

// SplitOrigins parses a comma separated origin list.
func SplitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
