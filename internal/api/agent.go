package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kalambet/rsagent/internal/pipeline"
)

const emptyTextMsg = "text 不能为空"

// AgentRequest is the body of POST /api/agent and /api/agent/stream.
type AgentRequest struct {
	SessionID string   `json:"sessionId"`
	Text      *string  `json:"text"`
	ImageIDs  []string `json:"imageIds"`
}

// decodeAgentRequest reads the body and resolves image ids. On failure it
// has already written the response.
func decodeAgentRequest(w http.ResponseWriter, r *http.Request, deps Deps) (pipeline.Request, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var body AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return pipeline.Request{}, false
	}
	if body.Text == nil {
		httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "text is required")
		return pipeline.Request{}, false
	}
	if strings.TrimSpace(*body.Text) == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", emptyTextMsg)
		return pipeline.Request{}, false
	}

	req := pipeline.Request{
		SessionID: strings.TrimSpace(body.SessionID),
		Text:      *body.Text,
	}
	if deps.Uploads != nil && len(body.ImageIDs) > 0 {
		req.ImagePaths = deps.Uploads.Resolve(body.ImageIDs)
	}
	return req, true
}

func handleAgent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeAgentRequest(w, r, deps)
		if !ok {
			return
		}

		final, err := deps.Agent.Run(r.Context(), req)
		if err != nil {
			var pe *pipeline.Error
			if !errors.As(err, &pe) {
				pe = &pipeline.Error{Message: "内部错误，请稍后重试", StatusCode: http.StatusInternalServerError}
			}
			httpError(w, pe.StatusCode, errorType(pe.StatusCode), "%s", pe.Message)
			return
		}
		writeJSON(w, http.StatusOK, final)
	}
}

func handleAgentStream(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "server_error", "streaming not supported")
			return
		}
		req, ok := decodeAgentRequest(w, r, deps)
		if !ok {
			return
		}

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for ev := range deps.Agent.Process(r.Context(), req) {
			if err := writeSSE(w, ev); err != nil {
				// Client went away; leaving the loop stops the turn.
				slog.Debug("agent stream closed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev pipeline.Event) error {
	data, err := marshal(ev.Data())
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", ev.Type, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
