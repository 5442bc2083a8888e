package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(url string) *Client {
	return NewClient(Config{
		APIKey:     "test-key",
		BaseURL:    url,
		Model:      "qwen-plus",
		MaxRetries: 3,
		MinWait:    time.Millisecond,
		MaxWait:    5 * time.Millisecond,
	})
}

func TestChat_StringContent(t *testing.T) {
	var gotBody chatRequest
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		var raw map[string]any
		json.Unmarshal(body, &raw)
		gotBody.Model, _ = raw["model"].(string)
		if mt, ok := raw["max_tokens"].(float64); ok {
			gotBody.MaxTokens = int(mt)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"你好"}}]}`)
	}))
	defer srv.Close()

	c := testClient(srv.URL + "/")
	out, err := c.Chat(context.Background(), []Message{System("s"), User("hi")}, Options{Temperature: 0, MaxTokens: 128})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != "你好" {
		t.Errorf("content = %q", out)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody.Model != "qwen-plus" || gotBody.MaxTokens != 128 {
		t.Errorf("request body = %+v", gotBody)
	}
}

func TestChat_PartsContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":[{"type":"text","text":"a"},{"type":"image_url"},{"type":"text","text":"b"}]}}]}`)
	}))
	defer srv.Close()

	out, err := testClient(srv.URL).Chat(context.Background(), []Message{User("x")}, DefaultOptions)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != "ab" {
		t.Errorf("content = %q, want ab", out)
	}
}

func TestChat_NullContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":null}}]}`)
	}))
	defer srv.Close()

	if _, err := testClient(srv.URL).Chat(context.Background(), []Message{User("x")}, DefaultOptions); err == nil {
		t.Fatal("expected error for null content")
	}
}

func TestChat_RetryOnServerError(t *testing.T) {
	var attempt atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempt.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	out, err := testClient(srv.URL).Chat(context.Background(), []Message{User("x")}, DefaultOptions)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != "ok" || attempt.Load() != 3 {
		t.Errorf("out=%q attempts=%d", out, attempt.Load())
	}
}

func TestChat_RetriesExhausted(t *testing.T) {
	var attempt atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Chat(context.Background(), []Message{User("x")}, DefaultOptions)
	var se *statusError
	if !errors.As(err, &se) || se.status != http.StatusTooManyRequests {
		t.Fatalf("err = %v, want statusError 429", err)
	}
	if attempt.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempt.Load())
	}
}

func TestChat_NoRetryOnClientError(t *testing.T) {
	var attempt atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"bad key"}`)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Chat(context.Background(), []Message{User("x")}, DefaultOptions)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("err = %v, want 401", err)
	}
	if attempt.Load() != 1 {
		t.Errorf("attempts = %d, want 1", attempt.Load())
	}
}

func TestChat_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := testClient(srv.URL).Chat(ctx, []Message{User("x")}, DefaultOptions)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestChat_NotConfigured(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://localhost"})
	if c.Configured() {
		t.Fatal("Configured() = true without key")
	}
	if _, err := c.Chat(context.Background(), nil, DefaultOptions); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestBackoffCapped(t *testing.T) {
	c := NewClient(Config{APIKey: "k", BaseURL: "http://x", MinWait: time.Second, MaxWait: 3 * time.Second})
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	for i, w := range want {
		if got := c.backoff(i); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestMessageMarshal(t *testing.T) {
	b, err := json.Marshal(Message{Role: "user", Parts: []Part{TextPart("看图"), ImagePart("data:image/png;base64,AA==")}})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"role":"user","content":[{"type":"text","text":"看图"},{"type":"image_url","image_url":{"url":"data:image/png;base64,AA=="}}]}`
	if string(b) != want {
		t.Errorf("got %s\nwant %s", b, want)
	}
	b, _ = json.Marshal(User("hi"))
	if string(b) != `{"role":"user","content":"hi"}` {
		t.Errorf("plain message = %s", b)
	}
}

func TestImageDataURL(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "a.PNG")
	jpg := filepath.Join(dir, "b.webp")
	os.WriteFile(png, []byte{1, 2}, 0o644)
	os.WriteFile(jpg, []byte{1, 2}, 0o644)

	got, err := ImageDataURL(png)
	if err != nil || !strings.HasPrefix(got, "data:image/png;base64,") {
		t.Errorf("png = %q, %v", got, err)
	}
	got, _ = ImageDataURL(jpg)
	if !strings.HasPrefix(got, "data:image/jpeg;base64,") {
		t.Errorf("webp = %q, want jpeg mime", got)
	}
	if _, err := ImageDataURL(filepath.Join(dir, "missing.png")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Intent string `json:"intent"`
	}
	for _, raw := range []string{`{"intent":"KB_QUERY"}`, "```json\n{\"intent\":\"KB_QUERY\"}\n```", "  ```\n{\"intent\":\"KB_QUERY\"}```  "} {
		v.Intent = ""
		if err := DecodeJSON(raw, &v); err != nil || v.Intent != "KB_QUERY" {
			t.Errorf("DecodeJSON(%q) = %q, %v", raw, v.Intent, err)
		}
	}
	if err := DecodeJSON("not json", &v); err == nil {
		t.Error("expected error")
	}
}
