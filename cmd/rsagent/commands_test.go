package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/rsagent/internal/config"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			if strings.HasPrefix(resp, "event:") {
				w.Header().Set("Content-Type", "text/event-stream")
			} else {
				w.Header().Set("Content-Type", "application/json")
			}
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found_error"},"detail":"not found"}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useServer points CLI commands at ts for the duration of the test.
func useServer(t *testing.T, ts *testServer) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		resetFlags()
	})
	err := rootCmd.Execute()
	return out.String(), err
}

// resetFlags restores flag defaults; cobra keeps parsed values between runs.
func resetFlags() {
	rootCmd.PersistentFlags().Set("no-color", "false")
	noColor = false
	askCmd.Flags().Set("session", "")
	askCmd.Flags().Set("stream", "false")
	conversationsListCmd.Flags().Set("limit", "20")
	conversationsListCmd.Flags().Set("offset", "0")
}

var ctx = context.Background()

func TestAskCommand_NewSession(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/agent": `{"sessionId":"s-123","intent":"ORCH_FLOW","payloadType":"OPEN_QUESTIONS","content":{"questions":["哪个页面？","涉及哪些字段？"]}}`,
	})
	useServer(t, ts)

	out, err := execute(t, "--no-color", "ask", "首页去掉明细")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatal(err)
	}
	if body["text"] != "首页去掉明细" {
		t.Errorf("body.text = %v", body["text"])
	}
	if _, ok := body["sessionId"]; ok {
		t.Error("new conversation should not send sessionId")
	}

	for _, want := range []string{"[ORCH_FLOW · OPEN_QUESTIONS]", "1. 哪个页面？", "2. 涉及哪些字段？", "session: s-123"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestAskCommand_ContinueSession(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/agent": `{"sessionId":"s-123","intent":"ORCH_FLOW","payloadType":"DRAFT","content":{"markdown":"# 需求草稿","prompt_to_user":"请回复「确认」"}}`,
	})
	useServer(t, ts)

	out, err := execute(t, "--no-color", "ask", "--session", "s-123", "页面是首页")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(ts.requests[0].Body, `"sessionId":"s-123"`) {
		t.Errorf("body = %s", ts.requests[0].Body)
	}
	if !strings.Contains(out, "# 需求草稿") || !strings.Contains(out, "请回复「确认」") {
		t.Errorf("output = %s", out)
	}
}

func TestAskCommand_KBAnswerHasNoSession(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/agent": `{"sessionId":null,"intent":"KB_QUERY","payloadType":"KB_ANSWER","content":{"markdown":"毛利 = 收入 - 成本","images":["/api/kb-images/a.png"]}}`,
	})
	useServer(t, ts)

	out, err := execute(t, "--no-color", "ask", "毛利怎么算")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(out, "session:") {
		t.Errorf("KB answer printed a session: %s", out)
	}
	if !strings.Contains(out, "/api/kb-images/a.png") {
		t.Errorf("output = %s", out)
	}
}

func TestAskCommand_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"message":"session 不存在或已过期","type":"not_found_error"},"detail":"session 不存在或已过期"}`))
	}))
	defer ts.Close()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) {
		return &apiClient{baseURL: ts.URL, httpClient: ts.Client()}, nil
	}
	defer func() { newAPIClient = old }()

	_, err := execute(t, "ask", "--session", "gone", "确认")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "session 不存在或已过期") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestAskCommand_Stream(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/agent/stream": "event: trace\ndata: {\"ts\":\"t\",\"phase\":\"INTENT\",\"title\":\"intent.Route · 完成\",\"detail\":\"\",\"level\":\"info\"}\n\n" +
			"event: final\ndata: {\"sessionId\":null,\"intent\":\"KB_QUERY\",\"payloadType\":\"KB_ANSWER\",\"content\":{\"markdown\":\"答案\"}}\n\n",
	})
	useServer(t, ts)

	out, err := execute(t, "--no-color", "ask", "--stream", "问题")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.requests[0].Path != "/api/agent/stream" {
		t.Errorf("path = %s", ts.requests[0].Path)
	}
	if !strings.Contains(out, "答案") {
		t.Errorf("output = %s", out)
	}
}

func TestAskCommand_StreamError(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/agent/stream": "event: error\ndata: {\"message\":\"内部错误，请稍后重试\",\"status_code\":500}\n\n",
	})
	useServer(t, ts)

	_, err := execute(t, "ask", "--stream", "问题")
	if err == nil || !strings.Contains(err.Error(), "内部错误") {
		t.Errorf("error = %v", err)
	}
}

func TestAskCommand_MissingText(t *testing.T) {
	_, err := execute(t, "ask")
	if err == nil {
		t.Fatal("expected error for missing text")
	}
}

func TestClientStream_ParsesFrames(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/agent/stream": "event: trace\ndata: {\"a\":1}\n\nevent: final\ndata: {\"b\":2}\n\n",
	})

	var got []sseEvent
	err := ts.client().stream(ctx, "/api/agent/stream", map[string]string{"text": "x"}, func(ev sseEvent) error {
		got = append(got, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].Event != "trace" || got[1].Data != `{"b":2}` {
		t.Errorf("events = %+v", got)
	}
}

func TestClientUpload(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/upload": `{"imageIds":["img-1"]}`,
	})
	path := filepath.Join(t.TempDir(), "shot.png")
	if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}

	ids, err := ts.client().upload(ctx, []string{path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "img-1" {
		t.Errorf("ids = %v", ids)
	}
	req := ts.requests[0]
	if !strings.HasPrefix(req.ContentType, "multipart/form-data") {
		t.Errorf("content type = %q", req.ContentType)
	}
	if !strings.Contains(req.Body, `name="files"; filename="shot.png"`) || !strings.Contains(req.Body, "Content-Type: image/png") {
		t.Errorf("body = %q", req.Body)
	}
}

func TestConversationsList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/conversations": `[{"id":"0123456789abcdef","intent":"KB_QUERY","status":"done","created_at":"2025-01-01T00:00:00Z","first_user_text":"毛利怎么算"}]`,
	})
	useServer(t, ts)

	out, err := execute(t, "--no-color", "conversations", "list", "--limit", "5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.requests[0].Path != "/api/conversations?limit=5&offset=0" {
		t.Errorf("path = %s", ts.requests[0].Path)
	}
	if !strings.Contains(out, "01234567") || strings.Contains(out, "0123456789abcdef") {
		t.Errorf("id not shortened: %s", out)
	}
	if !strings.Contains(out, "毛利怎么算") || !strings.Contains(out, "ago") {
		t.Errorf("output = %s", out)
	}
}

func TestConversationsList_Empty(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/conversations": `[]`,
	})
	useServer(t, ts)

	out, err := execute(t, "conversations", "list")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "No conversations found.") {
		t.Errorf("output = %s", out)
	}
}

func TestConversationsShow(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/conversations/c1": `{"id":"c1","messages":[{"role":"user","payload_type":"USER_QUERY","content":"<b>"}]}`,
	})
	useServer(t, ts)

	out, err := execute(t, "conversations", "show", "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, `"content": "<b>"`) {
		t.Errorf("output = %s", out)
	}
}

func TestStatusCommand_Running(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status code = %d, want 200", resp.StatusCode)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = "my-secret-token"
	if _, err := client.get(ctx, "/health"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	client.token = ""
	if _, err := client.get(ctx, "/health"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(ts.requests))
	}
	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", ts.requests[0].Auth)
	}
	if ts.requests[1].Auth != "" {
		t.Errorf("auth without token = %q", ts.requests[1].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"error":{"message":"未授权","type":"authentication_error"},"detail":"未授权"}`, "401: 未授权"},
		{`plain failure`, "401: plain failure"},
	}
	for _, tt := range tests {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(401)
			w.Write([]byte(tt.body))
		}))

		client := &apiClient{baseURL: ts.URL, token: "bad-token", httpClient: ts.Client()}
		resp, err := client.get(ctx, "/api/version")
		if err != nil {
			t.Fatalf("unexpected transport error: %v", err)
		}

		var result any
		err = decodeJSON(resp, &result)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("error = %v, want it to contain %q", err, tt.want)
		}
		ts.Close()
	}
}

func TestServerURL(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"127.0.0.1", "http://127.0.0.1:8000"},
		{"0.0.0.0", "http://127.0.0.1:8000"},
		{"", "http://127.0.0.1:8000"},
		{"::1", "http://[::1]:8000"},
	}
	for _, tt := range tests {
		cfg := config.Config{}
		cfg.Server.Host = tt.host
		cfg.Server.Port = 8000
		if got := serverURL(cfg); got != tt.want {
			t.Errorf("serverURL(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4000
	cfg.LLM.APIKey = "sk-secret"

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4000" {
			found = true
		}
		if k.Value == "sk-secret" {
			t.Errorf("%s shows an unmasked secret", k.Key)
		}
	}
	if !found {
		t.Error("expected to find server.port=4000 in ShowAll output")
	}
}

func TestCountLabel(t *testing.T) {
	tests := []struct {
		count, limit int
		want         string
	}{
		{0, 100, "0"},
		{42, 100, "42"},
		{100, 100, "100+"},
	}
	for _, tt := range tests {
		if got := countLabel(tt.count, tt.limit); got != tt.want {
			t.Errorf("countLabel(%d, %d) = %q, want %q", tt.count, tt.limit, got, tt.want)
		}
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "rsagent.pid")
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("PID file still present")
	}
}

func TestLLMLabel(t *testing.T) {
	if got := llmLabel(false, "m", "u"); !strings.Contains(got, "not configured") {
		t.Errorf("llmLabel = %q", got)
	}
	if got := llmLabel(true, "qwen-plus", "https://x"); got != fmt.Sprintf("%s via %s", "qwen-plus", "https://x") {
		t.Errorf("llmLabel = %q", got)
	}
}
