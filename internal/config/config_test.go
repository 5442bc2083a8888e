package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockKeychain is a test double for the keychain interface.
type mockKeychain struct {
	value string
	err   error
}

func (m mockKeychain) Get(service, account string) (string, error) {
	return m.value, m.err
}

// mapBackend is an in-memory ConfigBackend.
type mapBackend struct {
	strings map[string]string
	ints    map[string]int
}

func newMapBackend() *mapBackend {
	return &mapBackend{strings: map[string]string{}, ints: map[string]int{}}
}

func (m *mapBackend) GetString(key string) (string, bool, error) {
	v, ok := m.strings[key]
	return v, ok, nil
}

func (m *mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.ints[key]
	return v, ok, nil
}

func (m *mapBackend) SetString(key, val string) error { m.strings[key] = val; return nil }
func (m *mapBackend) SetInt(key string, val int) error  { m.ints[key] = val; return nil }
func (m *mapBackend) Delete(key string) error {
	delete(m.strings, key)
	delete(m.ints, key)
	return nil
}

func clearLLMEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"LLM_API_KEY", "DASHSCOPE_API_KEY", "OPENAI_API_KEY", "RS_AGENT_LLM_MODEL", "RS_AGENT_PORT"} {
		t.Setenv(k, "")
	}
}

var noSecrets = mockKeychain{err: errors.New("no secrets")}

func TestDefaults(t *testing.T) {
	clearLLMEnv(t)

	cfg, err := loadWith(newMapBackend(), noSecrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.LLM.Model != "qwen-plus" {
		t.Errorf("LLM.Model = %q, want qwen-plus", cfg.LLM.Model)
	}
	if cfg.LLM.BaseURL != "https://dashscope.aliyuncs.com/compatible-mode/v1" {
		t.Errorf("LLM.BaseURL = %q", cfg.LLM.BaseURL)
	}
	if cfg.KB.MaxSubQueries != 4 || cfg.KB.MaxMergedChars != 12000 || !cfg.KB.QueryLLMEnabled {
		t.Errorf("KB defaults = %+v", cfg.KB)
	}
	if cfg.ImageGen.Model != "wan2.6-t2i" || !cfg.ImageGen.Enabled {
		t.Errorf("ImageGen defaults = %+v", cfg.ImageGen)
	}
	if cfg.Storage.UploadTTL != time.Hour {
		t.Errorf("Storage.UploadTTL = %v, want 1h", cfg.Storage.UploadTTL)
	}
	if cfg.Session.Backend != "memory" {
		t.Errorf("Session.Backend = %q, want memory", cfg.Session.Backend)
	}
	if cfg.LLMConfigured() {
		t.Error("LLMConfigured() = true with no key")
	}
	if !strings.HasSuffix(cfg.KB.KBScriptPath(), filepath.Join("scripts", "run_all_sources.py")) {
		t.Errorf("KBScriptPath() = %q", cfg.KB.KBScriptPath())
	}
}

func TestBackendValues(t *testing.T) {
	clearLLMEnv(t)

	b := newMapBackend()
	b.ints["server.port"] = 9000
	b.strings["llm.model"] = "qwen-max"
	b.strings["kb.query_llm_enabled"] = "false"
	b.strings["session.ttl"] = "30m"
	// secrets in the file backend are ignored
	b.strings["llm.api_key"] = "file-key"

	cfg, err := loadWith(b, noSecrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.LLM.Model != "qwen-max" {
		t.Errorf("LLM.Model = %q", cfg.LLM.Model)
	}
	if cfg.KB.QueryLLMEnabled {
		t.Error("KB.QueryLLMEnabled = true, want false")
	}
	if cfg.Session.TTL != 30*time.Minute {
		t.Errorf("Session.TTL = %v", cfg.Session.TTL)
	}
	if cfg.LLM.APIKey != "" {
		t.Errorf("LLM.APIKey = %q, secrets must not come from the backend", cfg.LLM.APIKey)
	}
}

func TestEnvOverride(t *testing.T) {
	clearLLMEnv(t)
	b := newMapBackend()
	b.strings["llm.model"] = "file-model"

	t.Setenv("RS_AGENT_LLM_MODEL", "env-model")
	t.Setenv("RS_AGENT_PORT", "not-a-number")

	cfg, err := loadWith(b, noSecrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.Model != "env-model" {
		t.Errorf("LLM.Model = %q, want env-model", cfg.LLM.Model)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, invalid env should keep default", cfg.Server.Port)
	}
}

func TestAPIKeyEnvPrecedence(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"llm key wins", map[string]string{"LLM_API_KEY": "a", "DASHSCOPE_API_KEY": "b", "OPENAI_API_KEY": "c"}, "a"},
		{"dashscope next", map[string]string{"DASHSCOPE_API_KEY": "b", "OPENAI_API_KEY": "c"}, "b"},
		{"openai last", map[string]string{"OPENAI_API_KEY": "c"}, "c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearLLMEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := loadWith(newMapBackend(), noSecrets)
			if err != nil {
				t.Fatal(err)
			}
			if cfg.LLM.APIKey != tt.want {
				t.Errorf("LLM.APIKey = %q, want %q", cfg.LLM.APIKey, tt.want)
			}
		})
	}
}

func TestSecretsFallback(t *testing.T) {
	clearLLMEnv(t)

	cfg, err := loadWith(newMapBackend(), mockKeychain{value: "stored-secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.APIKey != "stored-secret" {
		t.Errorf("LLM.APIKey = %q, want stored-secret", cfg.LLM.APIKey)
	}
	if !cfg.LLMConfigured() {
		t.Error("LLMConfigured() = false")
	}
}

func TestSecretsReaderFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "secrets.json")
	if err := os.WriteFile(p, []byte(`{"rsagent":{"llm_api_key":" sk-1 "}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	v, err := secretsReader{path: p}.Get("rsagent", "llm_api_key")
	if err != nil {
		t.Fatal(err)
	}
	if v != "sk-1" {
		t.Errorf("Get = %q, want sk-1", v)
	}
	if _, err := (secretsReader{path: p}).Get("rsagent", "other"); err == nil {
		t.Error("expected error for missing account")
	}
}

func TestDotEnvDoesNotOverrideEnv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	content := "RS_AGENT_LLM_MODEL=dotenv-model\nRS_AGENT_TEST_ONLY=from-dotenv\n"
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RS_AGENT_LLM_MODEL", "env-model")
	t.Setenv("RS_AGENT_TEST_ONLY", "")
	os.Unsetenv("RS_AGENT_TEST_ONLY")

	loadDotEnv(p, filepath.Join(dir, "missing.env"))

	if got := os.Getenv("RS_AGENT_LLM_MODEL"); got != "env-model" {
		t.Errorf("RS_AGENT_LLM_MODEL = %q, want env-model", got)
	}
	if got := os.Getenv("RS_AGENT_TEST_ONLY"); got != "from-dotenv" {
		t.Errorf("RS_AGENT_TEST_ONLY = %q, want from-dotenv", got)
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "rsagent", "config.json")
	b := newFileBackend(p)
	if err := setKey(b, "server.port", "8123"); err != nil {
		t.Fatal(err)
	}
	if err := setKey(b, "llm.timeout", "45s"); err != nil {
		t.Fatal(err)
	}

	reloaded := newFileBackend(p)
	clearLLMEnv(t)
	cfg, err := loadWith(reloaded, noSecrets)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8123 {
		t.Errorf("Server.Port = %d, want 8123", cfg.Server.Port)
	}
	if cfg.LLM.Timeout != 45*time.Second {
		t.Errorf("LLM.Timeout = %v, want 45s", cfg.LLM.Timeout)
	}
}

func TestSetKeyValidation(t *testing.T) {
	b := newMapBackend()
	tests := []struct {
		key, value string
		wantErr    bool
	}{
		{"server.port", "abc", true},
		{"kb.query_llm_enabled", "maybe", true},
		{"session.ttl", "soon", true},
		{"llm.api_key", "sk", true},
		{"no.such.key", "x", true},
		{"llm.model", "qwen-turbo", false},
	}
	for _, tt := range tests {
		err := setKey(b, tt.key, tt.value)
		if (err != nil) != tt.wantErr {
			t.Errorf("setKey(%q, %q) error = %v, wantErr %v", tt.key, tt.value, err, tt.wantErr)
		}
	}
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.LLM.APIKey = "sk-secret"
	for _, info := range ShowAll(cfg) {
		if info.Key == "llm.api_key" && info.Value != "********" {
			t.Errorf("llm.api_key shown as %q", info.Value)
		}
		if info.Key == "server.api_key" && info.Value != "(not set)" {
			t.Errorf("server.api_key shown as %q", info.Value)
		}
	}
	for _, k := range ValidKeys() {
		if k == "llm.api_key" {
			t.Error("ValidKeys includes a secret")
		}
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := expandHome("~/skills"); got != filepath.Join(home, "skills") {
		t.Errorf("expandHome = %q", got)
	}
	if got := expandHome("/abs"); got != "/abs" {
		t.Errorf("expandHome(/abs) = %q", got)
	}
}
