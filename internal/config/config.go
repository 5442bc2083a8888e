package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	KB        KBConfig
	LLM       LLMConfig
	ImageGen  ImageGenConfig
	Session   SessionConfig
	Redis     RedisConfig
	Telemetry TelemetryConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host        string
	Port        int
	MaxConns    int
	APIKey      string
	CORSOrigins string
}

type StorageConfig struct {
	DBPath       string
	UploadDir    string
	UploadTTL    time.Duration
	HistoryLimit int
}

type KBConfig struct {
	SkillDir             string
	Python               string
	ImagesDir            string
	QueryLLMEnabled      bool
	MaxSubQueries        int
	MaxMergedChars       int
	RetrievalConcurrency int
}

type LLMConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	Timeout      time.Duration
	MaxRetries   int
	RetryMinWait time.Duration
	RetryMaxWait time.Duration
}

type ImageGenConfig struct {
	Enabled bool
	URL     string
	Model   string
}

type SessionConfig struct {
	Backend       string
	TTL           time.Duration
	SweepInterval time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type TelemetryConfig struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// KBScriptPath is the retrieval entry point inside the skill directory.
func (c KBConfig) KBScriptPath() string {
	return filepath.Join(c.SkillDir, "scripts", "run_all_sources.py")
}

// LLMConfigured reports whether an API key is available for chat completions.
func (c Config) LLMConfigured() bool {
	return strings.TrimSpace(c.LLM.APIKey) != ""
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        8000,
			MaxConns:    64,
			CORSOrigins: "http://localhost:5173,http://127.0.0.1:5173",
		},
		Storage: StorageConfig{
			DBPath:       filepath.Join("data", "rs_agent.db"),
			UploadDir:    filepath.Join("data", "uploads"),
			UploadTTL:    time.Hour,
			HistoryLimit: 10,
		},
		KB: KBConfig{
			SkillDir:             defaultSkillDir(),
			Python:               "python3",
			ImagesDir:            "rs_agent_kb_images",
			QueryLLMEnabled:      true,
			MaxSubQueries:        4,
			MaxMergedChars:       12000,
			RetrievalConcurrency: 1,
		},
		LLM: LLMConfig{
			BaseURL:      "https://dashscope.aliyuncs.com/compatible-mode/v1",
			Model:        "qwen-plus",
			Timeout:      60 * time.Second,
			MaxRetries:   3,
			RetryMinWait: time.Second,
			RetryMaxWait: 10 * time.Second,
		},
		ImageGen: ImageGenConfig{
			Enabled: true,
			URL:     "https://dashscope.aliyuncs.com/api/v1/services/aigc/multimodal-generation/generation",
			Model:   "wan2.6-t2i",
		},
		Session: SessionConfig{
			Backend:       "memory",
			TTL:           2 * time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "rsagent:session:",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4318",
			ServiceName: "rsagent",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

func defaultSkillDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".cursor", "skills", "trading-knowledge-base")
	}
	return filepath.Join(home, ".cursor", "skills", "trading-knowledge-base")
}

// Load reads configuration in layers: defaults, the JSON file backend at
// $XDG_CONFIG_HOME/rsagent/config.json, a .env file in the working directory
// and finally environment variables. Secrets are never read from the file
// backend; an LLM key missing from the environment falls back to the
// secrets file under $XDG_DATA_HOME/rsagent.
//
// A missing LLM key is not an error: every LLM-backed step has a rule-based
// fallback.
func Load() (Config, error) {
	loadDotEnv(".env")
	return loadWith(newPlatformBackend(), secretsReader{})
}

// keychain abstracts secret storage for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.LLM.APIKey == "" {
		if key, err := kc.Get("rsagent", "llm_api_key"); err == nil && key != "" {
			cfg.LLM.APIKey = key
		}
	}

	cfg.KB.SkillDir = expandHome(cfg.KB.SkillDir)
	return cfg, nil
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
