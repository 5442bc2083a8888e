package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	altEnv  []string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "RS_AGENT_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "RS_AGENT_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "RS_AGENT_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "server.api_key", typ: kString, env: "RS_AGENT_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIKey },
	},
	{
		key: "server.cors_origins", typ: kString, env: "RS_AGENT_CORS_ORIGINS",
		apply:   func(cfg *Config, v any) { cfg.Server.CORSOrigins = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.CORSOrigins },
	},
	{
		key: "storage.db_path", typ: kString, env: "RS_AGENT_DB_PATH",
		apply:   func(cfg *Config, v any) { cfg.Storage.DBPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DBPath },
	},
	{
		key: "storage.upload_dir", typ: kString, env: "RS_AGENT_UPLOAD_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.UploadDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.UploadDir },
	},
	{
		key: "storage.upload_ttl", typ: kDuration, env: "RS_AGENT_UPLOAD_TTL",
		apply:   func(cfg *Config, v any) { cfg.Storage.UploadTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Storage.UploadTTL },
	},
	{
		key: "storage.history_limit", typ: kInt, env: "RS_AGENT_HISTORY_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Storage.HistoryLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Storage.HistoryLimit },
	},
	{
		key: "kb.skill_dir", typ: kString, env: "TRADING_KB_SKILL_DIR",
		apply:   func(cfg *Config, v any) { cfg.KB.SkillDir = v.(string) },
		extract: func(cfg Config) any { return cfg.KB.SkillDir },
	},
	{
		key: "kb.python", typ: kString, env: "RS_AGENT_KB_PYTHON",
		apply:   func(cfg *Config, v any) { cfg.KB.Python = v.(string) },
		extract: func(cfg Config) any { return cfg.KB.Python },
	},
	{
		key: "kb.images_dir", typ: kString, env: "RS_AGENT_IMAGES_DIR",
		apply:   func(cfg *Config, v any) { cfg.KB.ImagesDir = v.(string) },
		extract: func(cfg Config) any { return cfg.KB.ImagesDir },
	},
	{
		key: "kb.query_llm_enabled", typ: kBool, env: "RS_AGENT_KB_QUERY_LLM_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.KB.QueryLLMEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.KB.QueryLLMEnabled },
	},
	{
		key: "kb.max_subqueries", typ: kInt, env: "RS_AGENT_KB_QUERY_MAX_SUBQUERIES",
		apply:   func(cfg *Config, v any) { cfg.KB.MaxSubQueries = v.(int) },
		extract: func(cfg Config) any { return cfg.KB.MaxSubQueries },
	},
	{
		key: "kb.max_merged_chars", typ: kInt, env: "RS_AGENT_KB_QUERY_MAX_MERGED_CHARS",
		apply:   func(cfg *Config, v any) { cfg.KB.MaxMergedChars = v.(int) },
		extract: func(cfg Config) any { return cfg.KB.MaxMergedChars },
	},
	{
		key: "kb.retrieval_concurrency", typ: kInt, env: "RS_AGENT_KB_RETRIEVAL_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.KB.RetrievalConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.KB.RetrievalConcurrency },
	},
	{
		key: "llm.api_key", typ: kString, env: "LLM_API_KEY",
		altEnv:  []string{"DASHSCOPE_API_KEY", "OPENAI_API_KEY"},
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.base_url", typ: kString, env: "RS_AGENT_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.model", typ: kString, env: "RS_AGENT_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.timeout", typ: kDuration, env: "RS_AGENT_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "llm.max_retries", typ: kInt, env: "RS_AGENT_LLM_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxRetries },
	},
	{
		key: "llm.retry_min_wait", typ: kDuration, env: "RS_AGENT_LLM_RETRY_MIN_WAIT",
		apply:   func(cfg *Config, v any) { cfg.LLM.RetryMinWait = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.RetryMinWait },
	},
	{
		key: "llm.retry_max_wait", typ: kDuration, env: "RS_AGENT_LLM_RETRY_MAX_WAIT",
		apply:   func(cfg *Config, v any) { cfg.LLM.RetryMaxWait = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.RetryMaxWait },
	},
	{
		key: "image_gen.enabled", typ: kBool, env: "RS_AGENT_IMAGE_GEN_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.ImageGen.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.ImageGen.Enabled },
	},
	{
		key: "image_gen.url", typ: kString, env: "RS_AGENT_IMAGE_GEN_URL",
		apply:   func(cfg *Config, v any) { cfg.ImageGen.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.ImageGen.URL },
	},
	{
		key: "image_gen.model", typ: kString, env: "RS_AGENT_IMAGE_GEN_MODEL",
		apply:   func(cfg *Config, v any) { cfg.ImageGen.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.ImageGen.Model },
	},
	{
		key: "session.backend", typ: kString, env: "RS_AGENT_SESSION_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Session.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.Backend },
	},
	{
		key: "session.ttl", typ: kDuration, env: "RS_AGENT_SESSION_TTL",
		apply:   func(cfg *Config, v any) { cfg.Session.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Session.TTL },
	},
	{
		key: "session.sweep_interval", typ: kDuration, env: "RS_AGENT_SESSION_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Session.SweepInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Session.SweepInterval },
	},
	{
		key: "redis.addr", typ: kString, env: "RS_AGENT_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Redis.Addr = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Addr },
	},
	{
		key: "redis.password", typ: kString, env: "RS_AGENT_REDIS_PASSWORD",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Redis.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Password },
	},
	{
		key: "redis.db", typ: kInt, env: "RS_AGENT_REDIS_DB",
		apply:   func(cfg *Config, v any) { cfg.Redis.DB = v.(int) },
		extract: func(cfg Config) any { return cfg.Redis.DB },
	},
	{
		key: "redis.prefix", typ: kString, env: "RS_AGENT_REDIS_PREFIX",
		apply:   func(cfg *Config, v any) { cfg.Redis.Prefix = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Prefix },
	},
	{
		key: "telemetry.enabled", typ: kBool, env: "RS_AGENT_OTEL_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Telemetry.Enabled },
	},
	{
		key: "telemetry.endpoint", typ: kString, env: "RS_AGENT_OTEL_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.Endpoint },
	},
	{
		key: "telemetry.service_name", typ: kString, env: "RS_AGENT_OTEL_SERVICE_NAME",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.ServiceName = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.ServiceName },
	},
	{
		key: "log.level", typ: kString, env: "RS_AGENT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.file", typ: kString, env: "RS_AGENT_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
	{
		key: "log.max_size_mb", typ: kInt, env: "RS_AGENT_LOG_MAX_SIZE_MB",
		apply:   func(cfg *Config, v any) { cfg.Log.MaxSizeMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Log.MaxSizeMB },
	},
	{
		key: "log.max_backups", typ: kInt, env: "RS_AGENT_LOG_MAX_BACKUPS",
		apply:   func(cfg *Config, v any) { cfg.Log.MaxBackups = v.(int) },
		extract: func(cfg Config) any { return cfg.Log.MaxBackups },
	},
	{
		key: "log.max_age_days", typ: kInt, env: "RS_AGENT_LOG_MAX_AGE_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Log.MaxAgeDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Log.MaxAgeDays },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func lookupEnv(s keySpec) (string, string) {
	for _, name := range append([]string{s.env}, s.altEnv...) {
		if v := os.Getenv(name); v != "" {
			return name, v
		}
	}
	return "", ""
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		name, raw := lookupEnv(s)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", name, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", name, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", name, raw, err)
			}
		}
	}
}
