package config

import "github.com/joho/godotenv"

// ConfigBackend abstracts persistent config storage. The only implementation
// is the JSON file backend; tests swap in a map.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

// loadDotEnv populates the process environment from .env files. Variables
// already set win, and missing files are ignored.
func loadDotEnv(paths ...string) {
	for _, p := range paths {
		_ = godotenv.Load(p)
	}
}
