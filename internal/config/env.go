package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables overriding the file.
const (
	EnvStreamURL    = "RADIOTAP_STREAM_URL"
	EnvGeminiAPIKey = "RADIOTAP_GEMINI_API_KEY"
	EnvWebPassword  = "RADIOTAP_WEB_PASSWORD_HASH"
	EnvWebPort      = "RADIOTAP_WEB_PORT"
	EnvLogLevel     = "RADIOTAP_LOG_LEVEL"
)

// LoadDotEnv reads .env style files into the process environment. Missing
// files are skipped; variables already set win over the file.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.StreamURL = getEnv(EnvStreamURL, cfg.StreamURL)
	cfg.Gemini.APIKey = getEnv(EnvGeminiAPIKey, cfg.Gemini.APIKey)
	cfg.Web.PasswordHash = getEnv(EnvWebPassword, cfg.Web.PasswordHash)
	cfg.Web.Port = getEnvInt(EnvWebPort, cfg.Web.Port)
	cfg.Log.Level = getEnv(EnvLogLevel, cfg.Log.Level)
}

// getEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func getEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// getEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func getEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}
