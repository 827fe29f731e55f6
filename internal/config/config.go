package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/christian-lee/radiotap/internal/download"
	"github.com/christian-lee/radiotap/internal/fingerprint"
)

type Config struct {
	StreamURL   string            `yaml:"stream_url"`   // auto-started on boot when set
	TriggerPath string            `yaml:"trigger_path"` // trigger fingerprint audio
	ScratchDir  string            `yaml:"scratch_dir"`  // snapshot files, default os temp dir
	Download    DownloadConfig    `yaml:"download"`
	Fingerprint FingerprintConfig `yaml:"fingerprint"`
	Matcher     MatcherConfig     `yaml:"matcher"`
	Gemini      GeminiConfig      `yaml:"gemini"`
	History     HistoryConfig     `yaml:"history"`
	Web         WebConfig         `yaml:"web"`
	Log         LogConfig         `yaml:"log"`
	Restart     RestartConfig     `yaml:"restart"`
}

type DownloadConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"` // header wait and idle gap
	ReadSize       int           `yaml:"read_size"`
	UserAgent      string        `yaml:"user_agent"`
}

type FingerprintConfig struct {
	Threshold    int           `yaml:"threshold"`  // 0-100
	BufferCap    int           `yaml:"buffer_cap"` // bytes
	Interval     time.Duration `yaml:"interval"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Cooldown     time.Duration `yaml:"cooldown"`
	Suppression  time.Duration `yaml:"suppression"`
}

type MatcherConfig struct {
	Kind     string        `yaml:"kind"` // "http" or "gemini"
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

type GeminiConfig struct {
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	FallbackModel string `yaml:"fallback_model"`
}

type HistoryConfig struct {
	DBPath string `yaml:"db_path"`
	LogDir string `yaml:"log_dir"` // per-session CSV match logs
}

type WebConfig struct {
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RestartConfig struct {
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Default returns the configuration used for keys missing from the file.
func Default() *Config {
	return &Config{
		TriggerPath: "trigger_sound.mp3",
		Download: DownloadConfig{
			RequestTimeout: 60 * time.Second,
			ReadSize:       16 * 1024,
			UserAgent:      "radiotap/1.0",
		},
		Fingerprint: FingerprintConfig{
			Threshold:    10,
			BufferCap:    400_000,
			Interval:     2 * time.Second,
			InitialDelay: 2 * time.Second,
			Cooldown:     10 * time.Second,
			Suppression:  15 * time.Second,
		},
		Matcher: MatcherConfig{
			Kind:    "http",
			Timeout: 30 * time.Second,
		},
		Gemini: GeminiConfig{
			Model:         "gemini-2.5-flash",
			FallbackModel: "gemini-2.0-flash",
		},
		History: HistoryConfig{
			DBPath: "radiotap.db",
			LogDir: "matches",
		},
		Web: WebConfig{Port: 8899},
		Log: LogConfig{Level: "info", Format: "text"},
		Restart: RestartConfig{
			Backoff:    2 * time.Second,
			MaxBackoff: 30 * time.Second,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	f := c.Fingerprint
	if f.Threshold < 0 || f.Threshold > 100 {
		errs = append(errs, fmt.Errorf("fingerprint.threshold %d outside 0-100", f.Threshold))
	}
	if f.BufferCap <= 0 {
		errs = append(errs, fmt.Errorf("fingerprint.buffer_cap must be positive"))
	}
	if f.Interval <= 0 {
		errs = append(errs, fmt.Errorf("fingerprint.interval must be positive"))
	}
	if f.InitialDelay < 0 {
		errs = append(errs, fmt.Errorf("fingerprint.initial_delay must not be negative"))
	}
	if f.Cooldown < 0 || f.Suppression < f.Cooldown {
		errs = append(errs, fmt.Errorf("fingerprint.suppression (%s) must be >= cooldown (%s) >= 0", f.Suppression, f.Cooldown))
	}
	if c.Download.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("download.request_timeout must be positive"))
	}
	if c.Download.ReadSize <= 0 {
		errs = append(errs, fmt.Errorf("download.read_size must be positive"))
	}
	switch c.Matcher.Kind {
	case "http":
		if c.Matcher.Endpoint == "" {
			errs = append(errs, fmt.Errorf("matcher.endpoint is required for the http matcher"))
		}
	case "gemini":
		if c.Gemini.APIKey == "" {
			errs = append(errs, fmt.Errorf("gemini.api_key is required for the gemini matcher"))
		}
	default:
		errs = append(errs, fmt.Errorf("matcher.kind %q unknown (http, gemini)", c.Matcher.Kind))
	}
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		errs = append(errs, fmt.Errorf("web.port %d out of range", c.Web.Port))
	}
	if (c.Web.Username == "") != (c.Web.PasswordHash == "") {
		errs = append(errs, fmt.Errorf("web.username and web.password_hash must be set together"))
	}
	if c.Restart.Backoff <= 0 || c.Restart.MaxBackoff < c.Restart.Backoff {
		errs = append(errs, fmt.Errorf("restart.max_backoff must be >= restart.backoff > 0"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Policy returns the cooldown policy.
func (c *Config) Policy() fingerprint.CooldownPolicy {
	return fingerprint.CooldownPolicy{
		Cooldown:    c.Fingerprint.Cooldown,
		Suppression: c.Fingerprint.Suppression,
	}
}

// SchedulerConfig returns the fingerprint scheduler tuning.
func (c *Config) SchedulerConfig() fingerprint.Config {
	cfg := fingerprint.DefaultConfig()
	cfg.Threshold = c.Fingerprint.Threshold
	cfg.BufferCap = c.Fingerprint.BufferCap
	cfg.Interval = c.Fingerprint.Interval
	cfg.InitialDelay = c.Fingerprint.InitialDelay
	cfg.ScratchDir = c.ScratchDir
	cfg.Policy = c.Policy()
	return cfg
}

// DownloadOptions returns the stream download settings.
func (c *Config) DownloadOptions() download.Options {
	return download.Options{
		RequestTimeout: c.Download.RequestTimeout,
		ReadSize:       c.Download.ReadSize,
		UserAgent:      c.Download.UserAgent,
	}
}
