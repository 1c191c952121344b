package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultCommand       = "gcloud"
	defaultSDKBinDir     = "~/gcloud/google-cloud-sdk/bin"
	defaultReader        = "queue"
	defaultTickInterval  = 100 * time.Millisecond
	defaultReadTimeout   = 500 * time.Millisecond
	defaultDrainTimeout  = 2 * time.Second
	defaultJoinTimeout   = 5 * time.Second
	defaultMaxReadErrors = 5
	defaultLogLevel      = "info"
	defaultLogMaxFiles   = 10
	defaultURLPattern    = `https://accounts\.google\.com[^\s]+`
	defaultPromptPattern = `(?i)enter (the )?(verification|authorization) code`

	// DirName is the per-user and per-project config directory name.
	DirName = ".gcauth"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "GCAUTH_"
)

var defaultArgs = []string{"auth", "login", "--no-launch-browser"}

// Config stores runtime settings loaded from TOML files and the environment.
type Config struct {
	Command       string
	Args          []string
	SDKBinDir     string
	SearchPath    []string
	AuthCode      string
	Reader        string
	UsePTY        bool
	TickInterval  time.Duration
	ReadTimeout   time.Duration
	DrainTimeout  time.Duration
	JoinTimeout   time.Duration
	MaxReadErrors int
	URLPattern    string
	PromptPattern string
	AnchorPrompt  bool
	LogLevel      string
	LogMaxFiles   int
	Analytics     AnalyticsConfig
	OTel          OTelConfig

	// Sources lists the files that contributed to this config, in load order.
	Sources []string
}

// AnalyticsConfig configures the Google Analytics collaborator.
type AnalyticsConfig struct {
	KeyFile string
}

// OTelConfig configures trace export.
type OTelConfig struct {
	Endpoint string
}

type fileConfig struct {
	Command       *string          `toml:"command"`
	Args          []string         `toml:"args"`
	SDKBinDir     *string          `toml:"sdk_bin_dir"`
	SearchPath    []string         `toml:"search_path"`
	AuthCode      *string          `toml:"auth_code"`
	Reader        *string          `toml:"reader"`
	UsePTY        *bool            `toml:"use_pty"`
	TickInterval  *string          `toml:"tick_interval"`
	ReadTimeout   *string          `toml:"read_timeout"`
	DrainTimeout  *string          `toml:"drain_timeout"`
	JoinTimeout   *string          `toml:"join_timeout"`
	MaxReadErrors *int             `toml:"max_read_errors"`
	URLPattern    *string          `toml:"url_pattern"`
	PromptPattern *string          `toml:"prompt_pattern"`
	AnchorPrompt  *bool            `toml:"anchor_prompt"`
	LogLevel      *string          `toml:"log_level"`
	LogMaxFiles   *int             `toml:"log_max_files"`
	Analytics     *analyticsConfig `toml:"analytics"`
	OTel          *otelConfig      `toml:"otel"`
}

type analyticsConfig struct {
	KeyFile *string `toml:"key_file"`
}

type otelConfig struct {
	Endpoint *string `toml:"endpoint"`
}

// Load reads config from ~/.gcauth/config.toml, overlays a project-local
// .gcauth/config.toml and then GCAUTH_* environment variables.
func Load(_ context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	return LoadFrom([]string{
		filepath.Join(homeDir, DirName, "config.toml"),
		filepath.Join(workingDir, DirName, "config.toml"),
	}, os.LookupEnv)
}

// LoadFrom overlays each existing file in order, then the environment as
// reported by lookup. A nil lookup skips environment overrides.
func LoadFrom(paths []string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Defaults()
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	if lookup != nil {
		if err := overlayFromEnv(&cfg, lookup); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Command:       defaultCommand,
		Args:          append([]string(nil), defaultArgs...),
		SDKBinDir:     defaultSDKBinDir,
		Reader:        defaultReader,
		TickInterval:  defaultTickInterval,
		ReadTimeout:   defaultReadTimeout,
		DrainTimeout:  defaultDrainTimeout,
		JoinTimeout:   defaultJoinTimeout,
		MaxReadErrors: defaultMaxReadErrors,
		URLPattern:    defaultURLPattern,
		PromptPattern: defaultPromptPattern,
		LogLevel:      defaultLogLevel,
		LogMaxFiles:   defaultLogMaxFiles,
	}
}

// Validate rejects values the harness cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	if strings.TrimSpace(c.Command) == "" {
		return errors.New("command must not be empty")
	}
	switch c.Reader {
	case "poll", "queue":
	default:
		return fmt.Errorf("reader %q: must be poll or queue", c.Reader)
	}
	for key, value := range map[string]time.Duration{
		"tick_interval": c.TickInterval,
		"read_timeout":  c.ReadTimeout,
		"drain_timeout": c.DrainTimeout,
		"join_timeout":  c.JoinTimeout,
	} {
		if value <= 0 {
			return fmt.Errorf("%s must be > 0", key)
		}
	}
	if c.MaxReadErrors <= 0 {
		return errors.New("max_read_errors must be > 0")
	}
	if c.LogMaxFiles <= 0 {
		return errors.New("log_max_files must be > 0")
	}
	return nil
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("decode config file %q: unsupported key %q", path, undecoded[0].String())
	}

	applyScalarOverrides(cfg, decoded)
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyLogOverrides(cfg, decoded, path); err != nil {
		return err
	}
	cfg.Sources = append(cfg.Sources, path)
	return nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) {
	if decoded.Command != nil {
		cfg.Command = strings.TrimSpace(*decoded.Command)
	}
	if decoded.Args != nil {
		cfg.Args = append([]string(nil), decoded.Args...)
	}
	if decoded.SDKBinDir != nil {
		cfg.SDKBinDir = strings.TrimSpace(*decoded.SDKBinDir)
	}
	if decoded.SearchPath != nil {
		cfg.SearchPath = append([]string(nil), decoded.SearchPath...)
	}
	if decoded.AuthCode != nil {
		cfg.AuthCode = strings.TrimSpace(*decoded.AuthCode)
	}
	if decoded.Reader != nil {
		cfg.Reader = normalizeKey(*decoded.Reader)
	}
	if decoded.UsePTY != nil {
		cfg.UsePTY = *decoded.UsePTY
	}
	if decoded.MaxReadErrors != nil {
		cfg.MaxReadErrors = *decoded.MaxReadErrors
	}
	if decoded.URLPattern != nil {
		cfg.URLPattern = *decoded.URLPattern
	}
	if decoded.PromptPattern != nil {
		cfg.PromptPattern = *decoded.PromptPattern
	}
	if decoded.AnchorPrompt != nil {
		cfg.AnchorPrompt = *decoded.AnchorPrompt
	}
	if decoded.Analytics != nil && decoded.Analytics.KeyFile != nil {
		cfg.Analytics.KeyFile = strings.TrimSpace(*decoded.Analytics.KeyFile)
	}
	if decoded.OTel != nil && decoded.OTel.Endpoint != nil {
		cfg.OTel.Endpoint = strings.TrimSpace(*decoded.OTel.Endpoint)
	}
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	for _, entry := range []struct {
		key    string
		value  *string
		target *time.Duration
	}{
		{"tick_interval", decoded.TickInterval, &cfg.TickInterval},
		{"read_timeout", decoded.ReadTimeout, &cfg.ReadTimeout},
		{"drain_timeout", decoded.DrainTimeout, &cfg.DrainTimeout},
		{"join_timeout", decoded.JoinTimeout, &cfg.JoinTimeout},
	} {
		if entry.value == nil {
			continue
		}
		value, err := parseDuration(*entry.value, entry.key, path)
		if err != nil {
			return err
		}
		*entry.target = value
	}
	return nil
}

func applyLogOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.LogLevel != nil {
		cfg.LogLevel = normalizeKey(*decoded.LogLevel)
	}
	if decoded.LogMaxFiles != nil {
		if *decoded.LogMaxFiles <= 0 {
			return fmt.Errorf("parse log_max_files in %q: must be > 0", path)
		}
		cfg.LogMaxFiles = *decoded.LogMaxFiles
	}
	return nil
}

func overlayFromEnv(cfg *Config, lookup func(string) (string, bool)) error {
	text := func(key string, target *string) {
		if value, ok := lookup(EnvPrefix + key); ok {
			*target = strings.TrimSpace(value)
		}
	}
	text("COMMAND", &cfg.Command)
	text("SDK_BIN_DIR", &cfg.SDKBinDir)
	text("AUTH_CODE", &cfg.AuthCode)
	text("URL_PATTERN", &cfg.URLPattern)
	text("PROMPT_PATTERN", &cfg.PromptPattern)
	text("ANALYTICS_KEY_FILE", &cfg.Analytics.KeyFile)
	text("OTEL_ENDPOINT", &cfg.OTel.Endpoint)
	if value, ok := lookup(EnvPrefix + "READER"); ok {
		cfg.Reader = normalizeKey(value)
	}
	if value, ok := lookup(EnvPrefix + "LOG_LEVEL"); ok {
		cfg.LogLevel = normalizeKey(value)
	}
	if value, ok := lookup(EnvPrefix + "SEARCH_PATH"); ok {
		cfg.SearchPath = filepath.SplitList(value)
	}

	for _, entry := range []struct {
		key    string
		target *bool
	}{
		{"USE_PTY", &cfg.UsePTY},
		{"ANCHOR_PROMPT", &cfg.AnchorPrompt},
	} {
		value, ok := lookup(EnvPrefix + entry.key)
		if !ok {
			continue
		}
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("parse %s%s: %w", EnvPrefix, entry.key, err)
		}
		*entry.target = parsed
	}

	for _, entry := range []struct {
		key    string
		target *time.Duration
	}{
		{"TICK_INTERVAL", &cfg.TickInterval},
		{"READ_TIMEOUT", &cfg.ReadTimeout},
		{"DRAIN_TIMEOUT", &cfg.DrainTimeout},
		{"JOIN_TIMEOUT", &cfg.JoinTimeout},
	} {
		value, ok := lookup(EnvPrefix + entry.key)
		if !ok {
			continue
		}
		parsed, err := parseDuration(value, EnvPrefix+entry.key, "environment")
		if err != nil {
			return err
		}
		*entry.target = parsed
	}

	for _, entry := range []struct {
		key    string
		target *int
	}{
		{"MAX_READ_ERRORS", &cfg.MaxReadErrors},
		{"LOG_MAX_FILES", &cfg.LogMaxFiles},
	} {
		value, ok := lookup(EnvPrefix + entry.key)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("parse %s%s: %w", EnvPrefix, entry.key, err)
		}
		*entry.target = parsed
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

// Redacted returns a copy safe to include in bug reports.
func (c Config) Redacted() Config {
	out := c
	out.Args = append([]string(nil), c.Args...)
	out.SearchPath = append([]string(nil), c.SearchPath...)
	out.Sources = append([]string(nil), c.Sources...)
	if out.AuthCode != "" {
		out.AuthCode = "[REDACTED]"
	}
	return out
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
