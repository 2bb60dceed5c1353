// Package config loads notifier configuration with layered sources:
// built-in defaults, an optional YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"bililive-notifier/pkg/notifier"
)

// DefaultConfigPaths lists where the config file is searched, first hit wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/bilinotify/config.yaml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix namespaces the environment variable overrides,
// e.g. BILINOTIFY_NAPCAT_TOKEN -> napcat.token.
const envPrefix = "BILINOTIFY_"

// Config is the full notifier configuration. Immutable after Load.
type Config struct {
	Napcat   NapcatConfig   `koanf:"napcat"`
	Storage  StorageConfig  `koanf:"storage"`
	Renderer RendererConfig `koanf:"renderer"`
	Cookie   string         `koanf:"cookie"`

	// CookieFile points at a file whose trimmed contents replace Cookie,
	// keeping the credential out of the main config.
	CookieFile string `koanf:"cookie_file"`

	Users []*notifier.Identity `koanf:"users"`
}

// NapcatConfig holds the messaging gateway endpoints.
type NapcatConfig struct {
	URL   string `koanf:"url"`
	WSURL string `koanf:"ws_url"`
	Token string `koanf:"token"`
}

// StorageConfig selects local file or Cloud Storage state persistence.
// Bucket takes precedence when set.
type StorageConfig struct {
	Bucket    string `koanf:"bucket"`
	LocalPath string `koanf:"local_path"`
}

// RendererConfig points at the external card-renderer service; empty
// disables card rendering and notifications fall back to raw image URLs.
type RendererConfig struct {
	URL string `koanf:"url"`
}

func defaultConfig() *Config {
	return &Config{
		Napcat: NapcatConfig{
			URL:   "http://127.0.0.1:3000",
			WSURL: "ws://127.0.0.1:3001",
		},
		Storage: StorageConfig{
			LocalPath: "./data",
		},
	}
}

// Load reads configuration from defaults, the config file (if present) and
// environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if cfg.CookieFile != "" {
		data, err := os.ReadFile(cfg.CookieFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read cookie file: %w", err)
			}
		} else {
			cfg.Cookie = strings.TrimSpace(string(data))
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Validate checks the parts the notifier cannot run without.
func (c *Config) Validate() error {
	if c.Napcat.URL == "" && c.Napcat.WSURL == "" {
		return fmt.Errorf("napcat: at least one of url or ws_url is required")
	}
	if c.Storage.Bucket == "" && c.Storage.LocalPath == "" {
		return fmt.Errorf("storage: either bucket or local_path is required")
	}

	for i, u := range c.Users {
		if u == nil {
			return fmt.Errorf("users[%d]: empty entry", i)
		}
		if u.MID == "" {
			return fmt.Errorf("users[%d]: mid is required", i)
		}
		for _, ch := range u.MID {
			if ch < '0' || ch > '9' {
				return fmt.Errorf("users[%d]: mid %q is not numeric", i, u.MID)
			}
		}
		if !u.MonitorLive && !u.MonitorDynamic {
			return fmt.Errorf("users[%d] (%s): nothing to monitor", i, u.DisplayName())
		}
		if len(u.TargetGroups) == 0 && len(u.TargetPrivate) == 0 {
			return fmt.Errorf("users[%d] (%s): no delivery targets", i, u.DisplayName())
		}
	}
	return nil
}
