package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "converse"
	// DataDirEnv overrides the resolved data directory when set.
	DataDirEnv = "CONVERSE_DATA_DIR"
	// configFileName is the persisted configuration file.
	configFileName = "config.yaml"

	// DefaultPageSize is the message history page size.
	DefaultPageSize = 30
	// DefaultTypingExpirySeconds clears a typing indicator after quiet time.
	DefaultTypingExpirySeconds = 3
	// DefaultHTTPTimeoutSeconds bounds every REST call.
	DefaultHTTPTimeoutSeconds = 15
)

// ClientConfig contains persistent per-install client settings.
type ClientConfig struct {
	InstallID            string `yaml:"install_id"`
	ServerBaseURL        string `yaml:"server_base_url"`
	RealtimeURL          string `yaml:"realtime_url"`
	LocalKeyPath         string `yaml:"local_key_path"`
	PageSize             int    `yaml:"page_size"`
	TypingExpirySeconds  int    `yaml:"typing_expiry_seconds"`
	HTTPTimeoutSeconds   int    `yaml:"http_timeout_seconds"`
	SeenIDRetentionHours int    `yaml:"seen_id_retention_hours"`
	Development          bool   `yaml:"development"`
}

// TypingExpiry returns the typing indicator quiet period as a duration.
func (c *ClientConfig) TypingExpiry() time.Duration {
	return time.Duration(c.TypingExpirySeconds) * time.Second
}

// HTTPTimeout returns the REST request timeout as a duration.
func (c *ClientConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// LoadDotenv loads a .env file from the working directory when present.
// A missing file is not an error; explicit environment always wins.
func LoadDotenv() {
	_ = godotenv.Load()
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CONVERSE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.yaml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.yaml from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.yaml to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *ClientConfig {
	return &ClientConfig{
		InstallID:            uuid.NewString(),
		ServerBaseURL:        envOrDefault("CONVERSE_SERVER_URL", "http://localhost:8080"),
		RealtimeURL:          envOrDefault("CONVERSE_REALTIME_URL", "ws://localhost:8080/ws"),
		LocalKeyPath:         filepath.Join(dataDir, "keys", "local.pem"),
		PageSize:             DefaultPageSize,
		TypingExpirySeconds:  DefaultTypingExpirySeconds,
		HTTPTimeoutSeconds:   DefaultHTTPTimeoutSeconds,
		SeenIDRetentionHours: 7 * 24,
	}
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false

	if cfg.InstallID == "" {
		cfg.InstallID = uuid.NewString()
		updated = true
	}
	if cfg.ServerBaseURL == "" {
		cfg.ServerBaseURL = envOrDefault("CONVERSE_SERVER_URL", "http://localhost:8080")
		updated = true
	}
	if cfg.RealtimeURL == "" {
		cfg.RealtimeURL = envOrDefault("CONVERSE_REALTIME_URL", "ws://localhost:8080/ws")
		updated = true
	}
	if cfg.LocalKeyPath == "" {
		cfg.LocalKeyPath = filepath.Join(dataDir, "keys", "local.pem")
		updated = true
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
		updated = true
	}
	if cfg.TypingExpirySeconds <= 0 {
		cfg.TypingExpirySeconds = DefaultTypingExpirySeconds
		updated = true
	}
	if cfg.HTTPTimeoutSeconds <= 0 {
		cfg.HTTPTimeoutSeconds = DefaultHTTPTimeoutSeconds
		updated = true
	}
	if cfg.SeenIDRetentionHours <= 0 {
		cfg.SeenIDRetentionHours = 7 * 24
		updated = true
	}

	return updated
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
