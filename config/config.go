package config

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "duckchat"
	// EnvPrefix prefixes every environment override, e.g. DUCKCHAT_USER_ID.
	EnvPrefix = "DUCKCHAT"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = EnvPrefix + "_DATA_DIR"

	DefaultPageSize            = 50
	DefaultReconnectIntervalMS = 1000
	DefaultReconnectMaxDelayMS = 30000
	DefaultMatchToleranceMS    = 5000
	DefaultLogLevel            = "info"

	configFileName = "config.json"
)

// ClientConfig contains persistent client settings. CacheSecret is never
// written to disk; it comes from the environment or a flag.
type ClientConfig struct {
	DeviceID            string `json:"device_id" mapstructure:"device_id"`
	APIBaseURL          string `json:"api_base_url" mapstructure:"api_base_url"`
	WSURL               string `json:"ws_url" mapstructure:"ws_url"`
	AuthToken           string `json:"auth_token" mapstructure:"auth_token"`
	UserID              int64  `json:"user_id" mapstructure:"user_id"`
	PrivateKeyPath      string `json:"private_key_path" mapstructure:"private_key_path"`
	CacheSecret         string `json:"-" mapstructure:"cache_secret"`
	PageSize            int    `json:"page_size" mapstructure:"page_size"`
	ReconnectIntervalMS int64  `json:"reconnect_interval_ms" mapstructure:"reconnect_interval_ms"`
	ReconnectMaxDelayMS int64  `json:"reconnect_max_delay_ms" mapstructure:"reconnect_max_delay_ms"`
	MatchToleranceMS    int64  `json:"match_tolerance_ms" mapstructure:"match_tolerance_ms"`
	LogLevel            string `json:"log_level" mapstructure:"log_level"`
}

// ReconnectInterval is the first live-channel retry delay.
func (c *ClientConfig) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalMS) * time.Millisecond
}

// ReconnectMaxDelay caps the live-channel retry delay.
func (c *ClientConfig) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.ReconnectMaxDelayMS) * time.Millisecond
}

// MatchTolerance is the timestamp window for recovering sent plaintext.
func (c *ClientConfig) MatchTolerance() time.Duration {
	return time.Duration(c.MatchToleranceMS) * time.Millisecond
}

// Validate checks the settings needed to run a session.
func (c *ClientConfig) Validate() error {
	switch {
	case c.APIBaseURL == "":
		return errors.New("api_base_url is not configured")
	case c.UserID <= 0:
		return errors.New("user_id is not configured")
	case c.CacheSecret == "":
		return errors.Errorf("cache secret is not set (use %s_CACHE_SECRET or --cache-secret)", EnvPrefix)
	}
	return nil
}

func (c *ClientConfig) settings() map[string]any {
	return map[string]any{
		"device_id":              c.DeviceID,
		"api_base_url":           c.APIBaseURL,
		"ws_url":                 c.WSURL,
		"auth_token":             c.AuthToken,
		"user_id":                c.UserID,
		"private_key_path":       c.PrivateKeyPath,
		"cache_secret":           c.CacheSecret,
		"page_size":              c.PageSize,
		"reconnect_interval_ms":  c.ReconnectIntervalMS,
		"reconnect_max_delay_ms": c.ReconnectMaxDelayMS,
		"match_tolerance_ms":     c.MatchToleranceMS,
		"log_level":              c.LogLevel,
	}
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If DUCKCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolve user home")
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

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "keys")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return errors.Wrapf(err, "create directory %q", dir)
		}
	}
	return nil
}

// Load reads config.json from disk without applying overrides.
func Load(path string) (*ClientConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return errors.Wrap(err, "write config")
	}
	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both. The
// returned config has environment overrides applied; the file does not.
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
	switch {
	case err == nil:
		if normalizeDefaults(cfg, dataDir) {
			if err := Save(cfgPath, cfg); err != nil {
				return nil, "", err
			}
		}
	case errors.Is(err, fs.ErrNotExist):
		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	default:
		return nil, "", err
	}

	if err := Overlay(cfg, nil); err != nil {
		return nil, "", err
	}
	return cfg, cfgPath, nil
}

// Overlay applies DUCKCHAT_* environment variables and then any changed flags
// onto cfg. A flag binds to the setting of the same name with dashes, e.g.
// --api-base-url sets api_base_url.
func Overlay(cfg *ClientConfig, flags *pflag.FlagSet) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	for key, value := range cfg.settings() {
		v.SetDefault(key, value)
		if flags == nil {
			continue
		}
		if flag := flags.Lookup(strings.ReplaceAll(key, "_", "-")); flag != nil {
			if err := v.BindPFlag(key, flag); err != nil {
				return errors.Wrapf(err, "bind flag %q", flag.Name)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return errors.Wrap(err, "apply config overrides")
	}
	return nil
}

func defaultConfig(dataDir string) *ClientConfig {
	cfg := &ClientConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if cfg.PrivateKeyPath == "" {
		cfg.PrivateKeyPath = filepath.Join(dataDir, "keys", "message_private.pem")
		updated = true
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
		updated = true
	}
	if cfg.ReconnectIntervalMS <= 0 {
		cfg.ReconnectIntervalMS = DefaultReconnectIntervalMS
		updated = true
	}
	if cfg.ReconnectMaxDelayMS < cfg.ReconnectIntervalMS {
		cfg.ReconnectMaxDelayMS = DefaultReconnectMaxDelayMS
		if cfg.ReconnectMaxDelayMS < cfg.ReconnectIntervalMS {
			cfg.ReconnectMaxDelayMS = cfg.ReconnectIntervalMS
		}
		updated = true
	}
	if cfg.MatchToleranceMS <= 0 {
		cfg.MatchToleranceMS = DefaultMatchToleranceMS
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated
}
