// Package config handles the global bosh configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// GlobalConfig represents configuration stored in ~/.config/bosh/config.yml.
type GlobalConfig struct {
	ZenodoToken        string `yaml:"zenodo_token,omitempty"`
	ZenodoSandboxToken string `yaml:"zenodo_sandbox_token,omitempty"`
}

const (
	// GlobalConfigDir is the directory name under XDG_CONFIG_HOME.
	GlobalConfigDir = "bosh"
	// GlobalConfigFile is the config file name.
	GlobalConfigFile = "config.yml"

	// TokenEnv overrides the cached production token.
	TokenEnv = "ZENODO_TOKEN"
	// SandboxTokenEnv overrides the cached sandbox token.
	SandboxTokenEnv = "ZENODO_SANDBOX_TOKEN"
)

// GlobalConfigPath returns the path to the global config file.
// Respects XDG_CONFIG_HOME, defaults to ~/.config/bosh/config.yml.
func GlobalConfigPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, GlobalConfigDir, GlobalConfigFile)
}

// LoadGlobalConfig loads the config file at path.
// Returns an empty config (not an error) if the file doesn't exist.
func LoadGlobalConfig(path string) (*GlobalConfig, error) {
	if path == "" {
		return &GlobalConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &GlobalConfig{}, nil
		}
		return nil, fmt.Errorf("reading global config: %w", err)
	}

	var cfg GlobalConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing global config: %w", err)
	}
	return &cfg, nil
}

// SaveGlobalConfig writes cfg to path. The file holds credentials, so it is
// readable by the owner only.
func SaveGlobalConfig(path string, cfg *GlobalConfig) error {
	if path == "" {
		return fmt.Errorf("no config path (home directory unknown)")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding global config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing global config: %w", err)
	}
	return nil
}

// GetConfigValue returns the environment variable if set, otherwise the
// config value.
func GetConfigValue(envKey, configValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return configValue
}

// TokenStore caches Zenodo access tokens in the global config file.
// Production and sandbox tokens are kept apart.
type TokenStore struct {
	Path string
}

// NewTokenStore returns a TokenStore backed by GlobalConfigPath.
func NewTokenStore() *TokenStore {
	return &TokenStore{Path: GlobalConfigPath()}
}

// Load returns the token for the instance. The environment takes priority
// over the file, and is still returned alongside a config read error.
func (s *TokenStore) Load(sandbox bool) (string, error) {
	env := TokenEnv
	if sandbox {
		env = SandboxTokenEnv
	}
	cfg, err := LoadGlobalConfig(s.Path)
	if err != nil {
		return GetConfigValue(env, ""), err
	}
	cached := cfg.ZenodoToken
	if sandbox {
		cached = cfg.ZenodoSandboxToken
	}
	return GetConfigValue(env, cached), nil
}

// Save stores the token for the instance, keeping the other fields.
func (s *TokenStore) Save(sandbox bool, token string) error {
	cfg, err := LoadGlobalConfig(s.Path)
	if err != nil {
		return err
	}
	if sandbox {
		cfg.ZenodoSandboxToken = token
	} else {
		cfg.ZenodoToken = token
	}
	return SaveGlobalConfig(s.Path, cfg)
}
