package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. ARQMAVISOR_MODE.
const EnvPrefix = "ARQMAVISOR"

// Load reads the config file at path over the defaults. An empty path loads
// defaults only. Environment variables with EnvPrefix override both.
func Load(path string) (*Config, error) {
	return LoadWithViper(viper.New(), path)
}

// LoadWithViper is Load with a caller-supplied viper instance, so the CLI can
// bind its flags before the config is decoded.
func LoadWithViper(v *viper.Viper, path string) (*Config, error) {
	cfg := DefaultConfig()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	registerKeys(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	return cfg, nil
}

// registerKeys makes every config key known to viper so AutomaticEnv
// overrides reach Unmarshal even when no file sets them.
func registerKeys(v *viper.Viper, cfg *Config) {
	var defaults map[string]interface{}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return
	}
	if err := yaml.Unmarshal(data, &defaults); err != nil {
		return
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Write serialises cfg to path. The format follows the extension:
// .toml, or .yaml/.yml.
func Write(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		data, err = toml.Marshal(cfg)
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
