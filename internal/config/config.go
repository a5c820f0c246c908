// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package config loads keysyncd's configuration from a YAML file,
// environment variables and CLI flags, probing a set of candidate file
// locations for keysyncd's own option set.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/opskeys/keysyncd/internal/logging"
)

// SSH holds the manager's outbound SSH connection settings.
type SSH struct {
	PrivateKeyFile       string `mapstructure:"private_key_file" yaml:"private_key_file"`
	PrivateKeyPassphrase string `mapstructure:"private_key_passphrase" yaml:"private_key_passphrase,omitempty"`
	TimeoutSeconds       int    `mapstructure:"timeout" yaml:"timeout"`
	CheckSchedule        string `mapstructure:"check_schedule" yaml:"check_schedule,omitempty"`
	UpdateSchedule       string `mapstructure:"update_schedule" yaml:"update_schedule,omitempty"`
}

// Config is keysyncd's full configuration surface, per the recognized options.
type Config struct {
	DatabaseURL  string `mapstructure:"database_url" yaml:"database_url"`
	Listen       string `mapstructure:"listen" yaml:"listen"`
	Port         int    `mapstructure:"port" yaml:"port"`
	LogLevel     string `mapstructure:"loglevel" yaml:"loglevel"`
	SessionKey   string `mapstructure:"session_key" yaml:"session_key"`
	HtpasswdPath string `mapstructure:"htpasswd_path" yaml:"htpasswd_path,omitempty"`
	SSH          SSH    `mapstructure:"ssh" yaml:"ssh"`
}

const (
	configFileName = "keysyncd.yaml"
	envPrefix      = "keysyncd"
)

// Defaults returns the recognized-options defaults from the configuration table.
func Defaults() map[string]any {
	return map[string]any{
		"database_url":         "sqlite://ssm.db",
		"listen":               "::",
		"port":                 8000,
		"loglevel":             "info",
		"ssh.private_key_file": "keys/id_ssm",
		"ssh.timeout":          120,

		// Empty defaults register these keys with viper so that their
		// KEYSYNCD_* environment variables reach Unmarshal.
		"session_key":                "",
		"htpasswd_path":              "",
		"ssh.private_key_passphrase": "",
		"ssh.check_schedule":         "",
		"ssh.update_schedule":        "",
	}
}

// GetConfigPath returns the default config file location for system-wide
// or per-user installs, split by platform.
func GetConfigPath(system bool) (string, error) {
	if system {
		if runtime.GOOS == "windows" {
			base := os.Getenv("ProgramData")
			if base == "" {
				base = `C:\ProgramData`
			}
			return filepath.Join(base, "Keysyncd", configFileName), nil
		}
		return filepath.Join("/etc/keysyncd", configFileName), nil
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "keysyncd", configFileName), nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: could not determine user config dir: %w", err)
	}
	return filepath.Join(dir, "keysyncd", configFileName), nil
}

// LoadConfig reads configuration from an explicit candidate file list (never
// viper's own auto-search, which would happily parse an unrelated file lying
// around in the working directory), then layers environment variables and
// bound CLI flags on top, and unmarshals the result into T.
func LoadConfig[T any](cmd *cobra.Command, defaults map[string]any, additionalConfigFilePath *string) (T, error) {
	var c T
	v := viper.New()

	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	var candidates []string
	if additionalConfigFilePath != nil && *additionalConfigFilePath != "" {
		candidates = append(candidates, *additionalConfigFilePath)
	}
	if userPath, err := GetConfigPath(false); err == nil {
		candidates = append(candidates, userPath)
	}
	if sysPath, err := GetConfigPath(true); err == nil {
		candidates = append(candidates, sysPath)
	}
	candidates = append(candidates, configFileName)

	var loaded string
	for _, p := range candidates {
		info, err := os.Stat(p)
		if err != nil || info.Size() == 0 {
			continue
		}
		v.SetConfigFile(p)
		if err := v.ReadInConfig(); err != nil {
			return c, fmt.Errorf("config: reading %s: %w", p, err)
		}
		loaded = p
		break
	}
	if loaded == "" {
		logging.Debugf("config: no config file found among %d candidates, using defaults+env+flags", len(candidates))
	} else {
		logging.Debugf("config: loaded %s", loaded)
	}

	v.AutomaticEnv()
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return c, fmt.Errorf("config: binding flags: %w", err)
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("config: unmarshal: %w (loaded from %q)", err, loaded)
	}
	return c, nil
}

// WriteConfigFile serializes c as YAML to the system or per-user config path.
func WriteConfigFile[T any](c *T, system bool) error {
	path, err := GetConfigPath(system)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: creating config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}
