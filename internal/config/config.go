// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

// Package config loads the application configuration. Precedence, lowest to
// highest: built-in defaults, thongssh.yaml (user config dir, then current
// directory), THONGSSH_* environment variables, command-line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full application configuration.
type Config struct {
	Debug    bool   `mapstructure:"debug" yaml:"debug"`
	Language string `mapstructure:"language" yaml:"language"`

	HostKeys struct {
		// DSN is the sqlite data source for the trusted host key store.
		// ":memory:" keeps trust decisions for the process lifetime only.
		DSN string `mapstructure:"dsn" yaml:"dsn"`
	} `mapstructure:"hostkeys" yaml:"hostkeys"`

	Connect struct {
		Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	} `mapstructure:"connect" yaml:"connect"`

	Reconnect ReconnectPolicy `mapstructure:"reconnect" yaml:"reconnect"`

	Telnet struct {
		Binary    bool `mapstructure:"binary" yaml:"binary"`
		LocalEcho bool `mapstructure:"local_echo" yaml:"local_echo"`
	} `mapstructure:"telnet" yaml:"telnet"`
}

// ReconnectPolicy controls automatic reconnection after a network-level
// disconnect. Authentication failures never trigger it.
type ReconnectPolicy struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// Delay returns the backoff delay before the given 1-based attempt,
// doubling from BaseDelay and capped at MaxDelay.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Defaults returns the built-in defaults used before any file, env or flag
// overrides. The reconnect numbers are a starting point, not a contract;
// embedders tune them per deployment.
func Defaults() map[string]any {
	return map[string]any{
		"debug":                  false,
		"language":               "en",
		"hostkeys.dsn":           defaultHostKeysDSN(),
		"connect.timeout":        10 * time.Second,
		"reconnect.enabled":      true,
		"reconnect.base_delay":   1 * time.Second,
		"reconnect.max_delay":    30 * time.Second,
		"reconnect.max_attempts": 5,
		"telnet.binary":          false,
		"telnet.local_echo":      false,
	}
}

func defaultHostKeysDSN() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "thongssh-hostkeys.db"
	}
	return filepath.Join(dir, "thongssh", "hostkeys.db")
}

// configDir returns the user configuration directory for thongssh.
func configDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not get user config directory: %w", err)
	}
	return filepath.Join(dir, "thongssh"), nil
}

// Load builds the configuration for a command invocation. cmd may be nil for
// library embedders that have no flags to bind.
func Load(cmd *cobra.Command, explicitFile string) (Config, error) {
	var c Config
	v := viper.New()

	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	v.SetConfigName("thongssh")
	v.SetConfigType("yaml")
	if explicitFile != "" {
		v.SetConfigFile(explicitFile)
	}
	if dir, err := configDir(); err == nil {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; anything else is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return c, err
		}
	}

	v.AutomaticEnv()
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix("thongssh")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return c, err
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}
	return c, nil
}

// Write persists the configuration to the user config directory.
func Write(c *Config) error {
	dir, err := configDir()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", dir, err)
	}
	return os.WriteFile(filepath.Join(dir, "thongssh.yaml"), data, 0600)
}
