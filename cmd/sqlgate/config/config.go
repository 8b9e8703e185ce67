// Package config provides configuration structures for the sqlgate CLI.
package config

import (
	"os"
	"sort"

	"github.com/spf13/viper"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/models"
)

// Config represents the CLI configuration. Capabilities are deliberately
// absent: they are granted per invocation by flags only.
type Config struct {
	LogLevel          string                       `mapstructure:"log_level" json:"log_level"`
	LogFormat         string                       `mapstructure:"log_format" json:"log_format"`
	Output            string                       `mapstructure:"output" json:"output"`
	Metrics           MetricsConfig                `mapstructure:"metrics" json:"metrics"`
	DefaultConnection string                       `mapstructure:"default_connection" json:"default_connection"`
	Connections       map[string]ConnectionProfile `mapstructure:"connections" json:"connections"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	PushURL string `mapstructure:"push_url" json:"push_url"`
	Job     string `mapstructure:"job" json:"job"`
}

// ConnectionProfile is a named connection descriptor. PasswordEnv names an
// environment variable holding the password so it never sits in the file.
type ConnectionProfile struct {
	models.ConnectionDescriptor `mapstructure:",squash"`
	PasswordEnv                 string `mapstructure:"password_env" json:"password_env,omitempty"`
}

// Accepted values for the enumerated settings.
var (
	LogLevels     = []string{"debug", "info", "warn", "error"}
	LogFormats    = []string{"json", "console"}
	OutputFormats = []string{"json", "yaml", "table"}
)

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:    "warn",
		LogFormat:   "json",
		Output:      "json",
		Metrics:     MetricsConfig{Job: "sqlgate"},
		Connections: map[string]ConnectionProfile{},
	}
}

// Load reads the configuration from v on top of the defaults.
func Load(v *viper.Viper) (*Config, error) {
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, errors.CodeConfigError, "failed to read config file %s", file)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, errors.CodeConfigError, "failed to decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration and normalizes dialect aliases.
func (c *Config) Validate() error {
	if !oneOf(c.LogLevel, LogLevels) {
		return errors.Newf(errors.CodeConfigError, "log_level must be one of %v, got %q", LogLevels, c.LogLevel)
	}
	if !oneOf(c.LogFormat, LogFormats) {
		return errors.Newf(errors.CodeConfigError, "log_format must be one of %v, got %q", LogFormats, c.LogFormat)
	}
	if !oneOf(c.Output, OutputFormats) {
		return errors.Newf(errors.CodeConfigError, "output must be one of %v, got %q", OutputFormats, c.Output)
	}

	for name, p := range c.Connections {
		d, err := models.ParseDialect(string(p.Dialect))
		if err != nil {
			return errors.Wrapf(err, errors.CodeConfigError, "connection %q: %v", name, err)
		}
		p.Dialect = d
		if p.Password != "" && p.PasswordEnv != "" {
			return errors.Newf(errors.CodeConfigError, "connection %q sets both password and password_env", name)
		}
		c.Connections[name] = p
	}

	if c.DefaultConnection != "" {
		if _, ok := c.Connections[c.DefaultConnection]; !ok {
			return errors.Newf(errors.CodeConfigError, "default_connection %q is not defined", c.DefaultConnection)
		}
	}
	return nil
}

// ProfileNames returns the configured connection names in sorted order.
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Connections))
	for name := range c.Connections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve builds the descriptor for one invocation. Non-zero fields of
// overrides win over the named profile, which wins over default_connection.
func (c *Config) Resolve(name string, overrides models.ConnectionDescriptor) (models.ConnectionDescriptor, error) {
	return c.resolve(name, overrides, os.LookupEnv)
}

func (c *Config) resolve(name string, overrides models.ConnectionDescriptor, lookupEnv func(string) (string, bool)) (models.ConnectionDescriptor, error) {
	if name == "" && overrides.Dialect == "" {
		name = c.DefaultConnection
	}

	var desc models.ConnectionDescriptor
	if name != "" {
		profile, ok := c.Connections[name]
		if !ok {
			return desc, errors.Newf(errors.CodeConfigError, "connection %q is not defined", name)
		}
		desc = profile.ConnectionDescriptor
		if profile.PasswordEnv != "" {
			password, ok := lookupEnv(profile.PasswordEnv)
			if !ok {
				return desc, errors.Newf(errors.CodeConfigError, "environment variable %s for connection %q is not set", profile.PasswordEnv, name)
			}
			desc.Password = password
		}
	}

	merge(&desc, overrides)
	if desc.Dialect == "" {
		return desc, errors.New(errors.CodeConfigError, "no connection selected; pass --dialect or --name, or set default_connection")
	}
	d, err := models.ParseDialect(string(desc.Dialect))
	if err != nil {
		return desc, errors.Wrapf(err, errors.CodeConfigError, "invalid dialect: %v", err)
	}
	desc.Dialect = d
	return desc, nil
}

func merge(dst *models.ConnectionDescriptor, src models.ConnectionDescriptor) {
	if src.Dialect != "" {
		dst.Dialect = src.Dialect
	}
	if src.Host != "" {
		dst.Host = src.Host
	}
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.User != "" {
		dst.User = src.User
	}
	if src.Password != "" {
		dst.Password = src.Password
	}
	if src.Database != "" {
		dst.Database = src.Database
	}
	if src.File != "" {
		dst.File = src.File
	}
	if len(src.Params) > 0 {
		params := make(map[string]string, len(dst.Params)+len(src.Params))
		for k, v := range dst.Params {
			params[k] = v
		}
		for k, v := range src.Params {
			params[k] = v
		}
		dst.Params = params
	}
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
