// Package config loads the patcher settings. Every value has a default, so
// a config file and the SRDEBUG_ environment variables are both optional.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// FileName is the config file base name, searched for with any extension
// viper understands (yaml, toml, json, ...).
const FileName = "srdebug-patcher"

// EnvPrefix prefixes the environment overrides, e.g. SRDEBUG_TARGET_TYPE.
const EnvPrefix = "SRDEBUG"

// Config holds the names and paths used by a patch run.
type Config struct {
	// Root is the game directory the data directory candidates are
	// relative to.
	Root string `mapstructure:"root"`
	// DataDirs are the data directory candidates in search order.
	DataDirs []string `mapstructure:"data_dirs"`
	// Companion is the bundled companion module, relative to Root.
	Companion string `mapstructure:"companion"`

	TargetAssembly string `mapstructure:"target_assembly"`
	TargetType     string `mapstructure:"target_type"`
	HookMethod     string `mapstructure:"hook_method"`

	SourceAssembly string `mapstructure:"source_assembly"`
	SourceType     string `mapstructure:"source_type"`
	InitMethod     string `mapstructure:"init_method"`

	LogLevel string `mapstructure:"log_level"`
}

var defaults = map[string]any{
	"root":            ".",
	"data_dirs":       []string{"Content/Resources/Data", "Resources/Data", "Data", "SlimeRancher_Data"},
	"companion":       "SrDebug-Content/Assembly-SrDebug.dll",
	"target_assembly": "Assembly-CSharp",
	"target_type":     "DebugDirector",
	"hook_method":     "Awake",
	"source_assembly": "Assembly-SrDebug",
	"source_type":     "SrDebugDirector",
	"init_method":     "Init",
	"log_level":       "info",
}

// Default returns the built-in configuration.
func Default() *Config {
	c, err := decode(newViper(afero.NewMemMapFs()))
	if err != nil {
		panic(err)
	}
	return c
}

// Load reads the optional config file from dir on fs and applies the
// environment overrides on top of the defaults.
func Load(fs afero.Fs, dir string) (*Config, error) {
	v := newViper(fs)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	c, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func newViper(fs afero.Fs) *viper.Viper {
	v := viper.New()
	v.SetFs(fs)
	v.SetConfigName(FileName)
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &c, nil
}

// Validate reports every empty name and an unknown log level at once.
func (c *Config) Validate() error {
	var errs []error
	required := []struct {
		key, val string
	}{
		{"companion", c.Companion},
		{"target_assembly", c.TargetAssembly},
		{"target_type", c.TargetType},
		{"hook_method", c.HookMethod},
		{"source_assembly", c.SourceAssembly},
		{"source_type", c.SourceType},
		{"init_method", c.InitMethod},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", r.key))
		}
	}
	if len(c.DataDirs) == 0 {
		errs = append(errs, errors.New("data_dirs must not be empty"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c *Config) Level() (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}
