// Package config loads the host configuration from defaults, an optional config file and
// HOTROD_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes environment overrides: HOTROD_WATCH, HOTROD_RETRY_MAX_ATTEMPTS, ...
	EnvPrefix = "HOTROD"
	// FileName is the config file searched in the working directory, without extension.
	FileName = "hotrod"
)

// Backend selects how module images are opened.
type Backend string

const (
	Native   Backend = "native"   //C ABI shared libraries
	Goloader Backend = "goloader" //Go object files
)

type (
	// Config of the host loop.
	Config struct {
		Watch      []string      `mapstructure:"watch"`
		Extension  string        `mapstructure:"extension"` //module file extension, derived from Backend when empty
		Pattern    string        `mapstructure:"pattern"`   //doublestar glob on module stems
		ScratchDir string        `mapstructure:"scratch_dir"`
		Entry      string        `mapstructure:"entry"` //entry symbol override
		Backend    Backend       `mapstructure:"backend"`
		Package    string        `mapstructure:"package"` //package path of goloader modules
		Interval   time.Duration `mapstructure:"interval"`
		MaxTicks   int           `mapstructure:"max_ticks"` //0 runs until interrupted
		Discover   int           `mapstructure:"discover"`  //discover every n-th tick
		Input      bool          `mapstructure:"input"`     //dispatch input callbacks each tick
		Notify     bool          `mapstructure:"notify"`    //wake early on watch directory events
		Retry      Retry         `mapstructure:"retry"`
		Log        Log           `mapstructure:"log"`
	}
	// Retry of failed reloads.
	Retry struct {
		MaxAttempts int `mapstructure:"max_attempts"` //0 retries forever
	}
	// Log output.
	Log struct {
		Level  string `mapstructure:"level"`  //debug, info, warn, error
		Format string `mapstructure:"format"` //text, json, logfmt
	}
)

// Default configuration.
func Default() Config {
	return Config{
		Watch:      []string{"modules"},
		ScratchDir: ".hotrod",
		Backend:    Native,
		Package:    "main",
		Interval:   16 * time.Millisecond,
		Discover:   1,
		Notify:     true,
		Log:        Log{Level: "info", Format: "text"},
	}
}

func defaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("watch", d.Watch)
	v.SetDefault("extension", d.Extension)
	v.SetDefault("pattern", d.Pattern)
	v.SetDefault("scratch_dir", d.ScratchDir)
	v.SetDefault("entry", d.Entry)
	v.SetDefault("backend", string(d.Backend))
	v.SetDefault("package", d.Package)
	v.SetDefault("interval", d.Interval)
	v.SetDefault("max_ticks", d.MaxTicks)
	v.SetDefault("discover", d.Discover)
	v.SetDefault("input", d.Input)
	v.SetDefault("notify", d.Notify)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load reads the configuration. An explicit file must exist; without one, hotrod.yaml (or
// .toml, .json) in the working directory is used when present.
func Load(file string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case len(c.Watch) == 0:
		return errors.New("config: no watch directory")
	case c.Backend != Native && c.Backend != Goloader:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	case c.Interval <= 0:
		return fmt.Errorf("config: interval must be positive, got %s", c.Interval)
	case c.MaxTicks < 0:
		return fmt.Errorf("config: max_ticks must not be negative, got %d", c.MaxTicks)
	case c.Discover < 1:
		return fmt.Errorf("config: discover must be at least 1, got %d", c.Discover)
	case c.Retry.MaxAttempts < 0:
		return fmt.Errorf("config: retry.max_attempts must not be negative, got %d", c.Retry.MaxAttempts)
	}
	if err := c.checkScratch(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json", "logfmt":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	return nil
}

// ModuleExt is the module file extension: the configured one, or the platform's default for
// the backend.
func (c *Config) ModuleExt() string {
	if c.Extension != "" {
		if c.Extension[0] != '.' {
			return "." + c.Extension
		}
		return c.Extension
	}
	if c.Backend == Goloader {
		return ".o"
	}
	switch runtime.GOOS {
	case "windows":
		return ".dll"
	case "darwin":
		return ".dylib"
	default:
		return ".so"
	}
}

// checkScratch rejects a scratch directory that is, or contains, a watch directory.
func (c *Config) checkScratch() error {
	scratch := c.ScratchDir
	if scratch == "" {
		scratch = Default().ScratchDir
	}
	sa, err := filepath.Abs(scratch)
	if err != nil {
		return fmt.Errorf("config: scratch_dir %q: %w", c.ScratchDir, err)
	}
	for _, w := range c.Watch {
		wa, err := filepath.Abs(w)
		if err != nil {
			return fmt.Errorf("config: watch %q: %w", w, err)
		}
		rel, err := filepath.Rel(sa, wa)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("config: watch directory %q lies inside scratch_dir %q", w, scratch)
		}
	}
	return nil
}
