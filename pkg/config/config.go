// Package config loads bundlekit runtime configuration from file, environment,
// and defaults. The manifest files themselves are handled by pkg/manifest.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds runtime settings shared by the sync engines.
type Config struct {
	Concurrency int           `mapstructure:"concurrency"`
	HTTP        HTTPConfig    `mapstructure:"http"`
	Mirrors     MirrorsConfig `mapstructure:"mirrors"`
}

// HTTPConfig controls the asset download client.
type HTTPConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	RetryMax  int           `mapstructure:"retry_max"`
	RetryWait time.Duration `mapstructure:"retry_wait"`
	RetryCeil time.Duration `mapstructure:"retry_ceil"`
}

// MirrorsConfig holds optional mirror endpoints applied to source URLs.
// GitHub rewrites clone URLs by prefixing the endpoint; HuggingFace replaces
// the huggingface.co host in download URLs.
type MirrorsConfig struct {
	GitHub      string `mapstructure:"github"`
	HuggingFace string `mapstructure:"huggingface"`
}

var defaultConfig = Config{
	Concurrency: runtime.NumCPU(),
	HTTP: HTTPConfig{
		Timeout:   10 * time.Minute,
		RetryMax:  3,
		RetryWait: 1 * time.Second,
		RetryCeil: 30 * time.Second,
	},
}

// LoadConfig loads configuration from bundlekit.yaml (cwd or home), BUNDLEKIT_*
// environment variables, and built-in defaults, in ascending precedence.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetDefault("concurrency", defaultConfig.Concurrency)
	v.SetDefault("http.timeout", defaultConfig.HTTP.Timeout)
	v.SetDefault("http.retry_max", defaultConfig.HTTP.RetryMax)
	v.SetDefault("http.retry_wait", defaultConfig.HTTP.RetryWait)
	v.SetDefault("http.retry_ceil", defaultConfig.HTTP.RetryCeil)
	v.SetDefault("mirrors.github", "")
	v.SetDefault("mirrors.huggingface", "")

	v.SetConfigName("bundlekit")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME")

	v.SetEnvPrefix("BUNDLEKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file is optional; a missing file falls back to defaults, a
	// malformed one is a hard error.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConfig.Concurrency
	}
	if cfg.HTTP.RetryMax < 0 {
		cfg.HTTP.RetryMax = 0
	}

	return &cfg, nil
}
