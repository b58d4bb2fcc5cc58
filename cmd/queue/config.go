package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/viper"
)

var configDefaults = map[string]any{
	"listen_addr":             ":3000",
	"api_key":                 "",
	"shutdown_timeout":        30 * time.Second,
	"upstream_url":            "",
	"upstream_api_key":        "",
	"upstream_rps":            0.0,
	"upstream_burst":          1,
	"upstream_max_retries":    2,
	"upstream_retry_interval": 500 * time.Millisecond,
	"log_level":               "info",
	"log_development":         false,
	"trace_output":            "",
	"metrics_namespace":       "request_queue",
}

// loadConfig reads defaults, then the optional YAML file named by CONFIG_FILE,
// then environment variables.
func loadConfig() (Config, error) {
	v := viper.New()
	for key, value := range configDefaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.UpstreamURL == "" {
		return errors.New("upstream_url is required")
	}
	u, err := url.Parse(c.UpstreamURL)
	if err != nil {
		return fmt.Errorf("parsing upstream_url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("upstream_url must be an absolute http(s) URL, got %q", c.UpstreamURL)
	}
	if c.UpstreamRPS < 0 {
		return errors.New("upstream_rps must be >= 0")
	}
	if c.UpstreamRPS > 0 && c.UpstreamBurst < 1 {
		return errors.New("upstream_burst must be >= 1 when upstream_rps is set")
	}
	if c.UpstreamMaxRetries < 0 {
		return errors.New("upstream_max_retries must be >= 0")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown_timeout must be positive")
	}
	return nil
}
