package main

import "time"

// Config holds the service settings. Keys map to upper-case env vars.
type Config struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	APIKey          string        `mapstructure:"api_key"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	UpstreamURL           string        `mapstructure:"upstream_url"`
	UpstreamAPIKey        string        `mapstructure:"upstream_api_key"`
	UpstreamRPS           float64       `mapstructure:"upstream_rps"`
	UpstreamBurst         int           `mapstructure:"upstream_burst"`
	UpstreamMaxRetries    int           `mapstructure:"upstream_max_retries"`
	UpstreamRetryInterval time.Duration `mapstructure:"upstream_retry_interval"`

	LogLevel         string `mapstructure:"log_level"`
	LogDevelopment   bool   `mapstructure:"log_development"`
	TraceOutput      string `mapstructure:"trace_output"`
	MetricsNamespace string `mapstructure:"metrics_namespace"`
}

// ErrorResponse is the JSON body of every error the service produces itself.
type ErrorResponse struct {
	Error string `json:"error"`
}

// forwardResult describes a completed upstream exchange.
type forwardResult struct {
	Status   int
	Bytes    int64
	Attempts int
}
