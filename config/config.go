// Package config loads the worker runtime's configuration from the
// environment via spf13/viper, matching the teacher's cmd/cmd.go reference
// to a config.LoadConfig() that the retrieved pack never included — we
// write it fresh here, with the prefix and defaults spec.md §6 states.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// envPrefix namespaces every environment variable this process reads:
// CYODA_WORKER_CLIENT_ID, CYODA_WORKER_GRPC_ENDPOINT, and so on.
const envPrefix = "CYODA_WORKER"

// Config mirrors spec.md §6's configuration inputs, plus the ambient
// additions SPEC_FULL.md calls for (entity service base URL, tracing
// endpoint, the Supervisor's auth-retry budget).
type Config struct {
	// Auth Provider (spec.md §4.A)
	ClientID     string
	ClientSecret string
	AuthTokenURL string

	// gRPC transport
	GRPCEndpoint string
	GRPCInsecure bool
	WorkerSource string // this process's Envelope.source identity
	ProcessID    string

	// Dispatcher tuning (spec.md §4.D)
	ProcessorConcurrency    int64
	CriterionConcurrency    int64
	InboundQueueDepth       int64
	ProcessorDefaultTimeout time.Duration
	CriterionDefaultTimeout time.Duration
	GraceTimeout            time.Duration
	OverloadRetryAfterMillis int64

	// Outbox (spec.md §4.E)
	OutboxCapacity int

	// Stream Session (spec.md §4.F)
	KeepAliveInterval  time.Duration
	HandshakeTimeout   time.Duration
	TokenRenewalMargin time.Duration
	DrainTimeout       time.Duration

	// Supervisor (spec.md §4.G)
	ReconnectBackoffMin time.Duration
	ReconnectBackoffMax time.Duration
	MaxAuthAttempts      int

	// TuningFilePath is the file WatchTuning watches for live-reloadable
	// knob changes. Defaults to the same file Load read at startup;
	// CYODA_WORKER_TUNING_FILE_PATH overrides it independently, for an
	// embedding application that wants the reload source separate from the
	// startup config file. Blank disables live reload.
	TuningFilePath string

	// Entity Service client (spec.md §6 outbound platform API)
	EntityServiceBaseURL string
	EntityCacheSize      int

	// Telemetry
	LogLevel        string
	LogFormat       string
	TracingEndpoint string
	TracingInsecure bool
}

// Load reads configuration from environment variables (prefixed
// CYODA_WORKER_) and an optional config file, applying spec.md's stated
// defaults for everything not explicitly set. If path is empty, only the
// environment and defaults are consulted.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	cfg := &Config{
		ClientID:                 v.GetString("client_id"),
		ClientSecret:             v.GetString("client_secret"),
		AuthTokenURL:             v.GetString("auth_token_url"),
		GRPCEndpoint:             v.GetString("grpc_endpoint"),
		GRPCInsecure:             v.GetBool("grpc_insecure"),
		WorkerSource:             v.GetString("worker_source"),
		ProcessID:                v.GetString("process_id"),
		ProcessorConcurrency:     v.GetInt64("processor_concurrency"),
		CriterionConcurrency:     v.GetInt64("criterion_concurrency"),
		InboundQueueDepth:        v.GetInt64("inbound_queue_depth"),
		ProcessorDefaultTimeout:  millis(v, "processor_default_timeout_millis"),
		CriterionDefaultTimeout:  millis(v, "criterion_default_timeout_millis"),
		GraceTimeout:             millis(v, "grace_timeout_millis"),
		OverloadRetryAfterMillis: v.GetInt64("overload_retry_after_millis"),
		OutboxCapacity:           v.GetInt("outbox_capacity"),
		KeepAliveInterval:        millis(v, "keepalive_interval_millis"),
		HandshakeTimeout:         millis(v, "handshake_timeout_millis"),
		TokenRenewalMargin:       millis(v, "token_renewal_margin_millis"),
		DrainTimeout:             millis(v, "drain_timeout_millis"),
		ReconnectBackoffMin:      millis(v, "reconnect_backoff_min_millis"),
		ReconnectBackoffMax:      millis(v, "reconnect_backoff_max_millis"),
		MaxAuthAttempts:          v.GetInt("max_auth_attempts"),
		TuningFilePath:           v.GetString("tuning_file_path"),
		EntityServiceBaseURL:     v.GetString("entity_service_base_url"),
		EntityCacheSize:          v.GetInt("entity_cache_size"),
		LogLevel:                 v.GetString("log_level"),
		LogFormat:                v.GetString("log_format"),
		TracingEndpoint:          v.GetString("tracing_endpoint"),
		TracingInsecure:          v.GetBool("tracing_insecure"),
	}

	if cfg.TuningFilePath == "" {
		cfg.TuningFilePath = path
	}

	return cfg, nil
}

// millis reads an integer millisecond count from v and converts it to a
// time.Duration, avoiding viper's GetDuration cast ambiguity between raw
// numeric input (nanoseconds) and duration strings like "30s".
func millis(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Millisecond
}

// setDefaults matches spec.md's and SPEC_FULL.md's stated defaults
// (Wp=32, Wc=128, Qmax=256, Obox=1024, keepaliveInterval=30s,
// handshakeTimeout=15s, processorDefaultTimeout=30s,
// criterionDefaultTimeout=5s, reconnectBackoffMin=200ms,
// reconnectBackoffMax=30s, tokenRenewalMargin=60s, graceTimeout=10s).
func setDefaults(v *viper.Viper) {
	v.SetDefault("grpc_insecure", false)
	v.SetDefault("worker_source", "cyoda-worker")
	v.SetDefault("processor_concurrency", 32)
	v.SetDefault("criterion_concurrency", 128)
	v.SetDefault("inbound_queue_depth", 256)
	v.SetDefault("processor_default_timeout_millis", 30000)
	v.SetDefault("criterion_default_timeout_millis", 5000)
	v.SetDefault("grace_timeout_millis", 10000)
	v.SetDefault("overload_retry_after_millis", 1000)
	v.SetDefault("outbox_capacity", 1024)
	v.SetDefault("keepalive_interval_millis", 30000)
	v.SetDefault("handshake_timeout_millis", 15000)
	v.SetDefault("token_renewal_margin_millis", 60000)
	v.SetDefault("drain_timeout_millis", 30000)
	v.SetDefault("reconnect_backoff_min_millis", 200)
	v.SetDefault("reconnect_backoff_max_millis", 30000)
	v.SetDefault("max_auth_attempts", 5)
	v.SetDefault("entity_cache_size", 2048)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("tracing_insecure", false)
}

// ErrConfigInvalid is returned by Validate when a required field is blank —
// the hosting process maps this to exit code 1 (spec.md §6).
type ErrConfigInvalid struct {
	Field string
}

func (e *ErrConfigInvalid) Error() string {
	return fmt.Sprintf("config: required field %q is not set", e.Field)
}

// Validate checks that every field the Auth Provider and gRPC Dialer
// cannot function without has been supplied.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"clientId", c.ClientID},
		{"clientSecret", c.ClientSecret},
		{"authTokenUrl", c.AuthTokenURL},
		{"grpcEndpoint", c.GRPCEndpoint},
	}
	for _, r := range required {
		if r.value == "" {
			return &ErrConfigInvalid{Field: r.name}
		}
	}
	return nil
}

// WatchTuning re-applies live-reloadable tuning knobs (concurrency limits,
// timeouts) from path whenever it changes on disk, via viper's fsnotify
// integration, without requiring a process restart. apply is called with
// the freshly reloaded Config; it should update only the fields safe to
// change under load (the Dispatcher's semaphore weights, not the gRPC
// endpoint or credentials).
func WatchTuning(path string, apply func(*Config)) error {
	if path == "" {
		return nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: watch tuning: initial read: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := Load(path)
		if err != nil {
			return
		}
		apply(cfg)
	})
	v.WatchConfig()
	return nil
}
