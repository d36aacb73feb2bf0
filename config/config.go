// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Broker adapter types.
const (
	BrokerAMQP   = "amqp"
	BrokerMemory = "memory"
)

// Consumption modes.
const (
	ModeSubscribe = "subscribe"
	ModePop       = "pop"
)

// Dead-letter sinks.
const (
	SinkBroker = "broker"
	SinkBadger = "badger"
)

// Built-in route handlers available to config-declared routes.
const (
	HandlerLog     = "log"
	HandlerForward = "forward"
)

// Config holds all configuration for a fluxsub process.
type Config struct {
	Broker     BrokerConfig     `yaml:"broker"`
	Subscriber SubscriberConfig `yaml:"subscriber"`
	Retry      RetryConfig      `yaml:"retry"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	Routes     []RouteConfig    `yaml:"routes"`
	Resources  []ResourceConfig `yaml:"resources"`
	Log        LogConfig        `yaml:"log"`
	Server     ServerConfig     `yaml:"server"`
}

// BrokerConfig selects and configures the broker adapter.
type BrokerConfig struct {
	Type string `yaml:"type"` // amqp, memory

	URL      string `yaml:"url"` // overrides address, credentials and vhost
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Vhost    string `yaml:"vhost"`

	TLSEnabled  bool   `yaml:"tls_enabled"`
	TLSCAFile   string `yaml:"tls_ca_file"`
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	DialTimeout          time.Duration `yaml:"dial_timeout"`
	Heartbeat            time.Duration `yaml:"heartbeat"`
	ConfirmTimeout       time.Duration `yaml:"confirm_timeout"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	ReconnectMaxInterval time.Duration `yaml:"reconnect_max_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // 0 = unlimited
}

// SubscriberConfig holds consumption settings shared by every route.
type SubscriberConfig struct {
	AppName         string        `yaml:"app_name"`
	Mode            string        `yaml:"mode"` // subscribe, pop
	DefaultExchange string        `yaml:"default_exchange"`
	DefaultPoolSize int           `yaml:"default_pool_size"`
	DefaultPrefetch int           `yaml:"default_prefetch"`
	Durable         bool          `yaml:"durable"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"` // bound on in-flight jobs at cancel
	ResubscribeMax  time.Duration `yaml:"resubscribe_max_interval"`
}

// RetryConfig configures the retry and dead-letter policy.
type RetryConfig struct {
	MaxRetries       int           `yaml:"max_retries"`
	BackoffBaseDelay time.Duration `yaml:"backoff_base_delay"`
	BackoffCap       time.Duration `yaml:"backoff_cap"`
	DeadLetterSuffix string        `yaml:"dead_letter_suffix"`
	PublishAttempts  int           `yaml:"publish_attempts"`
	PublishBackoff   time.Duration `yaml:"publish_backoff"`
	DeadLetterSink   string        `yaml:"dead_letter_sink"` // broker, badger
	BadgerDir        string        `yaml:"badger_dir"`
}

// PublisherConfig configures the asynchronous publisher.
type PublisherConfig struct {
	BufferCapacity   int                  `yaml:"buffer_capacity"`
	DrainTimeout     time.Duration        `yaml:"drain_timeout"`
	EnqueueTimeout   time.Duration        `yaml:"enqueue_timeout"` // 0 = drop immediately when full
	MaxAttempts      int                  `yaml:"max_attempts"`
	RetryInterval    time.Duration        `yaml:"retry_interval"`
	MaxRetryInterval time.Duration        `yaml:"max_retry_interval"`
	Persistent       bool                 `yaml:"persistent"`
	CircuitBreaker   CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig configures the publisher send breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// RouteConfig declares a route bound to a built-in handler.
type RouteConfig struct {
	Subscriber string `yaml:"subscriber"`
	Action     string `yaml:"action"`
	Exchange   string `yaml:"exchange"`
	Queue      string `yaml:"queue"`
	RoutingKey string `yaml:"routing_key"`
	PoolName   string `yaml:"pool_name"`
	PoolSize   int    `yaml:"pool_size"`
	Prefetch   int    `yaml:"prefetch"`
	Handler    string `yaml:"handler"` // log, forward

	ForwardExchange   string `yaml:"forward_exchange"`
	ForwardRoutingKey string `yaml:"forward_routing_key"`
}

// ResourceConfig declares routes by naming convention: one route per action,
// each bound to the same built-in handler.
type ResourceConfig struct {
	Name      string   `yaml:"name"`
	Publisher string   `yaml:"publisher"`
	Actions   []string `yaml:"actions"`
	Handler   string   `yaml:"handler"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ServerConfig holds the health server and telemetry settings.
type ServerConfig struct {
	HealthEnabled   bool          `yaml:"health_enabled"`
	HealthAddr      string        `yaml:"health_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsAddr    string `yaml:"metrics_addr"` // OTLP gRPC endpoint

	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0

	// OTLP exports in plaintext unless TLS is enabled.
	OtelTLSEnabled  bool   `yaml:"otel_tls_enabled"`
	OtelTLSCAFile   string `yaml:"otel_tls_ca_file"`
	OtelTLSCertFile string `yaml:"otel_tls_cert_file"`
	OtelTLSKeyFile  string `yaml:"otel_tls_key_file"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Type:                 BrokerAMQP,
			Address:              "localhost:5672",
			Username:             "guest",
			Password:             "guest",
			Vhost:                "/",
			DialTimeout:          10 * time.Second,
			Heartbeat:            60 * time.Second,
			ConfirmTimeout:       5 * time.Second,
			ReconnectInterval:    500 * time.Millisecond,
			ReconnectMaxInterval: 30 * time.Second,
		},
		Subscriber: SubscriberConfig{
			AppName:         "fluxsub",
			Mode:            ModeSubscribe,
			DefaultExchange: "events",
			DefaultPoolSize: 8,
			DefaultPrefetch: 2,
			Durable:         true,
			PollInterval:    100 * time.Millisecond,
			DrainTimeout:    30 * time.Second,
			ResubscribeMax:  30 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:       5,
			BackoffBaseDelay: time.Second,
			BackoffCap:       5 * time.Minute,
			DeadLetterSuffix: ".dead",
			PublishAttempts:  3,
			PublishBackoff:   100 * time.Millisecond,
			DeadLetterSink:   SinkBroker,
			BadgerDir:        "/tmp/fluxsub/deadletters",
		},
		Publisher: PublisherConfig{
			BufferCapacity:   10000,
			DrainTimeout:     5 * time.Second,
			EnqueueTimeout:   time.Second,
			MaxAttempts:      3,
			RetryInterval:    100 * time.Millisecond,
			MaxRetryInterval: 5 * time.Second,
			Persistent:       true,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			HealthEnabled:       true,
			HealthAddr:          ":8081",
			ShutdownTimeout:     30 * time.Second,
			MetricsEnabled:      false,
			MetricsAddr:         "localhost:4317",
			OtelServiceName:     "fluxsub",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
	}
}

// Load reads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Broker.Type {
	case BrokerAMQP:
		if c.Broker.URL == "" && c.Broker.Address == "" {
			return fmt.Errorf("broker.address or broker.url required for amqp broker")
		}
		if c.Broker.TLSEnabled && (c.Broker.TLSCertFile == "") != (c.Broker.TLSKeyFile == "") {
			return fmt.Errorf("broker.tls_cert_file and broker.tls_key_file must be set together")
		}
	case BrokerMemory:
	default:
		return fmt.Errorf("broker.type must be one of: amqp, memory")
	}
	if c.Broker.MaxReconnectAttempts < 0 {
		return fmt.Errorf("broker.max_reconnect_attempts cannot be negative")
	}

	if c.Subscriber.Mode != ModeSubscribe && c.Subscriber.Mode != ModePop {
		return fmt.Errorf("subscriber.mode must be one of: subscribe, pop")
	}
	if c.Subscriber.DefaultExchange == "" {
		return fmt.Errorf("subscriber.default_exchange cannot be empty")
	}
	if c.Subscriber.DefaultPoolSize < 1 {
		return fmt.Errorf("subscriber.default_pool_size must be at least 1")
	}
	if c.Subscriber.DefaultPrefetch < 1 {
		return fmt.Errorf("subscriber.default_prefetch must be at least 1")
	}
	if c.Subscriber.PollInterval <= 0 {
		return fmt.Errorf("subscriber.poll_interval must be positive")
	}
	if c.Subscriber.DrainTimeout < 0 {
		return fmt.Errorf("subscriber.drain_timeout cannot be negative")
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries cannot be negative")
	}
	if c.Retry.BackoffBaseDelay < 0 {
		return fmt.Errorf("retry.backoff_base_delay cannot be negative")
	}
	if c.Retry.BackoffCap < c.Retry.BackoffBaseDelay {
		return fmt.Errorf("retry.backoff_cap must be >= retry.backoff_base_delay")
	}
	if c.Retry.DeadLetterSuffix == "" {
		return fmt.Errorf("retry.dead_letter_suffix cannot be empty")
	}
	if c.Retry.PublishAttempts < 1 {
		return fmt.Errorf("retry.publish_attempts must be at least 1")
	}
	switch c.Retry.DeadLetterSink {
	case SinkBroker:
	case SinkBadger:
		if c.Retry.BadgerDir == "" {
			return fmt.Errorf("retry.badger_dir required when dead_letter_sink is badger")
		}
	default:
		return fmt.Errorf("retry.dead_letter_sink must be one of: broker, badger")
	}

	if c.Publisher.BufferCapacity < 1 {
		return fmt.Errorf("publisher.buffer_capacity must be at least 1")
	}
	if c.Publisher.DrainTimeout < 0 {
		return fmt.Errorf("publisher.drain_timeout cannot be negative")
	}
	if c.Publisher.EnqueueTimeout < 0 {
		return fmt.Errorf("publisher.enqueue_timeout cannot be negative")
	}
	if c.Publisher.MaxAttempts < 1 {
		return fmt.Errorf("publisher.max_attempts must be at least 1")
	}
	if c.Publisher.MaxRetryInterval < c.Publisher.RetryInterval {
		return fmt.Errorf("publisher.max_retry_interval must be >= publisher.retry_interval")
	}
	if c.Publisher.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("publisher.circuit_breaker.failure_threshold must be at least 1")
	}

	for i, r := range c.Routes {
		if err := validateHandler(r.Handler, r.ForwardRoutingKey); err != nil {
			return fmt.Errorf("routes[%d]: %w", i, err)
		}
		if r.PoolSize < 0 || r.Prefetch < 0 {
			return fmt.Errorf("routes[%d]: pool_size and prefetch cannot be negative", i)
		}
	}
	for i, r := range c.Resources {
		if r.Name == "" || len(r.Actions) == 0 {
			return fmt.Errorf("resources[%d]: name and actions required", i)
		}
		if r.Handler != HandlerLog {
			return fmt.Errorf("resources[%d]: handler must be log", i)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if c.Server.MetricsEnabled {
		if c.Server.MetricsAddr == "" {
			return fmt.Errorf("server.metrics_addr required when metrics are enabled")
		}
		if c.Server.OtelTraceSampleRate < 0 || c.Server.OtelTraceSampleRate > 1 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
		if c.Server.OtelTLSEnabled && (c.Server.OtelTLSCertFile == "") != (c.Server.OtelTLSKeyFile == "") {
			return fmt.Errorf("server.otel_tls_cert_file and server.otel_tls_key_file must be set together")
		}
	}

	return nil
}

func validateHandler(handler, fwdRoutingKey string) error {
	switch handler {
	case HandlerLog:
		return nil
	case HandlerForward:
		if fwdRoutingKey == "" {
			return fmt.Errorf("forward handler requires forward_routing_key")
		}
		return nil
	default:
		return fmt.Errorf("handler must be one of: log, forward")
	}
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
