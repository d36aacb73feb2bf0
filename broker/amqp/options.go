// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// Default values.
const (
	DefaultAddress              = "localhost:5672"
	DefaultDialTimeout          = 10 * time.Second
	DefaultHeartbeat            = 60 * time.Second
	DefaultReconnectInterval    = 500 * time.Millisecond
	DefaultReconnectMaxInterval = 30 * time.Second
	DefaultConfirmTimeout       = 5 * time.Second
)

var (
	// ErrNoAddress is returned when neither URL nor Address is set.
	ErrNoAddress = errors.New("no broker address configured")
	// ErrPublisherConfirm is returned when the broker nacks a publish or
	// does not confirm it in time.
	ErrPublisherConfirm = errors.New("publisher confirm not acknowledged")
)

// Options configures the RabbitMQ adapter.
type Options struct {
	// Connection
	URL         string      // Full AMQP URL (overrides Address/Username/Password/Vhost)
	Address     string      // Broker address (host:port)
	Username    string      // Username for PLAIN auth
	Password    string      // Password for PLAIN auth
	Vhost       string      // Virtual host (default "/")
	TLSConfig   *tls.Config // TLS configuration (nil for plain TCP)
	DialTimeout time.Duration
	Heartbeat   time.Duration

	// ConfirmTimeout bounds the wait for a publisher confirm when the
	// publish context has no earlier deadline.
	ConfirmTimeout time.Duration

	// Reconnect backoff. MaxReconnectAttempts 0 retries until the context ends.
	ReconnectInterval    time.Duration
	ReconnectMaxInterval time.Duration
	MaxReconnectAttempts int

	Logger *slog.Logger
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		Address:              DefaultAddress,
		Username:             "guest",
		Password:             "guest",
		Vhost:                "/",
		DialTimeout:          DefaultDialTimeout,
		Heartbeat:            DefaultHeartbeat,
		ConfirmTimeout:       DefaultConfirmTimeout,
		ReconnectInterval:    DefaultReconnectInterval,
		ReconnectMaxInterval: DefaultReconnectMaxInterval,
	}
}

// SetURL sets the full AMQP URL.
func (o *Options) SetURL(u string) *Options {
	o.URL = u
	return o
}

// SetAddress sets the broker address (host:port).
func (o *Options) SetAddress(addr string) *Options {
	o.Address = addr
	return o
}

// SetCredentials sets username and password.
func (o *Options) SetCredentials(username, password string) *Options {
	o.Username = username
	o.Password = password
	return o
}

// SetVhost sets the virtual host.
func (o *Options) SetVhost(vhost string) *Options {
	o.Vhost = vhost
	return o
}

// SetTLSConfig sets TLS configuration.
func (o *Options) SetTLSConfig(cfg *tls.Config) *Options {
	o.TLSConfig = cfg
	return o
}

// SetReconnect sets the reconnect backoff bounds.
func (o *Options) SetReconnect(interval, maxInterval time.Duration, maxAttempts int) *Options {
	o.ReconnectInterval = interval
	o.ReconnectMaxInterval = maxInterval
	o.MaxReconnectAttempts = maxAttempts
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// Validate checks the options for errors.
func (o *Options) Validate() error {
	if o.URL == "" && o.Address == "" {
		return ErrNoAddress
	}
	return nil
}

func (o *Options) dialURL() string {
	if o.URL != "" {
		return o.URL
	}

	scheme := "amqp"
	if o.TLSConfig != nil {
		scheme = "amqps"
	}

	vhost := strings.TrimPrefix(o.Vhost, "/")
	u := &url.URL{
		Scheme: scheme,
		Host:   o.Address,
		Path:   "/" + vhost,
	}

	if o.Username != "" {
		u.User = url.UserPassword(o.Username, o.Password)
	}

	return u.String()
}

func (o *Options) backoff(attempt int) time.Duration {
	d := o.ReconnectInterval
	if d <= 0 {
		d = DefaultReconnectInterval
	}
	limit := o.ReconnectMaxInterval
	if limit <= 0 {
		limit = DefaultReconnectMaxInterval
	}
	for i := 0; i < attempt && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}
