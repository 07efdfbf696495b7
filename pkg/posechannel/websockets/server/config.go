package server

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tsarna/posechannel/pkg/posechannel/auth"
	"github.com/tsarna/posechannel/pkg/posechannel/o11y"
)

const (
	// DefaultQueueSize is the number of outbound frames buffered per connection.
	DefaultQueueSize = 16

	// DefaultPingInterval is the interval between ping frames used to detect
	// dead connections.
	DefaultPingInterval = 30 * time.Second

	// DefaultWriteTimeout bounds writing a single frame to a client.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultReadLimit is the maximum accepted frame size in bytes.
	DefaultReadLimit = 32768
)

// ListenerConfig holds the configuration for creating a pose Listener.
// Use NewListenerConfig() to create a new configuration and chain methods
// to set the required parameters before calling Build().
type ListenerConfig struct {
	handler         PoseHandler
	logger          *zap.Logger
	verifier        *auth.Verifier
	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider
	queueSize       int
	pingInterval    time.Duration
	writeTimeout    time.Duration
	readLimit       int64
	rateLimit       rate.Limit
	rateBurst       int
}

// NewListenerConfig creates a new ListenerConfig for building a Listener.
//
// Example:
//
//	listener, err := server.NewListenerConfig().
//	    WithHandler(server.NewLoggingHandler(logger, zap.InfoLevel)).
//	    WithLogger(logger).
//	    Build()
func NewListenerConfig() *ListenerConfig {
	return &ListenerConfig{
		queueSize:    DefaultQueueSize,
		pingInterval: DefaultPingInterval,
		writeTimeout: DefaultWriteTimeout,
		readLimit:    DefaultReadLimit,
	}
}

// WithHandler sets the PoseHandler that receives decoded pose updates. Required.
func (c *ListenerConfig) WithHandler(handler PoseHandler) *ListenerConfig {
	c.handler = handler
	return c
}

// WithLogger sets the Logger for the Listener. Required.
func (c *ListenerConfig) WithLogger(logger *zap.Logger) *ListenerConfig {
	c.logger = logger
	return c
}

// WithVerifier requires every handshake to carry a bearer token accepted by
// verifier.
func (c *ListenerConfig) WithVerifier(verifier *auth.Verifier) *ListenerConfig {
	c.verifier = verifier
	return c
}

// WithMetricsProvider enables metrics collection.
func (c *ListenerConfig) WithMetricsProvider(provider o11y.MetricsProvider) *ListenerConfig {
	c.metricsProvider = provider
	return c
}

// WithTracingProvider enables a span per handled pose update.
func (c *ListenerConfig) WithTracingProvider(provider o11y.TracingProvider) *ListenerConfig {
	c.tracingProvider = provider
	return c
}

// WithQueueSize sets the outbound frame buffer per connection. Must be positive.
func (c *ListenerConfig) WithQueueSize(size int) *ListenerConfig {
	if size > 0 {
		c.queueSize = size
	}
	return c
}

// WithPingInterval sets the interval for sending ping frames. A client that
// fails to answer a ping within the write timeout is disconnected.
// Set to 0 to disable ping/pong health monitoring.
//
// Default: 30 seconds
func (c *ListenerConfig) WithPingInterval(interval time.Duration) *ListenerConfig {
	if interval >= 0 {
		c.pingInterval = interval
	}
	return c
}

// WithWriteTimeout sets the timeout for writing frames to clients.
//
// Default: 10 seconds
func (c *ListenerConfig) WithWriteTimeout(timeout time.Duration) *ListenerConfig {
	if timeout > 0 {
		c.writeTimeout = timeout
	}
	return c
}

// WithReadLimit sets the maximum accepted frame size in bytes.
func (c *ListenerConfig) WithReadLimit(limit int64) *ListenerConfig {
	if limit > 0 {
		c.readLimit = limit
	}
	return c
}

// WithRateLimit limits each connection to perSecond pose updates, allowing
// bursts of up to burst updates. Updates over the limit are dropped and
// counted as rate_limited message errors. A perSecond of 0 disables the limit.
func (c *ListenerConfig) WithRateLimit(perSecond float64, burst int) *ListenerConfig {
	if perSecond < 0 {
		return c
	}
	if burst < 1 {
		burst = 1
	}
	c.rateLimit = rate.Limit(perSecond)
	c.rateBurst = burst
	return c
}

// IsValid checks if the configuration has all required parameters set.
func (c *ListenerConfig) IsValid() error {
	var missing []string
	if c.handler == nil {
		missing = append(missing, "Handler")
	}
	if c.logger == nil {
		missing = append(missing, "Logger")
	}

	if len(missing) > 0 {
		return fmt.Errorf("invalid listener configuration, missing: %v", missing)
	}

	return nil
}

// Build creates a new Listener from the configuration.
func (c *ListenerConfig) Build() (*Listener, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}

	return newListener(c), nil
}
