package posechannel

import (
	"fmt"

	"go.uber.org/zap"
)

// ClientBuilder provides a fluent interface for building a Client.
type ClientBuilder struct {
	transport Transport
	logger    *zap.Logger
	monitor   Monitor
}

// NewClient creates a new Client builder.
//
// Example:
//
//	tr, _ := transport.NewTransport().WithURL("http://localhost:5000").Build()
//	client, err := posechannel.NewClient().
//	    WithTransport(tr).
//	    WithLogger(logger).
//	    Build()
func NewClient() *ClientBuilder {
	return &ClientBuilder{
		logger: zap.NewNop(),
	}
}

// WithTransport sets the channel the client drives. Required.
func (b *ClientBuilder) WithTransport(transport Transport) *ClientBuilder {
	b.transport = transport
	return b
}

// WithLogger sets the logger for the client.
func (b *ClientBuilder) WithLogger(logger *zap.Logger) *ClientBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithMonitor sets an optional monitor that receives state changes and
// delivery notifications.
func (b *ClientBuilder) WithMonitor(monitor Monitor) *ClientBuilder {
	b.monitor = monitor
	return b
}

// IsValid checks that all required configuration is present.
func (b *ClientBuilder) IsValid() error {
	if b.transport == nil {
		return fmt.Errorf("transport is required")
	}

	if b.logger == nil {
		b.logger = zap.NewNop()
	}

	return nil
}

// Build creates the Client and registers its transport event handlers.
// The returned client is Disconnected; call Connect to open the channel.
func (b *ClientBuilder) Build() (*Client, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	c := &Client{
		transport: b.transport,
		logger:    b.logger,
		monitor:   b.monitor,
	}
	c.subscribe()

	return c, nil
}
