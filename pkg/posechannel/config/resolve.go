package config

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tsarna/posechannel/pkg/posechannel/auth"
	"github.com/tsarna/posechannel/pkg/posechannel/websockets/server"
	"github.com/tsarna/posechannel/pkg/posechannel/websockets/transport"
)

// TransportBuilder returns a transport builder configured from c. A nil
// ChannelConfig yields the defaults.
func (c *ChannelConfig) TransportBuilder(logger *zap.Logger) (*transport.TransportBuilder, error) {
	builder := transport.NewTransport().WithLogger(logger)
	if c == nil {
		return builder, nil
	}

	if c.URL != "" {
		builder.WithURL(c.URL)
	}
	builder.WithPath(c.Path)

	if c.ClientID != "" {
		builder.WithClientID(c.ClientID)
	}

	dialTimeout, err := parseDuration("dial_timeout", c.DialTimeout)
	if err != nil {
		return nil, err
	}
	builder.WithDialTimeout(dialTimeout)

	writeTimeout, err := parseDuration("write_timeout", c.WriteTimeout)
	if err != nil {
		return nil, err
	}
	builder.WithWriteTimeout(writeTimeout)

	for key, value := range c.Headers {
		builder.WithHeader(key, value)
	}

	if c.AuthSecret != "" {
		subject := c.AuthSubject
		if subject == "" {
			subject = c.ClientID
		}
		tokens := auth.NewTokenSource([]byte(c.AuthSecret), subject)
		builder.WithAuthorizationProvider(tokens.AuthorizationProvider())
	}

	if err := c.Reconnection.apply(builder); err != nil {
		return nil, err
	}

	if err := builder.IsValid(); err != nil {
		return nil, fmt.Errorf("invalid channel configuration: %w", err)
	}

	return builder, nil
}

func (r *ReconnectionConfig) apply(builder *transport.TransportBuilder) error {
	if r == nil {
		return nil
	}

	if r.Enabled != nil {
		builder.WithReconnection(*r.Enabled)
	}

	delay, err := parseDuration("reconnection delay", r.Delay)
	if err != nil {
		return err
	}
	builder.WithReconnectionDelay(delay)

	delayMax, err := parseDuration("reconnection delay_max", r.DelayMax)
	if err != nil {
		return err
	}
	builder.WithReconnectionDelayMax(delayMax)

	if r.Attempts != nil {
		if *r.Attempts < 0 {
			return fmt.Errorf("invalid reconnection attempts: must not be negative")
		}
		builder.WithReconnectionAttempts(*r.Attempts)
	}

	if r.RandomizationFactor != nil {
		if f := *r.RandomizationFactor; f < 0 || f > 1 {
			return fmt.Errorf("invalid randomization_factor %v: must be within [0, 1]", f)
		}
		builder.WithRandomizationFactor(*r.RandomizationFactor)
	}

	return nil
}

// ListenAddr returns the configured listen address or DefaultListen.
func (s *ServerConfig) ListenAddr() string {
	if s == nil || s.Listen == "" {
		return DefaultListen
	}
	return s.Listen
}

// Apply copies the server settings onto a listener configuration.
func (s *ServerConfig) Apply(listener *server.ListenerConfig) error {
	if s == nil {
		return nil
	}

	if s.PingInterval != "" {
		interval, err := parseDuration("ping_interval", s.PingInterval)
		if err != nil {
			return err
		}
		listener.WithPingInterval(interval)
	}

	if s.ReadLimit > 0 {
		listener.WithReadLimit(s.ReadLimit)
	}

	if s.MaxRate < 0 {
		return fmt.Errorf("invalid max_rate %v: must not be negative", s.MaxRate)
	}
	if s.MaxRate > 0 {
		listener.WithRateLimit(s.MaxRate, s.RateBurst)
	}

	if s.AuthSecret != "" {
		listener.WithVerifier(auth.NewVerifier([]byte(s.AuthSecret)))
	}

	return nil
}
