package transport

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tsarna/posechannel/pkg/posechannel/websockets"
)

const (
	// DefaultURL is the pose server endpoint used when none is configured.
	DefaultURL = "http://localhost:5000"

	// DefaultPath is appended to endpoints that have no path of their own.
	DefaultPath = "/socket.io/"

	// DefaultDialTimeout bounds a single connection attempt.
	DefaultDialTimeout = 20 * time.Second

	// DefaultWriteTimeout bounds writing a single frame.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultReconnectionDelay is the delay before the first reconnection attempt.
	DefaultReconnectionDelay = 1000 * time.Millisecond

	// DefaultReconnectionDelayMax caps the delay between reconnection attempts.
	DefaultReconnectionDelayMax = 5000 * time.Millisecond

	// DefaultReconnectionAttempts is the number of reconnection attempts made
	// before giving up.
	DefaultReconnectionAttempts = 5

	// DefaultRandomizationFactor spreads reconnection delays by up to ±50%.
	DefaultRandomizationFactor = 0.5

	// DefaultWriteChannelSize is the number of frames that may be queued for writing.
	DefaultWriteChannelSize = 100

	// ClientIDHeader carries the transport's client identifier on every handshake.
	ClientIDHeader = websockets.ClientIDHeader
)

// AuthorizationProvider is a function that returns an authorization header value.
// It receives a context and should return the authorization value (e.g., "Bearer token123")
// or an error if authorization cannot be obtained. It is called before every dial.
type AuthorizationProvider func(ctx context.Context) (string, error)

// TransportBuilder provides a fluent interface for building WebSocket transports.
type TransportBuilder struct {
	url                  string
	path                 string
	logger               *zap.Logger
	dialTimeout          time.Duration
	writeTimeout         time.Duration
	reconnection         bool
	reconnectionDelay    time.Duration
	reconnectionDelayMax time.Duration
	reconnectionAttempts int
	randomizationFactor  float64
	writeChannelSize     int
	authProvider         AuthorizationProvider
	headers              map[string][]string
	clientID             string
}

// NewTransport creates a new WebSocket transport builder with reconnection
// enabled and the default delay bounds.
func NewTransport() *TransportBuilder {
	return &TransportBuilder{
		url:                  DefaultURL,
		path:                 DefaultPath,
		logger:               zap.NewNop(),
		dialTimeout:          DefaultDialTimeout,
		writeTimeout:         DefaultWriteTimeout,
		reconnection:         true,
		reconnectionDelay:    DefaultReconnectionDelay,
		reconnectionDelayMax: DefaultReconnectionDelayMax,
		reconnectionAttempts: DefaultReconnectionAttempts,
		randomizationFactor:  DefaultRandomizationFactor,
		writeChannelSize:     DefaultWriteChannelSize,
	}
}

// WithURL sets the server endpoint. http, https, ws and wss URLs are accepted.
func (b *TransportBuilder) WithURL(url string) *TransportBuilder {
	b.url = url
	return b
}

// WithPath sets the path used when the endpoint URL has none.
func (b *TransportBuilder) WithPath(path string) *TransportBuilder {
	if path != "" {
		b.path = path
	}
	return b
}

// WithLogger sets the logger for the transport.
func (b *TransportBuilder) WithLogger(logger *zap.Logger) *TransportBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithDialTimeout sets the timeout for a single connection attempt.
func (b *TransportBuilder) WithDialTimeout(timeout time.Duration) *TransportBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithWriteTimeout sets the timeout for writing one frame.
func (b *TransportBuilder) WithWriteTimeout(timeout time.Duration) *TransportBuilder {
	if timeout > 0 {
		b.writeTimeout = timeout
	}
	return b
}

// WithReconnection enables or disables automatic reconnection.
func (b *TransportBuilder) WithReconnection(enabled bool) *TransportBuilder {
	b.reconnection = enabled
	return b
}

// WithReconnectionDelay sets the delay before the first reconnection attempt.
// Default: 1s
func (b *TransportBuilder) WithReconnectionDelay(delay time.Duration) *TransportBuilder {
	if delay > 0 {
		b.reconnectionDelay = delay
	}
	return b
}

// WithReconnectionDelayMax caps the delay between reconnection attempts.
// Default: 5s
func (b *TransportBuilder) WithReconnectionDelayMax(delay time.Duration) *TransportBuilder {
	if delay > 0 {
		b.reconnectionDelayMax = delay
	}
	return b
}

// WithReconnectionAttempts sets how many reconnection attempts are made
// before the transport gives up. Zero gives up after the first failure.
// Default: 5
func (b *TransportBuilder) WithReconnectionAttempts(attempts int) *TransportBuilder {
	if attempts >= 0 {
		b.reconnectionAttempts = attempts
	}
	return b
}

// WithRandomizationFactor sets the jitter applied to reconnection delays.
// Must be within [0, 1]. Default: 0.5
func (b *TransportBuilder) WithRandomizationFactor(factor float64) *TransportBuilder {
	if factor >= 0 && factor <= 1 {
		b.randomizationFactor = factor
	}
	return b
}

// WithWriteChannelSize sets the buffer size for the internal write channel.
// Default: 100
func (b *TransportBuilder) WithWriteChannelSize(size int) *TransportBuilder {
	if size > 0 {
		b.writeChannelSize = size
	}
	return b
}

// WithAuthorization sets a static Authorization header value.
func (b *TransportBuilder) WithAuthorization(authHeader string) *TransportBuilder {
	b.authProvider = func(ctx context.Context) (string, error) {
		return authHeader, nil
	}
	return b
}

// WithAuthorizationProvider sets an authorization provider function.
func (b *TransportBuilder) WithAuthorizationProvider(provider AuthorizationProvider) *TransportBuilder {
	b.authProvider = provider
	return b
}

// WithHeaders adds custom HTTP headers for the WebSocket handshake.
func (b *TransportBuilder) WithHeaders(headers map[string][]string) *TransportBuilder {
	if b.headers == nil {
		b.headers = make(map[string][]string)
	}
	for key, values := range headers {
		b.headers[key] = values
	}
	return b
}

// WithHeader sets a single HTTP header for the WebSocket handshake.
func (b *TransportBuilder) WithHeader(key, value string) *TransportBuilder {
	if b.headers == nil {
		b.headers = make(map[string][]string)
	}
	b.headers[key] = []string{value}
	return b
}

// WithClientID overrides the generated client identifier.
func (b *TransportBuilder) WithClientID(id string) *TransportBuilder {
	b.clientID = id
	return b
}

// IsValid checks that the configuration is usable.
func (b *TransportBuilder) IsValid() error {
	if _, err := b.resolveURL(); err != nil {
		return err
	}

	if b.reconnectionDelayMax < b.reconnectionDelay {
		return fmt.Errorf("reconnection delay max %s is less than delay %s",
			b.reconnectionDelayMax, b.reconnectionDelay)
	}

	if b.logger == nil {
		b.logger = zap.NewNop()
	}

	return nil
}

func (b *TransportBuilder) resolveURL() (string, error) {
	if b.url == "" {
		return "", fmt.Errorf("URL is required")
	}

	u, err := url.Parse(b.url)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return "", fmt.Errorf("invalid URL %q: unsupported scheme %q", b.url, u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("invalid URL %q: missing host", b.url)
	}

	if u.Path == "" || u.Path == "/" {
		u.Path = b.path
	}

	return u.String(), nil
}

// Build creates the transport and starts its event dispatcher. The returned
// transport is disconnected; call Close when it is no longer needed.
func (b *TransportBuilder) Build() (*Transport, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	resolved, _ := b.resolveURL()

	clientID := b.clientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	headers := make(map[string][]string, len(b.headers))
	for key, values := range b.headers {
		headers[key] = values
	}

	t := &Transport{
		url:              resolved,
		logger:           b.logger.With(zap.String("client_id", clientID)),
		dialTimeout:      b.dialTimeout,
		writeTimeout:     b.writeTimeout,
		reconnection:     b.reconnection,
		attempts:         b.reconnectionAttempts,
		writeChannelSize: b.writeChannelSize,
		authProvider:     b.authProvider,
		headers:          headers,
		clientID:         clientID,
		backoff: &Backoff{
			Min:    b.reconnectionDelay,
			Max:    b.reconnectionDelayMax,
			Factor: 2,
			Jitter: b.randomizationFactor,
		},
		dial:   websocket.Dial,
		after:  time.After,
		queue:  newEventQueue(),
		closed: make(chan struct{}),
	}

	go t.dispatchLoop()

	return t, nil
}
