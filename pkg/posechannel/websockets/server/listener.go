// Package server implements a reference receiver for the pose channel. It
// accepts WebSocket connections, decodes pose_update events and hands them
// to a PoseHandler, and serves a small REST status endpoint.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/tsarna/posechannel/pkg/posechannel/auth"
	"github.com/tsarna/posechannel/pkg/posechannel/websockets"
)

const (
	// ChannelPath is where the WebSocket endpoint is mounted by Handler.
	ChannelPath = "/socket.io/"

	// StatusPath is where the REST status endpoint is mounted by Handler.
	StatusPath = "/api/status"
)

// Status is the body returned by ServeStatus.
type Status struct {
	Connections int   `json:"connections"`
	PoseUpdates int64 `json:"pose_updates"`
}

// Listener handles incoming pose channel connections. It manages the
// lifecycle of each connection, handshake authentication, and delivery of
// pose updates to the configured PoseHandler.
type Listener struct {
	config  *ListenerConfig
	logger  *zap.Logger
	metrics *ServerMetrics

	poseUpdates atomic.Int64

	// Connection tracking for graceful shutdown
	connections  map[*Connection]struct{}
	connMutex    sync.RWMutex
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// newListener creates a new listener from the provided configuration.
// Use NewListenerConfig().Build() instead.
func newListener(config *ListenerConfig) *Listener {
	return &Listener{
		config:      config,
		logger:      config.logger,
		metrics:     NewServerMetrics(config.metricsProvider),
		connections: make(map[*Connection]struct{}),
		shutdown:    make(chan struct{}),
	}
}

// Handler returns an http.Handler serving the channel on ChannelPath and
// the status endpoint on StatusPath.
func (l *Listener) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ChannelPath, l.ServeWebsocket)
	mux.HandleFunc(StatusPath, l.ServeStatus)
	return mux
}

// ServeWebsocket upgrades the request and serves the connection until it
// closes. It can be plugged directly into any net/http router.
func (l *Listener) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var claims *auth.Claims
	if l.config.verifier != nil {
		var err error
		claims, err = l.config.verifier.VerifyHeader(r.Header.Get("Authorization"))
		if err != nil {
			l.logger.Warn("Rejecting unauthorized pose channel connection",
				zap.Error(err),
				zap.String("remote_addr", r.RemoteAddr),
			)
			l.metrics.RecordConnectionError(ctx, "unauthorized")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		l.logger.Error("Failed to accept WebSocket connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()),
		)
		l.metrics.RecordConnectionError(ctx, "upgrade_failed")
		return
	}

	select {
	case <-l.shutdown:
		l.logger.Debug("Rejecting new connection due to shutdown")
		conn.Close(websocket.StatusServiceRestart, "Server shutting down")
		return
	default:
	}

	clientID := clientIdentity(r, claims)
	connection := newConnection(ctx, conn, l, clientID)

	l.connMutex.Lock()
	l.connections[connection] = struct{}{}
	connCount := len(l.connections)
	l.connMutex.Unlock()

	l.metrics.RecordConnectionStart(ctx, connCount)
	l.logger.Info("Pose client connected",
		zap.String("client_id", clientID),
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("active_connections", connCount),
	)

	started := time.Now()
	connection.Start()

	l.connMutex.Lock()
	delete(l.connections, connection)
	connCount = len(l.connections)
	l.connMutex.Unlock()

	l.metrics.RecordConnectionEnd(ctx, connCount, time.Since(started))
	l.logger.Info("Pose client disconnected",
		zap.String("client_id", clientID),
		zap.Int("active_connections", connCount),
	)
}

func clientIdentity(r *http.Request, claims *auth.Claims) string {
	if id := r.Header.Get(websockets.ClientIDHeader); id != "" {
		return id
	}
	if claims != nil && claims.Subject != "" {
		return claims.Subject
	}
	return r.RemoteAddr
}

// ServeStatus writes the current Status as JSON.
func (l *Listener) ServeStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(l.Status()); err != nil {
		l.logger.Debug("Failed to write status response", zap.Error(err))
	}
}

// Status returns a snapshot of the listener's counters.
func (l *Listener) Status() Status {
	return Status{
		Connections: l.ConnectionCount(),
		PoseUpdates: l.poseUpdates.Load(),
	}
}

// Shutdown stops accepting connections, closes the active ones with
// StatusGoingAway and waits until they are gone or ctx is done.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.shutdownOnce.Do(func() {
		l.logger.Info("Starting graceful pose channel shutdown")

		close(l.shutdown)

		l.connMutex.RLock()
		connections := make([]*Connection, 0, len(l.connections))
		for conn := range l.connections {
			connections = append(connections, conn)
		}
		l.connMutex.RUnlock()

		if len(connections) == 0 {
			l.logger.Info("No active connections to close")
			return
		}

		l.logger.Info("Closing active pose channel connections",
			zap.Int("connection_count", len(connections)),
		)

		for _, conn := range connections {
			go conn.shutdownClose(websocket.StatusGoingAway, "Server shutting down")
		}
	})

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		remaining := l.ConnectionCount()
		if remaining == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			l.logger.Warn("Shutdown timeout reached with active connections",
				zap.Int("remaining_connections", remaining),
			)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ConnectionCount returns the current number of active connections.
func (l *Listener) ConnectionCount() int {
	l.connMutex.RLock()
	defer l.connMutex.RUnlock()
	return len(l.connections)
}
