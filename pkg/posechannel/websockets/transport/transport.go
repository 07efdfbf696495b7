// Package transport implements posechannel.Transport over a WebSocket
// connection, including the bounded reconnection policy.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/tsarna/posechannel/pkg/posechannel"
	"github.com/tsarna/posechannel/pkg/posechannel/websockets"
)

// ErrClosed is reported when Connect is called after Close.
var ErrClosed = errors.New("transport is closed")

// Disconnect reasons reported on posechannel.EventDisconnect.
const (
	ReasonClientDisconnect = "client disconnect"
	ReasonServerDisconnect = "io server disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
)

type dialFunc func(ctx context.Context, u string, opts *websocket.DialOptions) (*websocket.Conn, *http.Response, error)

// Transport is a WebSocket implementation of posechannel.Transport.
// Connect starts a background session that dials, serves the connection and
// reconnects with exponential backoff after failures. All events are
// dispatched, in order, from a single goroutine.
type Transport struct {
	// Configuration
	url              string
	logger           *zap.Logger
	dialTimeout      time.Duration
	writeTimeout     time.Duration
	reconnection     bool
	attempts         int
	backoff          *Backoff
	writeChannelSize int
	authProvider     AuthorizationProvider
	headers          map[string][]string
	clientID         string

	dial  dialFunc
	after func(time.Duration) <-chan time.Time

	// Event dispatch
	emitter   posechannel.Emitter
	queue     *eventQueue
	closed    chan struct{}
	closeOnce sync.Once

	// Connection state
	mu      sync.Mutex
	session *session
	writeCh chan []byte // non-nil only while connected
}

var _ posechannel.Transport = (*Transport)(nil)

// session is one Connect..Disconnect cycle, spanning any reconnections.
type session struct {
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool // guarded by Transport.mu
}

// URL returns the resolved endpoint.
func (t *Transport) URL() string {
	return t.url
}

// ClientID returns the identifier sent on every handshake.
func (t *Transport) ClientID() string {
	return t.clientID
}

// Connect starts connecting in the background. It is a no-op while a
// session is already connecting, connected or reconnecting. On a closed
// transport it delivers an error followed by reconnect_failed, directly
// from the calling goroutine.
func (t *Transport) Connect() {
	if t.isClosed() {
		t.logger.Warn("Connect called on closed transport", zap.String("url", t.url))
		t.emitter.Dispatch(posechannel.Event{
			Name: posechannel.EventError,
			Err:  &posechannel.TransportError{Op: "connect", URL: t.url, Err: ErrClosed},
		})
		t.emitter.Dispatch(posechannel.Event{Name: posechannel.EventReconnectFailed})
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{ctx: ctx, cancel: cancel}
	t.session = s

	t.logger.Debug("Starting WebSocket session", zap.String("url", t.url))

	go t.run(s)
}

// Disconnect stops the current session, including pending reconnection.
// Frames already queued are flushed before the socket is closed. Calling it
// with no active session is a no-op.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	s := t.session
	t.session = nil
	if s != nil && s.connected {
		s.connected = false
		t.writeCh = nil
		t.queue.push(s, posechannel.Event{Name: posechannel.EventDisconnect, Reason: ReasonClientDisconnect})
	}
	t.mu.Unlock()

	if s == nil {
		return
	}

	t.logger.Debug("Stopping WebSocket session")
	s.cancel()
}

// Connected reports whether a WebSocket connection is currently established.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeCh != nil
}

// Emit queues an event frame for writing. It returns
// posechannel.ErrNotConnected when no connection is established.
func (t *Transport) Emit(event string, data any) error {
	t.mu.Lock()
	writeCh := t.writeCh
	t.mu.Unlock()

	if writeCh == nil {
		return posechannel.ErrNotConnected
	}

	frame, err := websockets.Encode(event, data)
	if err != nil {
		return err
	}

	select {
	case writeCh <- frame:
		return nil
	default:
		return fmt.Errorf("write channel is full")
	}
}

// On registers handler for the named event.
func (t *Transport) On(event string, handler posechannel.EventHandler) posechannel.Subscription {
	return t.emitter.On(event, handler)
}

// Close disconnects and stops the event dispatcher once pending events have
// been delivered. A closed transport cannot be reconnected.
func (t *Transport) Close() error {
	t.Disconnect()
	t.closeOnce.Do(func() {
		close(t.closed)
	})
	return nil
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// run drives one session until it is cancelled or reconnection gives up.
func (t *Transport) run(s *session) {
	attempt := 0

	for {
		conn, err := t.dialOnce(s.ctx)
		if err == nil {
			attempt = 0

			writeCh := make(chan []byte, t.writeChannelSize)
			if !t.attach(s, writeCh) {
				conn.Close(websocket.StatusNormalClosure, ReasonClientDisconnect)
				return
			}

			err = t.serve(s, conn, writeCh)
			if s.ctx.Err() != nil {
				return
			}

			t.logger.Warn("WebSocket connection lost", zap.Error(err))
			t.detach(s, err)
		} else {
			if s.ctx.Err() != nil {
				return
			}

			t.logger.Debug("WebSocket dial failed", zap.Error(err), zap.Int("attempt", attempt))
			if !t.push(s, posechannel.Event{Name: posechannel.EventError, Err: err}) {
				return
			}
		}

		if !t.reconnection || attempt >= t.attempts {
			t.giveUp(s, attempt)
			return
		}

		delay := t.backoff.Duration(attempt)
		attempt++

		select {
		case <-s.ctx.Done():
			return
		case <-t.after(delay):
		}

		t.logger.Debug("Reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		if !t.push(s, posechannel.Event{Name: posechannel.EventReconnectAttempt, Attempt: attempt}) {
			return
		}
	}
}

func (t *Transport) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()

	header := http.Header{}
	for key, values := range t.headers {
		header[http.CanonicalHeaderKey(key)] = append([]string(nil), values...)
	}
	header.Set(ClientIDHeader, t.clientID)

	// Authorization from the provider overrides a custom Authorization header
	if t.authProvider != nil {
		authValue, err := t.authProvider(dialCtx)
		if err != nil {
			return nil, &posechannel.TransportError{Op: "authorize", URL: t.url, Err: err}
		}
		if authValue != "" {
			header.Set("Authorization", authValue)
		}
	}

	conn, _, err := t.dial(dialCtx, t.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, &posechannel.TransportError{Op: "dial", URL: t.url, Err: err}
	}

	return conn, nil
}

// attach publishes a new connection unless the session was stopped while dialing.
func (t *Transport) attach(s *session, writeCh chan []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session != s || s.ctx.Err() != nil {
		return false
	}

	s.connected = true
	t.writeCh = writeCh
	t.queue.push(s, posechannel.Event{Name: posechannel.EventConnect})

	t.logger.Info("WebSocket transport connected", zap.String("url", t.url))
	return true
}

// detach reports an unexpected loss of the session's connection.
func (t *Transport) detach(s *session, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session != s || !s.connected {
		return
	}

	s.connected = false
	t.writeCh = nil
	t.queue.push(s, posechannel.Event{Name: posechannel.EventDisconnect, Reason: disconnectReason(err)})
}

func (t *Transport) giveUp(s *session, attempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session != s {
		return
	}

	t.session = nil
	s.cancel()
	t.queue.push(s, posechannel.Event{Name: posechannel.EventReconnectFailed, Attempt: attempts})

	t.logger.Warn("Giving up reconnecting", zap.Int("attempts", attempts))
}

// push queues ev if s is still the active session.
func (t *Transport) push(s *session, ev posechannel.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session != s {
		return false
	}
	t.queue.push(s, ev)
	return true
}

func disconnectReason(err error) string {
	switch websocket.CloseStatus(err) {
	case -1:
		return ReasonTransportError
	case websocket.StatusGoingAway, websocket.StatusServiceRestart:
		return ReasonServerDisconnect
	default:
		return ReasonTransportClose
	}
}

// serve runs the read and write loops for conn and returns the error that
// ended the connection.
func (t *Transport) serve(s *session, conn *websocket.Conn, writeCh chan []byte) error {
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- t.writeLoop(s.ctx, connCtx, conn, writeCh)
	}()

	err := t.readLoop(s, connCtx, conn)
	connCancel()
	conn.CloseNow()

	if werr := <-writeErr; werr != nil {
		return werr
	}
	return err
}

// readLoop processes incoming frames until the connection fails.
func (t *Transport) readLoop(s *session, ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		msg, err := websockets.Decode(data)
		if err != nil {
			t.logger.Warn("Failed to decode WebSocket frame", zap.Error(err))
			continue
		}

		switch msg.Event {
		case posechannel.EventConnect, posechannel.EventDisconnect,
			posechannel.EventReconnectAttempt, posechannel.EventReconnectFailed:
			t.logger.Warn("Ignoring reserved event from server", zap.String("event", msg.Event))
			continue
		case websockets.EventError:
			t.push(s, posechannel.Event{
				Name: posechannel.EventError,
				Data: msg.Data,
				Err:  &posechannel.TransportError{Op: "server", URL: t.url, Err: errors.New(msg.Error)},
			})
		default:
			t.push(s, posechannel.Event{Name: msg.Event, Data: msg.Data})
		}
	}
}

// writeLoop writes queued frames. When the session is stopped it flushes
// what is already queued and closes the socket normally.
func (t *Transport) writeLoop(sessionCtx, connCtx context.Context, conn *websocket.Conn, writeCh chan []byte) error {
	for {
		select {
		case frame := <-writeCh:
			if err := t.write(connCtx, conn, frame); err != nil {
				if connCtx.Err() == nil {
					t.logger.Error("Failed to write to WebSocket", zap.Error(err))
					conn.CloseNow()
					return err
				}
				return nil
			}
		case <-sessionCtx.Done():
			t.flush(connCtx, conn, writeCh)
			if err := conn.Close(websocket.StatusNormalClosure, ReasonClientDisconnect); err != nil {
				t.logger.Debug("WebSocket close error (may be expected)", zap.Error(err))
			}
			return nil
		case <-connCtx.Done():
			return nil
		}
	}
}

func (t *Transport) flush(ctx context.Context, conn *websocket.Conn, writeCh chan []byte) {
	for {
		select {
		case frame := <-writeCh:
			if err := t.write(ctx, conn, frame); err != nil {
				t.logger.Debug("Dropping queued frames on disconnect", zap.Error(err))
				return
			}
		default:
			return
		}
	}
}

func (t *Transport) write(ctx context.Context, conn *websocket.Conn, frame []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, frame)
}

// dispatchLoop delivers queued events to handlers, one at a time.
func (t *Transport) dispatchLoop() {
	for {
		select {
		case <-t.queue.signal:
			t.dispatchPending()
		case <-t.closed:
			t.dispatchPending()
			return
		}
	}
}

func (t *Transport) dispatchPending() {
	for _, item := range t.queue.drain() {
		if t.superseded(item.session) {
			t.logger.Debug("Dropping event from previous session", zap.String("event", item.event.Name))
			continue
		}
		t.emitter.Dispatch(item.event)
	}
}

// superseded reports whether a newer session has started since s. Events
// from s no longer describe the channel once that happens.
func (t *Transport) superseded(s *session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session != nil && t.session != s
}

type queuedEvent struct {
	session *session
	event   posechannel.Event
}

// eventQueue is an unbounded FIFO so that producers never block on slow
// handlers.
type eventQueue struct {
	mu     sync.Mutex
	items  []queuedEvent
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(s *session, ev posechannel.Event) {
	q.mu.Lock()
	q.items = append(q.items, queuedEvent{session: s, event: ev})
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []queuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}
