package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tsarna/posechannel/pkg/posechannel"
	"github.com/tsarna/posechannel/pkg/posechannel/websockets"
)

func TestTransportBuilder(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		builder := NewTransport()
		assert.Equal(t, DefaultURL, builder.url)
		assert.True(t, builder.reconnection)
		assert.Equal(t, time.Second, builder.reconnectionDelay)
		assert.Equal(t, 5*time.Second, builder.reconnectionDelayMax)
		assert.Equal(t, 5, builder.reconnectionAttempts)
		assert.Equal(t, 0.5, builder.randomizationFactor)
		assert.Equal(t, 100, builder.writeChannelSize)
		assert.NotNil(t, builder.logger)
	})

	t.Run("fluent interface returns same builder", func(t *testing.T) {
		builder := NewTransport()
		assert.Same(t, builder, builder.WithURL("http://localhost:5000"))
		assert.Same(t, builder, builder.WithPath("/pose/"))
		assert.Same(t, builder, builder.WithLogger(zap.NewNop()))
		assert.Same(t, builder, builder.WithDialTimeout(time.Second))
		assert.Same(t, builder, builder.WithWriteTimeout(time.Second))
		assert.Same(t, builder, builder.WithReconnection(false))
		assert.Same(t, builder, builder.WithReconnectionDelay(time.Second))
		assert.Same(t, builder, builder.WithReconnectionDelayMax(time.Second))
		assert.Same(t, builder, builder.WithReconnectionAttempts(3))
		assert.Same(t, builder, builder.WithRandomizationFactor(0.1))
		assert.Same(t, builder, builder.WithWriteChannelSize(10))
		assert.Same(t, builder, builder.WithAuthorization("Bearer token"))
		assert.Same(t, builder, builder.WithAuthorizationProvider(nil))
		assert.Same(t, builder, builder.WithHeaders(map[string][]string{"X-App": {"focus"}}))
		assert.Same(t, builder, builder.WithHeader("User-Agent", "posechannel"))
		assert.Same(t, builder, builder.WithClientID("client-1"))
	})

	t.Run("invalid values are ignored", func(t *testing.T) {
		builder := NewTransport().
			WithDialTimeout(-time.Second).
			WithReconnectionDelay(0).
			WithReconnectionDelayMax(-1).
			WithReconnectionAttempts(-1).
			WithRandomizationFactor(1.5).
			WithWriteChannelSize(0).
			WithLogger(nil)

		assert.Equal(t, DefaultDialTimeout, builder.dialTimeout)
		assert.Equal(t, DefaultReconnectionDelay, builder.reconnectionDelay)
		assert.Equal(t, DefaultReconnectionDelayMax, builder.reconnectionDelayMax)
		assert.Equal(t, DefaultReconnectionAttempts, builder.reconnectionAttempts)
		assert.Equal(t, DefaultRandomizationFactor, builder.randomizationFactor)
		assert.Equal(t, DefaultWriteChannelSize, builder.writeChannelSize)
		assert.NotNil(t, builder.logger)
	})

	t.Run("url resolution", func(t *testing.T) {
		cases := map[string]string{
			"http://localhost:5000":         "http://localhost:5000/socket.io/",
			"http://localhost:5000/":        "http://localhost:5000/socket.io/",
			"ws://example.com:8080/pose":    "ws://example.com:8080/pose",
			"wss://example.com/socket.io/":  "wss://example.com/socket.io/",
			"https://example.com?token=abc": "https://example.com/socket.io/?token=abc",
		}
		for input, expected := range cases {
			tr, err := NewTransport().WithURL(input).Build()
			require.NoError(t, err, input)
			assert.Equal(t, expected, tr.URL(), input)
			tr.Close()
		}
	})

	t.Run("custom default path", func(t *testing.T) {
		tr, err := NewTransport().WithURL("http://localhost:5000").WithPath("/pose/").Build()
		require.NoError(t, err)
		defer tr.Close()
		assert.Equal(t, "http://localhost:5000/pose/", tr.URL())
	})

	t.Run("invalid urls", func(t *testing.T) {
		for _, input := range []string{"", "localhost:5000", "ftp://localhost", "http://", "://bad"} {
			_, err := NewTransport().WithURL(input).Build()
			assert.Error(t, err, input)
		}
	})

	t.Run("delay max below delay", func(t *testing.T) {
		_, err := NewTransport().
			WithReconnectionDelay(3 * time.Second).
			WithReconnectionDelayMax(2 * time.Second).
			Build()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "less than delay")
	})

	t.Run("client id", func(t *testing.T) {
		generated, err := NewTransport().Build()
		require.NoError(t, err)
		defer generated.Close()
		assert.Len(t, generated.ClientID(), 36)

		fixed, err := NewTransport().WithClientID("headset-7").Build()
		require.NoError(t, err)
		defer fixed.Close()
		assert.Equal(t, "headset-7", fixed.ClientID())
	})
}

func TestTransportDisconnected(t *testing.T) {
	tr, err := NewTransport().Build()
	require.NoError(t, err)
	defer tr.Close()

	assert.False(t, tr.Connected())
	assert.ErrorIs(t, tr.Emit(posechannel.EventPoseUpdate, map[string]any{"x": 1}), posechannel.ErrNotConnected)

	assert.NotPanics(t, tr.Disconnect)
	assert.NotPanics(t, tr.Disconnect)
}

func TestReconnectionGivesUp(t *testing.T) {
	tr, err := NewTransport().WithURL("http://127.0.0.1:1").Build()
	require.NoError(t, err)
	defer tr.Close()

	dialer := &failingDialer{}
	timer := &instantTimer{}
	tr.dial = dialer.dial
	tr.after = timer.after

	client, err := posechannel.NewClient().WithTransport(tr).Build()
	require.NoError(t, err)
	defer client.Close()

	rec := newRecorder(tr)

	client.Connect()
	rec.waitFor(t, posechannel.EventReconnectFailed, 1)

	assert.Equal(t, 6, dialer.count())
	assert.Equal(t, 6, rec.count(posechannel.EventError))
	assert.Equal(t, []int{1, 2, 3, 4, 5}, rec.attempts(posechannel.EventReconnectAttempt))
	assert.Equal(t, []int{5}, rec.attempts(posechannel.EventReconnectFailed))

	delays := timer.delays()
	require.Len(t, delays, 5)
	for _, d := range delays {
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}

	require.Eventually(t, func() bool {
		return client.State() == posechannel.Disconnected
	}, time.Second, 5*time.Millisecond)

	// nothing further happens on its own
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 6, dialer.count())
	assert.Equal(t, posechannel.Disconnected, client.State())

	client.Connect()
	rec.waitFor(t, posechannel.EventReconnectFailed, 2)
	assert.Equal(t, 12, dialer.count())
}

func TestReconnectionDisabled(t *testing.T) {
	tr, err := NewTransport().WithURL("http://127.0.0.1:1").WithReconnection(false).Build()
	require.NoError(t, err)
	defer tr.Close()

	dialer := &failingDialer{}
	tr.dial = dialer.dial

	rec := newRecorder(tr)
	tr.Connect()
	rec.waitFor(t, posechannel.EventReconnectFailed, 1)

	assert.Equal(t, 1, dialer.count())
	assert.Equal(t, 0, rec.count(posechannel.EventReconnectAttempt))
}

func TestDisconnectStopsReconnection(t *testing.T) {
	tr, err := NewTransport().WithURL("http://127.0.0.1:1").Build()
	require.NoError(t, err)
	defer tr.Close()

	dialer := &failingDialer{}
	tr.dial = dialer.dial
	blocked := make(chan time.Time)
	tr.after = func(time.Duration) <-chan time.Time { return blocked }

	rec := newRecorder(tr)
	tr.Connect()
	rec.waitFor(t, posechannel.EventError, 1)

	tr.Disconnect()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, dialer.count())
	assert.Equal(t, 0, rec.count(posechannel.EventReconnectFailed))
	assert.Equal(t, 0, rec.count(posechannel.EventDisconnect))
}

func TestAuthorizationFailure(t *testing.T) {
	tr, err := NewTransport().
		WithURL("http://127.0.0.1:1").
		WithReconnection(false).
		WithAuthorizationProvider(func(ctx context.Context) (string, error) {
			return "", errors.New("no credentials")
		}).
		Build()
	require.NoError(t, err)
	defer tr.Close()

	dialer := &failingDialer{}
	tr.dial = dialer.dial

	rec := newRecorder(tr)
	tr.Connect()
	rec.waitFor(t, posechannel.EventError, 1)

	var transportErr *posechannel.TransportError
	require.ErrorAs(t, rec.events(posechannel.EventError)[0].Err, &transportErr)
	assert.Equal(t, "authorize", transportErr.Op)
	assert.Equal(t, 0, dialer.count())
}

func TestTransportWithServer(t *testing.T) {
	srv := newTestServer(t)

	tr, err := NewTransport().
		WithURL(srv.URL).
		WithClientID("headset-1").
		WithHeader("X-App", "focusflow").
		WithAuthorization("Bearer secret").
		Build()
	require.NoError(t, err)
	defer tr.Close()
	tr.after = (&instantTimer{}).after

	rec := newRecorder(tr)

	tr.Connect()
	tr.Connect() // no-op while connecting
	rec.waitFor(t, posechannel.EventConnect, 1)
	assert.True(t, tr.Connected())

	header := srv.nextHeader(t)
	assert.Equal(t, "headset-1", header.Get(ClientIDHeader))
	assert.Equal(t, "focusflow", header.Get("X-App"))
	assert.Equal(t, "Bearer secret", header.Get("Authorization"))
	assert.Equal(t, "/socket.io/", srv.path())

	t.Run("emit reaches server", func(t *testing.T) {
		require.NoError(t, tr.Emit(posechannel.EventPoseUpdate, map[string]any{"x": 1}))

		msg := srv.nextFrame(t)
		assert.Equal(t, websockets.EventPoseUpdate, msg.Event)
		assert.Equal(t, map[string]any{"x": float64(1)}, msg.Data)
	})

	t.Run("server error frame becomes error event", func(t *testing.T) {
		srv.send(t, `{"t":"error","e":"bad pose"}`)
		rec.waitFor(t, posechannel.EventError, 1)
		assert.Contains(t, rec.events(posechannel.EventError)[0].Err.Error(), "bad pose")
	})

	t.Run("reserved events from server are ignored", func(t *testing.T) {
		srv.send(t, `{"t":"disconnect"}`)
		srv.send(t, `{"t":"calibrate","d":{"mode":"fast"}}`)
		rec.waitFor(t, "calibrate", 1)
		assert.Equal(t, 0, rec.count(posechannel.EventDisconnect))
		assert.True(t, tr.Connected())
	})

	t.Run("server close triggers reconnection", func(t *testing.T) {
		srv.closeCurrent(t, websocket.StatusGoingAway, "restarting")

		rec.waitFor(t, posechannel.EventDisconnect, 1)
		assert.Equal(t, ReasonServerDisconnect, rec.events(posechannel.EventDisconnect)[0].Reason)

		rec.waitFor(t, posechannel.EventReconnectAttempt, 1)
		rec.waitFor(t, posechannel.EventConnect, 2)
		srv.nextHeader(t)
		assert.True(t, tr.Connected())
	})

	t.Run("disconnect flushes and closes", func(t *testing.T) {
		require.NoError(t, tr.Emit(posechannel.EventPoseUpdate, "last"))
		tr.Disconnect()

		assert.False(t, tr.Connected())
		assert.ErrorIs(t, tr.Emit(posechannel.EventPoseUpdate, "late"), posechannel.ErrNotConnected)

		rec.waitFor(t, posechannel.EventDisconnect, 2)
		assert.Equal(t, ReasonClientDisconnect, rec.events(posechannel.EventDisconnect)[1].Reason)

		msg := srv.nextFrame(t)
		assert.Equal(t, "last", msg.Data)

		tr.Disconnect()
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 2, rec.count(posechannel.EventDisconnect))
	})
}

func TestEventsAreDispatchedInOrder(t *testing.T) {
	tr, err := NewTransport().Build()
	require.NoError(t, err)
	defer tr.Close()

	rec := newRecorder(tr)

	s := &session{}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	defer s.cancel()

	tr.mu.Lock()
	tr.session = s
	tr.mu.Unlock()

	tr.push(s, posechannel.Event{Name: posechannel.EventError, Err: errors.New("first")})
	tr.push(s, posechannel.Event{Name: posechannel.EventReconnectAttempt, Attempt: 1})
	tr.push(s, posechannel.Event{Name: posechannel.EventError, Err: errors.New("second")})

	rec.waitFor(t, posechannel.EventError, 2)
	assert.Equal(t, []string{
		posechannel.EventError,
		posechannel.EventReconnectAttempt,
		posechannel.EventError,
	}, rec.names())

	stale := &session{}
	assert.False(t, tr.push(stale, posechannel.Event{Name: posechannel.EventError}))
}

func TestCloseStopsTransport(t *testing.T) {
	tr, err := NewTransport().WithURL("http://127.0.0.1:1").Build()
	require.NoError(t, err)

	dialer := &failingDialer{}
	tr.dial = dialer.dial

	client, err := posechannel.NewClient().WithTransport(tr).Build()
	require.NoError(t, err)
	defer client.Close()

	rec := newRecorder(tr)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	client.Connect()

	assert.Equal(t, posechannel.Disconnected, client.State())
	assert.Equal(t, []int{0}, rec.attempts(posechannel.EventReconnectFailed))
	require.Equal(t, 1, rec.count(posechannel.EventError))
	assert.ErrorIs(t, rec.events(posechannel.EventError)[0].Err, ErrClosed)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, dialer.count())
}

func TestPreviousSessionEventsAreDropped(t *testing.T) {
	tr, err := NewTransport().WithURL("http://127.0.0.1:1").Build()
	require.NoError(t, err)
	defer tr.Close()

	tr.dial = func(ctx context.Context, u string, opts *websocket.DialOptions) (*websocket.Conn, *http.Response, error) {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}

	client, err := posechannel.NewClient().WithTransport(tr).Build()
	require.NoError(t, err)
	defer client.Close()

	// hold the dispatcher so the next events stay queued
	release := make(chan struct{})
	tr.On("calibrate", func(posechannel.Event) { <-release })
	rec := newRecorder(tr)

	previous := &session{}
	previous.ctx, previous.cancel = context.WithCancel(context.Background())
	tr.mu.Lock()
	tr.session = previous
	tr.mu.Unlock()

	tr.push(previous, posechannel.Event{Name: "calibrate"})
	tr.giveUp(previous, 5)

	client.Connect()
	assert.Equal(t, posechannel.Connecting, client.State())

	tr.mu.Lock()
	current := tr.session
	tr.mu.Unlock()
	require.NotNil(t, current)
	require.NotSame(t, previous, current)

	close(release)
	tr.push(current, posechannel.Event{Name: "calibrate"})
	rec.waitFor(t, "calibrate", 1)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 0, rec.count(posechannel.EventReconnectFailed))
	assert.Equal(t, posechannel.Connecting, client.State())
}

func TestDisconnectReason(t *testing.T) {
	assert.Equal(t, ReasonTransportError, disconnectReason(errors.New("read: connection reset")))
	assert.Equal(t, ReasonServerDisconnect, disconnectReason(websocket.CloseError{Code: websocket.StatusGoingAway}))
	assert.Equal(t, ReasonServerDisconnect, disconnectReason(websocket.CloseError{Code: websocket.StatusServiceRestart}))
	assert.Equal(t, ReasonTransportClose, disconnectReason(websocket.CloseError{Code: websocket.StatusNormalClosure}))
}

// recorder collects transport events for assertions
type recorder struct {
	mu  sync.Mutex
	all []posechannel.Event
}

func newRecorder(tr *Transport) *recorder {
	r := &recorder{}
	for _, name := range []string{
		posechannel.EventConnect,
		posechannel.EventDisconnect,
		posechannel.EventError,
		posechannel.EventReconnectAttempt,
		posechannel.EventReconnectFailed,
		"calibrate",
	} {
		tr.On(name, r.record)
	}
	return r
}

func (r *recorder) record(ev posechannel.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, ev)
}

func (r *recorder) events(name string) []posechannel.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []posechannel.Event
	for _, ev := range r.all {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.all))
	for i, ev := range r.all {
		out[i] = ev.Name
	}
	return out
}

func (r *recorder) count(name string) int {
	return len(r.events(name))
}

func (r *recorder) attempts(name string) []int {
	var out []int
	for _, ev := range r.events(name) {
		out = append(out, ev.Attempt)
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, name string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.count(name) >= n
	}, 5*time.Second, 5*time.Millisecond, "waiting for %d %q events", n, name)
}

type failingDialer struct {
	mu    sync.Mutex
	calls int
}

func (d *failingDialer) dial(ctx context.Context, u string, opts *websocket.DialOptions) (*websocket.Conn, *http.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return nil, nil, errors.New("connection refused")
}

func (d *failingDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// instantTimer records requested delays and fires immediately
type instantTimer struct {
	mu       sync.Mutex
	requests []time.Duration
}

func (it *instantTimer) after(d time.Duration) <-chan time.Time {
	it.mu.Lock()
	it.requests = append(it.requests, d)
	it.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (it *instantTimer) delays() []time.Duration {
	it.mu.Lock()
	defer it.mu.Unlock()
	return append([]time.Duration(nil), it.requests...)
}

// testServer accepts WebSocket connections and records what it receives
type testServer struct {
	*httptest.Server
	frames  chan websockets.WireMessage
	headers chan http.Header

	mu       sync.Mutex
	current  *websocket.Conn
	lastPath string
}

func newTestServer(t *testing.T) *testServer {
	s := &testServer{
		frames:  make(chan websockets.WireMessage, 16),
		headers: make(chan http.Header, 4),
	}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		s.mu.Lock()
		s.current = conn
		s.lastPath = r.URL.Path
		s.mu.Unlock()
		s.headers <- r.Header.Clone()

		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			if msg, err := websockets.Decode(data); err == nil {
				s.frames <- msg
			}
		}
	}))
	t.Cleanup(s.Close)

	return s
}

func (s *testServer) nextHeader(t *testing.T) http.Header {
	t.Helper()
	select {
	case h := <-s.headers:
		return h
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handshake")
		return nil
	}
}

func (s *testServer) nextFrame(t *testing.T) websockets.WireMessage {
	t.Helper()
	select {
	case msg := <-s.frames:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return websockets.WireMessage{}
	}
}

func (s *testServer) path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPath
}

func (s *testServer) send(t *testing.T, frame string) {
	t.Helper()
	s.mu.Lock()
	conn := s.current
	s.mu.Unlock()
	require.NotNil(t, conn)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, []byte(frame)))
}

func (s *testServer) closeCurrent(t *testing.T, code websocket.StatusCode, reason string) {
	t.Helper()
	s.mu.Lock()
	conn := s.current
	s.mu.Unlock()
	require.NotNil(t, conn)
	go conn.Close(code, reason)
}
