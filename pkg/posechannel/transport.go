package posechannel

import (
	"errors"
	"fmt"
)

// Event names delivered by a Transport.
const (
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventError            = "error"
	EventReconnectAttempt = "reconnect_attempt"
	EventReconnectFailed  = "reconnect_failed"

	// EventPoseUpdate is the application message sent by SendPoseUpdate.
	EventPoseUpdate = "pose_update"
)

// ErrNotConnected is returned by Transport.Emit when the channel is down.
var ErrNotConnected = errors.New("channel is not connected")

// Event is a single notification dispatched by a Transport to its handlers.
type Event struct {
	Name    string
	Data    any    // payload of server-sent events
	Err     error  // set for EventError
	Reason  string // set for EventDisconnect
	Attempt int    // set for EventReconnectAttempt and EventReconnectFailed
}

// EventHandler receives transport events. Handlers run on the transport's
// dispatch goroutine and must not block.
type EventHandler func(Event)

// Transport is the capability set the Client needs from the underlying
// real-time channel. Connect and Disconnect never block on I/O; their
// outcome is reported through events.
type Transport interface {
	Connect()
	Disconnect()
	Emit(event string, data any) error
	On(event string, handler EventHandler) Subscription
}

// TransportError wraps a failure raised inside a Transport, such as a refused
// connection or a failed handshake.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
