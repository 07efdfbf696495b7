// Package posechanneltest provides an in-memory Transport for testing code
// that depends on a posechannel.Client without opening network connections.
package posechanneltest

import (
	"sync"

	"github.com/tsarna/posechannel/pkg/posechannel"
)

// Message is a frame recorded by FakeTransport.Emit.
type Message struct {
	Event string
	Data  any
}

// FakeTransport implements posechannel.Transport in memory. Events are
// dispatched synchronously on the goroutine that triggers them, so the test
// plays the role of the event loop.
type FakeTransport struct {
	emitter posechannel.Emitter

	mu              sync.Mutex
	connected       bool
	connectCalls    int
	disconnectCalls int
	sent            []Message
	emitErr         error
}

var _ posechannel.Transport = (*FakeTransport)(nil)

// NewFakeTransport returns a disconnected FakeTransport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

// Connect records the request. Use SimulateConnect to complete it.
func (f *FakeTransport) Connect() {
	f.mu.Lock()
	f.connectCalls++
	f.mu.Unlock()
}

// Disconnect records the request and, if connected, dispatches a disconnect
// event with reason "client disconnect".
func (f *FakeTransport) Disconnect() {
	f.mu.Lock()
	f.disconnectCalls++
	wasConnected := f.connected
	f.connected = false
	f.mu.Unlock()

	if wasConnected {
		f.emitter.Dispatch(posechannel.Event{Name: posechannel.EventDisconnect, Reason: "client disconnect"})
	}
}

// Emit records the frame when connected.
func (f *FakeTransport) Emit(event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.connected {
		return posechannel.ErrNotConnected
	}
	if f.emitErr != nil {
		return f.emitErr
	}

	f.sent = append(f.sent, Message{Event: event, Data: data})
	return nil
}

// On registers a handler for the named event.
func (f *FakeTransport) On(event string, handler posechannel.EventHandler) posechannel.Subscription {
	return f.emitter.On(event, handler)
}

// SimulateConnect marks the transport connected and dispatches connect.
func (f *FakeTransport) SimulateConnect() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()

	f.emitter.Dispatch(posechannel.Event{Name: posechannel.EventConnect})
}

// SimulateDisconnect marks the transport disconnected and dispatches
// disconnect with the given reason.
func (f *FakeTransport) SimulateDisconnect(reason string) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()

	f.emitter.Dispatch(posechannel.Event{Name: posechannel.EventDisconnect, Reason: reason})
}

// SimulateError dispatches an error event wrapping err.
func (f *FakeTransport) SimulateError(err error) {
	f.emitter.Dispatch(posechannel.Event{
		Name: posechannel.EventError,
		Err:  &posechannel.TransportError{Op: "dial", Err: err},
	})
}

// SimulateReconnectAttempt dispatches reconnect_attempt.
func (f *FakeTransport) SimulateReconnectAttempt(attempt int) {
	f.emitter.Dispatch(posechannel.Event{Name: posechannel.EventReconnectAttempt, Attempt: attempt})
}

// SimulateReconnectFailed dispatches reconnect_failed.
func (f *FakeTransport) SimulateReconnectFailed(attempts int) {
	f.emitter.Dispatch(posechannel.Event{Name: posechannel.EventReconnectFailed, Attempt: attempts})
}

// FailEmits makes subsequent Emit calls return err. Pass nil to restore.
func (f *FakeTransport) FailEmits(err error) {
	f.mu.Lock()
	f.emitErr = err
	f.mu.Unlock()
}

// Sent returns a copy of the frames emitted so far.
func (f *FakeTransport) Sent() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

// ConnectCalls returns how many times Connect was called.
func (f *FakeTransport) ConnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

// DisconnectCalls returns how many times Disconnect was called.
func (f *FakeTransport) DisconnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnectCalls
}

// HandlerCount returns the number of handlers registered for event.
func (f *FakeTransport) HandlerCount(event string) int {
	return f.emitter.HandlerCount(event)
}
