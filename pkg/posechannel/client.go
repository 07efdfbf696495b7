package posechannel

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// StateChangeHandler is called after the client's ConnectionState changes.
type StateChangeHandler func(from, to ConnectionState)

// Client manages one channel's lifecycle and provides a fire-and-forget
// pose update send. Create it with NewClient().Build().
type Client struct {
	transport Transport
	logger    *zap.Logger
	monitor   Monitor

	state atomic.Int32

	subsMu sync.Mutex
	subs   []Subscription

	listeners Emitter
}

const stateChangeEvent = "state_change"

func (c *Client) subscribe() {
	c.subs = []Subscription{
		c.transport.On(EventConnect, c.handleConnect),
		c.transport.On(EventDisconnect, c.handleDisconnect),
		c.transport.On(EventError, c.handleError),
		c.transport.On(EventReconnectAttempt, c.handleReconnectAttempt),
		c.transport.On(EventReconnectFailed, c.handleReconnectFailed),
	}
}

// State returns the current ConnectionState.
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Connected reports whether the channel is currently Connected.
func (c *Client) Connected() bool {
	return c.State() == Connected
}

// Connect asks the transport to open the channel. It returns immediately;
// success or failure is observed through state changes and logs.
func (c *Client) Connect() {
	if c.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		c.logger.Debug("Connecting to server")
		c.notifyStateChange(Disconnected, Connecting)
	}
	c.transport.Connect()
}

// Disconnect asks the transport to tear down the channel. Calling it while
// already disconnected is a no-op.
func (c *Client) Disconnect() {
	c.transport.Disconnect()
	c.setState(Disconnected)
}

// SendPoseUpdate transmits data as a pose_update event if the channel is
// Connected, and silently drops it otherwise. It never blocks on I/O and
// never reports delivery.
func (c *Client) SendPoseUpdate(data any) {
	ctx := context.Background()

	if c.State() != Connected {
		c.logger.Debug("Dropping pose update, channel not connected",
			zap.Stringer("state", c.State()),
		)
		if c.monitor != nil {
			c.monitor.OnPoseDropped(ctx, DropReasonNotConnected)
		}
		return
	}

	if err := c.transport.Emit(EventPoseUpdate, data); err != nil {
		c.logger.Warn("Failed to send pose update", zap.Error(err))
		if c.monitor != nil {
			c.monitor.OnPoseDropped(ctx, DropReasonSendFailed)
		}
		return
	}

	if c.monitor != nil {
		c.monitor.OnPoseSent(ctx)
	}
}

// OnStateChange registers fn to be called after every state transition.
func (c *Client) OnStateChange(fn StateChangeHandler) Subscription {
	return c.listeners.On(stateChangeEvent, func(ev Event) {
		change := ev.Data.([2]ConnectionState)
		fn(change[0], change[1])
	})
}

// Close releases the client's transport subscriptions. The transport itself
// is owned by the caller and is not closed.
func (c *Client) Close() {
	c.subsMu.Lock()
	subs := c.subs
	c.subs = nil
	c.subsMu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (c *Client) setState(to ConnectionState) {
	from := ConnectionState(c.state.Swap(int32(to)))
	if from != to {
		c.notifyStateChange(from, to)
	}
}

func (c *Client) notifyStateChange(from, to ConnectionState) {
	if c.monitor != nil {
		c.monitor.OnStateChange(context.Background(), from, to)
	}
	c.listeners.Dispatch(Event{Name: stateChangeEvent, Data: [2]ConnectionState{from, to}})
}

func (c *Client) handleConnect(ev Event) {
	c.logger.Info("Connected to server")
	c.setState(Connected)
}

func (c *Client) handleDisconnect(ev Event) {
	c.logger.Info("Disconnected from server", zap.String("reason", ev.Reason))
	c.setState(Disconnected)
}

func (c *Client) handleError(ev Event) {
	c.logger.Error("Socket error", zap.Error(ev.Err))
	if c.monitor != nil {
		c.monitor.OnTransportError(context.Background(), ev.Err)
	}
}

func (c *Client) handleReconnectAttempt(ev Event) {
	c.logger.Debug("Reconnecting to server", zap.Int("attempt", ev.Attempt))
}

func (c *Client) handleReconnectFailed(ev Event) {
	c.logger.Warn("Giving up reconnecting to server", zap.Int("attempts", ev.Attempt))
	c.setState(Disconnected)
}
