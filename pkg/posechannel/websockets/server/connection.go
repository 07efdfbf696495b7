package server

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tsarna/posechannel/pkg/posechannel/o11y"
	"github.com/tsarna/posechannel/pkg/posechannel/websockets"
)

// Connection serves one pose client. Inbound frames are read and handled on
// the goroutine that called Start; outbound error frames and pings are
// written by a separate sender goroutine.
type Connection struct {
	ctx      context.Context
	conn     *websocket.Conn
	listener *Listener
	logger   *zap.Logger
	clientID string
	limiter  *rate.Limiter // nil when updates are not rate limited

	outbound chan []byte
	done     chan struct{}

	cleanupOnce sync.Once
}

func newConnection(ctx context.Context, conn *websocket.Conn, listener *Listener, clientID string) *Connection {
	var limiter *rate.Limiter
	if listener.config.rateLimit > 0 {
		limiter = rate.NewLimiter(listener.config.rateLimit, listener.config.rateBurst)
	}

	return &Connection{
		ctx:      ctx,
		conn:     conn,
		listener: listener,
		logger:   listener.logger.With(zap.String("client_id", clientID)),
		clientID: clientID,
		limiter:  limiter,
		outbound: make(chan []byte, listener.config.queueSize),
		done:     make(chan struct{}),
	}
}

// Start handles the connection and blocks until it is closed.
func (c *Connection) Start() {
	go c.messageSender()

	c.messageReader()

	c.cleanup()
}

func (c *Connection) messageSender() {
	var pingChan <-chan time.Time
	if c.listener.config.pingInterval > 0 {
		pingTicker := time.NewTicker(c.listener.config.pingInterval)
		defer pingTicker.Stop()
		pingChan = pingTicker.C
	}

	for {
		select {
		case frame := <-c.outbound:
			if err := c.write(frame); err != nil {
				c.logger.Debug("Failed to send frame", zap.Error(err))
				if websocket.CloseStatus(err) != -1 {
					return
				}
			}

		case <-pingChan:
			pingCtx, cancel := context.WithTimeout(c.ctx, c.listener.config.writeTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()

			if err != nil {
				c.logger.Warn("Ping failed, closing connection", zap.Error(err))
				c.conn.CloseNow()
				return
			}

		case <-c.done:
			return

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) write(frame []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, c.listener.config.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, frame)
}

func (c *Connection) messageReader() {
	c.conn.SetReadLimit(c.listener.config.readLimit)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				c.logger.Debug("Connection closed by client", zap.Int("close_status", int(status)))
			} else if c.ctx.Err() == nil {
				c.logger.Debug("Failed to read frame", zap.Error(err))
			}
			return
		}

		if len(data) == 0 {
			continue
		}

		msg, err := websockets.Decode(data)
		if err != nil {
			c.logger.Warn("Failed to parse incoming frame",
				zap.Error(err),
				zap.Int("data_length", len(data)),
			)
			c.listener.metrics.RecordMessageError(c.ctx, "invalid_frame")
			c.sendError("invalid frame")
			continue
		}

		switch msg.Event {
		case websockets.EventPoseUpdate:
			if c.limiter != nil && !c.limiter.Allow() {
				c.logger.Debug("Dropping pose update over rate limit")
				c.listener.metrics.RecordMessageError(c.ctx, "rate_limited")
				continue
			}
			c.handlePoseUpdate(len(data), msg.Data)
		default:
			c.logger.Debug("Ignoring unsupported event", zap.String("event", msg.Event))
		}
	}
}

func (c *Connection) handlePoseUpdate(size int, data any) {
	ctx, span := o11y.StartSpan(c.ctx, c.listener.config.tracingProvider, websockets.EventPoseUpdate)
	defer span.End()
	span.SetAttributes(o11y.Label{Key: "client_id", Value: c.clientID})

	start := time.Now()
	err := c.listener.config.handler.OnPoseUpdate(ctx, c.clientID, data)
	if err != nil {
		span.SetStatus(o11y.SpanStatusError, err.Error())
		c.logger.Warn("Pose handler failed", zap.Error(err))
		c.listener.metrics.RecordMessageError(ctx, "handler")
		c.sendError(err.Error())
		return
	}

	span.SetStatus(o11y.SpanStatusOK, "")
	c.listener.poseUpdates.Add(1)
	c.listener.metrics.RecordPoseUpdate(ctx, size, time.Since(start))
}

// sendError queues an error frame, dropping it if the queue is full.
func (c *Connection) sendError(description string) {
	frame, err := websockets.EncodeError(description)
	if err != nil {
		return
	}

	select {
	case c.outbound <- frame:
	default:
		c.logger.Warn("Outbound channel full, dropping error frame")
	}
}

func (c *Connection) cleanup() {
	c.cleanupOnce.Do(func() {
		close(c.done)

		if err := c.conn.Close(websocket.StatusNormalClosure, "Connection closed"); err != nil {
			c.logger.Debug("WebSocket close error (may be expected)", zap.Error(err))
		}
	})
}

// shutdownClose closes the connection with a specific code so the client
// learns why it was dropped. The reader then exits and cleanup runs.
func (c *Connection) shutdownClose(code websocket.StatusCode, reason string) {
	if err := c.conn.Close(code, reason); err != nil {
		c.logger.Debug("Error closing WebSocket during shutdown", zap.Error(err))
	}
}
