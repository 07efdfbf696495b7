package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// PoseHandler receives pose updates decoded by the Listener. It is called
// from the connection's read goroutine, so updates from one client arrive in
// order.
type PoseHandler interface {
	OnPoseUpdate(ctx context.Context, clientID string, data any) error
}

// PoseHandlerFunc adapts a function to PoseHandler.
type PoseHandlerFunc func(ctx context.Context, clientID string, data any) error

func (f PoseHandlerFunc) OnPoseUpdate(ctx context.Context, clientID string, data any) error {
	return f(ctx, clientID, data)
}

// LoggingHandler is a PoseHandler that logs every update.
type LoggingHandler struct {
	logger   *zap.Logger
	logLevel zapcore.Level
}

// NewLoggingHandler creates a LoggingHandler logging at logLevel.
func NewLoggingHandler(logger *zap.Logger, logLevel zapcore.Level) *LoggingHandler {
	return &LoggingHandler{
		logger:   logger,
		logLevel: logLevel,
	}
}

func (l *LoggingHandler) OnPoseUpdate(ctx context.Context, clientID string, data any) error {
	var fields []zap.Field
	fields = append(fields, zap.String("client_id", clientID))

	switch v := data.(type) {
	case map[string]any:
		fields = append(fields, zap.Any("pose", v), zap.Int("fieldCount", len(v)))
	case nil:
		fields = append(fields, zap.String("pose", "<nil>"))
	default:
		fields = append(fields, zap.String("pose", fmt.Sprintf("%v", v)))
	}

	l.logger.Log(l.logLevel, "Pose update received", fields...)
	return nil
}

// MultiHandler fans an update out to several handlers, stopping at the first
// error.
type MultiHandler []PoseHandler

func (m MultiHandler) OnPoseUpdate(ctx context.Context, clientID string, data any) error {
	for _, h := range m {
		if err := h.OnPoseUpdate(ctx, clientID, data); err != nil {
			return err
		}
	}
	return nil
}
