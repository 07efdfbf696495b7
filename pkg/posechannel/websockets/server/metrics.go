package server

import (
	"context"
	"time"

	"github.com/tsarna/posechannel/pkg/posechannel/o11y"
)

// ServerMetrics holds the metric instruments of the pose server.
type ServerMetrics struct {
	activeConnections  o11y.Gauge
	totalConnections   o11y.Counter
	connectionDuration o11y.Histogram
	connectionErrors   o11y.Counter // upgrade and auth failures by error_type

	poseUpdates     o11y.Counter
	poseUpdateSize  o11y.Histogram
	handlerDuration o11y.Histogram
	messageErrors   o11y.Counter // malformed frames and handler failures by error_type
}

// NewServerMetrics creates ServerMetrics using the provided MetricsProvider.
// If the provider is nil, returns nil (no metrics will be collected).
func NewServerMetrics(provider o11y.MetricsProvider) *ServerMetrics {
	if provider == nil {
		return nil
	}

	return &ServerMetrics{
		activeConnections:  provider.Gauge("posechannel_server_active_connections"),
		totalConnections:   provider.Counter("posechannel_server_connections_total"),
		connectionDuration: provider.Histogram("posechannel_server_connection_duration_seconds"),
		connectionErrors:   provider.Counter("posechannel_server_connection_errors_total"),

		poseUpdates:     provider.Counter("posechannel_server_pose_updates_total"),
		poseUpdateSize:  provider.Histogram("posechannel_server_pose_update_size_bytes"),
		handlerDuration: provider.Histogram("posechannel_server_handler_duration_seconds"),
		messageErrors:   provider.Counter("posechannel_server_message_errors_total"),
	}
}

// RecordConnectionStart records a newly accepted connection.
func (m *ServerMetrics) RecordConnectionStart(ctx context.Context, active int) {
	if m == nil {
		return
	}
	m.totalConnections.Add(ctx, 1)
	m.activeConnections.Set(ctx, float64(active))
}

// RecordConnectionEnd records a closed connection and its duration.
func (m *ServerMetrics) RecordConnectionEnd(ctx context.Context, active int, duration time.Duration) {
	if m == nil {
		return
	}
	m.activeConnections.Set(ctx, float64(active))
	m.connectionDuration.Record(ctx, duration.Seconds())
}

// RecordConnectionError records a rejected or failed handshake.
func (m *ServerMetrics) RecordConnectionError(ctx context.Context, errorType string) {
	if m == nil {
		return
	}
	m.connectionErrors.Add(ctx, 1, o11y.Label{Key: "error_type", Value: errorType})
}

// RecordPoseUpdate records a handled pose update.
func (m *ServerMetrics) RecordPoseUpdate(ctx context.Context, sizeBytes int, duration time.Duration) {
	if m == nil {
		return
	}
	m.poseUpdates.Add(ctx, 1)
	m.poseUpdateSize.Record(ctx, float64(sizeBytes))
	m.handlerDuration.Record(ctx, duration.Seconds())
}

// RecordMessageError records a frame that could not be processed.
func (m *ServerMetrics) RecordMessageError(ctx context.Context, errorType string) {
	if m == nil {
		return
	}
	m.messageErrors.Add(ctx, 1, o11y.Label{Key: "error_type", Value: errorType})
}
