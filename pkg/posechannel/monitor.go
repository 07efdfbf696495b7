package posechannel

import (
	"context"

	"github.com/tsarna/posechannel/pkg/posechannel/o11y"
)

// Monitor receives Client lifecycle and delivery notifications.
// Implementations must be safe for concurrent use and must not block.
type Monitor interface {
	OnStateChange(ctx context.Context, from, to ConnectionState)
	OnPoseSent(ctx context.Context)
	OnPoseDropped(ctx context.Context, reason string)
	OnTransportError(ctx context.Context, err error)
}

// Reasons passed to Monitor.OnPoseDropped.
const (
	DropReasonNotConnected = "not_connected"
	DropReasonSendFailed   = "send_failed"
)

// MetricsMonitor is a Monitor that records channel metrics.
type MetricsMonitor struct {
	stateTransitions o11y.Counter // transitions by target state
	connected        o11y.Gauge   // 1 while Connected, else 0
	posesSent        o11y.Counter
	posesDropped     o11y.Counter // drops by reason
	transportErrors  o11y.Counter
}

// NewMetricsMonitor creates a MetricsMonitor using the provided MetricsProvider.
// If the provider is nil, returns nil (no metrics will be collected).
func NewMetricsMonitor(provider o11y.MetricsProvider) *MetricsMonitor {
	if provider == nil {
		return nil
	}

	return &MetricsMonitor{
		stateTransitions: provider.Counter("posechannel_state_transitions_total"),
		connected:        provider.Gauge("posechannel_connected"),
		posesSent:        provider.Counter("posechannel_pose_updates_sent_total"),
		posesDropped:     provider.Counter("posechannel_pose_updates_dropped_total"),
		transportErrors:  provider.Counter("posechannel_transport_errors_total"),
	}
}

func (m *MetricsMonitor) OnStateChange(ctx context.Context, from, to ConnectionState) {
	if m == nil {
		return
	}
	m.stateTransitions.Add(ctx, 1, o11y.Label{Key: "to", Value: to.String()})
	if to == Connected {
		m.connected.Set(ctx, 1)
	} else {
		m.connected.Set(ctx, 0)
	}
}

func (m *MetricsMonitor) OnPoseSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.posesSent.Add(ctx, 1)
}

func (m *MetricsMonitor) OnPoseDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.posesDropped.Add(ctx, 1, o11y.Label{Key: "reason", Value: reason})
}

func (m *MetricsMonitor) OnTransportError(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.transportErrors.Add(ctx, 1)
}
