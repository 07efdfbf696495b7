package prometheus

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsarna/posechannel/pkg/posechannel/o11y"
)

func gather(t *testing.T, p *Provider) map[string]*dto.MetricFamily {
	t.Helper()

	families, err := p.Registry().Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, family := range families {
		byName[family.GetName()] = family
	}
	return byName
}

func labelsOf(m *dto.Metric) map[string]string {
	labels := make(map[string]string)
	for _, pair := range m.GetLabel() {
		labels[pair.GetName()] = pair.GetValue()
	}
	return labels
}

func TestCounter(t *testing.T) {
	p := NewProvider(nil)
	ctx := context.Background()

	c := p.Counter("pose_drops_total")
	assert.Same(t, c, p.Counter("pose_drops_total"))

	c.Add(ctx, 2, o11y.Label{Key: "reason", Value: "not_connected"})
	c.Add(ctx, 1, o11y.Label{Key: "reason", Value: "send_failed"})
	c.Add(ctx, 3, o11y.Label{Key: "reason", Value: "not_connected"}, o11y.Label{Key: "extra", Value: "ignored"})
	c.Add(ctx, -5, o11y.Label{Key: "reason", Value: "not_connected"})

	family := gather(t, p)["pose_drops_total"]
	require.NotNil(t, family)
	assert.Equal(t, dto.MetricType_COUNTER, family.GetType())

	values := make(map[string]float64)
	for _, m := range family.GetMetric() {
		labels := labelsOf(m)
		assert.NotContains(t, labels, "extra")
		values[labels["reason"]] = m.GetCounter().GetValue()
	}
	assert.Equal(t, map[string]float64{"not_connected": 5, "send_failed": 1}, values)
}

func TestCounterMissingLabel(t *testing.T) {
	p := NewProvider(nil)
	ctx := context.Background()

	c := p.Counter("errors_total")
	c.Add(ctx, 1, o11y.Label{Key: "error_type", Value: "dial"})
	c.Add(ctx, 1)

	family := gather(t, p)["errors_total"]
	require.NotNil(t, family)
	require.Len(t, family.GetMetric(), 2)
}

func TestHistogramAndGauge(t *testing.T) {
	p := NewProvider(nil)
	ctx := context.Background()

	h := p.Histogram("handler_duration_seconds")
	h.Record(ctx, 0.002)
	h.Record(ctx, 0.5)

	g := p.Gauge("connected")
	g.Set(ctx, 1)
	g.Set(ctx, 0)

	families := gather(t, p)

	hist := families["handler_duration_seconds"].GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(2), hist.GetSampleCount())
	assert.InDelta(t, 0.502, hist.GetSampleSum(), 1e-9)

	assert.Equal(t, 0.0, families["connected"].GetMetric()[0].GetGauge().GetValue())
}

func TestHandler(t *testing.T) {
	p := NewProvider(nil)
	p.Counter("pose_updates_total").Add(context.Background(), 4)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pose_updates_total 4")
}
