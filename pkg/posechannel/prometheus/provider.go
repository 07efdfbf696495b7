// Package prometheus provides a Prometheus implementation of
// o11y.MetricsProvider.
package prometheus

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tsarna/posechannel/pkg/posechannel/o11y"
)

// Provider registers metrics in a Prometheus registry. Label names of a
// metric are fixed by the first observation; later observations fill
// missing labels with "" and drop unknown ones.
type Provider struct {
	registry *prometheus.Registry

	mu      sync.Mutex
	metrics map[string]any
}

// NewProvider creates a provider using registry, or a new registry when
// registry is nil.
func NewProvider(registry *prometheus.Registry) *Provider {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &Provider{
		registry: registry,
		metrics:  make(map[string]any),
	}
}

// Registry returns the underlying registry.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Provider) Counter(name string) o11y.Counter {
	return lookup(p, name, func() *counter { return &counter{vec: lazyVec{provider: p, name: name}} })
}

func (p *Provider) Histogram(name string) o11y.Histogram {
	return lookup(p, name, func() *histogram { return &histogram{vec: lazyVec{provider: p, name: name}} })
}

func (p *Provider) Gauge(name string) o11y.Gauge {
	return lookup(p, name, func() *gauge { return &gauge{vec: lazyVec{provider: p, name: name}} })
}

// lookup returns the metric already created under name when it has the
// requested kind, so repeated calls share one collector.
func lookup[M any](p *Provider, name string, create func() M) M {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.metrics[name].(M); ok {
		return existing
	}
	m := create()
	p.metrics[name] = m
	return m
}

// register adds c to the registry, reusing an identical collector that is
// already registered.
func (p *Provider) register(c prometheus.Collector) prometheus.Collector {
	if err := p.registry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
		return nil
	}
	return c
}

// lazyVec creates its collector on first use, once label names are known.
type lazyVec struct {
	provider *Provider
	name     string

	once sync.Once
	keys []string
	vec  prometheus.Collector
}

func (l *lazyVec) get(labels []o11y.Label, create func(keys []string) prometheus.Collector) (prometheus.Collector, []string) {
	l.once.Do(func() {
		keys := make([]string, 0, len(labels))
		for _, label := range labels {
			keys = append(keys, label.Key)
		}
		sort.Strings(keys)

		l.keys = keys
		l.vec = l.provider.register(create(keys))
	})
	return l.vec, l.values(labels)
}

func (l *lazyVec) values(labels []o11y.Label) []string {
	values := make([]string, len(l.keys))
	for i, key := range l.keys {
		for _, label := range labels {
			if label.Key == key {
				values[i] = label.Value
				break
			}
		}
	}
	return values
}

type counter struct {
	vec lazyVec
}

func (c *counter) Add(ctx context.Context, value int64, labels ...o11y.Label) {
	if value < 0 {
		return
	}
	collector, values := c.vec.get(labels, func(keys []string) prometheus.Collector {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: c.vec.name, Help: c.vec.name}, keys)
	})
	if vec, ok := collector.(*prometheus.CounterVec); ok {
		vec.WithLabelValues(values...).Add(float64(value))
	}
}

type histogram struct {
	vec lazyVec
}

func (h *histogram) Record(ctx context.Context, value float64, labels ...o11y.Label) {
	collector, values := h.vec.get(labels, func(keys []string) prometheus.Collector {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    h.vec.name,
			Help:    h.vec.name,
			Buckets: prometheus.DefBuckets,
		}, keys)
	})
	if vec, ok := collector.(*prometheus.HistogramVec); ok {
		vec.WithLabelValues(values...).Observe(value)
	}
}

type gauge struct {
	vec lazyVec
}

func (g *gauge) Set(ctx context.Context, value float64, labels ...o11y.Label) {
	collector, values := g.vec.get(labels, func(keys []string) prometheus.Collector {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: g.vec.name, Help: g.vec.name}, keys)
	})
	if vec, ok := collector.(*prometheus.GaugeVec); ok {
		vec.WithLabelValues(values...).Set(value)
	}
}
