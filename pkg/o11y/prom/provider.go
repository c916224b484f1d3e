// Package prom implements o11y.MetricsProvider on top of the Prometheus
// client library.
package prom

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tsarna/gateway-client/pkg/o11y"
)

// Config configures the Prometheus provider.
type Config struct {
	// Namespace is the metrics namespace (default: "gwclient").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is where collectors are registered.
	// Default: a fresh prometheus.Registry
	Registry *prometheus.Registry
}

// Option configures the Prometheus provider.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "gwclient",
		Buckets:   prometheus.DefBuckets,
	}
}

// Provider creates Prometheus vectors on demand. Label names are fixed by the
// first use of a metric name; later observations with a different label set
// are dropped.
type Provider struct {
	config Config

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewProvider creates a new Prometheus-backed metrics provider.
func NewProvider(opts ...Option) *Provider {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}
	if len(config.Buckets) == 0 {
		config.Buckets = prometheus.DefBuckets
	}

	return &Provider{
		config:     config,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// Registry returns the registry the provider registers collectors with.
func (p *Provider) Registry() *prometheus.Registry {
	return p.config.Registry
}

// Handler returns an HTTP handler exposing the provider's registry.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.config.Registry, promhttp.HandlerOpts{})
}

// Counter returns a counter instrument.
func (p *Provider) Counter(name string) o11y.Counter {
	return &counter{provider: p, name: name}
}

// Histogram returns a histogram instrument.
func (p *Provider) Histogram(name string) o11y.Histogram {
	return &histogram{provider: p, name: name}
}

// Gauge returns a gauge instrument.
func (p *Provider) Gauge(name string) o11y.Gauge {
	return &gauge{provider: p, name: name}
}

func (p *Provider) counterVec(name string, keys []string) *prometheus.CounterVec {
	p.mu.Lock()
	defer p.mu.Unlock()

	if vec, ok := p.counters[name]; ok {
		return vec
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        name,
		Help:        helpFor(name),
		ConstLabels: p.config.ConstLabels,
	}, keys)
	if err := p.config.Registry.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				vec = existing
			}
		}
	}
	p.counters[name] = vec
	return vec
}

func (p *Provider) histogramVec(name string, keys []string) *prometheus.HistogramVec {
	p.mu.Lock()
	defer p.mu.Unlock()

	if vec, ok := p.histograms[name]; ok {
		return vec
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        name,
		Help:        helpFor(name),
		ConstLabels: p.config.ConstLabels,
		Buckets:     p.config.Buckets,
	}, keys)
	if err := p.config.Registry.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				vec = existing
			}
		}
	}
	p.histograms[name] = vec
	return vec
}

func (p *Provider) gaugeVec(name string, keys []string) *prometheus.GaugeVec {
	p.mu.Lock()
	defer p.mu.Unlock()

	if vec, ok := p.gauges[name]; ok {
		return vec
	}
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        name,
		Help:        helpFor(name),
		ConstLabels: p.config.ConstLabels,
	}, keys)
	if err := p.config.Registry.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				vec = existing
			}
		}
	}
	p.gauges[name] = vec
	return vec
}

type counter struct {
	provider *Provider
	name     string
}

func (c *counter) Add(_ context.Context, value int64, labels ...o11y.Label) {
	keys, values := split(labels)
	vec := c.provider.counterVec(c.name, keys)
	if m, err := vec.GetMetricWith(values); err == nil {
		m.Add(float64(value))
	}
}

type histogram struct {
	provider *Provider
	name     string
}

func (h *histogram) Record(_ context.Context, value float64, labels ...o11y.Label) {
	keys, values := split(labels)
	vec := h.provider.histogramVec(h.name, keys)
	if m, err := vec.GetMetricWith(values); err == nil {
		m.Observe(value)
	}
}

type gauge struct {
	provider *Provider
	name     string
}

func (g *gauge) Set(_ context.Context, value float64, labels ...o11y.Label) {
	keys, values := split(labels)
	vec := g.provider.gaugeVec(g.name, keys)
	if m, err := vec.GetMetricWith(values); err == nil {
		m.Set(value)
	}
}

// split returns sorted label names and the matching prometheus.Labels.
func split(labels []o11y.Label) ([]string, prometheus.Labels) {
	keys := make([]string, 0, len(labels))
	values := make(prometheus.Labels, len(labels))
	for _, l := range labels {
		if _, dup := values[l.Key]; !dup {
			keys = append(keys, l.Key)
		}
		values[l.Key] = l.Value
	}
	sort.Strings(keys)
	return keys, values
}

func helpFor(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}
