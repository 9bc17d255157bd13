package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// OTelProviderOptions configures OTelProvider construction.
type OTelProviderOptions struct {
	ServiceName string // meter name; empty means "autoratectl"
}

// otelProvider implements Provider on an OpenTelemetry MeterProvider.
// Gauges are simulated via an UpDownCounter: Set applies the delta between
// the new and last-known value, since OTel has no native "set" semantics.
type otelProvider struct {
	mp    *sdkmetric.MeterProvider
	meter metric.Meter
}

// NewOTelProvider returns a Provider backed by an OpenTelemetry SDK
// MeterProvider. Exporters and views are the caller's responsibility; this
// keeps the default zero-config (no exporter registered, metrics are
// computed but not shipped).
func NewOTelProvider(opts OTelProviderOptions) Provider {
	mp := sdkmetric.NewMeterProvider()
	name := opts.ServiceName
	if name == "" {
		name = "autoratectl"
	}
	return &otelProvider{mp: mp, meter: mp.Meter(name)}
}

func (p *otelProvider) NewCounter(opts CounterOpts) Counter {
	name := buildOTelName(opts.CommonOpts)
	inst, err := p.meter.Float64Counter(name, metric.WithDescription(opts.Help))
	if err != nil {
		return noopCounter{}
	}
	return &otelCounter{c: inst, labelKeys: opts.Labels}
}

func (p *otelProvider) NewGauge(opts GaugeOpts) Gauge {
	name := buildOTelName(opts.CommonOpts)
	inst, err := p.meter.Float64UpDownCounter(name, metric.WithDescription(opts.Help))
	if err != nil {
		return noopGauge{}
	}
	return &otelGauge{g: inst, labelKeys: opts.Labels, last: make(map[string]float64)}
}

func (p *otelProvider) NewHistogram(opts HistogramOpts) Histogram {
	name := buildOTelName(opts.CommonOpts)
	inst, err := p.meter.Float64Histogram(name, metric.WithDescription(opts.Help))
	if err != nil {
		return noopHistogram{}
	}
	return &otelHistogram{h: inst, labelKeys: opts.Labels}
}

func (p *otelProvider) Health(context.Context) error { return nil }

func buildOTelName(c CommonOpts) string {
	switch {
	case c.Namespace != "" && c.Subsystem != "":
		return c.Namespace + "." + c.Subsystem + "." + c.Name
	case c.Namespace != "":
		return c.Namespace + "." + c.Name
	default:
		return c.Name
	}
}

func attrsFor(keys, values []string) []attribute.KeyValue {
	n := len(keys)
	if len(values) < n {
		n = len(values)
	}
	kvs := make([]attribute.KeyValue, n)
	for i := 0; i < n; i++ {
		kvs[i] = attribute.String(keys[i], values[i])
	}
	return kvs
}

type otelCounter struct {
	c         metric.Float64Counter
	labelKeys []string
}

func (c *otelCounter) Inc(delta float64, labels ...string) {
	if delta <= 0 {
		return
	}
	c.c.Add(context.Background(), delta, metric.WithAttributes(attrsFor(c.labelKeys, labels)...))
}

type otelGauge struct {
	g         metric.Float64UpDownCounter
	labelKeys []string

	mu   sync.Mutex
	last map[string]float64
}

func (g *otelGauge) Set(value float64, labels ...string) {
	key := labelKey(labels)
	g.mu.Lock()
	delta := value - g.last[key]
	g.last[key] = value
	g.mu.Unlock()
	if delta == 0 {
		return
	}
	g.g.Add(context.Background(), delta, metric.WithAttributes(attrsFor(g.labelKeys, labels)...))
}

func (g *otelGauge) Add(delta float64, labels ...string) {
	if delta == 0 {
		return
	}
	key := labelKey(labels)
	g.mu.Lock()
	g.last[key] += delta
	g.mu.Unlock()
	g.g.Add(context.Background(), delta, metric.WithAttributes(attrsFor(g.labelKeys, labels)...))
}

type otelHistogram struct {
	h         metric.Float64Histogram
	labelKeys []string
}

func (h *otelHistogram) Observe(v float64, labels ...string) {
	h.h.Record(context.Background(), v, metric.WithAttributes(attrsFor(h.labelKeys, labels)...))
}

func labelKey(labels []string) string {
	key := ""
	for _, l := range labels {
		key += l + "\x00"
	}
	return key
}
