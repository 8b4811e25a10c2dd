package glowq

import (
	"context"
	"strings"
	"sync"

	rtm "github.com/UniQw/glowq-go/internal/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metric names recorded by the queue.
const (
	MetricEnqueued   = "jobs.enqueued"
	MetricRetried    = "jobs.retried"
	MetricCompleted  = rtm.MetricCompleted
	MetricFailed     = rtm.MetricFailed
	MetricDurationMs = rtm.MetricDurationMs
	MetricLoopErrors = rtm.MetricLoopErrors
)

// Monitor receives metric samples. Recording is fire-and-forget; an
// implementation must not block and has no way to report failure.
type Monitor interface {
	RecordMetric(name string, value float64)
}

// MonitorFunc adapts a plain function to Monitor.
type MonitorFunc func(name string, value float64)

// RecordMetric calls f(name, value).
func (f MonitorFunc) RecordMetric(name string, value float64) { f(name, value) }

// NopMonitor discards every sample.
type NopMonitor struct{}

func (NopMonitor) RecordMetric(string, float64) {}

// meterName is the instrumentation scope name for glowq metrics.
const meterName = "github.com/UniQw/glowq-go"

// OTelMonitor records samples as OpenTelemetry instruments. Names ending in
// "_ms" become histograms with unit "ms"; every other name is a counter.
// Instruments are created lazily on first use and cached.
type OTelMonitor struct {
	meter      metric.Meter
	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

// NewOTelMonitor uses the global MeterProvider.
func NewOTelMonitor() *OTelMonitor {
	return NewOTelMonitorWithMeter(otel.Meter(meterName))
}

// NewOTelMonitorWithMeter records into the provided meter.
func NewOTelMonitorWithMeter(meter metric.Meter) *OTelMonitor {
	return &OTelMonitor{
		meter:      meter,
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// RecordMetric adds value to the counter or histogram named name.
func (m *OTelMonitor) RecordMetric(name string, value float64) {
	ctx := context.Background()
	if strings.HasSuffix(name, "_ms") {
		if h := m.histogram(name); h != nil {
			h.Record(ctx, value)
		}
		return
	}
	if value < 0 {
		return
	}
	if c := m.counter(name); c != nil {
		c.Add(ctx, value)
	}
}

func (m *OTelMonitor) counter(name string) metric.Float64Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c
	}
	c, err := m.meter.Float64Counter(name)
	if err != nil {
		return nil
	}
	m.counters[name] = c
	return c
}

func (m *OTelMonitor) histogram(name string) metric.Float64Histogram {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.histograms[name]; ok {
		return h
	}
	h, err := m.meter.Float64Histogram(name, metric.WithUnit("ms"))
	if err != nil {
		return nil
	}
	m.histograms[name] = h
	return h
}
