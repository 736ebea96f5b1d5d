package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTel forwards samples to an OpenTelemetry meter. Enum and bool samples
// become counter increments with a "sample" attribute; times become a
// millisecond histogram.
type OTel struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

// NewOTel creates a recorder on the given meter.
func NewOTel(meter metric.Meter) *OTel {
	return &OTel{
		meter:      meter,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func (o *OTel) RecordEnum(name string, sample int) {
	c, err := o.counter(name)
	if err != nil {
		slog.Debug("[FastPair] otel counter unavailable", "name", name, "error", err)
		return
	}
	c.Add(context.Background(), 1, metric.WithAttributes(attribute.Int("sample", sample)))
}

func (o *OTel) RecordBool(name string, sample bool) {
	c, err := o.counter(name)
	if err != nil {
		slog.Debug("[FastPair] otel counter unavailable", "name", name, "error", err)
		return
	}
	c.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("sample", sample)))
}

func (o *OTel) RecordTime(name string, d time.Duration) {
	h, err := o.histogram(name)
	if err != nil {
		slog.Debug("[FastPair] otel histogram unavailable", "name", name, "error", err)
		return
	}
	h.Record(context.Background(), float64(d)/float64(time.Millisecond))
}

func (o *OTel) counter(name string) (metric.Int64Counter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.counters[name]; ok {
		return c, nil
	}
	c, err := o.meter.Int64Counter(name)
	if err != nil {
		return nil, err
	}
	o.counters[name] = c
	return c, nil
}

func (o *OTel) histogram(name string) (metric.Float64Histogram, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.histograms[name]; ok {
		return h, nil
	}
	h, err := o.meter.Float64Histogram(name, metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	o.histograms[name] = h
	return h, nil
}

var _ Recorder = (*OTel)(nil)
