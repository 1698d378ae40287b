// Package observability backs the Observability port with Prometheus
// metrics and the standard logger.
package observability

import (
	"fmt"
	"log"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/ports"
)

// Metric names used across the pipeline. Components refer to these by
// name through the port; the adapter owns registration.
const (
	MetricEventsNormalized  = "ms5_events_normalized_total"
	MetricValidationDropped = "ms5_validation_dropped_total"
	MetricBufferDiscarded   = "ms5_buffer_discarded_total"
	MetricBatchesForwarded  = "ms5_batches_forwarded_total"
	MetricForwardRetries    = "ms5_forward_retries_total"
	MetricEventsIngested    = "ms5_events_ingested_total"
	MetricRecordsRejected   = "ms5_records_rejected_total"
	MetricRetroRecomputes   = "ms5_retroactive_recomputes_total"

	MetricBufferSizeBytes  = "ms5_buffer_size_bytes"
	MetricOldestUnackedAge = "ms5_oldest_unacked_age_seconds"
	MetricCheckpointSeq    = "ms5_checkpoint_seq"

	MetricForwardLatency = "ms5_forward_latency_seconds"
	MetricIngestLatency  = "ms5_ingest_latency_seconds"
)

// PromObs implements ports.Observability on a Prometheus registry.
type PromObs struct {
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

// NewPromObs registers the pipeline's metric set on reg. Pass
// prometheus.DefaultRegisterer in production; a fresh registry in tests
// keeps them isolated.
func NewPromObs(reg prometheus.Registerer) *PromObs {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counters := map[string]prometheus.Counter{
		MetricEventsNormalized:  newCounter(reg, MetricEventsNormalized, "Raw readings normalized into canonical events."),
		MetricValidationDropped: newCounter(reg, MetricValidationDropped, "Raw readings dropped by validation; never retried."),
		MetricBufferDiscarded:   newCounter(reg, MetricBufferDiscarded, "Events discarded by an audited operator decommission."),
		MetricBatchesForwarded:  newCounter(reg, MetricBatchesForwarded, "Batches acknowledged by the ingestion gateway."),
		MetricForwardRetries:    newCounter(reg, MetricForwardRetries, "Batch delivery attempts that failed and were retried."),
		MetricEventsIngested:    newCounter(reg, MetricEventsIngested, "Events durably stored by the ingestion gateway."),
		MetricRecordsRejected:   newCounter(reg, MetricRecordsRejected, "Malformed batch records rejected by the gateway."),
		MetricRetroRecomputes:   newCounter(reg, MetricRetroRecomputes, "Closed OEE periods recomputed after late data."),
	}
	gauges := map[string]prometheus.Gauge{
		MetricBufferSizeBytes:  newGauge(reg, MetricBufferSizeBytes, "Size of the edge buffer on disk."),
		MetricOldestUnackedAge: newGauge(reg, MetricOldestUnackedAge, "Age of the oldest unacknowledged buffered event."),
		MetricCheckpointSeq:    newGauge(reg, MetricCheckpointSeq, "Highest acknowledged sequence across assets."),
	}
	histos := map[string]prometheus.Observer{
		MetricForwardLatency: newHistogram(reg, MetricForwardLatency, "Batch delivery round-trip latency."),
		MetricIngestLatency:  newHistogram(reg, MetricIngestLatency, "Gateway batch commit latency."),
	}

	return &PromObs{counters: counters, gauges: gauges, histos: histos}
}

func newCounter(reg prometheus.Registerer, name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	reg.MustRegister(c)
	return c
}

func newGauge(reg prometheus.Registerer, name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	reg.MustRegister(g)
	return g
}

func newHistogram(reg prometheus.Registerer, name, help string) prometheus.Observer {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    name,
		Help:    help,
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	reg.MustRegister(h)
	return h
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	log.Printf("INFO: %s%s", msg, formatFields(fields))
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	log.Printf("ERROR: %s: %v%s", msg, err, formatFields(fields))
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	log.Printf("CRITICAL: %s: %v%s", msg, err, formatFields(fields))
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func formatFields(fields []ports.Field) string {
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	return b.String()
}

var _ ports.Observability = (*PromObs)(nil)
