package aof

import (
	"time"

	"github.com/hashicorp/go-metrics"
)

// engineMetrics wraps a private, per-engine metrics sink and client rather
// than a package-level singleton -- two Engine instances in the same process
// (e.g. in a test, or a multi-tenant host) each get their own independent
// set of counters. Nothing in the package reads the sink back: Status does
// not report these values.
type engineMetrics struct {
	sink   *metrics.InmemSink
	client *metrics.Metrics
}

func newEngineMetrics() *engineMetrics {
	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	client, _ := metrics.New(metrics.DefaultConfig("aof"), sink)
	return &engineMetrics{sink: sink, client: client}
}

func (m *engineMetrics) incrCounter(name string, val float32) {
	if m == nil || m.client == nil {
		return
	}
	m.client.IncrCounter([]string{name}, val)
}

func (m *engineMetrics) setGauge(name string, val float32) {
	if m == nil || m.client == nil {
		return
	}
	m.client.SetGauge([]string{name}, val)
}

func (m *engineMetrics) measureSince(name string, start time.Time) {
	if m == nil || m.client == nil {
		return
	}
	m.client.MeasureSince([]string{name}, start)
}

// Metric name constants, referenced from both the engine and its tests.
const (
	metricFlushBytes           = "flush.bytes"
	metricFsyncDelayed         = "fsync.delayed"
	metricRewriteDurationMs    = "rewrite.duration_ms"
	metricManifestPersistError = "manifest.persist.errors"
	metricRewriteFailures      = "rewrite.failures"
)
