package aof

import "testing"

func TestEngineMetricsNilSafe(t *testing.T) {
	var m *engineMetrics
	m.incrCounter(metricFsyncDelayed, 1)
	m.setGauge(metricRewriteDurationMs, 1)
}

func TestNewEngineMetricsDoesNotPanic(t *testing.T) {
	m := newEngineMetrics()
	if m.sink == nil || m.client == nil {
		t.Fatal("expected newEngineMetrics to populate both sink and client")
	}
	m.incrCounter(metricFlushBytes, 42)
	m.setGauge(metricRewriteFailures, 1)
}
