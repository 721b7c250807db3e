// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - captures/drops:     Records stored vs discarded by privacy filtering
//   - refreshes:          Context refresh cycles completed
//   - cache_hits/misses:  Aggregation cache performance
//   - rpc_requests:       Messaging envelope counts
//
// For production, export these to Prometheus or similar.
package monitoring

import (
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	captures     atomic.Int64
	drops        atomic.Int64
	refreshes    atomic.Int64
	refreshFails atomic.Int64
	cacheHits    atomic.Int64
	cacheMisses  atomic.Int64
	rpcRequests  atomic.Int64
	rpcFailures  atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RecordCapture records one stored telemetry record.
func (mc *MetricsCollector) RecordCapture(_ CaptureKind) { mc.captures.Add(1) }

// RecordDrop records a record discarded by privacy filtering.
func (mc *MetricsCollector) RecordDrop() { mc.drops.Add(1) }

// RecordRefresh records a context refresh cycle.
func (mc *MetricsCollector) RecordRefresh(success bool, _ time.Duration) {
	mc.refreshes.Add(1)
	if !success {
		mc.refreshFails.Add(1)
	}
}

// RecordCacheHit records an aggregation cache hit.
func (mc *MetricsCollector) RecordCacheHit() { mc.cacheHits.Add(1) }

// RecordCacheMiss records an aggregation cache miss.
func (mc *MetricsCollector) RecordCacheMiss() { mc.cacheMisses.Add(1) }

// RecordRPC records a messaging request.
func (mc *MetricsCollector) RecordRPC(success bool) {
	mc.rpcRequests.Add(1)
	if !success {
		mc.rpcFailures.Add(1)
	}
}

// Stats returns current metrics.
func (mc *MetricsCollector) Stats() map[string]int64 {
	return map[string]int64{
		"captures":      mc.captures.Load(),
		"drops":         mc.drops.Load(),
		"refreshes":     mc.refreshes.Load(),
		"refresh_fails": mc.refreshFails.Load(),
		"cache_hits":    mc.cacheHits.Load(),
		"cache_misses":  mc.cacheMisses.Load(),
		"rpc_requests":  mc.rpcRequests.Load(),
		"rpc_failures":  mc.rpcFailures.Load(),
	}
}
