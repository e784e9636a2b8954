// Package metrics holds the prometheus collectors of dbtlens.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type collectors struct {
	once     sync.Once
	registry *prometheus.Registry

	scans           prometheus.Counter
	ctesFound       prometheus.Counter
	clausesRejected *prometheus.CounterVec
	scanDuration    prometheus.Histogram

	toolCalls    *prometheus.CounterVec
	toolErrors   *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec

	snapshotDuration prometheus.Histogram
}

var m collectors

func (c *collectors) init() {
	c.once.Do(func() {
		c.registry = prometheus.NewRegistry()

		c.scans = prometheus.NewCounter(prometheus.CounterOpts{Name: "dbtlens_cte_scans_total", Help: "SQL documents scanned for CTEs"})
		c.ctesFound = prometheus.NewCounter(prometheus.CounterOpts{Name: "dbtlens_ctes_found_total", Help: "CTE descriptors produced"})
		c.clausesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dbtlens_with_clauses_rejected_total", Help: "WITH clauses that did not end on a top-level SELECT"}, []string{"status"})

		buckets := []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120}
		c.scanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "dbtlens_cte_scan_seconds", Help: "Duration of one CTE scan", Buckets: buckets})

		c.toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dbtlens_tool_calls_total", Help: "MCP tool calls"}, []string{"tool"})
		c.toolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dbtlens_tool_errors_total", Help: "MCP tool calls that returned an error result"}, []string{"tool"})
		c.toolDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "dbtlens_tool_seconds", Help: "Duration of MCP tool calls", Buckets: buckets}, []string{"tool"})

		c.snapshotDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "dbtlens_snapshot_seconds", Help: "Duration of snapshot generation", Buckets: buckets})

		c.registry.MustRegister(
			c.scans, c.ctesFound, c.clausesRejected, c.scanDuration,
			c.toolCalls, c.toolErrors, c.toolDuration,
			c.snapshotDuration,
		)
	})
}

// RecordScan counts one scan that produced ctes descriptors.
func RecordScan(ctes int, d time.Duration) {
	m.init()
	m.scans.Inc()
	m.ctesFound.Add(float64(ctes))
	m.scanDuration.Observe(d.Seconds())
}

// RecordRejectedClause counts a WITH clause that ended with status.
func RecordRejectedClause(status string) {
	m.init()
	m.clausesRejected.WithLabelValues(status).Inc()
}

// RecordToolCall counts one MCP tool call.
func RecordToolCall(tool string, d time.Duration, failed bool) {
	m.init()
	m.toolCalls.WithLabelValues(tool).Inc()
	if failed {
		m.toolErrors.WithLabelValues(tool).Inc()
	}
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordSnapshot observes the duration of one snapshot generation.
func RecordSnapshot(d time.Duration) {
	m.init()
	m.snapshotDuration.Observe(d.Seconds())
}

// Registry returns the registry holding every dbtlens collector.
func Registry() *prometheus.Registry {
	m.init()
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{})
}
