// ============================================================================
// Beaver-Encode Metrics - Prometheus Instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Counters, gauges and histograms for the encode client and node.
//
// Client metrics (Collector), RED style per node:
//
//   beaver_chunks_dispatched_total{node}   chunks sent to a node
//   beaver_chunks_completed_total{node}    chunks stored after a good reply
//   beaver_chunks_failed_total{node}       failed attempts (any cause)
//   beaver_chunks_retried_total            failures that went back to pending
//   beaver_chunks_dead_total               chunks that exhausted their attempts
//   beaver_chunk_latency_seconds{node}     request round trip
//   beaver_bytes_sent_total / beaver_bytes_received_total
//   beaver_chunks_pending / _in_flight / _completed   (gauges)
//
// Node metrics (NodeCollector):
//
//   beaver_node_requests_total{outcome}    success | failure
//   beaver_node_encode_seconds             encoder wall time
//   beaver_node_requests_in_progress
//   beaver_node_bytes_in_total / beaver_node_bytes_out_total
//
// Useful queries:
//
//   rate(beaver_chunks_failed_total[5m]) / rate(beaver_chunks_dispatched_total[5m])
//   histogram_quantile(0.95, sum by (le, node) (rate(beaver_chunk_latency_seconds_bucket[5m])))
//
// Every collector registers with the Registerer it is given, so tests use a
// fresh prometheus.NewRegistry() instead of the process-wide default. All
// Record methods are safe on a nil receiver, which disables instrumentation.
//
// ============================================================================

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Video chunks take seconds to minutes, far beyond DefBuckets.
var latencyBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// Collector holds the encode client's run metrics.
type Collector struct {
	dispatched *prometheus.CounterVec
	completed  *prometheus.CounterVec
	failed     *prometheus.CounterVec
	retried    prometheus.Counter
	dead       prometheus.Counter

	latency *prometheus.HistogramVec

	bytesSent     prometheus.Counter
	bytesReceived prometheus.Counter

	pending        prometheus.Gauge
	inFlight       prometheus.Gauge
	completedGauge prometheus.Gauge
}

// NewCollector creates the client metrics and registers them with reg.
// A nil reg means prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_chunks_dispatched_total",
			Help: "Total number of chunks dispatched to encoding nodes",
		}, []string{"node"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_chunks_completed_total",
			Help: "Total number of chunks encoded and stored",
		}, []string{"node"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_chunks_failed_total",
			Help: "Total number of failed chunk attempts",
		}, []string{"node"}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beaver_chunks_retried_total",
			Help: "Total number of failed chunks returned to the pending set",
		}),
		dead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beaver_chunks_dead_total",
			Help: "Total number of chunks that exhausted their attempts",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beaver_chunk_latency_seconds",
			Help:    "Round trip of one encode request in seconds",
			Buckets: latencyBuckets,
		}, []string{"node"}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beaver_bytes_sent_total",
			Help: "Unencoded chunk bytes sent to nodes",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beaver_bytes_received_total",
			Help: "Encoded chunk bytes received from nodes",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beaver_chunks_pending",
			Help: "Current number of chunks waiting for dispatch",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beaver_chunks_in_flight",
			Help: "Current number of chunks being encoded",
		}),
		completedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beaver_chunks_completed",
			Help: "Current number of completed chunks in this run",
		}),
	}

	reg.MustRegister(
		c.dispatched, c.completed, c.failed, c.retried, c.dead,
		c.latency, c.bytesSent, c.bytesReceived,
		c.pending, c.inFlight, c.completedGauge,
	)
	return c
}

// RecordDispatch counts a chunk handed to node.
func (c *Collector) RecordDispatch(node string) {
	if c == nil {
		return
	}
	c.dispatched.WithLabelValues(node).Inc()
}

// RecordCompleted counts a stored chunk and its transfer.
func (c *Collector) RecordCompleted(node string, latency time.Duration, sent, received int) {
	if c == nil {
		return
	}
	c.completed.WithLabelValues(node).Inc()
	c.latency.WithLabelValues(node).Observe(latency.Seconds())
	c.bytesSent.Add(float64(sent))
	c.bytesReceived.Add(float64(received))
}

// RecordFailed counts one failed attempt on node.
func (c *Collector) RecordFailed(node string) {
	if c == nil {
		return
	}
	c.failed.WithLabelValues(node).Inc()
}

// RecordRetry counts a chunk sent back to pending.
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.retried.Inc()
}

// RecordDead counts a chunk that will not be retried.
func (c *Collector) RecordDead() {
	if c == nil {
		return
	}
	c.dead.Inc()
}

// UpdateQueueStats mirrors the chunk manager's partition sizes.
func (c *Collector) UpdateQueueStats(pending, inFlight, completed int) {
	if c == nil {
		return
	}
	c.pending.Set(float64(pending))
	c.inFlight.Set(float64(inFlight))
	c.completedGauge.Set(float64(completed))
}

// NodeCollector holds a node's request metrics.
type NodeCollector struct {
	requests   *prometheus.CounterVec
	encodeTime prometheus.Histogram
	inProgress prometheus.Gauge
	bytesIn    prometheus.Counter
	bytesOut   prometheus.Counter
}

// NewNodeCollector creates the node metrics and registers them with reg.
func NewNodeCollector(reg prometheus.Registerer) *NodeCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &NodeCollector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_node_requests_total",
			Help: "Encode requests handled by this node",
		}, []string{"outcome"}),
		encodeTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "beaver_node_encode_seconds",
			Help:    "Encoder wall time per chunk in seconds",
			Buckets: latencyBuckets,
		}),
		inProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beaver_node_requests_in_progress",
			Help: "Encode requests currently being handled",
		}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beaver_node_bytes_in_total",
			Help: "Unencoded bytes received",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beaver_node_bytes_out_total",
			Help: "Encoded bytes returned",
		}),
	}

	reg.MustRegister(c.requests, c.encodeTime, c.inProgress, c.bytesIn, c.bytesOut)
	return c
}

// Begin marks a request as started. The returned func records its outcome.
func (c *NodeCollector) Begin(bytesIn int) func(ok bool, encodeTime time.Duration, bytesOut int) {
	if c == nil {
		return func(bool, time.Duration, int) {}
	}

	c.inProgress.Inc()
	c.bytesIn.Add(float64(bytesIn))

	return func(ok bool, encodeTime time.Duration, bytesOut int) {
		c.inProgress.Dec()
		if !ok {
			c.requests.WithLabelValues("failure").Inc()
			return
		}
		c.requests.WithLabelValues("success").Inc()
		c.encodeTime.Observe(encodeTime.Seconds())
		c.bytesOut.Add(float64(bytesOut))
	}
}
