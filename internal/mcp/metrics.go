package mcp

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the protocol layer.
var (
	rpcRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loxmcp_rpc_requests_total",
			Help: "Total JSON-RPC requests by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
	rpcRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loxmcp_rpc_request_duration_seconds",
			Help:    "JSON-RPC request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loxmcp_sessions_active",
			Help: "Currently connected client sessions.",
		},
	)
	upstreamWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loxmcp_upstream_writes_total",
			Help: "Device commands written upstream.",
		},
		[]string{"ok"},
	)
)

func init() {
	prometheus.MustRegister(rpcRequestsTotal)
	prometheus.MustRegister(rpcRequestDuration)
	prometheus.MustRegister(activeSessions)
	prometheus.MustRegister(upstreamWrites)
}

// observeRequest records one handled request.
func observeRequest(method, outcome string, seconds float64) {
	rpcRequestsTotal.WithLabelValues(method, outcome).Inc()
	rpcRequestDuration.WithLabelValues(method).Observe(seconds)
}

// observeWrite records one upstream command result.
func observeWrite(ok bool) {
	upstreamWrites.WithLabelValues(strconv.FormatBool(ok)).Inc()
}
