// Package metrics holds the Prometheus collectors shared by the traceback
// server's handlers, grouped the way the teacher groups its storage-layer
// counters: one package-level var block, registered once at startup.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ProcessTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msgtrace_process_total",
		Help: "The number of /process requests handled, by scheme.",
	}, []string{"scheme"})

	ProcessDuplicates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msgtrace_process_duplicates_total",
		Help: "The number of /process requests rejected because their address was already occupied.",
	}, []string{"scheme"})

	TraceTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msgtrace_trace_total",
		Help: "The number of /trace requests handled, by scheme.",
	}, []string{"scheme"})

	TraceDepth = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "msgtrace_trace_depth",
		Help:    "The number of hops recovered by a single trace.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"scheme"})

	TraceStopReason = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msgtrace_trace_stop_reason_total",
		Help: "Why a trace's walk stopped: exhausted (store miss), identity_mismatch, or malformed_generator.",
	}, []string{"scheme", "reason"})

	StoreOpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "msgtrace_store_op_latency_seconds",
		Help:    "Latency of backend store operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "op"})
)

func init() {
	prometheus.MustRegister(ProcessTotal)
	prometheus.MustRegister(ProcessDuplicates)
	prometheus.MustRegister(TraceTotal)
	prometheus.MustRegister(TraceDepth)
	prometheus.MustRegister(TraceStopReason)
	prometheus.MustRegister(StoreOpLatency)
}
