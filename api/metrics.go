// Package api provides Prometheus metrics for the RandomX engine.
package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Hash metrics
	HashesTotal  prometheus.Counter
	HashesFailed prometheus.Counter
	HashLatency  prometheus.Histogram

	// Batch metrics
	BatchesTotal prometheus.Counter
	BatchSize    prometheus.Histogram
	BatchLatency prometheus.Histogram

	// Seed metrics
	RekeysTotal          prometheus.Counter
	DatasetBuildDuration prometheus.Histogram

	// System metrics
	WorkerPoolActive  prometheus.Gauge
	WorkerPoolPending prometheus.Gauge

	// Front end metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance with the given namespace and
// registers it with reg. A nil reg uses prometheus.DefaultRegisterer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		HashesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hashes_total",
			Help:      "Total number of hashes computed",
		}),
		HashesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hashes_failed_total",
			Help:      "Total number of failed hash computations",
		}),
		HashLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hash_latency_seconds",
			Help:      "Single hash latency in seconds",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),

		BatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Total number of hash batches",
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of inputs per batch",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		BatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_latency_seconds",
			Help:      "Batch hashing latency in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		RekeysTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rekeys_total",
			Help:      "Total number of seed changes",
		}),
		DatasetBuildDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dataset_build_seconds",
			Help:      "Full dataset expansion time in seconds",
			Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 120},
		}),

		WorkerPoolActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_active",
			Help:      "Number of workers currently hashing",
		}),
		WorkerPoolPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_pending",
			Help:      "Number of queued hash tasks",
		}),

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total front end requests by transport and status",
		}, []string{"transport", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Front end request duration by transport",
			Buckets:   prometheus.DefBuckets,
		}, []string{"transport"}),
	}
}

// RecordHash records a single hash computation.
func (m *Metrics) RecordHash(success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.HashesTotal.Inc()
	m.HashLatency.Observe(duration.Seconds())
	if !success {
		m.HashesFailed.Inc()
	}
}

// RecordBatch records a batch hashing event.
func (m *Metrics) RecordBatch(size int, duration time.Duration) {
	if m == nil {
		return
	}
	m.BatchesTotal.Inc()
	m.BatchSize.Observe(float64(size))
	m.BatchLatency.Observe(duration.Seconds())
}

// RecordRekey records a seed change and, for full-memory hashers, the
// dataset rebuild time.
func (m *Metrics) RecordRekey(datasetBuild time.Duration) {
	if m == nil {
		return
	}
	m.RekeysTotal.Inc()
	if datasetBuild > 0 {
		m.DatasetBuildDuration.Observe(datasetBuild.Seconds())
	}
}

// RecordDatasetBuild records a dataset expansion outside of a rekey.
func (m *Metrics) RecordDatasetBuild(duration time.Duration) {
	if m == nil {
		return
	}
	m.DatasetBuildDuration.Observe(duration.Seconds())
}

// RecordRequest records a front end request.
func (m *Metrics) RecordRequest(transport, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(transport, status).Inc()
	m.RequestDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

// UpdateWorkerPool updates worker pool gauges.
func (m *Metrics) UpdateWorkerPool(active, pending int) {
	if m == nil {
		return
	}
	m.WorkerPoolActive.Set(float64(active))
	m.WorkerPoolPending.Set(float64(pending))
}

// MetricsServer runs an HTTP server exposing /metrics and /health.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer creates a new metrics server on the given address.
// A nil gatherer serves prometheus.DefaultGatherer.
func NewMetricsServer(addr string, gatherer prometheus.Gatherer) *MetricsServer {
	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           MetricsHandler(gatherer),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// MetricsHandler returns the mux served by MetricsServer.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

// Start starts the metrics server (blocking).
func (s *MetricsServer) Start() error {
	return s.server.ListenAndServe()
}

// StartAsync starts the metrics server in a goroutine.
func (s *MetricsServer) StartAsync() {
	go func() {
		_ = s.server.ListenAndServe()
	}()
}

// Stop gracefully stops the metrics server.
func (s *MetricsServer) Stop() error {
	return s.server.Close()
}
