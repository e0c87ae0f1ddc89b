// Package metrics provides Prometheus metrics for keybridge.
package metrics

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keybridge"

// Metrics contains all Prometheus metrics for the relay.
type Metrics struct {
	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   prometheus.Counter
	SessionErrors   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Handshake metrics
	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec

	// Data transfer metrics
	BytesRelayed *prometheus.CounterVec

	// Outbound TLS metrics
	TLSConnectErrors *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active relay sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of relay sessions accepted",
		}),
		SessionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Total session-fatal errors by kind",
		}, []string{"kind"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Relay session duration from accept to teardown",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Inbound ECDHE handshake duration",
			Buckets:   prometheus.DefBuckets,
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total inbound handshake failures by kind",
		}, []string{"kind"}),
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total plaintext bytes relayed by direction",
		}, []string{"direction"}),
		TLSConnectErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tls_connect_errors_total",
			Help:      "Total outbound TLS connect failures by kind",
		}, []string{"kind"}),
	}
}

// Direction label values for BytesRelayed.
const (
	DirectionIn  = "in"  // inbound peer to remote
	DirectionOut = "out" // remote to inbound peer
)

// Serve exposes the default registry on addr under /metrics, plus a
// liveness probe under /healthz, until the listener fails. It is intended
// to run in its own goroutine.
func Serve(addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("metrics listener started", slog.String("address", addr))
	return srv.ListenAndServe()
}
