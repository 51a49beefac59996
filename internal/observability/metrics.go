package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DirectionIn  = "in"
	DirectionOut = "out"

	OutcomeHandled        = "handled"
	OutcomeNotImplemented = "not_implemented"
	OutcomePanic          = "panic"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgerpc",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgerpc",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	rpcMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgerpc",
			Subsystem: "rpc",
			Name:      "messages_total",
			Help:      "Decoded messages by owner, tag and dispatch outcome.",
		},
		[]string{"owner", "tag", "outcome"},
	)
	rpcDecodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgerpc",
			Subsystem: "rpc",
			Name:      "decode_errors_total",
			Help:      "Sessions latched into the decode-error state.",
		},
		[]string{"owner"},
	)
	rpcBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgerpc",
			Subsystem: "rpc",
			Name:      "bytes_total",
			Help:      "Framed bytes accepted by Feed or handed to send_bytes.",
		},
		[]string{"owner", "direction"},
	)
	rpcSessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "edgerpc",
			Subsystem: "rpc",
			Name:      "sessions_active",
			Help:      "Sessions opened and not yet torn down.",
		},
		[]string{"owner"},
	)
	rpcOpenRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgerpc",
			Subsystem: "rpc",
			Name:      "open_rejected_total",
			Help:      "Session opens rejected because the engine was busy.",
		},
		[]string{"owner"},
	)
	rpcHandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgerpc",
			Subsystem: "rpc",
			Name:      "handler_duration_seconds",
			Help:      "Handler body duration in seconds, serializer wait included.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"tag"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			rpcMessages, rpcDecodeErrors, rpcBytes,
			rpcSessionsActive, rpcOpenRejected, rpcHandlerDuration,
		)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordMessage(owner, tag, outcome string) {
	RegisterMetrics()
	rpcMessages.WithLabelValues(owner, tag, outcome).Inc()
}

func RecordDecodeError(owner string) {
	RegisterMetrics()
	rpcDecodeErrors.WithLabelValues(owner).Inc()
}

func RecordBytes(owner, direction string, n int) {
	RegisterMetrics()
	rpcBytes.WithLabelValues(owner, direction).Add(float64(n))
}

func RecordOpenRejected(owner string) {
	RegisterMetrics()
	rpcOpenRejected.WithLabelValues(owner).Inc()
}

func SessionOpened(owner string) {
	RegisterMetrics()
	rpcSessionsActive.WithLabelValues(owner).Inc()
}

func SessionClosed(owner string) {
	RegisterMetrics()
	rpcSessionsActive.WithLabelValues(owner).Dec()
}

func ObserveHandler(tag string, d time.Duration) {
	RegisterMetrics()
	rpcHandlerDuration.WithLabelValues(tag).Observe(d.Seconds())
}
