package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "advert_service"

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	// Allocation
	allocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Content requests by outcome",
		},
		[]string{"status"}, // played, no_content, error
	)

	creditsDrawnTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_drawn_total",
			Help:      "Credits drawn for recorded plays",
		},
	)

	candidateSkipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidate_skips_total",
			Help:      "Candidates skipped during allocation",
		},
		[]string{"reason"}, // insufficient_credit, not_presentable
	)

	reconciliationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_required_total",
			Help:      "Draws that could neither be recorded nor refunded",
		},
	)

	allocationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "allocation_duration_seconds",
			Help:      "Time spent serving one content request",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	// Messaging
	outboxPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox messages by publish result",
		},
		[]string{"routing_key", "result"}, // sent, retry, dead
	)

	messagesConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_consumed_total",
			Help:      "Messages consumed from RabbitMQ",
		},
		[]string{"routing_key", "result"}, // ok, duplicate, rejected
	)

	breakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_state_changes_total",
			Help:      "Circuit breaker transitions",
		},
		[]string{"name", "to"},
	)
)

func RecordAllocation(status string, d time.Duration) {
	allocationsTotal.WithLabelValues(status).Inc()
	allocationDuration.Observe(d.Seconds())
}

func RecordCreditsDrawn(n int64) {
	creditsDrawnTotal.Add(float64(n))
}

func RecordCandidateSkip(reason string) {
	candidateSkipsTotal.WithLabelValues(reason).Inc()
}

func RecordReconciliation() {
	reconciliationsTotal.Inc()
}

func RecordOutbox(routingKey, result string) {
	outboxPublishedTotal.WithLabelValues(routingKey, result).Inc()
}

func RecordConsumed(routingKey, result string) {
	messagesConsumedTotal.WithLabelValues(routingKey, result).Inc()
}

func RecordBreakerState(name, to string) {
	breakerStateChanges.WithLabelValues(name, to).Inc()
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records HTTP RED metrics keyed by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
