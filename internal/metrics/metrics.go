package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carepulse_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carepulse_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	alertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carepulse_alert_transitions_total",
			Help: "Alert lifecycle transitions by resulting status",
		},
		[]string{"status"},
	)

	escalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carepulse_escalations_total",
			Help: "Alerts escalated, by the tier they escalated to",
		},
		[]string{"tier"},
	)

	escalationQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "carepulse_escalation_queue_depth",
			Help: "Alerts currently waiting for an escalation timeout",
		},
	)

	notificationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carepulse_notifications_processed_total",
			Help: "Notification deliveries by final status and channel",
		},
		[]string{"status", "channel"},
	)

	notificationAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carepulse_notification_attempts",
			Help:    "Attempts needed per notification",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
		[]string{"channel"},
	)

	notificationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carepulse_notification_latency_seconds",
			Help:    "Time from dispatch to final delivery outcome",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	dedupHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carepulse_notification_dedup_hits_total",
			Help: "Notifications skipped because the dedup key was already seen",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carepulse_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"hospital_id"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "carepulse_circuit_breaker_state",
			Help: "Circuit breaker state per sender (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	websocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "carepulse_websocket_connections",
			Help: "Open relay websocket connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func RecordAlertTransition(status string) {
	alertTransitions.WithLabelValues(status).Inc()
}

func RecordEscalation(tier string) {
	escalationsTotal.WithLabelValues(tier).Inc()
}

func SetEscalationQueueDepth(n int) {
	escalationQueueDepth.Set(float64(n))
}

// RecordNotificationProcessed records the final outcome of one channel delivery
func RecordNotificationProcessed(status, channel string, attempts int, latency time.Duration) {
	notificationsProcessed.WithLabelValues(status, channel).Inc()
	if attempts > 0 {
		notificationAttempts.WithLabelValues(channel).Observe(float64(attempts))
		notificationLatency.WithLabelValues(channel).Observe(latency.Seconds())
	}
}

func RecordDedupHit() {
	dedupHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(hospitalID string) {
	rateLimitRejections.WithLabelValues(hospitalID).Inc()
}

func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

func AddWebsocketConnections(delta int) {
	websocketConnections.Add(float64(delta))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Middleware returns HTTP middleware that records request metrics.
// Paths are labelled with the chi route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
