package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	tierChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tier_changes_total",
			Help: "Resolved tier transitions by classification and source kind.",
		},
		[]string{"change_type", "source"},
	)

	promoRedemptionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "promo_redemptions_total",
		Help: "Successful promotion redemptions.",
	})

	expirationSweepItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "expiration_sweep_items_total",
			Help: "Items handled by expiration sweeps, by outcome.",
		},
		[]string{"outcome"},
	)
)

// Init registers all metrics with the default registry. Call once at boot.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		tierChangesTotal, promoRedemptionsTotal, expirationSweepItems,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// TierChange records one resolved transition.
func TierChange(changeType, source string) {
	tierChangesTotal.WithLabelValues(changeType, source).Inc()
}

// PromoRedemption records one successful redemption.
func PromoRedemption() { promoRedemptionsTotal.Inc() }

// SweepItems records expiration sweep outcomes.
func SweepItems(outcome string, n int) {
	if n > 0 {
		expirationSweepItems.WithLabelValues(outcome).Add(float64(n))
	}
}

// CanonicalPath collapses per-resource path segments so metric labels stay
// low-cardinality.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	// /v1/members/:id(/...), /v1/promotions/:id(/...)
	if len(parts) >= 4 && parts[1] == "v1" && (parts[2] == "members" || parts[2] == "promotions") {
		rest := parts[4:]
		if len(rest) <= 1 {
			canon := "/v1/" + parts[2] + "/:id"
			if len(rest) == 1 {
				canon += "/" + rest[0]
			}
			return canon
		}
	}
	return path
}

// Instrument wraps next with RPS, latency and in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE responses streaming through the instrumented wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
