package observability

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cbtscore/internal/auth"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cbtscore"

// Collector owns a private registry with HTTP, engine and database pool
// metrics. It also satisfies exam.Metrics.
type Collector struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	answersSaved  *prometheus.CounterVec
	finalized     *prometheus.CounterVec
	rescored      *prometheus.CounterVec
	uptimeStarted time.Time
}

func NewCollector(db *sql.DB) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "path", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		answersSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_saved_total",
			Help:      "Draft answer saves by outcome.",
		}, []string{"outcome"}),
		finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_finalized_total",
			Help:      "Finalized submissions by resulting status.",
		}, []string{"status"}),
		rescored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_rescored_total",
			Help:      "Submissions rescored after finalization, by trigger.",
		}, []string{"source"}),
		uptimeStarted: time.Now(),
	}

	c.registry.MustRegister(
		c.requests,
		c.latency,
		c.answersSaved,
		c.finalized,
		c.rescored,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the process started serving.",
		}, func() float64 { return time.Since(c.uptimeStarted).Seconds() }),
		collectors.NewGoCollector(),
	)
	if db != nil {
		c.registry.MustRegister(collectors.NewDBStatsCollector(db, namespace))
	}
	return c
}

func (c *Collector) AnswerSaved(outcome string) {
	c.answersSaved.WithLabelValues(outcome).Inc()
}

func (c *Collector) SubmissionFinalized(status string) {
	c.finalized.WithLabelValues(status).Inc()
}

func (c *Collector) SubmissionsRescored(source string, n int) {
	if n <= 0 {
		return
	}
	c.rescored.WithLabelValues(source).Add(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics and writes one JSON access-log line per
// request.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		path := normalizedPath(r.URL.Path)
		c.requests.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		c.latency.WithLabelValues(r.Method, path).Observe(elapsed.Seconds())

		userID := int64(0)
		if u, ok := auth.CurrentUser(r.Context()); ok {
			userID = u.ID
		}
		entry := map[string]any{
			"request_id":    middleware.GetReqID(r.Context()),
			"user_id":       userID,
			"exam_id":       pathID(r.URL.Path, "exams"),
			"submission_id": pathID(r.URL.Path, "submissions"),
			"method":        r.Method,
			"path":          path,
			"status":        rec.status,
			"latency_ms":    float64(elapsed.Microseconds()) / 1000.0,
			"remote_ip":     strings.TrimSpace(r.RemoteAddr),
		}
		b, _ := json.Marshal(entry)
		log.Printf("%s", string(b))
	})
}

func (c *Collector) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// normalizedPath replaces numeric segments so routes stay low-cardinality.
func normalizedPath(path string) string {
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

// pathID returns the numeric segment after resource, or 0.
func pathID(path, resource string) int64 {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == resource {
			if id, err := strconv.ParseInt(parts[i+1], 10, 64); err == nil {
				return id
			}
		}
	}
	return 0
}
