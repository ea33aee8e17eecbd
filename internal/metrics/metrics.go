// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsStartedTotal     *prometheus.CounterVec
	jobsFinishedTotal    *prometheus.CounterVec
	jobsLive             prometheus.Gauge
	signalsTotal         *prometheus.CounterVec
	pagesExportedTotal   prometheus.Counter
	sessionsOpen         prometheus.Gauge
	messagesDroppedTotal *prometheus.CounterVec

	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		jobsStartedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlmux_jobs_started_total",
				Help: "Total crawl jobs started, labeled by how they were requested.",
			},
			[]string{"source"},
		)

		jobsFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlmux_jobs_finished_total",
				Help: "Total crawl jobs finished, labeled by close reason.",
			},
			[]string{"reason"},
		)

		jobsLive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlmux_jobs_live",
				Help: "Number of jobs currently registered as live.",
			},
		)

		signalsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlmux_signals_total",
				Help: "Total aggregated signals forwarded, labeled by signal name.",
			},
			[]string{"signal"},
		)

		pagesExportedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlmux_pages_exported_total",
				Help: "Total page documents written to the store.",
			},
		)

		sessionsOpen = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlmux_sessions_open",
				Help: "Number of open subscription sessions.",
			},
		)

		messagesDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlmux_messages_dropped_total",
				Help: "Outbound messages dropped, labeled by cause (oversize, transport).",
			},
			[]string{"cause"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// JobStarted records one started job. source is "api", "sched" or "resume".
func JobStarted(source string) {
	if jobsStartedTotal == nil {
		return
	}
	jobsStartedTotal.WithLabelValues(source).Inc()
}

// JobFinished records one finished job by close reason.
func JobFinished(reason string) {
	if jobsFinishedTotal == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	jobsFinishedTotal.WithLabelValues(reason).Inc()
}

// SetLiveJobs records the current live-job count.
func SetLiveJobs(n int) {
	if jobsLive == nil {
		return
	}
	jobsLive.Set(float64(n))
}

// SignalForwarded records one aggregated signal emission.
func SignalForwarded(name string) {
	if signalsTotal == nil {
		return
	}
	signalsTotal.WithLabelValues(name).Inc()
}

// PageExported records one persisted page document.
func PageExported() {
	if pagesExportedTotal == nil {
		return
	}
	pagesExportedTotal.Inc()
}

// SessionOpened and SessionClosed track the open-session gauge.
func SessionOpened() {
	if sessionsOpen == nil {
		return
	}
	sessionsOpen.Inc()
}

// SessionClosed decrements the open-session gauge.
func SessionClosed() {
	if sessionsOpen == nil {
		return
	}
	sessionsOpen.Dec()
}

// MessageDropped records one dropped outbound message.
func MessageDropped(cause string) {
	if messagesDroppedTotal == nil {
		return
	}
	messagesDroppedTotal.WithLabelValues(cause).Inc()
}

// ObserveHTTPRequest records one completed HTTP request.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unknown"
		}
		ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working behind the middleware.
func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	return h.Hijack()
}
