package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"notesync/pkg/stream"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns every collector the server exports. Each Registry has its
// own prometheus.Registry so tests can build as many as they like.
type Registry struct {
	reg *prometheus.Registry

	requests         *prometheus.CounterVec
	latency          *prometheus.HistogramVec
	streams          prometheus.Gauge
	signals          *prometheus.CounterVec
	denials          prometheus.Counter
	rateLimited      prometheus.Counter
	storeUnavailable prometheus.Counter
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notesync",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "notesync",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"route"}),
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "notesync",
			Name:      "stream_connections",
			Help:      "Currently joined stream connections.",
		}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notesync",
			Name:      "fanout_signals_total",
			Help:      "Change signals offered to connections by outcome.",
		}, []string{"outcome"}),
		denials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "notesync",
			Name:      "ownership_denials_total",
			Help:      "Record lookups refused because the caller is not the owner.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "notesync",
			Name:      "rate_limited_total",
			Help:      "Mutations and inbound notices rejected by the rate limiter.",
		}),
		storeUnavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "notesync",
			Name:      "store_unavailable_total",
			Help:      "Requests that failed because the note store was unreachable.",
		}),
	}
	r.reg.MustRegister(
		r.requests,
		r.latency,
		r.streams,
		r.signals,
		r.denials,
		r.rateLimited,
		r.storeUnavailable,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Registry) Observe(route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	r.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.latency.WithLabelValues(route).Observe(d.Seconds())
}

func (r *Registry) StreamOpened() { r.streams.Inc() }

func (r *Registry) StreamClosed() { r.streams.Dec() }

func (r *Registry) ObserveDelivery(d stream.Delivery) {
	if d.Delivered > 0 {
		r.signals.WithLabelValues("delivered").Add(float64(d.Delivered))
	}
	if d.Dropped > 0 {
		r.signals.WithLabelValues("dropped").Add(float64(d.Dropped))
	}
}

func (r *Registry) IncDenial() { r.denials.Inc() }

func (r *Registry) IncRateLimited() { r.rateLimited.Inc() }

func (r *Registry) IncStoreUnavailable() { r.storeUnavailable.Inc() }

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack keeps WebSocket upgrades working behind the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(s.ResponseWriter).Hijack()
}

// Middleware records request counts and latency. route maps a request to a
// low-cardinality label, normally the matched chi pattern.
func (r *Registry) Middleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, req)
			label := ""
			if route != nil {
				label = route(req)
			}
			r.Observe(label, rec.status, time.Since(start))
		})
	}
}
