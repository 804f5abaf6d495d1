package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/davidleathers/space-broker/internal/api/websocket"
	"github.com/davidleathers/space-broker/internal/domain/space"
	"github.com/davidleathers/space-broker/internal/infrastructure/bridge"
	"github.com/davidleathers/space-broker/internal/service/spacehub"
)

const namespace = "space"

// Registry holds the broker's Prometheus collectors. It satisfies the
// recorder interfaces of the space, hub, bridge and gateway packages.
type Registry struct {
	reg *prometheus.Registry

	// Spaces
	SpacesActive      prometheus.Gauge
	Notifications     *prometheus.CounterVec
	ConsistencyErrors *prometheus.CounterVec

	// Connections
	Connections          prometheus.Gauge
	NotificationsDropped prometheus.Counter
	ProtocolErrors       *prometheus.CounterVec

	// Upstream bridge
	BridgeForwarded      prometheus.Counter
	BridgeQueueDropped   prometheus.Counter
	BridgeAppendFailures prometheus.Counter
	BridgeReplayed       *prometheus.CounterVec
	BridgeReadErrors     prometheus.Counter

	// HTTP
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewRegistry creates a registry with the broker collectors plus the Go
// runtime and process collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Registry{
		reg: reg,
		SpacesActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "spaces_active",
			Help:      "Number of spaces hosted on this node",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications handed to connections, by kind",
		}, []string{"kind"}),
		ConsistencyErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consistency_errors_total",
			Help:      "Operations referencing absent users, by operation",
		}, []string{"op"}),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Open client connections",
		}),
		NotificationsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications shed from full connection send queues",
		}),
		ProtocolErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Client frames rejected, by error code",
		}, []string{"code"}),
		BridgeForwarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "forwarded_total",
			Help:      "Mutations appended to the upstream log",
		}),
		BridgeQueueDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "queue_dropped_total",
			Help:      "Mutations shed from a full outbox",
		}),
		BridgeAppendFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "append_failures_total",
			Help:      "Failed upstream appends, each retried with backoff",
		}),
		BridgeReplayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "replayed_total",
			Help:      "Mutations from other nodes applied locally, by kind",
		}, []string{"kind"}),
		BridgeReadErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "read_errors_total",
			Help:      "Failed reads of an upstream space log",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by handler and status class",
		}, []string{"handler", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests and federation.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) NotificationQueued(kind space.Kind) {
	r.Notifications.WithLabelValues(string(kind)).Inc()
}

func (r *Registry) ConsistencyError(op string) {
	r.ConsistencyErrors.WithLabelValues(op).Inc()
}

func (r *Registry) SetSpaces(n int) { r.SpacesActive.Set(float64(n)) }

func (r *Registry) ConnectionOpened()    { r.Connections.Inc() }
func (r *Registry) ConnectionClosed()    { r.Connections.Dec() }
func (r *Registry) NotificationDropped() { r.NotificationsDropped.Inc() }

func (r *Registry) ProtocolError(code string) {
	r.ProtocolErrors.WithLabelValues(code).Inc()
}

func (r *Registry) Forwarded()    { r.BridgeForwarded.Inc() }
func (r *Registry) QueueDropped() { r.BridgeQueueDropped.Inc() }
func (r *Registry) AppendFailed() { r.BridgeAppendFailures.Inc() }
func (r *Registry) ReadFailed()   { r.BridgeReadErrors.Inc() }

func (r *Registry) Replayed(kind space.MutationKind) {
	r.BridgeReplayed.WithLabelValues(string(kind)).Inc()
}

var (
	_ space.Recorder     = (*Registry)(nil)
	_ spacehub.Recorder  = (*Registry)(nil)
	_ bridge.Recorder    = (*Registry)(nil)
	_ websocket.Recorder = (*Registry)(nil)
)

// InstrumentHandler counts and times requests served by handler.
func (r *Registry) InstrumentHandler(name string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler.ServeHTTP(rw, req)

		r.HTTPRequests.WithLabelValues(name, statusCodeClass(rw.statusCode)).Inc()
		r.HTTPRequestDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack passes websocket upgrades through to the wrapped writer.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func statusCodeClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
