// Package metrics exposes Prometheus counters/gauges/histograms for the
// dispatch engine and the guarded /metrics handler (spec §6: "Internal —
// Prometheus exposition (private-IP or x-metrics-key header)"). The
// registry/collector shape and the promhttp-backed handler are grounded
// on travisbrimhall-crush's internal/metrics package (metrics.go,
// server.go), the one repo in the retrieval pack that wires
// prometheus/client_golang end to end.
package metrics

import (
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the dispatch engine records.
type Collector struct {
	TicketsCreated      *prometheus.CounterVec
	SessionsQueued      prometheus.Counter
	SessionsClosed      *prometheus.CounterVec
	QueueDepth          *prometheus.GaugeVec
	QueueWaitSeconds    prometheus.Histogram
	AITriageLatency     prometheus.Histogram
	AIChatLatency       prometheus.Histogram
	AIFailures          *prometheus.CounterVec
	TranslationLatency  prometheus.Histogram
	TranslationCacheHit prometheus.Counter
	WSConnections       prometheus.Gauge
	WSRateLimitRejects  *prometheus.CounterVec
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New builds a Collector registered against registry. If registry is
// nil, a fresh prometheus.Registry is created (so tests never touch the
// global default registry).
func New(registry *prometheus.Registry) (*Collector, *prometheus.Registry) {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	c := &Collector{
		TicketsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csdispatch_tickets_created_total",
			Help: "Tickets created, labeled by game.",
		}, []string{"game_id"}),
		SessionsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csdispatch_sessions_queued_total",
			Help: "Sessions that entered QUEUED.",
		}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csdispatch_sessions_closed_total",
			Help: "Sessions closed, labeled by closing actor.",
		}, []string{"closed_by"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "csdispatch_queue_depth",
			Help: "Current QUEUED session count per game partition.",
		}, []string{"game_id"}),
		QueueWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "csdispatch_queue_wait_seconds",
			Help:    "Time a session spent QUEUED before an agent joined.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		AITriageLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "csdispatch_ai_triage_seconds",
			Help:    "AIAdapter.Triage call latency.",
			Buckets: prometheus.DefBuckets,
		}),
		AIChatLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "csdispatch_ai_chat_seconds",
			Help:    "AIAdapter.Chat call latency.",
			Buckets: prometheus.DefBuckets,
		}),
		AIFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csdispatch_ai_failures_total",
			Help: "AIAdapter calls that fell back or errored, labeled by operation.",
		}, []string{"operation"}),
		TranslationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "csdispatch_translation_seconds",
			Help:    "TranslationAdapter.Translate call latency, cache hits excluded.",
			Buckets: prometheus.DefBuckets,
		}),
		TranslationCacheHit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csdispatch_translation_cache_hits_total",
			Help: "Translate calls served from the cached translation.",
		}),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "csdispatch_ws_connections",
			Help: "Currently open WebSocket connections.",
		}),
		WSRateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csdispatch_ws_rate_limit_rejects_total",
			Help: "Frames rejected by the per-connection token bucket, labeled by role.",
		}, []string{"role"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csdispatch_http_requests_total",
			Help: "HTTP requests, labeled by route and status class.",
		}, []string{"route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "csdispatch_http_request_duration_seconds",
			Help:    "HTTP request latency, labeled by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	registry.MustRegister(
		c.TicketsCreated, c.SessionsQueued, c.SessionsClosed, c.QueueDepth,
		c.QueueWaitSeconds, c.AITriageLatency, c.AIChatLatency, c.AIFailures,
		c.TranslationLatency, c.TranslationCacheHit, c.WSConnections,
		c.WSRateLimitRejects, c.HTTPRequests, c.HTTPRequestDuration,
	)

	return c, registry
}

// ObserveHTTP records one request's outcome; route should be the
// pattern (e.g. "/api/v1/tickets"), not the raw path, to keep
// cardinality bounded.
func (c *Collector) ObserveHTTP(route string, statusClass string, dur time.Duration) {
	c.HTTPRequests.WithLabelValues(route, statusClass).Inc()
	c.HTTPRequestDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// The methods below are thin, nil-safe wrappers around the fields above
// so every collaborator package can hold a possibly-nil *Collector
// (tests construct collaborators without one) without repeating a nil
// check at each call site.

// IncTicketCreated records a new ticket, labeled by its owning game.
func (c *Collector) IncTicketCreated(gameID string) {
	if c == nil {
		return
	}
	c.TicketsCreated.WithLabelValues(gameID).Inc()
}

// IncSessionQueued records a session entering QUEUED.
func (c *Collector) IncSessionQueued() {
	if c == nil {
		return
	}
	c.SessionsQueued.Inc()
}

// IncSessionClosed records a session reaching CLOSED, labeled by the
// actor that closed it ("agent", "player", "no_agent").
func (c *Collector) IncSessionClosed(closedBy string) {
	if c == nil {
		return
	}
	c.SessionsClosed.WithLabelValues(closedBy).Inc()
}

// SetQueueDepth reports the current QUEUED session count for a game
// partition.
func (c *Collector) SetQueueDepth(gameID string, depth int) {
	if c == nil {
		return
	}
	c.QueueDepth.WithLabelValues(gameID).Set(float64(depth))
}

// ObserveQueueWait records the time a session spent QUEUED before an
// agent joined.
func (c *Collector) ObserveQueueWait(d time.Duration) {
	if c == nil {
		return
	}
	c.QueueWaitSeconds.Observe(d.Seconds())
}

// ObserveAITriage records one AIAdapter.Triage call's latency.
func (c *Collector) ObserveAITriage(d time.Duration) {
	if c == nil {
		return
	}
	c.AITriageLatency.Observe(d.Seconds())
}

// ObserveAIChat records one AIAdapter.Chat call's latency.
func (c *Collector) ObserveAIChat(d time.Duration) {
	if c == nil {
		return
	}
	c.AIChatLatency.Observe(d.Seconds())
}

// IncAIFailure records an AIAdapter call that fell back or errored,
// labeled by the operation that degraded ("triage_workflow",
// "triage_safe_default", "chat", "optimize").
func (c *Collector) IncAIFailure(operation string) {
	if c == nil {
		return
	}
	c.AIFailures.WithLabelValues(operation).Inc()
}

// ObserveTranslation records one provider-backed (non-cached) translate
// call's latency.
func (c *Collector) ObserveTranslation(d time.Duration) {
	if c == nil {
		return
	}
	c.TranslationLatency.Observe(d.Seconds())
}

// IncTranslationCacheHit records a translate call served from cache.
func (c *Collector) IncTranslationCacheHit() {
	if c == nil {
		return
	}
	c.TranslationCacheHit.Inc()
}

// IncWSConnection records a WebSocket connection being accepted.
func (c *Collector) IncWSConnection() {
	if c == nil {
		return
	}
	c.WSConnections.Inc()
}

// DecWSConnection records a WebSocket connection closing.
func (c *Collector) DecWSConnection() {
	if c == nil {
		return
	}
	c.WSConnections.Dec()
}

// IncWSRateLimitReject records a frame dropped by the per-connection
// token bucket, labeled by the connection's role.
func (c *Collector) IncWSRateLimitReject(role string) {
	if c == nil {
		return
	}
	c.WSRateLimitRejects.WithLabelValues(role).Inc()
}

// Handler builds the guarded /metrics endpoint: Prometheus exposition is
// only served to private-network callers or callers presenting the
// configured x-metrics-key header, per spec §6.
func Handler(registry *prometheus.Registry, authKey string) http.Handler {
	expose := promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r, authKey) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		expose.ServeHTTP(w, r)
	})
}

func authorized(r *http.Request, authKey string) bool {
	if authKey != "" && r.Header.Get("x-metrics-key") == authKey {
		return true
	}
	return isPrivateIP(clientIP(r))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var privateBlocks = func() []*net.IPNet {
	cidrs := []string{"127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "::1/128", "fc00::/7"}
	blocks := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, block, err := net.ParseCIDR(c)
		if err == nil {
			blocks = append(blocks, block)
		}
	}
	return blocks
}()

func isPrivateIP(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, block := range privateBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}
