package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bus metrics
	MessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alicia_bus_messages_published_total",
			Help: "Total envelopes published by service and message type",
		},
		[]string{"service", "message_type"},
	)

	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alicia_bus_messages_received_total",
			Help: "Total envelopes dispatched to handlers by service",
		},
		[]string{"service"},
	)

	MessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alicia_bus_messages_dropped_total",
			Help: "Total envelopes dropped before dispatch by reason (expired, duplicate, hops, decode, queue_full)",
		},
		[]string{"service", "reason"},
	)

	BusConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "alicia_bus_connected",
			Help: "Whether the service holds a live broker connection (1 = connected)",
		},
		[]string{"service"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alicia_api_requests_total",
			Help: "Total number of API requests by service, method and status",
		},
		[]string{"service", "method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alicia_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method"},
	)

	// Load balancer metrics
	RouteDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alicia_lb_route_decisions_total",
			Help: "Total routing decisions by service and algorithm",
		},
		[]string{"service", "algorithm"},
	)

	RouteFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alicia_lb_route_failures_total",
			Help: "Total routing failures by service and reason",
		},
		[]string{"service", "reason"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "alicia_lb_breaker_state",
			Help: "Circuit breaker state per instance (0 = closed, 1 = half-open, 2 = open)",
		},
		[]string{"instance"},
	)

	// Device manager metrics
	DevicesOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "alicia_devices_online",
			Help: "Devices currently marked online",
		},
	)

	CommandQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "alicia_device_command_queue_depth",
			Help: "Commands waiting in the device manager queue",
		},
	)

	CommandsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alicia_device_commands_completed_total",
			Help: "Device commands finished by terminal status",
		},
		[]string{"status"},
	)

	// Voice pipeline metrics
	EngineLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alicia_voice_engine_latency_seconds",
			Help:    "Engine call latency by stage and engine",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage", "engine"},
	)

	VoiceJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alicia_voice_jobs_total",
			Help: "Voice pipeline jobs by stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	// Security metrics
	AuthAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alicia_security_auth_attempts_total",
			Help: "Device authentication attempts by outcome",
		},
		[]string{"outcome"},
	)

	TokensActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "alicia_security_tokens_active",
			Help: "Unexpired bearer tokens currently held",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(MessagesPublished)
	prometheus.MustRegister(MessagesReceived)
	prometheus.MustRegister(MessagesDropped)
	prometheus.MustRegister(BusConnected)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(RouteDecisions)
	prometheus.MustRegister(RouteFailures)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(DevicesOnline)
	prometheus.MustRegister(CommandQueueDepth)
	prometheus.MustRegister(CommandsCompleted)
	prometheus.MustRegister(EngineLatency)
	prometheus.MustRegister(VoiceJobs)
	prometheus.MustRegister(AuthAttempts)
	prometheus.MustRegister(TokensActive)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
