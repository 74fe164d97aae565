package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec

	sessionsStarted *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	sessionDuration *prometheus.HistogramVec
	turnsTotal      *prometheus.CounterVec

	framesTotal *prometheus.CounterVec
	eventsTotal *prometheus.CounterVec
	loopErrors  *prometheus.CounterVec

	interruptsTotal   *prometheus.CounterVec
	modelSwitchTotal  *prometheus.CounterVec
	gatewayClients    prometheus.Gauge
	gatewayRPCTotal   *prometheus.CounterVec
	configReloadTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "message_queue_size",
					Help: "Current number of buffered outbound messages by queue.",
				},
				[]string{"queue"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "message_enqueue_total",
					Help: "Total outbound messages enqueued by queue.",
				},
				[]string{"queue"},
			),
			sessionsStarted: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_sessions_started_total",
					Help: "Total agent sessions started by runtime and resume flag.",
				},
				[]string{"runtime", "resumed"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "agent_sessions_active",
					Help: "Agent sessions currently processing.",
				},
			),
			sessionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_session_duration_seconds",
					Help:    "Agent session lifetime in seconds by end reason.",
					Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
				},
				[]string{"reason"},
			),
			turnsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_turns_total",
					Help: "Completed turns by result subtype.",
				},
				[]string{"subtype"},
			),
			framesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "stream_frames_total",
					Help: "Frames pulled from the remote stream by top-level type.",
				},
				[]string{"type"},
			),
			eventsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "stream_events_total",
					Help: "Semantic events emitted by kind.",
				},
				[]string{"kind"},
			),
			loopErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "stream_loop_errors_total",
					Help: "Driver loop failures by cause.",
				},
				[]string{"cause"},
			),
			interruptsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_interrupts_total",
					Help: "Interrupt requests by outcome.",
				},
				[]string{"status"},
			),
			modelSwitchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_model_switch_total",
					Help: "Model preference changes by outcome.",
				},
				[]string{"status"},
			),
			gatewayClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "gateway_clients_connected",
					Help: "WebSocket clients currently connected to the gateway.",
				},
			),
			gatewayRPCTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gateway_rpc_total",
					Help: "Gateway RPC calls by method and status.",
				},
				[]string{"method", "status"},
			),
			configReloadTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "config_reload_total",
					Help: "Configuration reloads by outcome.",
				},
				[]string{"status"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.sessionsStarted,
			m.activeSessions,
			m.sessionDuration,
			m.turnsTotal,
			m.framesTotal,
			m.eventsTotal,
			m.loopErrors,
			m.interruptsTotal,
			m.modelSwitchTotal,
			m.gatewayClients,
			m.gatewayRPCTotal,
			m.configReloadTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(queue string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(queue).Inc()
	m.queueSize.WithLabelValues(queue).Set(float64(queueSize))
}

func SetQueueSize(queue string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(queue).Set(float64(queueSize))
}

func RecordSessionStart(runtime string, resumed bool) {
	m := getMetrics()
	label := "false"
	if resumed {
		label = "true"
	}
	m.sessionsStarted.WithLabelValues(runtime, label).Inc()
	m.activeSessions.Inc()
}

func RecordSessionEnd(reason string, duration time.Duration) {
	m := getMetrics()
	m.activeSessions.Dec()
	m.sessionDuration.WithLabelValues(reason).Observe(duration.Seconds())
}

func RecordTurn(subtype string) {
	if subtype == "" {
		subtype = "unknown"
	}
	getMetrics().turnsTotal.WithLabelValues(subtype).Inc()
}

func RecordFrame(frameType string) {
	getMetrics().framesTotal.WithLabelValues(frameType).Inc()
}

func RecordEvent(kind string) {
	getMetrics().eventsTotal.WithLabelValues(kind).Inc()
}

func RecordLoopError(cause string) {
	getMetrics().loopErrors.WithLabelValues(cause).Inc()
}

func RecordInterrupt(success bool) {
	getMetrics().interruptsTotal.WithLabelValues(status(success)).Inc()
}

func RecordModelSwitch(success bool) {
	getMetrics().modelSwitchTotal.WithLabelValues(status(success)).Inc()
}

func SetGatewayClients(count int) {
	getMetrics().gatewayClients.Set(float64(count))
}

func RecordGatewayRPC(method string, success bool) {
	getMetrics().gatewayRPCTotal.WithLabelValues(method, status(success)).Inc()
}

func RecordConfigReload(success bool) {
	getMetrics().configReloadTotal.WithLabelValues(status(success)).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
