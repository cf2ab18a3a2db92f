// Package metrics provides Prometheus metrics for gamerelay.
package metrics

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "gamerelay"

// OverflowGame is used as the game label when the number of unique games
// exceeds MaxGames.
const OverflowGame = "__other__"

// Connection error reasons.
const (
	ReasonHandshakeFailed   = "handshake_failed"
	ReasonProtocolViolation = "protocol_violation"
	ReasonAuthFailed        = "auth_failed"
	ReasonNotFound          = "not_found"
	ReasonQueueFull         = "queue_full"
	ReasonAtCapacity        = "at_capacity"
)

// Participant removal reasons.
const (
	RemovedLeave      = "leave"
	RemovedDisconnect = "disconnect"
	RemovedDelivery   = "delivery_failure"
	RemovedDeleted    = "session_deleted"
	RemovedReplaced   = "replaced"
)

// Federation call outcomes.
const (
	CallOK          = "ok"
	CallFailed      = "failed"
	CallTimeout     = "timeout"
	CallBadResponse = "bad_response"
)

// Metrics holds all Prometheus metrics for gamerelay.
type Metrics struct {
	Registry *prometheus.Registry

	// MaxGames is the maximum number of unique game label values.
	// Once exceeded, new games are recorded as OverflowGame.
	// Zero means unlimited.
	MaxGames int

	connectionsTotal    *prometheus.CounterVec
	connectionErrors    *prometheus.CounterVec
	activeConnections   *prometheus.GaugeVec
	connectionDuration  *prometheus.HistogramVec
	messagesTotal       *prometheus.CounterVec
	deliveredBytes      *prometheus.CounterVec
	messagesDropped     *prometheus.CounterVec
	sessionsTotal       *prometheus.CounterVec
	activeSessions      *prometheus.GaugeVec
	participantsRemoved *prometheus.CounterVec
	federationCalls     *prometheus.CounterVec
	federationDuration  *prometheus.HistogramVec
	registeredServers   prometheus.Gauge
	announcerRegistered prometheus.Gauge
	registerRetries     prometheus.Counter

	gameCount atomic.Int64
	games     sync.Map // map[string]struct{}
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total WebSocket connections that completed the handshake and were attached to a session.",
		}, []string{"family", "status"}),

		connectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Total number of rejected or aborted WebSocket connections, by reason.",
		}, []string{"reason"}),

		activeConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of currently attached WebSocket connections.",
		}, []string{"family"}),

		connectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Duration of completed WebSocket connections in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"family"}),

		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total data messages routed, by addressing kind.",
		}, []string{"kind"}),

		deliveredBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivered_bytes_total",
			Help:      "Total encoded bytes queued to recipients, by protocol family.",
		}, []string{"family"}),

		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total per-recipient deliveries that were skipped, by reason.",
		}, []string{"reason"}),

		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total sessions created.",
		}, []string{"game"}),

		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently in the registry.",
		}, []string{"game"}),

		participantsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "participants_removed_total",
			Help:      "Total participants removed from sessions, by reason.",
		}, []string{"reason"}),

		federationCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "federation_calls_total",
			Help:      "Total outbound federation calls, by operation and outcome.",
		}, []string{"op", "outcome"}),

		federationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "federation_call_duration_seconds",
			Help:      "Duration of outbound federation calls in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"op"}),

		registeredServers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_servers",
			Help:      "Number of relay servers in the federation table.",
		}),

		announcerRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "announcer_registered",
			Help:      "Whether this relay is registered with its matchmaker (1) or not (0).",
		}),

		registerRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "register_retries_total",
			Help:      "Total number of relay registration retry attempts.",
		}),
	}

	reg.MustRegister(
		m.connectionsTotal,
		m.connectionErrors,
		m.activeConnections,
		m.connectionDuration,
		m.messagesTotal,
		m.deliveredBytes,
		m.messagesDropped,
		m.sessionsTotal,
		m.activeSessions,
		m.participantsRemoved,
		m.federationCalls,
		m.federationDuration,
		m.registeredServers,
		m.announcerRegistered,
		m.registerRetries,
	)

	return m
}

// SanitizeGame returns game if it is within the cardinality budget, or
// OverflowGame if the cap has been reached. Games that have been seen
// before are always returned as-is. Game ids come from untrusted clients.
func (m *Metrics) SanitizeGame(game string) string {
	if m == nil {
		return game
	}
	if m.MaxGames <= 0 {
		return game
	}

	for {
		if _, ok := m.games.Load(game); ok {
			return game
		}

		cur := m.gameCount.Load()
		if cur >= int64(m.MaxGames) {
			// Another goroutine may have stored this game between our
			// Load and the cap check.
			if _, ok := m.games.Load(game); ok {
				return game
			}
			return OverflowGame
		}

		if !m.gameCount.CompareAndSwap(cur, cur+1) {
			continue
		}
		if _, loaded := m.games.LoadOrStore(game, struct{}{}); loaded {
			m.gameCount.Add(-1)
		}
		return game
	}
}

// ConnectionOpened increments the active connection gauge and returns a
// tracker to record the outcome when the connection ends.
func (m *Metrics) ConnectionOpened(family string) *ConnectionTracker {
	if m == nil {
		return nil
	}
	m.activeConnections.WithLabelValues(family).Inc()
	return &ConnectionTracker{m: m, family: family, start: time.Now()}
}

// ConnectionError records a connection that was rejected or aborted.
func (m *Metrics) ConnectionError(reason string) {
	if m == nil {
		return
	}
	m.connectionErrors.WithLabelValues(reason).Inc()
}

// MessageRouted counts one inbound data message by addressing kind
// ("broadcast" or "direct").
func (m *Metrics) MessageRouted(kind string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(kind).Inc()
}

// Delivered adds encoded bytes queued to a recipient of the given family.
func (m *Metrics) Delivered(family string, n int) {
	if m == nil {
		return
	}
	m.deliveredBytes.WithLabelValues(family).Add(float64(n))
}

// MessageDropped counts a recipient that did not receive a message.
func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

// SessionCreated records a new session for game.
func (m *Metrics) SessionCreated(game string) {
	if m == nil {
		return
	}
	game = m.SanitizeGame(game)
	m.sessionsTotal.WithLabelValues(game).Inc()
	m.activeSessions.WithLabelValues(game).Inc()
}

// SessionDeleted records the removal of a session for game.
func (m *Metrics) SessionDeleted(game string) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(m.SanitizeGame(game)).Dec()
}

// ParticipantRemoved records a participant leaving a session.
func (m *Metrics) ParticipantRemoved(reason string) {
	if m == nil {
		return
	}
	m.participantsRemoved.WithLabelValues(reason).Inc()
}

// SetRegisteredServers sets the federation table size gauge.
func (m *Metrics) SetRegisteredServers(n int) {
	if m == nil {
		return
	}
	m.registeredServers.Set(float64(n))
}

// SetAnnouncerRegistered sets the relay registration gauge.
func (m *Metrics) SetAnnouncerRegistered(up bool) {
	if m == nil {
		return
	}
	if up {
		m.announcerRegistered.Set(1)
	} else {
		m.announcerRegistered.Set(0)
	}
}

// IncrRegisterRetries increments the registration retry counter.
func (m *Metrics) IncrRegisterRetries() {
	if m == nil {
		return
	}
	m.registerRetries.Inc()
}

// CallOutcome returns CallTimeout if err is a network timeout, CallOK for
// a nil error, otherwise fallback.
func CallOutcome(err error, fallback string) string {
	if err == nil {
		return CallOK
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CallTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CallTimeout
	}
	return fallback
}

// ObserveCall records one outbound federation call.
func (m *Metrics) ObserveCall(op string, seconds float64, outcome string) {
	if m == nil {
		return
	}
	m.federationCalls.WithLabelValues(op, outcome).Inc()
	m.federationDuration.WithLabelValues(op).Observe(seconds)
}

// ConnectionTracker records the outcome of a single attached connection.
type ConnectionTracker struct {
	m      *Metrics
	family string
	start  time.Time
}

// Done records the completion of a connection. A non-nil err marks it as
// ended by an error rather than a close handshake.
func (t *ConnectionTracker) Done(err error) {
	if t == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	t.m.activeConnections.WithLabelValues(t.family).Dec()
	t.m.connectionsTotal.WithLabelValues(t.family, status).Inc()
	t.m.connectionDuration.WithLabelValues(t.family).Observe(time.Since(t.start).Seconds())
}
