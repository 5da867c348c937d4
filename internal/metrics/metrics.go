// Package metrics provides Prometheus metrics for wsrelay.
package metrics

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/philsphicas/wsrelay/internal/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "wsrelay"

// OverflowTarget is used as the target label when the number of unique
// targets exceeds MaxTargets.
const OverflowTarget = "__other__"

// Reasons recorded by RequestRejected.
const (
	ReasonMissingTarget  = "missing_target"
	ReasonInvalidTarget  = "invalid_target"
	ReasonConnectFailed  = "connect_failed"
	ReasonConnectTimeout = "connect_timeout"
	ReasonUpgradeFailed  = "upgrade_failed"
	ReasonCapacity       = "capacity"
)

// Directions used for message and byte counters.
const (
	DirectionToTarget = "to_target"
	DirectionToClient = "to_client"
)

// Metrics holds all Prometheus metrics for wsrelay.
type Metrics struct {
	Registry *prometheus.Registry

	// MaxTargets is the maximum number of unique target label values.
	// Once exceeded, new targets are recorded as OverflowTarget.
	// Zero means unlimited.
	MaxTargets int

	sessionsTotal   *prometheus.CounterVec
	rejectedTotal   *prometheus.CounterVec
	messagesTotal   *prometheus.CounterVec
	bytesTotal      *prometheus.CounterVec
	droppedTotal    *prometheus.CounterVec
	transportErrors *prometheus.CounterVec
	activeSessions  *prometheus.GaugeVec
	sessionDuration *prometheus.HistogramVec
	connectDuration prometheus.Histogram

	targetCount atomic.Int64
	targets     sync.Map // map[string]struct{}
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total relay sessions that were established and have ended.",
		}, []string{"target", "status"}),

		rejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_requests_total",
			Help:      "Total upgrade requests that did not become a session, by reason.",
		}, []string{"reason"}),

		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total WebSocket messages forwarded through the relay, counted as each is written.",
		}, []string{"target", "direction"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total message payload bytes forwarded through the relay, counted as each message is written.",
		}, []string{"target", "direction"}),

		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Messages discarded because the receiving socket was not open.",
		}, []string{"target", "direction"}),

		transportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Socket failures during an active session, by side.",
		}, []string{"side"}),

		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of currently active relay sessions.",
		}, []string{"target"}),

		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of completed sessions in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"target"}),

		connectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_duration_seconds",
			Help:      "Time spent opening the connection to the target, in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}

	reg.MustRegister(
		m.sessionsTotal,
		m.rejectedTotal,
		m.messagesTotal,
		m.bytesTotal,
		m.droppedTotal,
		m.transportErrors,
		m.activeSessions,
		m.sessionDuration,
		m.connectDuration,
	)

	return m
}

// SanitizeTarget returns target if it is within the cardinality budget,
// or OverflowTarget if the cap has been reached. Targets that have been
// seen before are always returned as-is.
func (m *Metrics) SanitizeTarget(target string) string {
	if m == nil {
		return target
	}
	if m.MaxTargets <= 0 {
		return target
	}

	for {
		// Fast path: already-known target.
		if _, ok := m.targets.Load(target); ok {
			return target
		}

		cur := m.targetCount.Load()
		if cur >= int64(m.MaxTargets) {
			// Re-check: another goroutine may have stored this target
			// between our Load and this cap check.
			if _, ok := m.targets.Load(target); ok {
				return target
			}
			return OverflowTarget
		}

		if !m.targetCount.CompareAndSwap(cur, cur+1) {
			continue
		}

		// Slot reserved. Store the target, undoing the increment if
		// another goroutine stored it first.
		if _, loaded := m.targets.LoadOrStore(target, struct{}{}); loaded {
			m.targetCount.Add(-1)
		}

		return target
	}
}

// SessionOpened increments the active session gauge and should be called
// when a session begins. The returned SessionTracker records its traffic
// and outcome.
func (m *Metrics) SessionOpened(target string) *SessionTracker {
	if m == nil {
		return nil
	}
	target = m.SanitizeTarget(target)
	m.activeSessions.WithLabelValues(target).Inc()
	return &SessionTracker{
		m:      m,
		target: target,

		toTargetMessages: m.messagesTotal.WithLabelValues(target, DirectionToTarget),
		toClientMessages: m.messagesTotal.WithLabelValues(target, DirectionToClient),
		toTargetBytes:    m.bytesTotal.WithLabelValues(target, DirectionToTarget),
		toClientBytes:    m.bytesTotal.WithLabelValues(target, DirectionToClient),
	}
}

// RequestRejected records an upgrade request that never became a session.
func (m *Metrics) RequestRejected(reason string) {
	if m == nil {
		return
	}
	m.rejectedTotal.WithLabelValues(reason).Inc()
}

// TransportError records a socket failure in an active session.
func (m *Metrics) TransportError(side relay.Side) {
	if m == nil {
		return
	}
	m.transportErrors.WithLabelValues(string(side)).Inc()
}

// ObserveConnectDuration records how long a target connection attempt took.
func (m *Metrics) ObserveConnectDuration(seconds float64) {
	if m == nil {
		return
	}
	m.connectDuration.Observe(seconds)
}

// ConnectReason returns ReasonConnectTimeout if err is a timeout, otherwise
// ReasonConnectFailed.
func ConnectReason(err error) string {
	var cerr *relay.ConnectError
	if errors.As(err, &cerr) && cerr.TimedOut() {
		return ReasonConnectTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonConnectTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonConnectTimeout
	}
	return ReasonConnectFailed
}

// SessionTracker records the traffic and outcome of a single session.
type SessionTracker struct {
	m      *Metrics
	target string

	toTargetMessages prometheus.Counter
	toClientMessages prometheus.Counter
	toTargetBytes    prometheus.Counter
	toClientBytes    prometheus.Counter
}

// Forwarded records one message of n bytes written to the socket on side
// to. It matches relay.SessionConfig.OnForward.
func (t *SessionTracker) Forwarded(to relay.Side, n int) {
	if t == nil {
		return
	}
	if to == relay.SideOutbound {
		t.toTargetMessages.Inc()
		t.toTargetBytes.Add(float64(n))
		return
	}
	t.toClientMessages.Inc()
	t.toClientBytes.Add(float64(n))
}

// Done records the completion of a session. A session that saw a
// transport error is counted with status "error".
func (t *SessionTracker) Done(durationSec float64, stats relay.SessionStats) {
	if t == nil {
		return
	}
	status := "success"
	if stats.TransportErrors > 0 {
		status = "error"
	}
	m := t.m
	m.activeSessions.WithLabelValues(t.target).Dec()
	m.sessionsTotal.WithLabelValues(t.target, status).Inc()
	m.sessionDuration.WithLabelValues(t.target).Observe(durationSec)
	m.droppedTotal.WithLabelValues(t.target, DirectionToTarget).Add(float64(stats.ToTarget.Dropped))
	m.droppedTotal.WithLabelValues(t.target, DirectionToClient).Add(float64(stats.ToClient.Dropped))
}

// Run runs s and records its outcome. Wire Forwarded into the session's
// OnForward for live traffic counters. Safe to call on a nil receiver.
func (t *SessionTracker) Run(ctx context.Context, s *relay.Session) relay.SessionStats {
	start := time.Now()
	stats := s.Run(ctx)
	t.Done(time.Since(start).Seconds(), stats)
	return stats
}

// InstrumentedConnect wraps relay.Connect with duration and error metrics.
// Safe to call on a nil receiver.
func (m *Metrics) InstrumentedConnect(ctx context.Context, address string, opts relay.ConnectOptions) (*websocket.Conn, error) {
	start := time.Now()
	ws, err := relay.Connect(ctx, address, opts)
	m.ObserveConnectDuration(time.Since(start).Seconds())
	if err != nil {
		m.RequestRejected(ConnectReason(err))
		return nil, err
	}
	return ws, nil
}
