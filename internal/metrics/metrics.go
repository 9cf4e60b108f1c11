// Package metrics owns the prometheus collectors shared by the lock manager,
// supervisors and ingest pipeline. All methods are safe on a nil receiver so
// components can run without instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatrelay"

type Metrics struct {
	registry *prometheus.Registry

	lockAcquire    *prometheus.CounterVec
	lockRenew      *prometheus.CounterVec
	running        prometheus.Gauge
	reconnects     prometheus.Counter
	deactivations  *prometheus.CounterVec
	supervisorStop *prometheus.CounterVec
	ingest         *prometheus.CounterVec
	replies        *prometheus.CounterVec
	suppressions   *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		lockAcquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lock_acquire_total",
			Help: "Lease acquisition attempts by result.",
		}, []string{"result"}),
		lockRenew: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lock_renew_total",
			Help: "Lease renewal attempts by result.",
		}, []string{"result"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "supervisors_running",
			Help: "Accounts with a live, lock-confirmed connection.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnect_attempts_total",
			Help: "Scheduled reconnect attempts.",
		}),
		deactivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_deactivated_total",
			Help: "Sessions marked inactive by reason.",
		}, []string{"reason"}),
		supervisorStop: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "supervisor_stops_total",
			Help: "Supervisor teardowns by stop reason.",
		}, []string{"reason"}),
		ingest: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ingest_messages_total",
			Help: "Inbound events by ingest outcome.",
		}, []string{"result"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "auto_replies_total",
			Help: "Automated reply attempts by result.",
		}, []string{"result"}),
		suppressions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "suppressions_total",
			Help: "Suppression windows opened by source.",
		}, []string{"source"}),
	}
	reg.MustRegister(
		m.lockAcquire, m.lockRenew, m.running, m.reconnects, m.deactivations,
		m.supervisorStop, m.ingest, m.replies, m.suppressions,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) LockAcquire(result string) {
	if m == nil {
		return
	}
	m.lockAcquire.WithLabelValues(result).Inc()
}

func (m *Metrics) LockRenew(result string) {
	if m == nil {
		return
	}
	m.lockRenew.WithLabelValues(result).Inc()
}

func (m *Metrics) SupervisorRunning(delta float64) {
	if m == nil {
		return
	}
	m.running.Add(delta)
}

func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) SessionDeactivated(reason string) {
	if m == nil {
		return
	}
	m.deactivations.WithLabelValues(reason).Inc()
}

func (m *Metrics) SupervisorStopped(reason string) {
	if m == nil {
		return
	}
	m.supervisorStop.WithLabelValues(reason).Inc()
}

func (m *Metrics) Ingested(result string) {
	if m == nil {
		return
	}
	m.ingest.WithLabelValues(result).Inc()
}

func (m *Metrics) AutoReply(result string) {
	if m == nil {
		return
	}
	m.replies.WithLabelValues(result).Inc()
}

func (m *Metrics) Suppressed(source string) {
	if m == nil {
		return
	}
	m.suppressions.WithLabelValues(source).Inc()
}
