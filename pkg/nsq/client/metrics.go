package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	_metricsNamespace = "nsq"
	_metricsSubsystem = "client"

	_resultOK    = "ok"
	_resultError = "error"

	_resultFinished = "finished"
	_resultRequeued = "requeued"
)

type metrics struct {
	frames            *prometheus.CounterVec
	heartbeats        prometheus.Counter
	heartbeatFailures prometheus.Counter
	connections       prometheus.Gauge
	publishes         *prometheus.CounterVec
	messages          *prometheus.CounterVec
	lookups           *prometheus.CounterVec
}

// newMetrics creates the engine metrics. They are registered to reg if it is not nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: _metricsSubsystem,
			Name:      "frames_total",
			Help:      "Number of frames received from data nodes, by frame type.",
		}, []string{"type"}),
		heartbeats: factory.NewCounter(prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: _metricsSubsystem,
			Name:      "heartbeats_total",
			Help:      "Number of heartbeats received from data nodes.",
		}),
		heartbeatFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: _metricsSubsystem,
			Name:      "heartbeat_failures_total",
			Help:      "Number of connections closed for missing heartbeats.",
		}),
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: _metricsSubsystem,
			Name:      "connections",
			Help:      "Number of open connections to data nodes.",
		}),
		publishes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: _metricsSubsystem,
			Name:      "publishes_total",
			Help:      "Number of publish attempts, by result.",
		}, []string{"result"}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: _metricsSubsystem,
			Name:      "messages_total",
			Help:      "Number of messages received from data nodes, by result.",
		}, []string{"result"}),
		lookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: _metricsSubsystem,
			Name:      "lookups_total",
			Help:      "Number of data node lookups, by result.",
		}, []string{"result"}),
	}
}

func result(err error) string {
	if err != nil {
		return _resultError
	}
	return _resultOK
}
