package engine

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	streaming     prometheus.Gauge
	attempts      prometheus.Counter
	disconnects   prometheus.Counter
	heartbeats    prometheus.Counter
	heartbeatAcks prometheus.Counter
	messages      *prometheus.CounterVec
	frameErrors   prometheus.Counter
	eventsDropped prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		streaming: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livelink_streaming",
			Help: "Whether the connection is authenticated and streaming (1 or 0)",
		}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livelink_connection_attempts_total",
			Help: "Total number of connection attempts started",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livelink_disconnects_total",
			Help: "Total number of terminated connection attempts",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livelink_heartbeats_sent_total",
			Help: "Total number of HEARTBEAT frames sent",
		}),
		heartbeatAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livelink_heartbeat_replies_total",
			Help: "Total number of HEARTBEAT_REPLY frames received",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livelink_messages_total",
			Help: "Total number of MESSAGE events delivered, by command",
		}, []string{"cmd"}),
		frameErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livelink_frame_errors_total",
			Help: "Total number of inbound frames dropped as undecodable",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livelink_events_dropped_total",
			Help: "Total number of events dropped because the host fell behind",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.streaming,
			m.attempts,
			m.disconnects,
			m.heartbeats,
			m.heartbeatAcks,
			m.messages,
			m.frameErrors,
			m.eventsDropped,
		)
	}
	return m
}

func (m *metrics) setStreaming(v bool) {
	if v {
		m.streaming.Set(1)
	} else {
		m.streaming.Set(0)
	}
}
