package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	roomsActive      prometheus.Gauge
	peersConnected   prometheus.Gauge
	envelopesRouted  prometheus.Counter
	joinsRejected    prometheus.Counter
	roomsOpenedTotal prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "samspill_rooms_active",
			Help: "Number of rooms currently registered on the relay",
		}),

		peersConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "samspill_peers_connected",
			Help: "Number of participant connections currently attached",
		}),

		envelopesRouted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "samspill_envelopes_routed_total",
			Help: "Total number of envelopes routed between room members",
		}),

		joinsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "samspill_joins_rejected_total",
			Help: "Total number of join attempts rejected before upgrade",
		}),

		roomsOpenedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "samspill_rooms_opened_total",
			Help: "Total number of rooms ever registered",
		}),
	}
}

func (m *Metrics) RoomOpened() {
	if m == nil {
		return
	}
	m.roomsActive.Inc()
	m.roomsOpenedTotal.Inc()
}

func (m *Metrics) RoomClosed() {
	if m == nil {
		return
	}
	m.roomsActive.Dec()
}

func (m *Metrics) PeerConnected() {
	if m == nil {
		return
	}
	m.peersConnected.Inc()
}

func (m *Metrics) PeerDisconnected() {
	if m == nil {
		return
	}
	m.peersConnected.Dec()
}

func (m *Metrics) EnvelopeRouted() {
	if m == nil {
		return
	}
	m.envelopesRouted.Inc()
}

func (m *Metrics) JoinRejected() {
	if m == nil {
		return
	}
	m.joinsRejected.Inc()
}
