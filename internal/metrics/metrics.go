// Package metrics exports wiretap counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/die-net/wiretap/internal/conn"
	"github.com/die-net/wiretap/internal/pdu"
)

// Metrics implements intercept.Observer and conn.Listener.
type Metrics struct {
	pdus        *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	drops       *prometheus.CounterVec
	connections *prometheus.GaugeVec
	accepted    *prometheus.CounterVec
}

func New(registerer prometheus.Registerer) *Metrics {
	pdus := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wiretap",
			Subsystem: "pdus",
			Name:      "total",
			Help:      "PDUs handled, by proxy, direction and outcome.",
		},
		[]string{"proxy", "direction", "outcome"},
	)
	registerer.MustRegister(pdus)

	bytes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wiretap",
			Subsystem: "pdus",
			Name:      "forwarded_bytes_total",
			Help:      "Payload bytes handed to connections.",
		},
		[]string{"proxy", "direction"},
	)
	registerer.MustRegister(bytes)

	drops := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wiretap",
			Subsystem: "interceptors",
			Name:      "drops_total",
			Help:      "PDUs dropped, by interceptor.",
		},
		[]string{"interceptor"},
	)
	registerer.MustRegister(drops)

	connections := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wiretap",
			Subsystem: "connections",
			Name:      "active",
			Help:      "Live connections, by proxy.",
		},
		[]string{"proxy"},
	)
	registerer.MustRegister(connections)

	accepted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wiretap",
			Subsystem: "connections",
			Name:      "total",
			Help:      "Connections registered, by proxy.",
		},
		[]string{"proxy"},
	)
	registerer.MustRegister(accepted)

	return &Metrics{
		pdus:        pdus,
		bytes:       bytes,
		drops:       drops,
		connections: connections,
		accepted:    accepted,
	}
}

func (m *Metrics) Forwarded(p *pdu.PDU) {
	proxy, dir := labels(p)
	m.pdus.WithLabelValues(proxy, dir, "forwarded").Inc()
	m.bytes.WithLabelValues(proxy, dir).Add(float64(p.Size()))
}

func (m *Metrics) Dropped(p *pdu.PDU, interceptor string) {
	proxy, dir := labels(p)
	m.pdus.WithLabelValues(proxy, dir, "dropped").Inc()
	m.drops.WithLabelValues(interceptor).Inc()
}

func (m *Metrics) Injected(p *pdu.PDU) {
	proxy, dir := labels(p)
	m.pdus.WithLabelValues(proxy, dir, "injected").Inc()
}

// Listener returns a conn.Listener that tracks connections of proxy.
func (m *Metrics) Listener(proxy string) conn.Listener {
	return &connListener{
		active: m.connections.WithLabelValues(proxy),
		total:  m.accepted.WithLabelValues(proxy),
	}
}

type connListener struct {
	active prometheus.Gauge
	total  prometheus.Counter
}

func (l *connListener) ConnectionStarted(conn.Connection) {
	l.active.Inc()
	l.total.Inc()
}

func (l *connListener) ConnectionStopped(conn.Connection) {
	l.active.Dec()
}

func labels(p *pdu.PDU) (string, string) {
	proxy := ""
	if p.Proxy != nil {
		proxy = p.Proxy.Code()
	}
	return proxy, p.Destination.String()
}
