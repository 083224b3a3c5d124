package transfercore

import "github.com/prometheus/client_golang/prometheus"

// Metrics backs spec §6's "Counters exposed" with real prometheus
// instruments instead of raw uint64 fields (see SPEC_FULL.md DOMAIN
// STACK). Per-link and per-address counters are exposed as CounterVecs
// labeled by link id / address key. Label values are never removed, so
// the number of series grows with every link id and address key that
// has been counted.
type Metrics struct {
	DeliveriesIngress              prometheus.Counter
	DeliveriesIngressRouteContainer prometheus.Counter
	DeliveriesRedirected           prometheus.Counter
	DroppedPresettledDeliveries    prometheus.Counter

	LinkDeliveries        *prometheus.CounterVec
	LinkDroppedPresettled *prometheus.CounterVec
	AddressIngress        *prometheus.CounterVec
}

// NewMetrics creates and registers the counter set. If reg is nil, a
// private registry is created so the counters still work in isolation
// (unit tests, or a caller that exposes metrics some other way).
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		DeliveriesIngress: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qdr_deliveries_ingress_total",
			Help: "Deliveries accepted from incoming links.",
		}),
		DeliveriesIngressRouteContainer: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qdr_deliveries_ingress_route_container_total",
			Help: "Deliveries accepted from route-container (attach-routed) links.",
		}),
		DeliveriesRedirected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qdr_deliveries_redirected_total",
			Help: "Deliveries redirected to a fallback address.",
		}),
		DroppedPresettledDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qdr_dropped_presettled_deliveries_total",
			Help: "Pre-settled deliveries dropped for lack of a forwarding path.",
		}),
		LinkDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qdr_link_deliveries_total",
			Help: "Deliveries fully transmitted, per link.",
		}, []string{"link"}),
		LinkDroppedPresettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qdr_link_dropped_presettled_deliveries_total",
			Help: "Pre-settled deliveries dropped, per link.",
		}, []string{"link"}),
		AddressIngress: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qdr_address_deliveries_ingress_total",
			Help: "Deliveries ingested, per address.",
		}, []string{"address"}),
	}
	reg.MustRegister(
		m.DeliveriesIngress,
		m.DeliveriesIngressRouteContainer,
		m.DeliveriesRedirected,
		m.DroppedPresettledDeliveries,
		m.LinkDeliveries,
		m.LinkDroppedPresettled,
		m.AddressIngress,
	)
	return m
}
