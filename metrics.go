package srp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics counts what the server does. With no registerer configured
// the collectors still exist but are never scraped.
type metrics struct {
	updatesReceived     prometheus.Counter
	updatesCommitted    prometheus.Counter
	updatesRejected     prometheus.Counter
	leaseExpirations    prometheus.Counter
	keyLeaseExpirations prometheus.Counter
	hosts               prometheus.Gauge
	services            prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		updatesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "srp",
			Name:      "updates_received_total",
			Help:      "SRP update messages received.",
		}),
		updatesCommitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "srp",
			Name:      "updates_committed_total",
			Help:      "SRP updates committed to the registry.",
		}),
		updatesRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "srp",
			Name:      "updates_rejected_total",
			Help:      "SRP updates rejected or rolled back.",
		}),
		leaseExpirations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "srp",
			Name:      "lease_expirations_total",
			Help:      "Host and service leases that elapsed.",
		}),
		keyLeaseExpirations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "srp",
			Name:      "key_lease_expirations_total",
			Help:      "Host and service key leases that elapsed.",
		}),
		hosts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "srp",
			Name:      "registered_hosts",
			Help:      "Hosts currently in the registry, deleted-but-reserved included.",
		}),
		services: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "srp",
			Name:      "registered_services",
			Help:      "Live services currently in the registry.",
		}),
	}
}

func (m *metrics) setRegistrySize(r *registry) {
	live := 0
	for _, h := range r.hosts {
		for _, svc := range h.services {
			if !svc.isDeleted {
				live++
			}
		}
	}
	m.hosts.Set(float64(r.len()))
	m.services.Set(float64(live))
}
