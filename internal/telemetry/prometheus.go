package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exports Metrics samples as prometheus collectors. Add feeds a
// counter vector and Store feeds a gauge vector, both labelled by key.
type Prometheus struct {
	counters *prometheus.CounterVec
	gauges   *prometheus.GaugeVec
}

// NewPrometheus registers the lockstep collectors with reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		counters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lockstep",
			Name:      "events_total",
			Help:      "Lockstep protocol events by key.",
		}, []string{"key"}),
		gauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lockstep",
			Name:      "value",
			Help:      "Last stored lockstep value by key.",
		}, []string{"key"}),
	}
	if reg != nil {
		if err := reg.Register(p.counters); err != nil {
			return nil, err
		}
		if err := reg.Register(p.gauges); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Add implements Metrics.
func (p *Prometheus) Add(key string, delta uint64) {
	if p == nil {
		return
	}
	p.counters.WithLabelValues(key).Add(float64(delta))
}

// Store implements Metrics.
func (p *Prometheus) Store(key string, value uint64) {
	if p == nil {
		return
	}
	p.gauges.WithLabelValues(key).Set(float64(value))
}
