// Package metrics exposes Prometheus instrumentation for the vault. A nil
// *Metrics is valid and records nothing, so components can take one optionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "beevault"

// Metrics holds the vault's collectors
type Metrics struct {
	admissions      *prometheus.CounterVec
	challenges      *prometheus.CounterVec
	proposals       *prometheus.CounterVec
	appliedEvents   *prometheus.CounterVec
	sectionSize     prometheus.Gauge
	prefixLen       prometheus.Gauge
	utilization     prometheus.Gauge
	proofDifficulty prometheus.Gauge
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Client admission decisions by outcome.",
		}, []string{"outcome"}),
		challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resource_proof",
			Name:      "challenges_total",
			Help:      "Resource proof challenges by outcome.",
		}, []string{"outcome"}),
		proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "proposals_total",
			Help:      "Membership proposals by final state.",
		}, []string{"state"}),
		appliedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "section",
			Name:      "events_applied_total",
			Help:      "Membership events applied to the local store by kind.",
		}, []string{"kind"}),
		sectionSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "section",
			Name:      "members",
			Help:      "Number of members in the local section.",
		}),
		prefixLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "section",
			Name:      "prefix_length",
			Help:      "Bit length of the local section prefix.",
		}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "capacity",
			Name:      "utilization_ratio",
			Help:      "Fraction of max_capacity in use.",
		}),
		proofDifficulty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resource_proof",
			Name:      "difficulty_bits",
			Help:      "Current resource proof difficulty in leading zero bits.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.admissions, m.challenges, m.proposals, m.appliedEvents,
			m.sectionSize, m.prefixLen, m.utilization, m.proofDifficulty,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

// Admission records a client admission outcome
func (m *Metrics) Admission(outcome string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(outcome).Inc()
}

// Challenge records a resource proof outcome
func (m *Metrics) Challenge(outcome string) {
	if m == nil {
		return
	}
	m.challenges.WithLabelValues(outcome).Inc()
}

// Proposal records a proposal reaching a final state
func (m *Metrics) Proposal(state string) {
	if m == nil {
		return
	}
	m.proposals.WithLabelValues(state).Inc()
}

// EventApplied records an applied membership event
func (m *Metrics) EventApplied(kind string) {
	if m == nil {
		return
	}
	m.appliedEvents.WithLabelValues(kind).Inc()
}

// Section records the shape of the local section
func (m *Metrics) Section(members, prefixLen int) {
	if m == nil {
		return
	}
	m.sectionSize.Set(float64(members))
	m.prefixLen.Set(float64(prefixLen))
}

// Utilization records the capacity utilization
func (m *Metrics) Utilization(ratio float64) {
	if m == nil {
		return
	}
	m.utilization.Set(ratio)
}

// Difficulty records the current resource proof difficulty
func (m *Metrics) Difficulty(bits uint8) {
	if m == nil {
		return
	}
	m.proofDifficulty.Set(float64(bits))
}
