package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics counts balance mutations by entry kind and outcome.
type LedgerMetrics struct {
	applies *prometheus.CounterVec
}

// NewLedgerMetrics registers the ledger metrics on the provided registerer.
func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	if reg == nil {
		return &LedgerMetrics{}
	}
	applies := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_apply_total",
		Help: "Ledger apply attempts by entry kind and outcome.",
	}, []string{"kind", "outcome"})
	reg.MustRegister(applies)
	return &LedgerMetrics{applies: applies}
}

// IncApply increments the apply counter for one kind/outcome pair.
func (m *LedgerMetrics) IncApply(kind, outcome string) {
	if m == nil || m.applies == nil {
		return
	}
	m.applies.WithLabelValues(normalizeLabel(kind), normalizeLabel(outcome)).Inc()
}
