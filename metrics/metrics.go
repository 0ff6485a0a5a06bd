// Package metrics exports wallet operation counters and latencies to Prometheus.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warp/wallet-ledger/wallet"
)

type Metrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	assetImbalance    *prometheus.GaugeVec
	auditRunsTotal    prometheus.Counter
}

var _ wallet.Observer = (*Metrics)(nil)

// New registers the collectors on reg. Passing a fresh registry keeps tests
// independent of the global default registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		operationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Money-movement operations partitioned by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "wallet",
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Latency of money-movement operations.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		assetImbalance: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "wallet",
				Subsystem: "ledger",
				Name:      "asset_imbalance",
				Help:      "Sum of all account balances per asset at the last audit. Non-zero means the ledger is corrupt.",
			},
			[]string{"asset"},
		),
		auditRunsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Subsystem: "ledger",
				Name:      "audit_runs_total",
				Help:      "Completed conservation audits.",
			},
		),
	}
}

func (m *Metrics) OperationCompleted(op wallet.EntryType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := strings.ToLower(string(op))
	m.operationsTotal.WithLabelValues(label, outcome).Inc()
	m.operationDuration.WithLabelValues(label).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveAudit(totals []wallet.AssetTotal) {
	if m == nil {
		return
	}
	m.auditRunsTotal.Inc()
	for _, t := range totals {
		v, _ := t.Total.Float64()
		m.assetImbalance.WithLabelValues(t.Symbol).Set(v)
	}
}
