package banker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Protocol result label values.
const (
	resultAttempt    = "attempt"
	resultSuccess    = "success"
	resultFailure    = "failure"
	resultError      = "error"
	resultInProgress = "in_progress"
	resultForceRetry = "force_retry"
	resultParseError = "parse_error"
)

const (
	protocolRegistration = "registration"
	protocolReauthorize  = "reauthorize"
	protocolSpendUpdate  = "spend_update"
	protocolRepair       = "repair"
	protocolSetRate      = "set_rate"
)

type Metrics struct {
	Protocols       *prometheus.CounterVec
	ProtocolLatency *prometheus.HistogramVec
	Admissions      *prometheus.CounterVec
	Accounts        prometheus.Gauge
	PendingAccounts prometheus.Gauge

	// Per-account series, populated only in debug mode to avoid a
	// cardinality explosion proportional to account count. Subsystem is the
	// underscore-normalized account suffix.
	AccountAdmissions *prometheus.CounterVec
	AccountBalance    *prometheus.GaugeVec
}

func NewMetrics(registry *prometheus.Registry, suffixNoDot string) *Metrics {
	m := &Metrics{
		Protocols: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banker_protocol_events_total",
				Help: "Reconciliation protocol events by result.",
			},
			[]string{"protocol", "result"},
		),
		ProtocolLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "banker_protocol_duration_seconds",
				Help:    "Remote banker call duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"protocol"},
		),
		Admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banker_admissions_total",
				Help: "Local bid/win admission outcomes.",
			},
			[]string{"op", "outcome"},
		),
		Accounts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "banker_accounts",
				Help: "Number of accounts in the local ledger.",
			},
		),
		PendingAccounts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "banker_pending_accounts",
				Help: "Accounts awaiting first-time registration.",
			},
		),
		AccountAdmissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: suffixNoDot,
				Name:      "banker_account_admissions_total",
				Help:      "Per-account admission outcomes (debug mode only).",
			},
			[]string{"account", "op", "outcome"},
		),
		AccountBalance: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Subsystem: suffixNoDot,
				Name:      "banker_account_balance_micro_usd",
				Help:      "Per-account balances around reauthorization (debug mode only).",
			},
			[]string{"account", "stage"},
		),
	}

	registry.MustRegister(
		m.Protocols, m.ProtocolLatency, m.Admissions,
		m.Accounts, m.PendingAccounts,
		m.AccountAdmissions, m.AccountBalance,
	)
	return m
}

func (m *Metrics) recordProtocol(protocol, result string) {
	if m == nil {
		return
	}
	m.Protocols.WithLabelValues(protocol, result).Inc()
}

func (m *Metrics) observeLatency(protocol string, start time.Time) {
	if m == nil {
		return
	}
	m.ProtocolLatency.WithLabelValues(protocol).Observe(time.Since(start).Seconds())
}

func (m *Metrics) recordAdmission(op string, hit bool) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(op, outcomeLabel(hit)).Inc()
}

func (m *Metrics) recordAccountAdmission(account, op string, hit bool) {
	if m == nil {
		return
	}
	m.AccountAdmissions.WithLabelValues(account, op, outcomeLabel(hit)).Inc()
}

func (m *Metrics) recordAccountBalance(account, stage string, microUSD int64) {
	if m == nil {
		return
	}
	m.AccountBalance.WithLabelValues(account, stage).Set(float64(microUSD))
}

func (m *Metrics) setGauges(accounts, pending int) {
	if m == nil {
		return
	}
	m.Accounts.Set(float64(accounts))
	m.PendingAccounts.Set(float64(pending))
}

func outcomeLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "no_hit"
}
