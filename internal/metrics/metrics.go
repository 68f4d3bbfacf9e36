// Package metrics exposes Prometheus instrumentation for the propagation service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rule metrics
	RuleBranches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "naturenet_rule_branches_total",
			Help: "Rule invocations by the branch they executed",
		},
		[]string{"rule", "branch"},
	)

	SideEffectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "naturenet_side_effect_failures_total",
			Help: "Side-effect writes or lookups that failed and were skipped",
		},
		[]string{"rule", "effect"},
	)

	QuarantineOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "naturenet_quarantine_total",
			Help: "Quarantine attempts by collection and outcome (copied, abandoned)",
		},
		[]string{"collection", "outcome"},
	)

	// Notification metrics
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "naturenet_notifications_total",
			Help: "Notifications by channel (email, push_user, push_topic) and outcome",
		},
		[]string{"channel", "outcome"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "naturenet_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Dispatcher metrics
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "naturenet_trigger_deliveries_total",
			Help: "Change deliveries per binding and outcome (ok, poisoned)",
		},
		[]string{"binding", "outcome"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "naturenet_trigger_delivery_duration_seconds",
			Help:    "Time spent delivering one record change to a binding",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"binding"},
	)

	PendingDeliveries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "naturenet_trigger_pending_deliveries",
			Help: "Record change deliveries published but not yet settled",
		},
	)

	// Sweep metrics
	SweepAccounts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "naturenet_sweep_accounts_total",
			Help: "Accounts visited by the inactivity sweep by result (activated, deactivated, unchanged, skipped)",
		},
		[]string{"result"},
	)

	RepairFixes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "naturenet_repair_fixes_total",
			Help: "Derived records regenerated by the repair sweep",
		},
		[]string{"kind"},
	)

	SweepLastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "naturenet_sweep_last_success_timestamp",
			Help: "Unix timestamp of the last successful sweep run",
		},
		[]string{"sweep"},
	)
)

// RecordBranch counts one executed rule branch.
func RecordBranch(rule, branch string) {
	RuleBranches.WithLabelValues(rule, branch).Inc()
}

// RecordSideEffectFailure counts a skipped side effect.
func RecordSideEffectFailure(rule, effect string) {
	SideEffectFailures.WithLabelValues(rule, effect).Inc()
}

// RecordQuarantine counts a quarantine attempt.
func RecordQuarantine(collection string, copied bool) {
	outcome := "copied"
	if !copied {
		outcome = "abandoned"
	}
	QuarantineOutcomes.WithLabelValues(collection, outcome).Inc()
}

// RecordNotification counts a notification attempt.
func RecordNotification(channel string, err error) {
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	Notifications.WithLabelValues(channel, outcome).Inc()
}

// RecordBreakerState publishes a breaker state as 0 closed, 1 half-open, 2 open.
func RecordBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordDelivery counts a settled delivery and its duration.
func RecordDelivery(binding string, duration time.Duration, poisoned bool) {
	outcome := "ok"
	if poisoned {
		outcome = "poisoned"
	}
	Deliveries.WithLabelValues(binding, outcome).Inc()
	DeliveryDuration.WithLabelValues(binding).Observe(duration.Seconds())
}

// RecordSweepAccount counts one account visited by the inactivity sweep.
func RecordSweepAccount(result string) {
	SweepAccounts.WithLabelValues(result).Inc()
}

// RecordRepairFix counts one regenerated derived record.
func RecordRepairFix(kind string) {
	RepairFixes.WithLabelValues(kind).Inc()
}

// RecordSweepCompleted stamps the last successful run of a sweep.
func RecordSweepCompleted(sweep string, at time.Time) {
	SweepLastSuccess.WithLabelValues(sweep).Set(float64(at.Unix()))
}
