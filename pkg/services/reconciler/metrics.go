package reconciler

import "github.com/prometheus/client_golang/prometheus"

var (
	cyclesDone = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rolegate",
			Name:      "reconcile_cycles_total",
			Help:      "Number of completed reconciliation cycles.",
		},
	)
	membersChecked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rolegate",
			Name:      "members_checked_total",
			Help:      "Number of member holdings checks performed.",
		},
	)
	roleMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rolegate",
			Name:      "role_mutations_total",
			Help:      "Number of role grants and revocations.",
		},
		[]string{"action"},
	)
	upstreamFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rolegate",
			Name:      "upstream_failures_total",
			Help:      "Number of chain and price provider failures.",
		},
		[]string{"upstream"},
	)
	droppedTasks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rolegate",
			Name:      "dropped_recheck_tasks_total",
			Help:      "Number of recheck tasks dropped on a full queue.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		cyclesDone,
		membersChecked,
		roleMutations,
		upstreamFailures,
		droppedTasks,
	)
}
