package maintenance

import "github.com/prometheus/client_golang/prometheus"

var (
	exportRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlassist_audit_export_runs_total",
			Help: "Total number of security log export runs by status.",
		},
		[]string{"status"},
	)
	exportedEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlassist_audit_exported_events_total",
			Help: "Total number of security events written to export objects.",
		},
	)
	retentionRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlassist_audit_retention_runs_total",
			Help: "Total number of export retention runs by status.",
		},
		[]string{"status"},
	)
	exportObjectsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlassist_audit_export_objects_deleted_total",
			Help: "Total number of export objects deleted by retention runs.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		exportRunsTotal,
		exportedEventsTotal,
		retentionRunsTotal,
		exportObjectsDeletedTotal,
	)
}
