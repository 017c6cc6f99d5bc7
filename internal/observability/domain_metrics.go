package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlassist_turns_total",
			Help: "Total number of assistant turns by terminal state.",
		},
		[]string{"state"},
	)
	dangerVetoesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlassist_danger_vetoes_total",
			Help: "Total number of SQL candidates blocked as dangerous, by rule.",
		},
		[]string{"rule"},
	)
	permissionDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlassist_permission_denials_total",
			Help: "Total number of SQL candidates refused by the role policy, by role.",
		},
		[]string{"role"},
	)
	injectionSuspectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlassist_injection_suspects_total",
			Help: "Total number of prompts matching a prompt-injection pattern.",
		},
	)
	modelCallDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlassist_model_call_duration_seconds",
			Help:    "Language model call latency.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		},
		[]string{"outcome"},
	)
	queryDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlassist_query_duration_seconds",
			Help:    "Records database statement latency by result kind.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlassist_active_sessions",
			Help: "Current number of live assistant sessions.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		turnsTotal,
		dangerVetoesTotal,
		permissionDenialsTotal,
		injectionSuspectsTotal,
		modelCallDurationSeconds,
		queryDurationSeconds,
		activeSessions,
	)
}

func ObserveTurn(state string) {
	turnsTotal.WithLabelValues(state).Inc()
}

func IncrementDangerVeto(rule string) {
	if rule == "" {
		rule = "model_self_flag"
	}
	dangerVetoesTotal.WithLabelValues(rule).Inc()
}

func IncrementPermissionDenial(role string) {
	permissionDenialsTotal.WithLabelValues(role).Inc()
}

func IncrementInjectionSuspect() {
	injectionSuspectsTotal.Inc()
}

func ObserveModelCall(elapsed time.Duration, failed bool) {
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	modelCallDurationSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func ObserveQuery(kind string, elapsed time.Duration) {
	queryDurationSeconds.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func SetActiveSessions(count int) {
	if count < 0 {
		count = 0
	}
	activeSessions.Set(float64(count))
}
