package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	policyEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_policy_evaluations_total",
			Help: "Policy decisions by outcome and reason",
		},
		[]string{"decision", "reason"},
	)

	policyEvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "advisor_policy_evaluation_duration_seconds",
			Help:    "Policy evaluation latency in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)

	policyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_policy_errors_total",
			Help: "Policy load and evaluation errors",
		},
		[]string{"type"},
	)

	policyLoadTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "advisor_policy_load_timestamp_seconds",
			Help: "Unix time of the last successful policy load",
		},
	)

	policyModulesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "advisor_policy_modules_loaded",
			Help: "Number of rego modules currently compiled",
		},
	)

	policyCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "advisor_policy_cache_hits_total",
			Help: "Policy decision cache hits",
		},
	)

	policyCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "advisor_policy_cache_misses_total",
			Help: "Policy decision cache misses",
		},
	)

	policyVersionInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "advisor_policy_version_info",
			Help: "Hash of the compiled policy set",
		},
		[]string{"version"},
	)
)

func recordEvaluation(allow bool, reason string, seconds float64) {
	decision := "allow"
	if !allow {
		decision = "deny"
	}
	policyEvaluations.WithLabelValues(decision, reason).Inc()
	policyEvaluationDuration.Observe(seconds)
}

func recordLoad(modules int, version string, unix float64) {
	policyLoadTimestamp.Set(unix)
	policyModulesLoaded.Set(float64(modules))
	policyVersionInfo.Reset()
	policyVersionInfo.WithLabelValues(version).Set(1)
}
