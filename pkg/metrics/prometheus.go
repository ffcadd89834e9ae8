// Package metrics provides Prometheus metrics for the scoring pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "polieval"

// Manager owns every collector registered by the pipeline.
type Manager struct {
	registry *prometheus.Registry

	evaluationsRejected *prometheus.CounterVec
	categoryScores      *prometheus.CounterVec
	finalScores         *prometheus.CounterVec
	verifyFindings      *prometheus.CounterVec
	retries             *prometheus.CounterVec
	itemsCollected      *prometheus.CounterVec
	itemsDeleted        prometheus.Counter
}

// Custom registry to avoid default Go metrics.
var global = NewManager(prometheus.NewRegistry()) //nolint:gochecknoglobals // singleton metrics manager

// NewManager registers all collectors on reg.
func NewManager(reg *prometheus.Registry) *Manager {
	auto := promauto.With(reg)
	return &Manager{
		registry: reg,
		evaluationsRejected: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_rejected_total",
			Help:      "Evaluations dropped before aggregation, by reason",
		}, []string{"reason"}),
		categoryScores: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "category_scores_total",
			Help:      "Category score computations by profile and outcome (computed or incomplete)",
		}, []string{"profile", "status"}),
		finalScores: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "final_scores_total",
			Help:      "Final scores written, by profile and grade code",
		}, []string{"profile", "grade"}),
		verifyFindings: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verify_findings_total",
			Help:      "Items flagged by the verifier, by reason",
		}, []string{"reason"}),
		retries: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_call_retries_total",
			Help:      "Retried external calls, by target",
		}, []string{"target"}),
		itemsCollected: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_collected_total",
			Help:      "Items returned by collectors, by collector",
		}, []string{"collector"}),
		itemsDeleted: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_deleted_total",
			Help:      "Items deleted by confirmed cleanup runs",
		}),
	}
}

// Handler exposes the global registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(global.registry, promhttp.HandlerOpts{})
}

// Registry returns the registry backing the global manager.
func Registry() *prometheus.Registry { return global.registry }

func RecordEvaluationRejected(reason string) { global.evaluationsRejected.WithLabelValues(reason).Inc() }

func RecordCategoryScore(profile, status string) {
	global.categoryScores.WithLabelValues(profile, status).Inc()
}

func RecordFinalScore(profile, grade string) { global.finalScores.WithLabelValues(profile, grade).Inc() }

func RecordVerifyFinding(reason string) { global.verifyFindings.WithLabelValues(reason).Inc() }

func RecordRetry(target string) { global.retries.WithLabelValues(target).Inc() }

func RecordItemsCollected(collector string, n int) {
	global.itemsCollected.WithLabelValues(collector).Add(float64(n))
}

func RecordItemsDeleted(n int) { global.itemsDeleted.Add(float64(n)) }
