// Package telemetry provides Prometheus instrumentation and OpenTelemetry
// tracing for Kestrel.
package telemetry

import (
	"context"
	"database/sql"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kestrel"

var (
	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DecisionsTotal counts scored decisions by surface, algorithm and band.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total scoring decisions by source, algorithm, and decision.",
		},
		[]string{"source", "algorithm", "decision"},
	)

	// ScoreCacheTotal counts score cache lookups by result.
	ScoreCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "score_cache_total",
			Help:      "Score cache lookups by result (hit, miss).",
		},
		[]string{"result"},
	)

	// OverlayRulesFired counts business rule matches.
	OverlayRulesFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overlay_rules_fired_total",
			Help:      "Business rule matches by rule set and rule id.",
		},
		[]string{"rule_set", "rule"},
	)

	// TrainingsTotal counts training runs by algorithm and outcome.
	TrainingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trainings_total",
			Help:      "Total training runs by algorithm and status.",
		},
		[]string{"algorithm", "status"},
	)

	// TrainingDuration observes training wall time.
	TrainingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "training_duration_seconds",
			Help:      "Training duration in seconds by algorithm.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"algorithm"},
	)

	// ModelROCAUC exposes the held-out ROC-AUC of the last training.
	ModelROCAUC = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_roc_auc",
			Help:      "Held-out ROC-AUC of the most recent training by algorithm.",
		},
		[]string{"algorithm"},
	)

	// ActiveAlgorithm is 1 for the active algorithm and 0 otherwise.
	ActiveAlgorithm = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_algorithm",
			Help:      "1 for the algorithm currently used by default.",
		},
		[]string{"algorithm"},
	)

	// ChatMessagesTotal counts chatbot messages by classified intent.
	ChatMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_total",
			Help:      "Chatbot messages by intent.",
		},
		[]string{"intent"},
	)

	// AuditWritesTotal counts decision audit writes by result.
	AuditWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_writes_total",
			Help:      "Decision audit log writes by result (ok, error, invalid).",
		},
		[]string{"result"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DecisionsTotal,
		ScoreCacheTotal,
		OverlayRulesFired,
		TrainingsTotal,
		TrainingDuration,
		ModelROCAUC,
		ActiveAlgorithm,
		ChatMessagesTotal,
		AuditWritesTotal,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// SetActive marks name as the active algorithm among all.
func SetActive(name string, all []string) {
	for _, a := range all {
		v := 0.0
		if a == name {
			v = 1
		}
		ActiveAlgorithm.WithLabelValues(a).Set(v)
	}
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Handler returns the Prometheus exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StatusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func StatusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
