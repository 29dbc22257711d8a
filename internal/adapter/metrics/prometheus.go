// Package metrics exposes engine measurements to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"settlement-engine/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements ports.MetricsRecorder and carries the HTTP collectors.
type Recorder struct {
	transitions *prometheus.CounterVec
	postings    *prometheus.CounterVec
	compliance  *prometheus.CounterVec
	retries     *prometheus.CounterVec
	httpReqs    *prometheus.CounterVec
	httpLatency *prometheus.HistogramVec
}

// NewRecorder registers the collectors on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_transitions_total",
			Help: "Committed settlement state transitions",
		}, []string{"from", "to"}),
		postings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_postings_total",
			Help: "Ledger entries posted",
		}, []string{"type", "direction"}),
		compliance: f.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_verdicts_total",
			Help: "Compliance gate verdicts by resulting status",
		}, []string{"status"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_conflict_retries_total",
			Help: "Transactions retried after lock contention",
		}, []string{"operation"}),
		httpReqs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "route", "status"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settlement_http_request_duration_seconds",
			Help:    "Request latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route"}),
	}
}

func (r *Recorder) ObserveTransition(from, to domain.State) {
	r.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (r *Recorder) ObservePosting(entryType domain.EntryType, direction domain.Direction) {
	r.postings.WithLabelValues(string(entryType), string(direction)).Inc()
}

func (r *Recorder) ObserveCompliance(status domain.ComplianceStatus) {
	r.compliance.WithLabelValues(string(status)).Inc()
}

func (r *Recorder) ObserveConflictRetry(operation string) {
	r.retries.WithLabelValues(operation).Inc()
}

// ObserveHTTP records one served request. route is the matched route template.
func (r *Recorder) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	r.httpReqs.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
