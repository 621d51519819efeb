// Package metrics provides Prometheus metrics for the invoice pipeline.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can be built without instrumentation in tests.
type Metrics struct {
	// Document classification
	StrategyDecisions *prometheus.CounterVec
	AnalysisFailures  prometheus.Counter

	// Entity resolution
	EntityMatches   *prometheus.CounterVec
	EntitiesCreated *prometheus.CounterVec
	EntityConflicts *prometheus.CounterVec

	// Template learning
	TemplateOutcomes     *prometheus.CounterVec
	TemplatePromotions   prometheus.Counter
	TemplateFieldsFilled *prometheus.CounterVec

	// Aggregation
	InvoicesProcessed   prometheus.Counter
	InvoicesFailed      prometheus.Counter
	AggregationDuration prometheus.Histogram
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide metrics, registered with the default
// Prometheus registry on first use.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New creates and registers all metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StrategyDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "invoiceflow_strategy_decisions_total",
				Help: "Processing strategies recommended by the PDF analyzer",
			},
			[]string{"strategy"},
		),
		AnalysisFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "invoiceflow_analysis_failures_total",
			Help: "PDFs the analyzer could not parse",
		}),
		EntityMatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "invoiceflow_entity_matches_total",
				Help: "Entity match attempts by entity type and winning method",
			},
			[]string{"entity_type", "method"},
		),
		EntitiesCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "invoiceflow_entities_created_total",
				Help: "Suppliers and customers discovered",
			},
			[]string{"entity_type"},
		),
		EntityConflicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "invoiceflow_entity_conflicts_total",
				Help: "Entity inserts that lost a uniqueness race and were re-resolved",
			},
			[]string{"entity_type"},
		),
		TemplateOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "invoiceflow_template_outcomes_total",
				Help: "Extraction template outcomes",
			},
			[]string{"outcome"},
		),
		TemplatePromotions: factory.NewCounter(prometheus.CounterOpts{
			Name: "invoiceflow_template_promotions_total",
			Help: "Templates promoted from learning to active",
		}),
		TemplateFieldsFilled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "invoiceflow_template_fields_filled_total",
				Help: "Invoice fields backfilled by template patterns",
			},
			[]string{"field"},
		),
		InvoicesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "invoiceflow_invoices_processed_total",
			Help: "Invoice records aggregated successfully",
		}),
		InvoicesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "invoiceflow_invoices_failed_total",
			Help: "Invoice records that failed aggregation or were quarantined",
		}),
		AggregationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "invoiceflow_aggregation_duration_seconds",
			Help:    "Duration of one document aggregation",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// RecordStrategy records an analyzer decision.
func (m *Metrics) RecordStrategy(strategy string, failed bool) {
	if m == nil {
		return
	}
	m.StrategyDecisions.WithLabelValues(strategy).Inc()
	if failed {
		m.AnalysisFailures.Inc()
	}
}

// RecordMatch records the method that resolved an entity.
func (m *Metrics) RecordMatch(entityType, method string) {
	if m == nil {
		return
	}
	m.EntityMatches.WithLabelValues(entityType, method).Inc()
}

// RecordEntityCreated records a newly discovered entity.
func (m *Metrics) RecordEntityCreated(entityType string) {
	if m == nil {
		return
	}
	m.EntitiesCreated.WithLabelValues(entityType).Inc()
}

// RecordEntityConflict records a lost insert race.
func (m *Metrics) RecordEntityConflict(entityType string) {
	if m == nil {
		return
	}
	m.EntityConflicts.WithLabelValues(entityType).Inc()
}

// RecordTemplateOutcome records one template use.
func (m *Metrics) RecordTemplateOutcome(success, promoted bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.TemplateOutcomes.WithLabelValues(outcome).Inc()
	if promoted {
		m.TemplatePromotions.Inc()
	}
}

// RecordFieldFilled records a template backfill.
func (m *Metrics) RecordFieldFilled(field string) {
	if m == nil {
		return
	}
	m.TemplateFieldsFilled.WithLabelValues(field).Inc()
}

// RecordAggregation records the outcome of one document aggregation.
func (m *Metrics) RecordAggregation(processed, failed int, took time.Duration) {
	if m == nil {
		return
	}
	m.InvoicesProcessed.Add(float64(processed))
	m.InvoicesFailed.Add(float64(failed))
	m.AggregationDuration.Observe(took.Seconds())
}
