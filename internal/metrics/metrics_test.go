package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	m.RecordStrategy("heavy", true)
	m.RecordMatch("supplier", "tax_id")
	m.RecordEntityCreated("customer")
	m.RecordEntityConflict("customer")
	m.RecordTemplateOutcome(true, true)
	m.RecordFieldFilled("total_amount")
	m.RecordAggregation(1, 1, time.Second)
}

func TestRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordStrategy("heavy", true)
	m.RecordStrategy("light", false)
	m.RecordTemplateOutcome(true, true)
	m.RecordTemplateOutcome(false, false)
	m.RecordAggregation(3, 1, 250*time.Millisecond)

	tests := []struct {
		name      string
		collector prometheus.Collector
		want      float64
	}{
		{"heavy decisions", m.StrategyDecisions.WithLabelValues("heavy"), 1},
		{"analysis failures", m.AnalysisFailures, 1},
		{"template successes", m.TemplateOutcomes.WithLabelValues("success"), 1},
		{"template failures", m.TemplateOutcomes.WithLabelValues("failure"), 1},
		{"promotions", m.TemplatePromotions, 1},
		{"invoices processed", m.InvoicesProcessed, 3},
		{"invoices failed", m.InvoicesFailed, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.collector); got != tt.want {
				t.Errorf("value = %v, want %v", got, tt.want)
			}
		})
	}
}
