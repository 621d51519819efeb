package models

import "time"

// TemplateStatus is derived from a template's counters and never set directly.
type TemplateStatus string

const (
	TemplateLearning   TemplateStatus = "learning"
	TemplateActive     TemplateStatus = "active"
	TemplateDeprecated TemplateStatus = "deprecated"
)

// Invoice fields a template can backfill.
const (
	FieldInvoiceNumber = "invoice_number"
	FieldIssueDate     = "issue_date"
	FieldTotalAmount   = "total_amount"
	FieldTaxRate       = "tax_rate"
)

// FieldPattern is one extraction hint. Patterns are stored as data and
// compiled when the template is loaded.
type FieldPattern struct {
	Field   string `json:"field" yaml:"field" firestore:"field"`
	Pattern string `json:"pattern" yaml:"pattern" firestore:"pattern"`
}

// ExtractionTemplate holds the learned extraction hints of one supplier.
type ExtractionTemplate struct {
	ID                  string         `json:"id" yaml:"id" firestore:"-"`
	Key                 string         `json:"key" yaml:"key" firestore:"key"`
	SupplierName        string         `json:"supplierName" yaml:"supplierName" firestore:"supplierName"`
	TaxID               string         `json:"taxId,omitempty" yaml:"taxId,omitempty" firestore:"taxId"`
	Patterns            []FieldPattern `json:"patterns" yaml:"patterns" firestore:"patterns"`
	InvalidPatterns     []string       `json:"invalidPatterns,omitempty" yaml:"invalidPatterns,omitempty" firestore:"invalidPatterns"`
	ConfidenceThreshold float64        `json:"confidenceThreshold" yaml:"confidenceThreshold" firestore:"confidenceThreshold"`
	UsageCount          int            `json:"usageCount" yaml:"usageCount" firestore:"usageCount"`
	SuccessRate         float64        `json:"successRate" yaml:"successRate" firestore:"successRate"`
	Status              TemplateStatus `json:"status" yaml:"status" firestore:"status"`
	CreatedAt           time.Time      `json:"createdAt" yaml:"createdAt" firestore:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt" yaml:"updatedAt" firestore:"updatedAt"`
}

// HasPatternError reports whether any stored pattern failed to compile.
func (t *ExtractionTemplate) HasPatternError() bool {
	return len(t.InvalidPatterns) > 0
}
