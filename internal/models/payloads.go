package models

import "encoding/json"

// These structs define the JSON payloads exchanged between the Cloud Workflow
// and the worker Cloud Functions.

// ExtractionWorkflowArgs is the argument of the extraction workflow execution
// started by the document-classifier function.
type ExtractionWorkflowArgs struct {
	DocumentID string   `json:"documentId"`
	GCSUri     string   `json:"gcsUri"`
	Strategy   Strategy `json:"strategy"`
	PageCount  int      `json:"pageCount"`
	// PagesURI is the gs:// prefix of the per-page PDFs, set only for heavy
	// documents that were split.
	PagesURI string `json:"pagesUri,omitempty"`
}

// InvoiceAggregatorRequest is the input for the invoice-aggregator function.
// Result carries the AI service output verbatim; it is validated by
// ParseExtractionResult before anything else looks at it.
type InvoiceAggregatorRequest struct {
	DocumentID  string          `json:"documentId"`
	ExecutionID string          `json:"executionId"`
	Result      json.RawMessage `json:"result"`
}

// InvoiceAggregatorResponse is the output of the invoice-aggregator function.
type InvoiceAggregatorResponse struct {
	Status               string   `json:"status"`
	InvoicesProcessed    int      `json:"invoicesProcessed"`
	InvoicesFailed       int      `json:"invoicesFailed"`
	UniqueSuppliers      int      `json:"uniqueSuppliers"`
	UniqueCustomers      int      `json:"uniqueCustomers"`
	NewEntityIDs         []string `json:"newEntityIds"`
	RepresentativeNumber string   `json:"representativeInvoiceNumber,omitempty"`
}

// DiscoveryEvent announces an entity created by the aggregator. Rendering it
// into a user-facing message is up to the consumer.
type DiscoveryEvent struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Name       string     `json:"name"`
	Source     string     `json:"source"`
}
