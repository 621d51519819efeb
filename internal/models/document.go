package models

import "time"

// Document represents the main record for an uploaded invoice PDF in Firestore.
// It tracks the overall status, the chosen processing strategy and, once the
// extraction has run, the representative invoice of the document.
type Document struct {
	FileHash            string    `firestore:"fileHash,omitempty"`
	OriginalFilename    string    `firestore:"originalFilename,omitempty"`
	SourceURI           string    `firestore:"sourceUri,omitempty"`
	Status              string    `firestore:"status,omitempty"`
	ErrorDetails        string    `firestore:"errorDetails,omitempty"`
	PageCount           int       `firestore:"pageCount,omitempty"`
	Strategy            string    `firestore:"strategy,omitempty"`
	StrategyReason      string    `firestore:"strategyReason,omitempty"`
	DocumentLanguage    string    `firestore:"documentLanguage,omitempty"`
	AnalysisReportURI   string    `firestore:"analysisReportUri,omitempty"`
	InvoiceCount        int       `firestore:"invoiceCount,omitempty"`
	InvoicesFailed      int       `firestore:"invoicesFailed,omitempty"`
	RepresentativeLabel string    `firestore:"representativeInvoice,omitempty"`
	RepresentativeTotal string    `firestore:"representativeTotal,omitempty"`
	WorkflowExecutionID string    `firestore:"workflowExecutionId,omitempty"` // For traceability
	CreatedAt           time.Time `firestore:"createdAt,omitempty"`
}

// Document statuses written by the functions.
const (
	StatusAnalyzing  = "ANALYZING"
	StatusClassified = "CLASSIFIED"
	StatusAggregated = "AGGREGATED"
	StatusPartial    = "PARTIALLY_AGGREGATED"
	StatusFailed     = "FAILED"
)

// Strategy is the processing path recommended for a document.
type Strategy string

const (
	StrategyLight Strategy = "light"
	StrategyHeavy Strategy = "heavy"
)

// TextQuality grades the text layer of a PDF.
type TextQuality string

const (
	QualityHigh   TextQuality = "high"
	QualityMedium TextQuality = "medium"
	QualityLow    TextQuality = "low"
)

// AnalysisConfidence holds the per-dimension confidence of a document analysis.
type AnalysisConfidence struct {
	TextExtraction     float64 `json:"textExtraction" yaml:"textExtraction"`
	StructureDetection float64 `json:"structureDetection" yaml:"structureDetection"`
	Overall            float64 `json:"overall" yaml:"overall"`
}

// DocumentAnalysis is the local, AI-free classification of a PDF. It is built
// fresh for every document and consumed immediately by the caller.
type DocumentAnalysis struct {
	IsDigitalBorn        bool               `json:"isDigitalBorn" yaml:"isDigitalBorn"`
	PageCount            int                `json:"pageCount" yaml:"pageCount"`
	TextQuality          TextQuality        `json:"textQuality" yaml:"textQuality"`
	HasComplexTables     bool               `json:"hasComplexTables" yaml:"hasComplexTables"`
	DocumentLanguage     string             `json:"documentLanguage" yaml:"documentLanguage"`
	DetectedDocumentType string             `json:"detectedDocumentType,omitempty" yaml:"detectedDocumentType,omitempty"`
	Confidence           AnalysisConfidence `json:"confidence" yaml:"confidence"`
	RecommendedStrategy  Strategy           `json:"recommendedStrategy" yaml:"recommendedStrategy"`
	Reason               string             `json:"reason" yaml:"reason"`
}
