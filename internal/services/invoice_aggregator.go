package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/invoicedocumentflow/internal/aggregator"
	"github.com/Lllllllleong/invoicedocumentflow/internal/config"
	"github.com/Lllllllleong/invoicedocumentflow/internal/gcp"
	"github.com/Lllllllleong/invoicedocumentflow/internal/metrics"
	"github.com/Lllllllleong/invoicedocumentflow/internal/models"
	"github.com/Lllllllleong/invoicedocumentflow/internal/notify"
	"github.com/Lllllllleong/invoicedocumentflow/internal/registry"
	"github.com/Lllllllleong/invoicedocumentflow/internal/templates"
)

// InvoiceAggregatorConfig holds configuration for the invoice aggregator service.
type InvoiceAggregatorConfig struct {
	ProjectID      string
	CollectionName string
	// NotifierURL receives discovery events as CloudEvents. When empty the
	// events are only logged.
	NotifierURL string
	EventSource string
	Tuning      config.Tuning
}

// InvoiceAggregatorFunction links the invoices the AI service extracted from
// a document to the supplier and customer registries.
type InvoiceAggregatorFunction struct {
	firestoreClient *firestore.Client
	store           *registry.FirestoreStore
	aggregator      *aggregator.Aggregator
	config          InvoiceAggregatorConfig
}

// NewInvoiceAggregator creates a new InvoiceAggregatorFunction instance.
func NewInvoiceAggregator(ctx context.Context) (*InvoiceAggregatorFunction, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	tuning, err := config.FromEnv()
	if err != nil {
		return nil, err
	}

	cfg := InvoiceAggregatorConfig{
		ProjectID:      projectID,
		CollectionName: gcp.GetEnv("FIRESTORE_COLLECTION", "documents"),
		NotifierURL:    gcp.GetEnv("NOTIFIER_URL", ""),
		EventSource:    gcp.GetEnv("EVENT_SOURCE", "invoice-aggregator"),
		Tuning:         tuning,
	}

	firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	var notifier notify.Notifier = notify.LogNotifier{Logger: slog.Default()}
	if cfg.NotifierURL != "" {
		ce, err := notify.NewCloudEventsNotifier(cfg.NotifierURL, cfg.EventSource)
		if err != nil {
			return nil, fmt.Errorf("failed to create discovery notifier: %w", err)
		}
		notifier = ce
	}

	m := metrics.Default()
	store := registry.NewFirestoreStore(firestoreClient, cfg.CollectionName)
	learner := templates.NewStore(store, cfg.Tuning.Templates, templates.WithMetrics(m))

	slog.Info("Invoice aggregator initialized.", "notifier", cfg.NotifierURL != "")
	return &InvoiceAggregatorFunction{
		firestoreClient: firestoreClient,
		store:           store,
		aggregator:      aggregator.New(store, learner, notifier, aggregator.WithMetrics(m)),
		config:          cfg,
	}, nil
}

// Process validates the AI output, aggregates it and records the outcome on
// the document.
func (f *InvoiceAggregatorFunction) Process(ctx context.Context, req *models.InvoiceAggregatorRequest) (*models.InvoiceAggregatorResponse, error) {
	logCtx := slog.With("documentId", req.DocumentID, "executionId", req.ExecutionID)
	if req.DocumentID == "" {
		return nil, errors.New("documentId must be provided")
	}
	logCtx.Info("Starting invoice aggregation.")
	docRef := f.firestoreClient.Collection(f.config.CollectionName).Doc(req.DocumentID)

	extraction, err := models.ParseExtractionResult(req.Result)
	if err != nil {
		return nil, f.handleError(ctx, logCtx, docRef, "failed to parse extraction result", err)
	}
	logCtx.Info("Extraction result validated.", "records", len(extraction.Records), "quarantined", len(extraction.Quarantined))

	out, err := f.aggregator.Process(ctx, req.DocumentID, extraction)
	if err != nil {
		return nil, f.handleError(ctx, logCtx, docRef, "failed to aggregate invoices", err)
	}

	if err := f.store.SaveInvoices(ctx, out.Invoices); err != nil {
		return nil, f.handleError(ctx, logCtx, docRef, "failed to save invoices", err)
	}

	resp := buildResponse(out)
	if resp.Status == models.StatusFailed {
		return nil, f.handleError(ctx, logCtx, docRef, "no invoice could be aggregated", errors.New(firstFailure(out)))
	}
	if _, err := docRef.Update(ctx, aggregationUpdates(out, resp.Status)); err != nil {
		return nil, f.handleError(ctx, logCtx, docRef, "failed to update document after aggregation", err)
	}

	logCtx.Info("Invoice aggregation complete.", "status", resp.Status, "processed", out.InvoicesProcessed, "failed", out.InvoicesFailed)
	return resp, nil
}

func (f *InvoiceAggregatorFunction) handleError(ctx context.Context, logCtx *slog.Logger, docRef *firestore.DocumentRef, message string, originalErr error) error {
	fullError := fmt.Sprintf("%s: %v", message, originalErr)
	logCtx.Error(message, "error", originalErr)
	if err := updateStatus(ctx, docRef, models.StatusFailed, fullError); err != nil {
		logCtx.Error("CRITICAL: Failed to update Firestore status to FAILED after a processing error.", "updateError", err)
	}
	return fmt.Errorf("%s", fullError)
}

// buildResponse summarizes an aggregation for the workflow.
func buildResponse(out *aggregator.Result) *models.InvoiceAggregatorResponse {
	resp := &models.InvoiceAggregatorResponse{
		Status:            aggregationStatus(out),
		InvoicesProcessed: out.InvoicesProcessed,
		InvoicesFailed:    out.InvoicesFailed,
		UniqueSuppliers:   len(out.UniqueSuppliers),
		UniqueCustomers:   len(out.UniqueCustomers),
		NewEntityIDs:      make([]string, 0, len(out.NewlyCreatedEntities)),
	}
	for _, e := range out.NewlyCreatedEntities {
		resp.NewEntityIDs = append(resp.NewEntityIDs, e.ID)
	}
	if out.Representative != nil {
		resp.RepresentativeNumber = out.Representative.Label
	}
	return resp
}

func aggregationStatus(out *aggregator.Result) string {
	switch {
	case out.InvoicesProcessed == 0:
		return models.StatusFailed
	case out.InvoicesFailed > 0:
		return models.StatusPartial
	default:
		return models.StatusAggregated
	}
}

func aggregationUpdates(out *aggregator.Result, status string) []firestore.Update {
	updates := []firestore.Update{
		{Path: "status", Value: status},
		{Path: "invoiceCount", Value: out.InvoicesProcessed + out.InvoicesFailed},
		{Path: "invoicesFailed", Value: out.InvoicesFailed},
	}
	if rep := out.Representative; rep != nil {
		updates = append(updates,
			firestore.Update{Path: "representativeInvoice", Value: rep.Label},
			firestore.Update{Path: "representativeTotal", Value: rep.Record.Amount().StringFixed(2)},
		)
	}
	return updates
}

func firstFailure(out *aggregator.Result) string {
	if len(out.Failures) == 0 {
		return "no records"
	}
	return out.Failures[0].Reason
}
