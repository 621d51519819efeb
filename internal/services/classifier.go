package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/Lllllllleong/invoicedocumentflow/internal/config"
	"github.com/Lllllllleong/invoicedocumentflow/internal/gcp"
	"github.com/Lllllllleong/invoicedocumentflow/internal/metrics"
	"github.com/Lllllllleong/invoicedocumentflow/internal/models"
	"github.com/Lllllllleong/invoicedocumentflow/internal/pdfanalysis"
)

type DocumentClassifierConfig struct {
	ProjectID     string
	ReportsBucket string
	// PagesBucket receives per-page PDFs of documents routed to the heavy
	// path. Splitting is skipped when it is empty.
	PagesBucket      string
	CollectionName   string
	WorkflowID       string
	WorkflowLocation string
	Tuning           config.Tuning
}

// DocumentClassifierFunction decides, without calling any AI service, how an
// uploaded invoice PDF should be extracted and hands the decision to the
// extraction workflow.
type DocumentClassifierFunction struct {
	storageClient    *storage.Client
	firestoreClient  *firestore.Client
	executionsClient *executions.Client
	analyzer         *pdfanalysis.Analyzer
	config           DocumentClassifierConfig
}

type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

func NewDocumentClassifier(ctx context.Context) (*DocumentClassifierFunction, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	tuning, err := config.FromEnv()
	if err != nil {
		return nil, err
	}

	cfg := DocumentClassifierConfig{
		ProjectID:        projectID,
		ReportsBucket:    gcp.GetEnv("REPORTS_BUCKET", ""),
		PagesBucket:      gcp.GetEnv("SPLIT_PAGES_BUCKET", ""),
		CollectionName:   gcp.GetEnv("FIRESTORE_COLLECTION", "documents"),
		WorkflowLocation: gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
		WorkflowID:       gcp.GetEnv("WORKFLOW_ID", "invoice-extraction-orchestrator"),
		Tuning:           tuning,
	}
	if cfg.ReportsBucket == "" {
		return nil, fmt.Errorf("REPORTS_BUCKET environment variable must be set")
	}

	firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	executionsClient, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}

	f := &DocumentClassifierFunction{
		firestoreClient:  firestoreClient,
		storageClient:    storageClient,
		executionsClient: executionsClient,
		analyzer:         pdfanalysis.New(cfg.Tuning.Analyzer, pdfanalysis.WithMetrics(metrics.Default())),
		config:           cfg,
	}
	slog.Info("Document classifier initialized.", "workflowId", cfg.WorkflowID, "reportsBucket", cfg.ReportsBucket)
	return f, nil
}

func (f *DocumentClassifierFunction) Process(ctx context.Context, e GCSEvent) error {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	if !isPDF(e.Name) {
		logCtx.Info("Ignoring non-PDF object.")
		return nil
	}
	logCtx.Info("Processing new GCS object.")

	data, err := gcp.ReadObject(ctx, f.storageClient.Bucket(e.Bucket), e.Name)
	if err != nil {
		logCtx.Error("Failed to download source PDF", "error", err)
		return err
	}

	fileHash := hashBytes(data)
	logCtx = logCtx.With("fileHash", fileHash)

	isDuplicate, docID, err := f.isDuplicate(ctx, fileHash)
	if err != nil {
		logCtx.Error("Failed to check for duplicate", "error", err)
		return err
	}
	if isDuplicate {
		logCtx.Info("Duplicate file detected. Skipping.", "existingDocId", docID)
		return nil
	}

	sourceURI := fmt.Sprintf("gs://%s/%s", e.Bucket, e.Name)
	docRef, err := f.createInitialDocument(ctx, fileHash, e.Name, sourceURI)
	if err != nil {
		logCtx.Error("Failed to create initial Firestore document", "error", err)
		return err
	}
	logCtx = logCtx.With("documentId", docRef.ID)
	logCtx.Info("Created master document in Firestore.")

	start := time.Now()
	result := f.analyzer.Analyze(data, pdfanalysis.DefaultOptions())
	if !result.Success {
		// The document still goes through extraction, on the heavy path.
		logCtx.Warn("PDF analysis failed; defaulting to heavy strategy.", "error", result.Error)
	}
	logCtx.Info("PDF analyzed.", "strategy", result.Strategy(), "reason", strategyReason(result), "took", time.Since(start).String())

	reportURI, err := f.saveReport(ctx, docRef.ID, result)
	if err != nil {
		return f.handleError(ctx, logCtx, docRef, "failed to save analysis report", err)
	}

	if _, err := docRef.Update(ctx, classificationUpdates(result, reportURI)); err != nil {
		return f.handleError(ctx, logCtx, docRef, "failed to update status to CLASSIFIED", err)
	}

	args := models.ExtractionWorkflowArgs{
		DocumentID: docRef.ID,
		GCSUri:     sourceURI,
		Strategy:   result.Strategy(),
	}
	if result.Analysis != nil {
		args.PageCount = result.Analysis.PageCount
	}
	if f.shouldSplit(result) {
		pagesURI, err := f.splitPages(ctx, logCtx, docRef.ID, data, args.PageCount)
		if err != nil {
			return f.handleError(ctx, logCtx, docRef, "failed to split pages for heavy extraction", err)
		}
		args.PagesURI = pagesURI
	}
	if err := f.triggerWorkflow(ctx, logCtx, docRef, args); err != nil {
		return err
	}

	logCtx.Info("Hand-off to extraction workflow complete.")
	return nil
}

func (f *DocumentClassifierFunction) isDuplicate(ctx context.Context, fileHash string) (bool, string, error) {
	docs, err := f.firestoreClient.Collection(f.config.CollectionName).Where("fileHash", "==", fileHash).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return false, "", fmt.Errorf("failed to query for duplicates: %w", err)
	}
	if len(docs) > 0 {
		return true, docs[0].Ref.ID, nil
	}
	return false, "", nil
}

func (f *DocumentClassifierFunction) createInitialDocument(ctx context.Context, fileHash, filename, sourceURI string) (*firestore.DocumentRef, error) {
	newDoc := models.Document{
		FileHash:         fileHash,
		OriginalFilename: filename,
		SourceURI:        sourceURI,
		Status:           models.StatusAnalyzing,
		CreatedAt:        time.Now(),
	}
	docRef, _, err := f.firestoreClient.Collection(f.config.CollectionName).Add(ctx, newDoc)
	if err != nil {
		return nil, fmt.Errorf("failed to create master document: %w", err)
	}
	return docRef, nil
}

// saveReport stores the analysis next to the document id. Re-deliveries of
// the same upload leave the first report in place.
func (f *DocumentClassifierFunction) saveReport(ctx context.Context, documentID string, result pdfanalysis.Result) (string, error) {
	report, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal analysis report: %w", err)
	}
	objectName := reportObjectName(documentID)
	if err := gcp.SaveToGCSAtomically(ctx, f.storageClient.Bucket(f.config.ReportsBucket), objectName, report, "application/json"); err != nil {
		return "", err
	}
	return fmt.Sprintf("gs://%s/%s", f.config.ReportsBucket, objectName), nil
}

func (f *DocumentClassifierFunction) triggerWorkflow(ctx context.Context, logCtx *slog.Logger, docRef *firestore.DocumentRef, args models.ExtractionWorkflowArgs) error {
	logCtx.Info("Triggering workflow.", "strategy", args.Strategy)
	payloadBytes, err := json.Marshal(args)
	if err != nil {
		return f.handleError(ctx, logCtx, docRef, "failed to marshal workflow payload", err)
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", f.config.ProjectID, f.config.WorkflowLocation, f.config.WorkflowID),
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	}
	execution, err := f.executionsClient.CreateExecution(ctx, req)
	if err != nil {
		return f.handleError(ctx, logCtx, docRef, "failed to trigger workflow execution", err)
	}
	if _, err := docRef.Update(ctx, []firestore.Update{{Path: "workflowExecutionId", Value: execution.GetName()}}); err != nil {
		logCtx.Warn("Failed to record workflow execution id", "error", err)
	}
	return nil
}

func (f *DocumentClassifierFunction) handleError(ctx context.Context, logCtx *slog.Logger, docRef *firestore.DocumentRef, message string, originalErr error) error {
	fullError := fmt.Sprintf("%s: %v", message, originalErr)
	logCtx.Error(message, "error", originalErr)
	if err := updateStatus(ctx, docRef, models.StatusFailed, fullError); err != nil {
		logCtx.Error("CRITICAL: Failed to update Firestore status to FAILED after a processing error.", "updateError", err)
	}
	return fmt.Errorf("%s", fullError)
}

// shouldSplit reports whether the document goes to the heavy path as
// individual pages. Documents the analyzer could not parse are sent whole.
func (f *DocumentClassifierFunction) shouldSplit(result pdfanalysis.Result) bool {
	return f.config.PagesBucket != "" && result.Success && result.Strategy() == models.StrategyHeavy
}

func updateStatus(ctx context.Context, docRef *firestore.DocumentRef, status, errDetails string) error {
	updates := []firestore.Update{
		{Path: "status", Value: status},
	}
	if errDetails != "" {
		updates = append(updates, firestore.Update{Path: "errorDetails", Value: errDetails})
	}
	_, err := docRef.Update(ctx, updates)
	return err
}

// classificationUpdates are the document fields written once a strategy is
// chosen.
func classificationUpdates(result pdfanalysis.Result, reportURI string) []firestore.Update {
	updates := []firestore.Update{
		{Path: "status", Value: models.StatusClassified},
		{Path: "strategy", Value: string(result.Strategy())},
		{Path: "strategyReason", Value: strategyReason(result)},
		{Path: "analysisReportUri", Value: reportURI},
	}
	if a := result.Analysis; a != nil {
		updates = append(updates,
			firestore.Update{Path: "pageCount", Value: a.PageCount},
			firestore.Update{Path: "documentLanguage", Value: a.DocumentLanguage},
		)
	}
	return updates
}

func strategyReason(result pdfanalysis.Result) string {
	if !result.Success || result.Analysis == nil {
		return "analysis failed: " + result.Error
	}
	return result.Analysis.Reason
}

func reportObjectName(documentID string) string {
	return path.Join(documentID, "analysis.json")
}

func isPDF(objectName string) bool {
	return strings.EqualFold(path.Ext(objectName), ".pdf")
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
