package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/invoicedocumentflow/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

var (
	classifierInstance *services.DocumentClassifierFunction
	once               sync.Once
	initErr            error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Fired by the GCS finalize event of the uploads bucket.
	functions.CloudEvent("ClassifyDocument", classifyDocument)
}

// main is required by the Go Functions Framework.
func main() {}

// classifyDocument is the Cloud Function entry point.
func classifyDocument(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		classifierInstance, initErr = services.NewDocumentClassifier(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var gcsEvent services.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	// Errors are logged with context inside Process; returning one marks the
	// invocation as failed so the event is retried.
	return classifierInstance.Process(ctx, gcsEvent)
}
