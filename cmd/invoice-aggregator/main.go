package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/invoicedocumentflow/internal/metrics"
	"github.com/Lllllllleong/invoicedocumentflow/internal/models"
	"github.com/Lllllllleong/invoicedocumentflow/internal/services"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	aggregatorInstance *services.InvoiceAggregatorFunction
	once               sync.Once
	initErr            error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleAggregateInvoices", handleAggregateInvoices)
	functions.HTTP("Metrics", handleMetrics)
}

func main() {}

// handleAggregateInvoices is the HTTP handler called by the extraction workflow.
func handleAggregateInvoices(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		aggregatorInstance, initErr = services.NewInvoiceAggregator(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: Invoice aggregator initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	var req models.InvoiceAggregatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}
	if req.DocumentID == "" {
		http.Error(w, "Bad Request: documentId is required", http.StatusBadRequest)
		return
	}

	res, err := aggregatorInstance.Process(r.Context(), &req)
	if err != nil {
		// Error is already logged with context in the Process method.
		http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error(
			"Failed to write response",
			"error", err,
			"documentId", req.DocumentID,
			"executionId", req.ExecutionID,
		)
	}
}

// handleMetrics exposes the Prometheus metrics of this instance.
func handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics.Default()
	promhttp.Handler().ServeHTTP(w, r)
}
