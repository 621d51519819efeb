package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/Lllllllleong/invoicedocumentflow/internal/models"
)

const extraction = `{
	"detected_invoices": [
		{
			"invoice_number": "FAC-2024-0001",
			"issue_date": "2024-03-01",
			"total_amount": "121,00",
			"supplier": {"name": "Suministros Norte S.L.", "tax_id": "B11111111"},
			"customer": {"name": "Cliente Uno"},
			"confidence": {"invoice_number": 0.9, "issue_date": 0.9, "total_amount": 0.9}
		},
		{
			"invoice_number": "FAC-2024-0002",
			"issue_date": "2024-03-02",
			"total_amount": "242,00",
			"supplier": {"name": "Suministros Norte SL", "tax_id": "B-11111111"},
			"customer": {"name": "Cliente Dos"},
			"confidence": {"invoice_number": 0.9, "issue_date": 0.9, "total_amount": 0.9}
		}
	],
	"total_invoices_detected": 2,
	"processing_metadata": {"confidence": 0.9}
}`

func run(t *testing.T, args ...string) []byte {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = io.Discard
	if err := app.Run(append([]string{"invoicectl", "--quiet"}, args...)); err != nil {
		t.Fatalf("invoicectl %v: %v", args, err)
	}
	return out.Bytes()
}

func TestAggregateCommand(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "registry.db")
	resultFile := filepath.Join(dir, "doc-42.json")
	if err := os.WriteFile(resultFile, []byte(extraction), 0o600); err != nil {
		t.Fatal(err)
	}

	var result struct {
		DocumentID        string `json:"documentId"`
		InvoicesProcessed int    `json:"invoicesProcessed"`
		UniqueSuppliers   []models.Entity
		UniqueCustomers   []models.Entity
		Representative    struct {
			Label string `json:"label"`
		} `json:"representative"`
	}
	if err := json.Unmarshal(run(t, "aggregate", "--db", db, resultFile), &result); err != nil {
		t.Fatalf("decode aggregate output: %v", err)
	}
	if result.DocumentID != "doc-42" || result.InvoicesProcessed != 2 {
		t.Errorf("result = %+v", result)
	}
	if len(result.UniqueSuppliers) != 1 || len(result.UniqueCustomers) != 2 {
		t.Errorf("suppliers/customers = %d/%d", len(result.UniqueSuppliers), len(result.UniqueCustomers))
	}
	if result.Representative.Label != "FAC-2024-0001 (+1 more)" {
		t.Errorf("representative = %q", result.Representative.Label)
	}

	var suppliers []models.Entity
	if err := json.Unmarshal(run(t, "entities", "--db", db), &suppliers); err != nil {
		t.Fatalf("decode entities output: %v", err)
	}
	if len(suppliers) != 1 || suppliers[0].InvoiceCount != 2 || suppliers[0].TaxID != "B11111111" {
		t.Errorf("suppliers = %+v", suppliers)
	}

	var tmpls []models.ExtractionTemplate
	if err := json.Unmarshal(run(t, "templates", "--db", db), &tmpls); err != nil {
		t.Fatalf("decode templates output: %v", err)
	}
	if len(tmpls) != 1 || tmpls[0].UsageCount != 2 {
		t.Errorf("templates = %+v", tmpls)
	}
}

func TestAnalyzeCommandReportsBadInputs(t *testing.T) {
	dir := t.TempDir()
	notPDF := filepath.Join(dir, "notes.pdf")
	if err := os.WriteFile(notPDF, []byte("plain text"), 0o600); err != nil {
		t.Fatal(err)
	}

	var results []struct {
		Name    string `json:"name"`
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	out := run(t, "analyze", notPDF, filepath.Join(dir, "missing.pdf"))
	if err := json.Unmarshal(out, &results); err != nil {
		t.Fatalf("decode analyze output: %v\n%s", err, out)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for _, r := range results {
		if r.Success || r.Error == "" {
			t.Errorf("%s: success=%v error=%q, want a failure", r.Name, r.Success, r.Error)
		}
	}
}

func TestEncodeRejectsUnknownFormat(t *testing.T) {
	if err := encode(io.Discard, "xml", 1); err == nil {
		t.Error("encode(xml) returned no error")
	}
	var buf bytes.Buffer
	if err := encode(&buf, "yaml", map[string]int{"a": 1}); err != nil || buf.String() != "a: 1\n" {
		t.Errorf("encode(yaml) = %q, %v", buf.String(), err)
	}
}
