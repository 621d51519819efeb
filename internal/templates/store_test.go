package templates

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/Lllllllleong/invoicedocumentflow/internal/models"
	"github.com/Lllllllleong/invoicedocumentflow/internal/registry"
	"github.com/shopspring/decimal"
)

func newStore(t *testing.T) (*Store, *registry.MemoryStore) {
	t.Helper()
	repo := registry.NewMemoryStore()
	return NewStore(repo, DefaultSettings()), repo
}

func insert(t *testing.T, repo *registry.MemoryStore, tmpl models.ExtractionTemplate) string {
	t.Helper()
	if tmpl.Key == "" {
		tmpl.Key = Key(tmpl.SupplierName, tmpl.TaxID)
	}
	if tmpl.ConfidenceThreshold == 0 {
		tmpl.ConfidenceThreshold = 0.7
	}
	if tmpl.Status == "" {
		tmpl.Status = models.TemplateLearning
	}
	id, err := repo.InsertTemplate(context.Background(), &tmpl)
	if err != nil {
		t.Fatalf("InsertTemplate() error = %v", err)
	}
	return id
}

func TestKey(t *testing.T) {
	tests := []struct {
		name, supplier, taxID, want string
	}{
		{"tax id wins", "ACME S.L.", "b-12345678", "tax:B12345678"},
		{"name fallback", "Acmé, S.L.", "", "name:acme sl"},
		{"blank tax id", "ACME", "  ", "name:acme"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Key(tt.supplier, tt.taxID); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	seed := &models.InvoiceRecord{InvoiceNumber: "FAC-2024-0012"}
	tmpl, created, err := s.Create(ctx, "ACME S.L.", "B12345678", seed)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !created {
		t.Fatal("Create() created = false for a new supplier")
	}
	if tmpl.Status != models.TemplateLearning || tmpl.UsageCount != 1 || tmpl.ConfidenceThreshold != 0.7 || tmpl.SuccessRate != 0.5 {
		t.Errorf("new template = %+v", tmpl)
	}
	if tmpl.Patterns[0].Field != models.FieldInvoiceNumber || tmpl.Patterns[0].Pattern != `\b(FAC-\d{4}-\d{4})\b` {
		t.Errorf("first pattern = %+v, want the seeded invoice number pattern", tmpl.Patterns[0])
	}
	if len(tmpl.Patterns) != len(genericPatterns)+1 {
		t.Errorf("patterns = %d, want generic set plus seed", len(tmpl.Patterns))
	}

	again, created, err := s.Create(ctx, "Acme", "B-12345678", nil)
	if err != nil {
		t.Fatalf("second Create() error = %v", err)
	}
	if created || again.ID != tmpl.ID {
		t.Errorf("second Create() = %s (created %v), want existing %s", again.ID, created, tmpl.ID)
	}
}

func TestRecordOutcomePromotion(t *testing.T) {
	ctx := context.Background()
	s, repo := newStore(t)
	id := insert(t, repo, models.ExtractionTemplate{SupplierName: "Globex", UsageCount: 4, SuccessRate: 0.81})

	before, _ := repo.GetTemplateByID(ctx, id)
	if got := s.deriveStatus(before); got != models.TemplateLearning {
		t.Fatalf("status at usage 4 = %v, want learning", got)
	}

	got, err := s.RecordOutcome(ctx, id, true)
	if err != nil {
		t.Fatalf("RecordOutcome() error = %v", err)
	}
	if got.UsageCount != 5 || got.SuccessRate != 0.83 {
		t.Errorf("usage/rate = %d/%v, want 5/0.83", got.UsageCount, got.SuccessRate)
	}
	if got.Status != models.TemplateActive {
		t.Errorf("Status = %v, want active", got.Status)
	}
}

func TestRecordOutcomeBounds(t *testing.T) {
	ctx := context.Background()
	s, repo := newStore(t)

	high := insert(t, repo, models.ExtractionTemplate{SupplierName: "Alta", UsageCount: 20, SuccessRate: 0.99})
	got, err := s.RecordOutcome(ctx, high, true)
	if err != nil {
		t.Fatal(err)
	}
	if got.SuccessRate != 1 {
		t.Errorf("SuccessRate = %v, want capped at 1", got.SuccessRate)
	}

	low := insert(t, repo, models.ExtractionTemplate{SupplierName: "Baja", UsageCount: 9, SuccessRate: 0.03})
	got, err = s.RecordOutcome(ctx, low, false)
	if err != nil {
		t.Fatal(err)
	}
	if got.SuccessRate != 0 {
		t.Errorf("SuccessRate = %v, want floored at 0", got.SuccessRate)
	}
	if got.UsageCount != 10 {
		t.Errorf("UsageCount = %d, want 10", got.UsageCount)
	}
	if got.Status != models.TemplateDeprecated {
		t.Errorf("Status = %v, want deprecated", got.Status)
	}

	if _, err := s.RecordOutcome(ctx, "missing", true); err == nil {
		t.Error("RecordOutcome(missing) returned no error")
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	s, repo := newStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	insert(t, repo, models.ExtractionTemplate{SupplierName: "Globex Iberia", SuccessRate: 0.9, UsageCount: 3, CreatedAt: base})
	best := insert(t, repo, models.ExtractionTemplate{SupplierName: "Globex Iberia Norte", SuccessRate: 0.9, UsageCount: 7, CreatedAt: base.Add(time.Hour)})
	insert(t, repo, models.ExtractionTemplate{SupplierName: "Globex", SuccessRate: 0.6, UsageCount: 40, CreatedAt: base})
	byTax := insert(t, repo, models.ExtractionTemplate{SupplierName: "Otra Empresa", TaxID: "B12345678", SuccessRate: 0.1, CreatedAt: base})

	tests := []struct {
		name, provider, taxID, want string
	}{
		{"ranked by success rate then usage", "GLOBEX IBERIA NORTE SL", "", best},
		{"exact tax id beats names", "Globex Iberia", "B-12345678", byTax},
		{"unknown tax id falls back to name", "Globex Iberia Norte", "X999", best},
		{"no candidate", "Initech", "", ""},
		{"blank name", "  ", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Resolve(ctx, tt.provider, tt.taxID)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			gotID := ""
			if got != nil {
				gotID = got.ID
			}
			if gotID != tt.want {
				t.Errorf("Resolve() = %q, want %q", gotID, tt.want)
			}
		})
	}
}

func TestLearnKeepsSuppliersApart(t *testing.T) {
	ctx := context.Background()
	s, repo := newStore(t)
	iberia := insert(t, repo, models.ExtractionTemplate{SupplierName: "Suministros Iberia S.L.", TaxID: "B11111111", SuccessRate: 0.9, UsageCount: 4})
	short := insert(t, repo, models.ExtractionTemplate{SupplierName: "A", SuccessRate: 0.8, UsageCount: 4})

	tests := []struct {
		name, supplier, taxID string
	}{
		{"name overlaps a template under another tax id", "Iberia", "B22222222"},
		{"one-letter template name", "Talleres del Norte", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Learn(ctx, tt.supplier, tt.taxID, &models.InvoiceRecord{}, "")
			if err != nil {
				t.Fatalf("Learn() error = %v", err)
			}
			if !res.Created || res.Template.ID == iberia || res.Template.ID == short {
				t.Errorf("Learn(%q) reused template %q (%s), want a new one", tt.supplier, res.Template.SupplierName, res.Template.ID)
			}
		})
	}

	for _, id := range []string{iberia, short} {
		stored, _ := repo.GetTemplateByID(ctx, id)
		if stored.UsageCount != 4 || stored.Status != models.TemplateLearning {
			t.Errorf("template %s touched by other suppliers: usage %d, status %s", stored.SupplierName, stored.UsageCount, stored.Status)
		}
	}

	// Same tax id still resolves whatever the spelling.
	got, err := s.Resolve(ctx, "Iberia Suministros", "B-11111111")
	if err != nil || got == nil || got.ID != iberia {
		t.Errorf("Resolve() = %v, %v; want template %s", got, err, iberia)
	}
}

func TestResolveFlagsInvalidPatterns(t *testing.T) {
	ctx := context.Background()
	s, repo := newStore(t)
	id := insert(t, repo, models.ExtractionTemplate{
		SupplierName: "Roto",
		Patterns: []models.FieldPattern{
			{Field: models.FieldInvoiceNumber, Pattern: `(unclosed`},
			{Field: models.FieldInvoiceNumber, Pattern: `Ref\. (\d+)`},
		},
	})

	got, err := s.Resolve(ctx, "Roto", "")
	if err != nil || got == nil {
		t.Fatalf("Resolve() = %v, %v", got, err)
	}
	if !got.HasPatternError() {
		t.Error("HasPatternError() = false for a template with a broken pattern")
	}
	stored, _ := repo.GetTemplateByID(ctx, id)
	if !slices.Equal(stored.InvalidPatterns, []string{"invoice_number: (unclosed"}) {
		t.Errorf("stored InvalidPatterns = %v", stored.InvalidPatterns)
	}

	rec := &models.InvoiceRecord{}
	filled := s.Apply(got, rec, "Ref. 4411")
	if !slices.Equal(filled, []string{models.FieldInvoiceNumber}) || rec.InvoiceNumber != "4411" {
		t.Errorf("Apply() filled %v, number %q; the valid pattern must still run", filled, rec.InvoiceNumber)
	}
}

func TestApply(t *testing.T) {
	s, _ := newStore(t)
	tmpl := &models.ExtractionTemplate{
		ID:                  "t1",
		Patterns:            genericPatterns,
		ConfidenceThreshold: 0.7,
		Status:              models.TemplateLearning,
	}
	raw := "Factura nº: F-2024/77\nFecha: 12/03/2024\nBase 1.200,00\nIVA 21%\nTotal: 1.452,00 €"

	t.Run("fills missing and weak fields", func(t *testing.T) {
		rec := &models.InvoiceRecord{
			TotalAmount: decimal.NewNullDecimal(decimal.RequireFromString("9")),
			Confidence:  map[string]float64{models.FieldTotalAmount: 0.5},
		}
		filled := s.Apply(tmpl, rec, raw)
		want := []string{models.FieldInvoiceNumber, models.FieldIssueDate, models.FieldTotalAmount, models.FieldTaxRate}
		if !slices.Equal(filled, want) {
			t.Fatalf("filled = %v, want %v", filled, want)
		}
		if rec.InvoiceNumber != "F-2024/77" {
			t.Errorf("InvoiceNumber = %q", rec.InvoiceNumber)
		}
		if rec.IssueDate != "2024-03-12" {
			t.Errorf("IssueDate = %q", rec.IssueDate)
		}
		if !rec.TotalAmount.Decimal.Equal(decimal.RequireFromString("1452")) {
			t.Errorf("TotalAmount = %s", rec.TotalAmount.Decimal)
		}
		if !rec.TaxBreakdown[0].Rate.Equal(decimal.NewFromInt(21)) {
			t.Errorf("tax rate = %s", rec.TaxBreakdown[0].Rate)
		}
		if got := rec.FieldConfidence(models.FieldTotalAmount); got != 0.7 {
			t.Errorf("total confidence = %v, want 0.5 + 0.2", got)
		}
		if got := rec.FieldConfidence(models.FieldInvoiceNumber); got != 0.2 {
			t.Errorf("number confidence = %v, want 0.2", got)
		}
	})

	t.Run("keeps confident fields", func(t *testing.T) {
		rec := &models.InvoiceRecord{
			InvoiceNumber: "ORIGINAL",
			Confidence:    map[string]float64{models.FieldInvoiceNumber: 0.95},
		}
		s.Apply(tmpl, rec, raw)
		if rec.InvoiceNumber != "ORIGINAL" {
			t.Errorf("InvoiceNumber = %q, confident field was overwritten", rec.InvoiceNumber)
		}
	})

	t.Run("boost is capped", func(t *testing.T) {
		rec := &models.InvoiceRecord{InvoiceNumber: "X", Confidence: map[string]float64{models.FieldInvoiceNumber: 0.69}}
		strict := *tmpl
		strict.ConfidenceThreshold = 1
		s.Apply(&strict, rec, raw)
		if got := rec.FieldConfidence(models.FieldInvoiceNumber); got > 1 || got < 0.88 {
			t.Errorf("confidence = %v, want 0.89", got)
		}
	})

	t.Run("deprecated templates are not applied", func(t *testing.T) {
		dep := *tmpl
		dep.Status = models.TemplateDeprecated
		rec := &models.InvoiceRecord{}
		if filled := s.Apply(&dep, rec, raw); len(filled) != 0 {
			t.Errorf("filled = %v, want nothing", filled)
		}
	})

	t.Run("no raw text", func(t *testing.T) {
		if filled := s.Apply(tmpl, &models.InvoiceRecord{}, ""); filled != nil {
			t.Errorf("filled = %v, want nil", filled)
		}
	})
}

func TestLearn(t *testing.T) {
	ctx := context.Background()
	s, repo := newStore(t)
	complete := func(number string) *models.InvoiceRecord {
		return &models.InvoiceRecord{
			InvoiceNumber: number,
			IssueDate:     "2024-03-12",
			TotalAmount:   decimal.NewNullDecimal(decimal.NewFromInt(10)),
			Confidence: map[string]float64{
				models.FieldInvoiceNumber: 0.9,
				models.FieldIssueDate:     0.9,
				models.FieldTotalAmount:   0.9,
			},
		}
	}

	first, err := s.Learn(ctx, "ACME S.L.", "B1", complete("FAC-1"), "")
	if err != nil {
		t.Fatalf("Learn() error = %v", err)
	}
	if !first.Created || first.Template.UsageCount != 1 || !first.Success {
		t.Errorf("first Learn() = %+v", first)
	}

	second, err := s.Learn(ctx, "ACME", "B1", complete("FAC-2"), "")
	if err != nil {
		t.Fatalf("Learn() error = %v", err)
	}
	if second.Created || second.Template.ID != first.Template.ID {
		t.Errorf("second Learn() used template %s (created %v)", second.Template.ID, second.Created)
	}
	stored, _ := repo.GetTemplateByID(ctx, first.Template.ID)
	if stored.UsageCount != 2 || stored.SuccessRate != 0.52 {
		t.Errorf("usage/rate = %d/%v, want 2/0.52", stored.UsageCount, stored.SuccessRate)
	}

	weak := complete("")
	third, err := s.Learn(ctx, "ACME", "B1", weak, "")
	if err != nil {
		t.Fatal(err)
	}
	if third.Success {
		t.Error("Learn() succeeded without an invoice number")
	}
	if third.Template.SuccessRate != 0.47 {
		t.Errorf("SuccessRate = %v, want 0.47 after a failure", third.Template.SuccessRate)
	}
}
