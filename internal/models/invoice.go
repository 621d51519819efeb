package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// ErrMalformedResult is returned when the AI service output cannot be
// interpreted as an extraction result at all.
var ErrMalformedResult = errors.New("malformed extraction result")

// Confidence keys used in InvoiceRecord.Confidence.
const (
	ConfidenceSupplier = "supplier"
	ConfidenceCustomer = "customer"
	ConfidenceTaxes    = "tax_breakdown"
)

// Party is the supplier or customer block of an invoice.
type Party struct {
	Name  string `json:"name"`
	TaxID string `json:"tax_id,omitempty"`
}

// IsEmpty reports whether there is no entity to resolve for the party.
func (p Party) IsEmpty() bool {
	return strings.TrimSpace(p.Name) == ""
}

// TaxLine is one entry of an invoice tax breakdown.
type TaxLine struct {
	Rate   decimal.Decimal `json:"rate"`
	Base   decimal.Decimal `json:"base"`
	Amount decimal.Decimal `json:"amount"`
}

// InvoiceRecord is one logical invoice extracted from a document. A document
// may yield several. Index is the record's position in the AI output.
type InvoiceRecord struct {
	Index         int                 `json:"index"`
	InvoiceNumber string              `json:"invoice_number,omitempty"`
	IssueDate     string              `json:"issue_date,omitempty"`
	TotalAmount   decimal.NullDecimal `json:"total_amount"`
	Currency      string              `json:"currency,omitempty"`
	TaxBreakdown  []TaxLine           `json:"tax_breakdown,omitempty"`
	Supplier      Party               `json:"supplier"`
	Customer      Party               `json:"customer"`
	Confidence    map[string]float64  `json:"confidence"`
}

// HasField reports whether the given template field carries a value.
func (r *InvoiceRecord) HasField(field string) bool {
	switch field {
	case FieldInvoiceNumber:
		return strings.TrimSpace(r.InvoiceNumber) != ""
	case FieldIssueDate:
		return strings.TrimSpace(r.IssueDate) != ""
	case FieldTotalAmount:
		return r.TotalAmount.Valid
	case FieldTaxRate:
		return len(r.TaxBreakdown) > 0
	}
	return false
}

// FieldConfidence returns the confidence recorded for a field, 0 if unknown.
func (r *InvoiceRecord) FieldConfidence(field string) float64 {
	if field == FieldTaxRate {
		field = ConfidenceTaxes
	}
	return r.Confidence[field]
}

// SetFieldConfidence stores c, clamped to [0,1].
func (r *InvoiceRecord) SetFieldConfidence(field string, c float64) {
	if field == FieldTaxRate {
		field = ConfidenceTaxes
	}
	if r.Confidence == nil {
		r.Confidence = make(map[string]float64)
	}
	r.Confidence[field] = clamp01(c)
}

// IssuedAt parses IssueDate.
func (r *InvoiceRecord) IssuedAt() (time.Time, bool) {
	return ParseDate(r.IssueDate)
}

// Amount returns the total amount, zero when unknown.
func (r *InvoiceRecord) Amount() decimal.Decimal {
	if !r.TotalAmount.Valid {
		return decimal.Zero
	}
	return r.TotalAmount.Decimal
}

// QuarantinedRecord is an AI record rejected at the boundary.
type QuarantinedRecord struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// ExtractionResult is the validated AI service output for one document.
type ExtractionResult struct {
	Records        []InvoiceRecord
	Quarantined    []QuarantinedRecord
	TotalDetected  int
	Confidence     float64
	ProcessingTime time.Duration
	PageTexts      []string
}

// RecordCount is the number of records the AI service returned, valid or not.
func (r *ExtractionResult) RecordCount() int {
	return len(r.Records) + len(r.Quarantined)
}

// RawText joins the per-page text of the document.
func (r *ExtractionResult) RawText() string {
	return strings.Join(r.PageTexts, "\n\n")
}

type rawExtractionResult struct {
	DetectedInvoices      []json.RawMessage `json:"detected_invoices"`
	TotalInvoicesDetected int               `json:"total_invoices_detected"`
	ProcessingMetadata    struct {
		Confidence *float64 `json:"confidence"`
		TimeMS     int64    `json:"time_ms"`
	} `json:"processing_metadata"`
	PageTexts []string `json:"page_texts"`
}

type rawParty struct {
	Name  flexString `json:"name"`
	TaxID flexString `json:"tax_id"`
}

type rawTaxLine struct {
	Rate   flexAmount `json:"rate"`
	Base   flexAmount `json:"base"`
	Amount flexAmount `json:"amount"`
}

type rawInvoiceRecord struct {
	InvoiceNumber flexString         `json:"invoice_number"`
	IssueDate     flexString         `json:"issue_date"`
	TotalAmount   flexAmount         `json:"total_amount"`
	Currency      flexString         `json:"currency"`
	TaxBreakdown  []rawTaxLine       `json:"tax_breakdown"`
	Supplier      *rawParty          `json:"supplier"`
	Customer      *rawParty          `json:"customer"`
	Confidence    map[string]float64 `json:"confidence"`
}

// flexString accepts a JSON string, number or null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(b))
	}
	*f = flexString(n.String())
	return nil
}

// flexAmount accepts a JSON number, a formatted amount string or null.
// Numbers are taken literally; strings go through ParseAmount.
type flexAmount struct {
	raw    string
	number bool
}

func (f *flexAmount) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	f.raw = string(s)
	f.number = len(b) > 0 && b[0] != '"'
	return nil
}

func (f flexAmount) isSet() bool { return f.raw != "" }

func (f flexAmount) amount() (decimal.Decimal, bool) {
	if f.number {
		d, err := decimal.NewFromString(f.raw)
		return d, err == nil
	}
	return ParseAmount(f.raw)
}

// ParseExtractionResult validates the AI service output into a strict
// structure. Records that cannot be interpreted are quarantined with a reason
// instead of being dropped, so callers can account for every one of them.
func ParseExtractionResult(data []byte) (*ExtractionResult, error) {
	var raw rawExtractionResult
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	if len(raw.DetectedInvoices) == 0 {
		return nil, fmt.Errorf("%w: no detected invoices", ErrMalformedResult)
	}

	res := &ExtractionResult{
		TotalDetected:  raw.TotalInvoicesDetected,
		ProcessingTime: time.Duration(raw.ProcessingMetadata.TimeMS) * time.Millisecond,
		PageTexts:      raw.PageTexts,
	}
	if c := raw.ProcessingMetadata.Confidence; c != nil {
		res.Confidence = clamp01(*c)
	}

	for i, msg := range raw.DetectedInvoices {
		rec, err := parseInvoiceRecord(msg, res.Confidence)
		if err != nil {
			res.Quarantined = append(res.Quarantined, QuarantinedRecord{Index: i, Reason: err.Error()})
			continue
		}
		rec.Index = i
		res.Records = append(res.Records, *rec)
	}
	return res, nil
}

func parseInvoiceRecord(msg json.RawMessage, docConfidence float64) (*InvoiceRecord, error) {
	var raw rawInvoiceRecord
	if err := json.Unmarshal(msg, &raw); err != nil {
		return nil, fmt.Errorf("invalid record: %v", err)
	}

	rec := &InvoiceRecord{
		InvoiceNumber: string(raw.InvoiceNumber),
		Currency:      strings.ToUpper(string(raw.Currency)),
		Confidence:    make(map[string]float64),
	}
	if raw.Supplier != nil {
		rec.Supplier = Party{Name: string(raw.Supplier.Name), TaxID: NormalizeTaxID(string(raw.Supplier.TaxID))}
	}
	if raw.Customer != nil {
		rec.Customer = Party{Name: string(raw.Customer.Name), TaxID: NormalizeTaxID(string(raw.Customer.TaxID))}
	}
	if raw.IssueDate != "" {
		if t, ok := ParseDate(string(raw.IssueDate)); ok {
			rec.IssueDate = t.Format(time.DateOnly)
		}
	}
	if raw.TotalAmount.isSet() {
		amount, ok := raw.TotalAmount.amount()
		if !ok {
			return nil, fmt.Errorf("invalid total_amount %q", raw.TotalAmount.raw)
		}
		rec.TotalAmount = decimal.NewNullDecimal(amount)
	}
	for _, line := range raw.TaxBreakdown {
		rate, _ := line.Rate.amount()
		base, _ := line.Base.amount()
		amount, _ := line.Amount.amount()
		rec.TaxBreakdown = append(rec.TaxBreakdown, TaxLine{Rate: rate, Base: base, Amount: amount})
	}

	if !rec.HasField(FieldInvoiceNumber) && !rec.HasField(FieldTotalAmount) && rec.Supplier.IsEmpty() && rec.Customer.IsEmpty() {
		return nil, errors.New("record carries no invoice data")
	}

	for field, c := range raw.Confidence {
		if math.IsNaN(c) {
			continue
		}
		rec.Confidence[field] = clamp01(c)
	}
	// Fields the service filled without a score inherit the document confidence.
	for _, field := range []string{FieldInvoiceNumber, FieldIssueDate, FieldTotalAmount, FieldTaxRate} {
		if rec.HasField(field) {
			if _, ok := rec.Confidence[confidenceKey(field)]; !ok {
				rec.SetFieldConfidence(field, docConfidence)
			}
		}
	}
	return rec, nil
}

func confidenceKey(field string) string {
	if field == FieldTaxRate {
		return ConfidenceTaxes
	}
	return field
}

var dateLayouts = []string{
	time.DateOnly,
	"2006/01/02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"02.01.2006",
	"2.1.2006",
	"02/01/06",
	time.RFC3339,
}

// ParseDate parses the date formats found on invoices. Ambiguous numeric
// dates are read day first.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseAmount parses a monetary amount written either with a decimal comma
// ("1.234,56 €") or a decimal point ("$1,234.56").
func ParseAmount(s string) (decimal.Decimal, bool) {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) || r == '.' || r == ',' || r == '-' {
			b.WriteRune(r)
		}
	}
	clean := strings.Trim(b.String(), ".,")
	if clean == "" || clean == "-" {
		return decimal.Zero, false
	}

	lastDot := strings.LastIndex(clean, ".")
	lastComma := strings.LastIndex(clean, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			clean = strings.ReplaceAll(clean, ".", "")
			clean = strings.Replace(clean, ",", ".", 1)
		} else {
			clean = strings.ReplaceAll(clean, ",", "")
		}
	case lastComma >= 0:
		clean = resolveSingleSeparator(clean, ",")
	case lastDot >= 0:
		clean = resolveSingleSeparator(clean, ".")
	}

	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// resolveSingleSeparator decides whether sep is a thousands or decimal mark.
func resolveSingleSeparator(s, sep string) string {
	if strings.Count(s, sep) > 1 || len(s)-strings.LastIndex(s, sep)-1 == 3 {
		return strings.ReplaceAll(s, sep, "")
	}
	return strings.Replace(s, sep, ".", 1)
}

// NormalizeTaxID uppercases a tax id and drops separators such as spaces,
// dots and dashes.
func NormalizeTaxID(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// StoredInvoice is one invoice record of a document linked to the entities
// and template it was resolved against. Documents map to many of these.
type StoredInvoice struct {
	DocumentID string        `json:"documentId"`
	Record     InvoiceRecord `json:"record"`
	SupplierID string        `json:"supplierId,omitempty"`
	CustomerID string        `json:"customerId,omitempty"`
	TemplateID string        `json:"templateId,omitempty"`
}
