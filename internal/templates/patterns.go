package templates

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/Lllllllleong/invoicedocumentflow/internal/models"
	"github.com/shopspring/decimal"
)

// genericPatterns seed every new template. Order matters: the first pattern
// that matches fills the field.
var genericPatterns = []models.FieldPattern{
	{Field: models.FieldInvoiceNumber, Pattern: `(?i)\b(?:factura|invoice|fra\.?)\s*(?:número|numero|number|num\.?|n[º°o]\.?|#)?\s*[:#]?\s*([A-Z0-9/\-]*[0-9][A-Z0-9/\-]*)`},
	{Field: models.FieldIssueDate, Pattern: `(?i)\b(?:fecha(?:\s+(?:de\s+)?(?:emisi[oó]n|factura))?|issue\s+date|invoice\s+date|date)\s*[:.]?\s*(\d{4}-\d{2}-\d{2}|\d{1,2}[/\-.]\d{1,2}[/\-.]\d{2,4})`},
	{Field: models.FieldTotalAmount, Pattern: `(?i)\b(?:total\s+(?:factura|a\s+pagar|due|amount)|importe\s+total|amount\s+due|total)\s*:?\s*(?:EUR|USD|GBP|[€$£])?\s*(-?\d[\d.,]*\d|\d)`},
	{Field: models.FieldTaxRate, Pattern: `(?i)\b(?:iva|vat|igic|tax)\b\s*\(?\s*(\d{1,2}(?:[.,]\d{1,2})?)\s*%`},
}

// fillOrder is the order in which fields are backfilled.
var fillOrder = []string{
	models.FieldInvoiceNumber,
	models.FieldIssueDate,
	models.FieldTotalAmount,
	models.FieldTaxRate,
}

// requiredFields must all be present and confident for a use to count as a
// success.
var requiredFields = []string{
	models.FieldInvoiceNumber,
	models.FieldIssueDate,
	models.FieldTotalAmount,
}

type compiledPattern struct {
	field string
	re    *regexp.Regexp
}

// compilePatterns compiles the stored patterns once. Patterns that fail to
// compile are returned separately and never evaluated.
func compilePatterns(patterns []models.FieldPattern) (compiled []compiledPattern, invalid []string) {
	for _, p := range patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			invalid = append(invalid, fmt.Sprintf("%s: %s", p.Field, p.Pattern))
			continue
		}
		compiled = append(compiled, compiledPattern{field: p.Field, re: re})
	}
	return compiled, invalid
}

// seedPatterns derives supplier-specific hints from the first invoice seen.
func seedPatterns(seed *models.InvoiceRecord) []models.FieldPattern {
	if seed == nil {
		return nil
	}
	var out []models.FieldPattern
	if p := numberPattern(seed.InvoiceNumber); p != "" {
		out = append(out, models.FieldPattern{Field: models.FieldInvoiceNumber, Pattern: p})
	}
	return out
}

// numberPattern turns an invoice number such as "FAC-2024-0012" into a
// pattern matching its siblings ("FAC-\d{4}-\d{4}"). Purely numeric numbers
// are too ambiguous to learn from.
func numberPattern(number string) string {
	number = strings.TrimSpace(number)
	if number == "" || !strings.ContainsFunc(number, unicode.IsDigit) || !strings.ContainsFunc(number, func(r rune) bool { return !unicode.IsDigit(r) }) {
		return ""
	}

	var b strings.Builder
	b.WriteString(`\b(`)
	runes := []rune(number)
	for i := 0; i < len(runes); {
		if unicode.IsDigit(runes[i]) {
			j := i
			for j < len(runes) && unicode.IsDigit(runes[j]) {
				j++
			}
			fmt.Fprintf(&b, `\d{%d}`, j-i)
			i = j
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(runes[i])))
		i++
	}
	b.WriteString(`)\b`)
	return b.String()
}

// setField writes a pattern capture into the record, reporting whether the
// value could be interpreted for that field.
func setField(rec *models.InvoiceRecord, field, value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	switch field {
	case models.FieldInvoiceNumber:
		rec.InvoiceNumber = value
	case models.FieldIssueDate:
		t, ok := models.ParseDate(value)
		if !ok {
			return false
		}
		rec.IssueDate = t.Format(time.DateOnly)
	case models.FieldTotalAmount:
		amount, ok := models.ParseAmount(value)
		if !ok {
			return false
		}
		rec.TotalAmount = decimal.NewNullDecimal(amount)
	case models.FieldTaxRate:
		rate, ok := models.ParseAmount(value)
		if !ok {
			return false
		}
		if len(rec.TaxBreakdown) == 0 {
			rec.TaxBreakdown = []models.TaxLine{{Rate: rate}}
		} else {
			rec.TaxBreakdown[0].Rate = rate
		}
	default:
		return false
	}
	return true
}
