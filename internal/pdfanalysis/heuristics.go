package pdfanalysis

import (
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Lllllllleong/invoicedocumentflow/internal/models"
)

var (
	paragraphBreak = regexp.MustCompile(`\n\s*\n`)
	currencyMarks  = regexp.MustCompile(`[€$£¥]|\b(?:EUR|USD|GBP)\b`)

	tablePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^[^\t\n]*\t[^\t\n]*\t.*$`),
		regexp.MustCompile(`(?m)^\s*\|?[^|\n]*\|[^|\n]*\|.*$`),
		regexp.MustCompile(`(?m)\d[\d.,]*[ \t]{2,}\d[\d.,]*[ \t]{2,}\d[\d.,]*`),
	}
)

// Financial vocabulary used for the language vote. Words shared by both
// languages ("total") are left out.
var (
	spanishKeywords = regexp.MustCompile(`(?i)\b(?:factura|fecha|importe|iva|cliente|proveedor|base imponible|vencimiento|pago|cantidad|precio|descripci[oó]n|n[oó]mina|recibo|extracto|cuenta)\b`)
	englishKeywords = regexp.MustCompile(`(?i)\b(?:invoice|date|amount|vat|customer|supplier|due|payment|quantity|price|description|payroll|receipt|statement|account|bill)\b`)
)

// documentTypes are tried in order; the first that matches wins.
var documentTypes = []struct {
	name string
	re   *regexp.Regexp
}{
	{"invoice", regexp.MustCompile(`(?i)\b(?:factura|invoice|fra\.)`)},
	{"payroll", regexp.MustCompile(`(?i)\b(?:n[oó]mina|payroll|payslip|pay slip)\b`)},
	{"receipt", regexp.MustCompile(`(?i)\b(?:recibo|receipt|ticket)\b`)},
	{"statement", regexp.MustCompile(`(?i)\b(?:extracto|statement)\b`)},
	{"balance", regexp.MustCompile(`(?i)\b(?:balance|balance sheet|balance de situaci[oó]n)\b`)},
}

// density is the average number of characters per analyzed page.
func density(pages []string) float64 {
	if len(pages) == 0 {
		return 0
	}
	total := 0
	for _, p := range pages {
		total += utf8.RuneCountInString(strings.TrimSpace(p))
	}
	return float64(total) / float64(len(pages))
}

// qualityScore grades the extracted text. Higher is better.
func qualityScore(text string, density float64) int {
	score := 0
	switch {
	case density > 500:
		score += 2
	case density > 200:
		score++
	}
	if paragraphBreak.MatchString(text) {
		score++
	}
	if strings.ContainsFunc(text, unicode.IsDigit) {
		score++
	}
	if currencyMarks.MatchString(text) {
		score++
	}
	if avg := averageWordLength(text); avg >= 3 && avg <= 10 {
		score++
	}
	if corruptedRatio(text) > 0.01 {
		score -= 2
	}
	return score
}

func textQuality(score int) models.TextQuality {
	switch {
	case score >= 5:
		return models.QualityHigh
	case score >= 3:
		return models.QualityMedium
	default:
		return models.QualityLow
	}
}

func averageWordLength(text string) float64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}
	total := 0
	for _, w := range words {
		total += utf8.RuneCountInString(w)
	}
	return float64(total) / float64(len(words))
}

// corruptedRatio is the share of replacement and control characters.
func corruptedRatio(text string) float64 {
	n, bad := 0, 0
	for _, r := range text {
		n++
		if r == utf8.RuneError || (unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t') {
			bad++
		}
	}
	if n == 0 {
		return 0
	}
	return float64(bad) / float64(n)
}

func isDigitalBorn(doc *document, density, minDensity float64) bool {
	if density < minDensity {
		return false
	}
	return doc.hasFonts || doc.hasCreator || density > 300
}

// tableMatches counts table-like rows across all patterns.
func tableMatches(text string) int {
	n := 0
	for _, re := range tablePatterns {
		n += len(re.FindAllStringIndex(text, -1))
	}
	return n
}

func hasComplexTables(text string, threshold int) bool {
	return tableMatches(text) >= max(threshold, 3)
}

// languageVotes counts Spanish and English financial keywords.
func languageVotes(text string) (es, en int) {
	return len(spanishKeywords.FindAllStringIndex(text, -1)), len(englishKeywords.FindAllStringIndex(text, -1))
}

func documentType(text string) string {
	for _, dt := range documentTypes {
		if dt.re.MatchString(text) {
			return dt.name
		}
	}
	return ""
}

func confidence(quality models.TextQuality, digital bool, density float64) models.AnalysisConfidence {
	var c models.AnalysisConfidence
	switch quality {
	case models.QualityHigh:
		c.TextExtraction = 0.9
	case models.QualityMedium:
		c.TextExtraction = 0.7
	default:
		c.TextExtraction = 0.4
	}
	if digital {
		c.TextExtraction = math.Min(1, c.TextExtraction+0.1)
	}
	switch {
	case density > 300 && digital:
		c.StructureDetection = 0.9
	case density > 150:
		c.StructureDetection = 0.7
	default:
		c.StructureDetection = 0.5
	}
	c.Overall = round2(0.6*c.TextExtraction + 0.4*c.StructureDetection)
	c.TextExtraction = round2(c.TextExtraction)
	return c
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
