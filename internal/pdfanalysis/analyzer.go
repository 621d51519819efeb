// Package pdfanalysis inspects raw PDF bytes locally and recommends how the
// document should be processed: a light fast path for clean digital PDFs or
// a heavy path for scans, complex layouts and long documents.
package pdfanalysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Lllllllleong/invoicedocumentflow/internal/metrics"
	"github.com/Lllllllleong/invoicedocumentflow/internal/models"
	"github.com/pemistahl/lingua-go"
	"golang.org/x/sync/errgroup"
)

// Strategy reasons.
const (
	ReasonScanned     = "scanned document detected"
	ReasonLowQuality  = "low text quality"
	ReasonTables      = "complex tables detected"
	ReasonTooLong     = "document exceeds %d pages"
	ReasonConfidence  = "overall confidence %.2f below %.2f"
	ReasonComplexType = "complex financial document type: %s"
	ReasonFastPath    = "high-quality digital document, fast path recommended"
)

// Thresholds tunes the strategy decision.
type Thresholds struct {
	MinTextDensity        float64 `yaml:"minTextDensity"`
	TableMatchThreshold   int     `yaml:"tableMatchThreshold"`
	MaxPagesForLight      int     `yaml:"maxPagesForLight"`
	MinConfidenceForLight float64 `yaml:"minConfidenceForLight"`
}

// DefaultThresholds returns the production thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinTextDensity:        100,
		TableMatchThreshold:   3,
		MaxPagesForLight:      10,
		MinConfidenceForLight: 0.7,
	}
}

// Options controls a single analysis.
type Options struct {
	// MaxPages limits how many pages are read; 0 reads all of them.
	MaxPages       int
	DetectTables   bool
	DetectLanguage bool
}

// DefaultOptions enables every detector.
func DefaultOptions() Options {
	return Options{DetectTables: true, DetectLanguage: true}
}

// Result is the outcome of one analysis. A PDF that cannot be parsed yields
// Success=false and an error message instead of an error return, so batches
// keep going.
type Result struct {
	Success  bool                     `json:"success" yaml:"success"`
	Analysis *models.DocumentAnalysis `json:"analysis,omitempty" yaml:"analysis,omitempty"`
	Error    string                   `json:"error,omitempty" yaml:"error,omitempty"`
}

// Strategy is the recommended strategy, heavy when the analysis failed.
func (r Result) Strategy() models.Strategy {
	if !r.Success || r.Analysis == nil {
		return models.StrategyHeavy
	}
	return r.Analysis.RecommendedStrategy
}

// Analyzer classifies PDFs. It is safe for concurrent use.
type Analyzer struct {
	thresholds Thresholds
	logger     *slog.Logger
	metrics    *metrics.Metrics
	read       func(data []byte, maxPages int) (*document, error)

	langOnce sync.Once
	lang     lingua.LanguageDetector
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Analyzer) { a.metrics = m }
}

// New creates an Analyzer.
func New(thresholds Thresholds, opts ...Option) *Analyzer {
	a := &Analyzer{
		thresholds: thresholds,
		logger:     slog.Default(),
		read:       readPDF,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze classifies one PDF.
func (a *Analyzer) Analyze(data []byte, opts Options) (res Result) {
	start := time.Now()
	defer func() {
		// pdfcpu may panic on hostile input.
		if r := recover(); r != nil {
			res = Result{Error: fmt.Sprintf("failed to parse PDF: %v", r)}
		}
		a.metrics.RecordStrategy(string(res.Strategy()), !res.Success)
		if !res.Success {
			a.logger.Warn("PDF analysis failed; defaulting to heavy strategy.", "error", res.Error)
			return
		}
		a.logger.Debug("PDF analyzed.", "strategy", res.Analysis.RecommendedStrategy,
			"reason", res.Analysis.Reason, "took", time.Since(start))
	}()

	doc, err := a.read(data, opts.MaxPages)
	if err != nil {
		return Result{Error: err.Error()}
	}
	return Result{Success: true, Analysis: a.analyze(doc, opts)}
}

func (a *Analyzer) analyze(doc *document, opts Options) *models.DocumentAnalysis {
	text := strings.Join(doc.pages, "\n\n")
	dens := density(doc.pages)
	quality := textQuality(qualityScore(text, dens))
	digital := isDigitalBorn(doc, dens, a.thresholds.MinTextDensity)

	analysis := &models.DocumentAnalysis{
		IsDigitalBorn: digital,
		PageCount:     doc.pageCount,
		TextQuality:   quality,
		Confidence:    confidence(quality, digital, dens),
	}
	if opts.DetectTables {
		analysis.HasComplexTables = hasComplexTables(text, a.thresholds.TableMatchThreshold)
	}
	if opts.DetectLanguage {
		analysis.DocumentLanguage = a.detectLanguage(text)
		analysis.DetectedDocumentType = documentType(text)
	}
	analysis.RecommendedStrategy, analysis.Reason = a.decide(analysis)
	return analysis
}

// decide applies the strategy rules in order; the first that fires wins.
func (a *Analyzer) decide(an *models.DocumentAnalysis) (models.Strategy, string) {
	switch {
	case !an.IsDigitalBorn:
		return models.StrategyHeavy, ReasonScanned
	case an.TextQuality == models.QualityLow:
		return models.StrategyHeavy, ReasonLowQuality
	case an.HasComplexTables:
		return models.StrategyHeavy, ReasonTables
	case an.PageCount > a.thresholds.MaxPagesForLight:
		return models.StrategyHeavy, fmt.Sprintf(ReasonTooLong, a.thresholds.MaxPagesForLight)
	case an.Confidence.Overall < a.thresholds.MinConfidenceForLight:
		return models.StrategyHeavy, fmt.Sprintf(ReasonConfidence, an.Confidence.Overall, a.thresholds.MinConfidenceForLight)
	case an.DetectedDocumentType == "balance" || an.DetectedDocumentType == "statement":
		return models.StrategyHeavy, fmt.Sprintf(ReasonComplexType, an.DetectedDocumentType)
	default:
		return models.StrategyLight, ReasonFastPath
	}
}

// detectLanguage votes on financial keywords and falls back to a statistical
// detector when the vote is tied.
func (a *Analyzer) detectLanguage(text string) string {
	es, en := languageVotes(text)
	switch {
	case es > en:
		return "es"
	case en > es:
		return "en"
	case strings.TrimSpace(text) == "":
		return "unknown"
	}

	a.langOnce.Do(func() {
		a.lang = lingua.NewLanguageDetectorBuilder().
			FromLanguages(lingua.English, lingua.Spanish).
			Build()
	})
	lang, ok := a.lang.DetectLanguageOf(text)
	if !ok {
		return "unknown"
	}
	switch lang {
	case lingua.Spanish:
		return "es"
	case lingua.English:
		return "en"
	}
	return "unknown"
}

// Input is one document of a batch.
type Input struct {
	Name string
	Data []byte
}

// BatchResult pairs a batch input with its analysis.
type BatchResult struct {
	Name   string `json:"name" yaml:"name"`
	Result `yaml:",inline"`
}

// AnalyzeBatch analyzes documents concurrently, at most limit at a time.
// Results keep the input order; a failed document never stops the batch.
// The only error is the context's.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, inputs []Input, opts Options, limit int) ([]BatchResult, error) {
	results := make([]BatchResult, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, in := range inputs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = BatchResult{Name: in.Name, Result: a.Analyze(in.Data, opts)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("batch analysis interrupted: %w", err)
	}
	return results, nil
}
