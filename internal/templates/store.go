// Package templates learns per-supplier extraction hints and uses them to
// backfill invoice fields the AI service left empty or uncertain.
package templates

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Lllllllleong/invoicedocumentflow/internal/matching"
	"github.com/Lllllllleong/invoicedocumentflow/internal/metrics"
	"github.com/Lllllllleong/invoicedocumentflow/internal/models"
	"github.com/Lllllllleong/invoicedocumentflow/internal/registry"
)

// Repository is the persistence contract of the store. Every method is an
// atomic single-row operation.
type Repository interface {
	// GetTemplate returns the template stored under a provider key, or
	// registry.ErrNotFound.
	GetTemplate(ctx context.Context, key string) (*models.ExtractionTemplate, error)
	GetTemplateByID(ctx context.Context, id string) (*models.ExtractionTemplate, error)
	ListTemplates(ctx context.Context) ([]models.ExtractionTemplate, error)
	// InsertTemplate stores t and returns its id, or registry.ErrConflict
	// when a template with the same key exists.
	InsertTemplate(ctx context.Context, t *models.ExtractionTemplate) (string, error)
	UpdateTemplate(ctx context.Context, t *models.ExtractionTemplate) error
}

// Settings tunes the template lifecycle.
type Settings struct {
	DefaultConfidenceThreshold float64 `yaml:"defaultConfidenceThreshold"`
	InitialSuccessRate         float64 `yaml:"initialSuccessRate"`
	SuccessIncrement           float64 `yaml:"successIncrement"`
	FailurePenalty             float64 `yaml:"failurePenalty"`
	ConfidenceBoost            float64 `yaml:"confidenceBoost"`
	PromotionMinUsage          int     `yaml:"promotionMinUsage"`
	PromotionMinSuccessRate    float64 `yaml:"promotionMinSuccessRate"`
	DeprecationMinUsage        int     `yaml:"deprecationMinUsage"`
	DeprecationMaxSuccessRate  float64 `yaml:"deprecationMaxSuccessRate"`
}

// DefaultSettings returns the production lifecycle settings.
func DefaultSettings() Settings {
	return Settings{
		DefaultConfidenceThreshold: 0.70,
		InitialSuccessRate:         0.50,
		SuccessIncrement:           0.02,
		FailurePenalty:             0.05,
		ConfidenceBoost:            0.20,
		PromotionMinUsage:          5,
		PromotionMinSuccessRate:    0.80,
		DeprecationMinUsage:        10,
		DeprecationMaxSuccessRate:  0.50,
	}
}

// Store evolves extraction templates. It holds no template state of its own
// beyond a cache of compiled patterns; everything else lives in the injected
// repository.
type Store struct {
	repo     Repository
	settings Settings
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	// writeMu serializes read-modify-write cycles on templates.
	writeMu sync.Mutex

	cacheMu  sync.RWMutex
	compiled map[string][]compiledPattern
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store backed by repo.
func NewStore(repo Repository, settings Settings, opts ...Option) *Store {
	s := &Store{
		repo:     repo,
		settings: settings,
		logger:   slog.Default(),
		now:      time.Now,
		compiled: make(map[string][]compiledPattern),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the provider key a supplier's template is stored under: the
// normalized tax id when known, the normalized name otherwise.
func Key(supplierName, taxID string) string {
	if tax := models.NormalizeTaxID(taxID); tax != "" {
		return "tax:" + tax
	}
	return "name:" + matching.Normalize(supplierName)
}

// Resolve finds the template for a provider. An exact tax id match wins;
// otherwise templates whose supplier name overlaps the provider name are
// ranked by success rate then usage count. A template stored under a
// different tax id never qualifies. It returns nil when nothing does.
func (s *Store) Resolve(ctx context.Context, providerName, taxID string) (*models.ExtractionTemplate, error) {
	tax := models.NormalizeTaxID(taxID)
	if tax != "" {
		t, err := s.repo.GetTemplate(ctx, "tax:"+tax)
		switch {
		case err == nil:
			return s.load(ctx, t), nil
		case !errors.Is(err, registry.ErrNotFound):
			return nil, fmt.Errorf("failed to look up template by tax id: %w", err)
		}
	}

	needle := matching.Normalize(providerName)
	if needle == "" {
		return nil, nil
	}
	all, err := s.repo.ListTemplates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	var candidates []models.ExtractionTemplate
	for _, t := range all {
		if tax != "" && t.TaxID != "" && t.TaxID != tax {
			continue
		}
		if matching.Overlaps(needle, matching.Normalize(t.SupplierName)) {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	slices.SortFunc(candidates, func(a, b models.ExtractionTemplate) int {
		if c := cmp.Compare(b.SuccessRate, a.SuccessRate); c != 0 {
			return c
		}
		if c := cmp.Compare(b.UsageCount, a.UsageCount); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return s.load(ctx, &candidates[0]), nil
}

// Create stores a learning template for a supplier unless one already
// resolves, in which case the existing template is returned and created is
// false. seed, when given, contributes supplier-specific patterns.
func (s *Store) Create(ctx context.Context, supplierName, taxID string, seed *models.InvoiceRecord) (t *models.ExtractionTemplate, created bool, err error) {
	existing, err := s.Resolve(ctx, supplierName, taxID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := s.now()
	t = &models.ExtractionTemplate{
		Key:                 Key(supplierName, taxID),
		SupplierName:        strings.TrimSpace(supplierName),
		TaxID:               models.NormalizeTaxID(taxID),
		Patterns:            append(seedPatterns(seed), genericPatterns...),
		ConfidenceThreshold: s.settings.DefaultConfidenceThreshold,
		UsageCount:          1,
		SuccessRate:         s.settings.InitialSuccessRate,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	_, t.InvalidPatterns = compilePatterns(t.Patterns)
	t.Status = s.deriveStatus(t)

	id, err := s.repo.InsertTemplate(ctx, t)
	if errors.Is(err, registry.ErrConflict) {
		// Another document created it first.
		winner, getErr := s.repo.GetTemplate(ctx, t.Key)
		if getErr != nil {
			return nil, false, fmt.Errorf("failed to read template after conflict: %w", getErr)
		}
		return s.load(ctx, winner), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert template: %w", err)
	}
	t.ID = id
	s.logger.Info("Created extraction template.", "templateId", id, "key", t.Key, "patterns", len(t.Patterns))
	return s.load(ctx, t), true, nil
}

// RecordOutcome counts one use of a template. Success moves the success rate
// up by a fixed increment, failure down by a fixed penalty; the status is
// re-derived afterwards.
func (s *Store) RecordOutcome(ctx context.Context, templateID string, success bool) (*models.ExtractionTemplate, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	t, err := s.repo.GetTemplateByID(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load template %s: %w", templateID, err)
	}
	before := t.Status

	t.UsageCount++
	if success {
		t.SuccessRate = round4(math.Min(1, t.SuccessRate+s.settings.SuccessIncrement))
	} else {
		t.SuccessRate = round4(math.Max(0, t.SuccessRate-s.settings.FailurePenalty))
	}
	t.Status = s.deriveStatus(t)
	t.UpdatedAt = s.now()

	if err := s.repo.UpdateTemplate(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to update template %s: %w", templateID, err)
	}

	promoted := before != models.TemplateActive && t.Status == models.TemplateActive
	s.metrics.RecordTemplateOutcome(success, promoted)
	if t.Status != before {
		s.logger.Info("Template status changed.", "templateId", t.ID, "from", before, "to", t.Status,
			"usageCount", t.UsageCount, "successRate", t.SuccessRate)
	}
	return t, nil
}

// Apply backfills fields of rec that are missing or below the template's
// confidence threshold. For each such field the stored patterns are tried
// against rawText in order; the first one that matches and parses fills the
// field and raises its confidence by the configured boost. It returns the
// fields it filled. Deprecated templates are not applied.
func (s *Store) Apply(t *models.ExtractionTemplate, rec *models.InvoiceRecord, rawText string) []string {
	if t == nil || rec == nil || rawText == "" || t.Status == models.TemplateDeprecated {
		return nil
	}
	patterns := s.patternsFor(t)

	var filled []string
	for _, field := range fillOrder {
		if rec.HasField(field) && rec.FieldConfidence(field) >= t.ConfidenceThreshold {
			continue
		}
		for _, p := range patterns {
			if p.field != field {
				continue
			}
			m := p.re.FindStringSubmatch(rawText)
			if m == nil {
				continue
			}
			value := m[0]
			if len(m) > 1 && m[1] != "" {
				value = m[1]
			}
			if !setField(rec, field, value) {
				continue
			}
			rec.SetFieldConfidence(field, math.Min(1, rec.FieldConfidence(field)+s.settings.ConfidenceBoost))
			filled = append(filled, field)
			s.metrics.RecordFieldFilled(field)
			break
		}
	}
	return filled
}

// Succeeded reports whether every required field of rec is present with a
// confidence at or above the template threshold.
func Succeeded(t *models.ExtractionTemplate, rec *models.InvoiceRecord) bool {
	for _, field := range requiredFields {
		if !rec.HasField(field) || rec.FieldConfidence(field) < t.ConfidenceThreshold {
			return false
		}
	}
	return true
}

// LearnResult is the outcome of Learn.
type LearnResult struct {
	Template *models.ExtractionTemplate
	Created  bool
	Filled   []string
	Success  bool
}

// Learn runs one template use for a supplier's invoice: resolve or create the
// template, apply it to rec, judge the result and record the outcome. The
// outcome is the single usage increment of the use; a freshly created
// template already counts its first use.
func (s *Store) Learn(ctx context.Context, supplierName, taxID string, rec *models.InvoiceRecord, rawText string) (*LearnResult, error) {
	t, err := s.Resolve(ctx, supplierName, taxID)
	if err != nil {
		return nil, err
	}
	created := false
	if t == nil {
		if t, created, err = s.Create(ctx, supplierName, taxID, rec); err != nil {
			return nil, err
		}
	}

	res := &LearnResult{Template: t, Created: created}
	res.Filled = s.Apply(t, rec, rawText)
	res.Success = Succeeded(t, rec)

	if !created {
		updated, err := s.RecordOutcome(ctx, t.ID, res.Success)
		if err != nil {
			return nil, err
		}
		res.Template = updated
	}
	return res, nil
}

// deriveStatus computes a template's status from its counters.
func (s *Store) deriveStatus(t *models.ExtractionTemplate) models.TemplateStatus {
	switch {
	case t.UsageCount >= s.settings.DeprecationMinUsage && t.SuccessRate < s.settings.DeprecationMaxSuccessRate:
		return models.TemplateDeprecated
	case t.UsageCount >= s.settings.PromotionMinUsage && t.SuccessRate >= s.settings.PromotionMinSuccessRate:
		return models.TemplateActive
	default:
		return models.TemplateLearning
	}
}

// load compiles a template's patterns once and flags patterns that do not
// compile, persisting the flag so the template reports a pattern error.
func (s *Store) load(ctx context.Context, t *models.ExtractionTemplate) *models.ExtractionTemplate {
	s.cacheMu.RLock()
	_, ok := s.compiled[t.ID]
	s.cacheMu.RUnlock()
	if ok {
		return t
	}

	compiled, invalid := compilePatterns(t.Patterns)
	s.cacheMu.Lock()
	s.compiled[t.ID] = compiled
	s.cacheMu.Unlock()

	if len(invalid) > 0 && !slices.Equal(invalid, t.InvalidPatterns) {
		s.logger.Warn("Template has invalid patterns; they will be skipped.", "templateId", t.ID, "invalid", invalid)
		t.InvalidPatterns = invalid
		if t.ID != "" {
			s.writeMu.Lock()
			err := s.repo.UpdateTemplate(ctx, t)
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Error("Failed to flag template pattern error", "templateId", t.ID, "error", err)
			}
		}
	}
	return t
}

func (s *Store) patternsFor(t *models.ExtractionTemplate) []compiledPattern {
	s.cacheMu.RLock()
	p, ok := s.compiled[t.ID]
	s.cacheMu.RUnlock()
	if ok && t.ID != "" {
		return p
	}
	p, _ = compilePatterns(t.Patterns)
	return p
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
