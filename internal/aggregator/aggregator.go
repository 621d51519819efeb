// Package aggregator turns the extraction result of one document into
// linked supplier and customer entities, learned templates and discovery
// events. Every invoice record of the document is processed, not only the
// first one.
package aggregator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/Lllllllleong/invoicedocumentflow/internal/matching"
	"github.com/Lllllllleong/invoicedocumentflow/internal/metrics"
	"github.com/Lllllllleong/invoicedocumentflow/internal/models"
	"github.com/Lllllllleong/invoicedocumentflow/internal/notify"
	"github.com/Lllllllleong/invoicedocumentflow/internal/templates"
)

// TemplateLearner runs one template use for a supplier's invoice.
type TemplateLearner interface {
	Learn(ctx context.Context, supplierName, taxID string, rec *models.InvoiceRecord, rawText string) (*templates.LearnResult, error)
}

// RecordOutcome describes how one invoice record was handled.
type RecordOutcome struct {
	Index           int                  `json:"index" yaml:"index"`
	InvoiceNumber   string               `json:"invoiceNumber,omitempty" yaml:"invoiceNumber,omitempty"`
	SupplierID      string               `json:"supplierId,omitempty" yaml:"supplierId,omitempty"`
	SupplierMatch   matching.MatchResult `json:"supplierMatch" yaml:"supplierMatch"`
	CustomerID      string               `json:"customerId,omitempty" yaml:"customerId,omitempty"`
	CustomerMatch   matching.MatchResult `json:"customerMatch" yaml:"customerMatch"`
	TemplateID      string               `json:"templateId,omitempty" yaml:"templateId,omitempty"`
	FilledFields    []string             `json:"filledFields,omitempty" yaml:"filledFields,omitempty"`
	TemplateSuccess bool                 `json:"templateSuccess" yaml:"templateSuccess"`
	Error           string               `json:"error,omitempty" yaml:"error,omitempty"`
}

// RecordFailure is a record that could not be aggregated.
type RecordFailure struct {
	Index  int    `json:"index" yaml:"index"`
	Reason string `json:"reason" yaml:"reason"`
}

// Representative is the record chosen to stand for the whole document on
// the document row. The full set of records is kept in Result.Invoices.
type Representative struct {
	Record             models.InvoiceRecord `json:"record" yaml:"record"`
	Label              string               `json:"label" yaml:"label"`
	AdditionalInvoices int                  `json:"additionalInvoices" yaml:"additionalInvoices"`
}

// Result is the outcome of aggregating one document. InvoicesProcessed plus
// InvoicesFailed always equals the number of records the AI service returned.
type Result struct {
	DocumentID           string                 `json:"documentId" yaml:"documentId"`
	InvoicesProcessed    int                    `json:"invoicesProcessed" yaml:"invoicesProcessed"`
	InvoicesFailed       int                    `json:"invoicesFailed" yaml:"invoicesFailed"`
	Records              []RecordOutcome        `json:"records" yaml:"records"`
	UniqueSuppliers      []models.Entity        `json:"uniqueSuppliers" yaml:"uniqueSuppliers"`
	UniqueCustomers      []models.Entity        `json:"uniqueCustomers" yaml:"uniqueCustomers"`
	NewlyCreatedEntities []models.Entity        `json:"newlyCreatedEntities" yaml:"newlyCreatedEntities"`
	Representative       *Representative        `json:"representative,omitempty" yaml:"representative,omitempty"`
	Failures             []RecordFailure        `json:"failures,omitempty" yaml:"failures,omitempty"`
	Invoices             []models.StoredInvoice `json:"-" yaml:"-"`
	StatsErrors          []string               `json:"statsErrors,omitempty" yaml:"statsErrors,omitempty"`
}

// Aggregator processes extraction results. One Aggregator can serve
// concurrent documents; entity creation is serialized by its resolver.
type Aggregator struct {
	entities EntityRepository
	resolver *EntityResolver
	learner  TemplateLearner
	notifier notify.Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// New creates an Aggregator. learner may be nil to skip template learning;
// notifier may be nil to drop discovery events.
func New(entities EntityRepository, learner TemplateLearner, notifier notify.Notifier, opts ...Option) *Aggregator {
	a := &Aggregator{
		entities: entities,
		learner:  learner,
		notifier: notifier,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.resolver = NewEntityResolver(entities, a.logger, a.metrics)
	return a
}

// entityRef identifies an entity across registries. Ids are only unique
// within one entity type.
type entityRef struct {
	typ models.EntityType
	id  string
}

// run is the state of one Process call.
type run struct {
	documentID string
	snapshots  map[models.EntityType][]models.Entity
	// seen maps a (type, normalized name, tax id) key to an entity id.
	seen     map[string]string
	entities map[entityRef]*models.Entity
	order    []entityRef
	stats    map[entityRef]*models.EntityStats
	created  []entityRef
}

func partyKey(typ models.EntityType, p models.Party) string {
	return string(typ) + "|" + matching.Normalize(p.Name) + "|" + models.NormalizeTaxID(p.TaxID)
}

// Process aggregates every record of an extraction result. A record that
// fails is reported in the result and never aborts the others; an error is
// returned only when the document as a whole cannot be processed.
func (a *Aggregator) Process(ctx context.Context, documentID string, res *models.ExtractionResult) (*Result, error) {
	if res == nil {
		return nil, errors.New("nil extraction result")
	}
	start := time.Now()
	logCtx := a.logger.With("documentId", documentID)

	r := &run{
		documentID: documentID,
		snapshots:  make(map[models.EntityType][]models.Entity),
		seen:       make(map[string]string),
		entities:   make(map[entityRef]*models.Entity),
		stats:      make(map[entityRef]*models.EntityStats),
	}
	for _, typ := range []models.EntityType{models.EntitySupplier, models.EntityCustomer} {
		snap, err := a.entities.ListEntities(ctx, typ)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s registry: %w", typ, err)
		}
		r.snapshots[typ] = snap
	}

	out := &Result{DocumentID: documentID}
	for _, q := range res.Quarantined {
		out.InvoicesFailed++
		out.Records = append(out.Records, RecordOutcome{Index: q.Index, Error: q.Reason})
		out.Failures = append(out.Failures, RecordFailure{Index: q.Index, Reason: q.Reason})
		logCtx.Warn("Invoice record quarantined.", "index", q.Index, "reason", q.Reason)
	}

	rawText := res.RawText()
	var firstOK *models.InvoiceRecord
	for i := range res.Records {
		rec := res.Records[i]
		outcome, err := a.processRecord(ctx, r, &rec, rawText)
		if err != nil {
			out.InvoicesFailed++
			outcome.Error = err.Error()
			out.Failures = append(out.Failures, RecordFailure{Index: rec.Index, Reason: err.Error()})
			logCtx.Error("Failed to aggregate invoice record.", "index", rec.Index, "error", err)
		} else {
			out.InvoicesProcessed++
			out.Invoices = append(out.Invoices, models.StoredInvoice{
				DocumentID: documentID,
				Record:     rec,
				SupplierID: outcome.SupplierID,
				CustomerID: outcome.CustomerID,
				TemplateID: outcome.TemplateID,
			})
			if firstOK == nil {
				first := rec
				firstOK = &first
			}
		}
		out.Records = append(out.Records, outcome)
	}
	slices.SortFunc(out.Records, func(x, y RecordOutcome) int { return cmp.Compare(x.Index, y.Index) })
	slices.SortFunc(out.Failures, func(x, y RecordFailure) int { return cmp.Compare(x.Index, y.Index) })

	a.flushStats(ctx, r, out, logCtx)
	a.collectEntities(r, out)
	a.announce(ctx, r, logCtx)

	if firstOK != nil {
		out.Representative = representative(*firstOK, res.RecordCount())
	}

	took := time.Since(start)
	a.metrics.RecordAggregation(out.InvoicesProcessed, out.InvoicesFailed, took)
	logCtx.Info("Document aggregated.",
		"processed", out.InvoicesProcessed,
		"failed", out.InvoicesFailed,
		"suppliers", len(out.UniqueSuppliers),
		"customers", len(out.UniqueCustomers),
		"newEntities", len(out.NewlyCreatedEntities),
		"took", took)
	return out, nil
}

// processRecord is the failure boundary of one record. Statistics are only
// counted once every step of the record succeeded.
func (a *Aggregator) processRecord(ctx context.Context, r *run, rec *models.InvoiceRecord, rawText string) (outcome RecordOutcome, err error) {
	outcome = RecordOutcome{Index: rec.Index, InvoiceNumber: rec.InvoiceNumber}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic while aggregating record: %v", p)
		}
	}()

	supplierID, supplierMatch, err := a.resolveParty(ctx, r, models.EntitySupplier, rec.Supplier)
	if err != nil {
		return outcome, fmt.Errorf("supplier: %w", err)
	}
	outcome.SupplierID, outcome.SupplierMatch = supplierID, supplierMatch

	customerID, customerMatch, err := a.resolveParty(ctx, r, models.EntityCustomer, rec.Customer)
	if err != nil {
		return outcome, fmt.Errorf("customer: %w", err)
	}
	outcome.CustomerID, outcome.CustomerMatch = customerID, customerMatch

	if a.learner != nil && !rec.Supplier.IsEmpty() {
		learned, err := a.learner.Learn(ctx, rec.Supplier.Name, rec.Supplier.TaxID, rec, rawText)
		if err != nil {
			return outcome, fmt.Errorf("template: %w", err)
		}
		outcome.TemplateID = learned.Template.ID
		outcome.FilledFields = learned.Filled
		outcome.TemplateSuccess = learned.Success
		outcome.InvoiceNumber = rec.InvoiceNumber
	}

	issued, _ := rec.IssuedAt()
	for _, ref := range []entityRef{{models.EntitySupplier, supplierID}, {models.EntityCustomer, customerID}} {
		if ref.id == "" {
			continue
		}
		s, ok := r.stats[ref]
		if !ok {
			s = &models.EntityStats{}
			r.stats[ref] = s
		}
		s.Add(rec.Amount(), issued)
	}
	return outcome, nil
}

// resolveParty links a party to an entity, reusing the entity already
// resolved for the same party earlier in the run. An empty party is left
// unlinked.
func (a *Aggregator) resolveParty(ctx context.Context, r *run, typ models.EntityType, p models.Party) (string, matching.MatchResult, error) {
	if p.IsEmpty() {
		return "", matching.MatchResult{Method: matching.MethodNone}, nil
	}
	key := partyKey(typ, p)
	if id, ok := r.seen[key]; ok {
		return id, matching.MatchResult{EntityID: id, Method: matching.MethodExact, Confidence: 1}, nil
	}

	res, err := a.resolver.Resolve(ctx, typ, p, r.snapshots[typ])
	if err != nil {
		return "", matching.MatchResult{}, err
	}
	id := res.Entity.ID
	ref := entityRef{typ: typ, id: id}
	r.seen[key] = id
	if _, ok := r.entities[ref]; !ok {
		r.entities[ref] = res.Entity
		r.order = append(r.order, ref)
	}
	if res.Created {
		r.created = append(r.created, ref)
		// Later records of this run must see the new entity.
		r.snapshots[typ] = append(r.snapshots[typ], *res.Entity)
	}
	return id, res.Match, nil
}

// flushStats writes the accumulated statistics once per entity.
func (a *Aggregator) flushStats(ctx context.Context, r *run, out *Result, logCtx *slog.Logger) {
	for _, ref := range r.order {
		delta, ok := r.stats[ref]
		if !ok {
			continue
		}
		updated, err := a.entities.UpdateEntityStats(ctx, ref.typ, ref.id, *delta)
		if err != nil {
			msg := fmt.Sprintf("%s %s: %v", ref.typ, ref.id, err)
			out.StatsErrors = append(out.StatsErrors, msg)
			logCtx.Error("Failed to update entity statistics.", "entityType", ref.typ, "entityId", ref.id, "error", err)
			continue
		}
		r.entities[ref] = updated
	}
}

func (a *Aggregator) collectEntities(r *run, out *Result) {
	for _, ref := range r.order {
		e := *r.entities[ref]
		switch ref.typ {
		case models.EntitySupplier:
			out.UniqueSuppliers = append(out.UniqueSuppliers, e)
		case models.EntityCustomer:
			out.UniqueCustomers = append(out.UniqueCustomers, e)
		}
	}
	for _, ref := range r.created {
		out.NewlyCreatedEntities = append(out.NewlyCreatedEntities, *r.entities[ref])
	}
}

// announce emits one discovery event per created entity. Delivery failures
// are logged; the entities already exist.
func (a *Aggregator) announce(ctx context.Context, r *run, logCtx *slog.Logger) {
	if a.notifier == nil {
		return
	}
	for _, ref := range r.created {
		e := r.entities[ref]
		event := models.DiscoveryEvent{EntityType: e.Type, EntityID: e.ID, Name: e.Name, Source: r.documentID}
		if err := a.notifier.Notify(ctx, event); err != nil {
			logCtx.Warn("Failed to deliver discovery event.", "entityId", e.ID, "error", err)
		}
	}
}

func representative(rec models.InvoiceRecord, total int) *Representative {
	label := strings.TrimSpace(rec.InvoiceNumber)
	if label == "" {
		label = fmt.Sprintf("record %d", rec.Index)
	}
	more := max(total-1, 0)
	if more > 0 {
		label = fmt.Sprintf("%s (+%d more)", label, more)
	}
	return &Representative{Record: rec, Label: label, AdditionalInvoices: more}
}
