package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/invoicedocumentflow/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore collection names.
const (
	SuppliersCollection = "suppliers"
	CustomersCollection = "customers"
	TemplatesCollection = "extractionTemplates"
	DocumentsCollection = "documents"
	InvoicesCollection  = "invoices"
)

// FirestoreStore is the production registry. Entities with a tax id live
// under a document id derived from it, so Create doubles as the uniqueness
// check; templates live under a hash of their provider key.
type FirestoreStore struct {
	client    *firestore.Client
	documents string
	now       func() time.Time
}

// NewFirestoreStore wraps an existing client. Invoices are written under
// documentsCollection, DocumentsCollection when empty.
func NewFirestoreStore(client *firestore.Client, documentsCollection string) *FirestoreStore {
	if documentsCollection == "" {
		documentsCollection = DocumentsCollection
	}
	return &FirestoreStore{client: client, documents: documentsCollection, now: time.Now}
}

// entityDoc is the stored shape of an entity. Amounts are kept as decimal
// strings so they never pass through float64.
type entityDoc struct {
	Name            string    `firestore:"name"`
	NormalizedName  string    `firestore:"normalizedName"`
	TaxID           string    `firestore:"taxId"`
	InvoiceCount    int       `firestore:"invoiceCount"`
	TotalAmount     string    `firestore:"totalAmount"`
	LastInvoiceDate time.Time `firestore:"lastInvoiceDate"`
	Status          string    `firestore:"status"`
	CreatedAt       time.Time `firestore:"createdAt"`
	UpdatedAt       time.Time `firestore:"updatedAt"`
}

func toEntityDoc(e *models.Entity) entityDoc {
	return entityDoc{
		Name:            e.Name,
		NormalizedName:  e.NormalizedName,
		TaxID:           e.TaxID,
		InvoiceCount:    e.InvoiceCount,
		TotalAmount:     e.TotalAmount.String(),
		LastInvoiceDate: e.LastInvoiceDate,
		Status:          string(e.Status),
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
}

func fromEntitySnapshot(typ models.EntityType, snap *firestore.DocumentSnapshot) (*models.Entity, error) {
	var d entityDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to decode entity %s: %w", snap.Ref.ID, err)
	}
	total := decimal.Zero
	if d.TotalAmount != "" {
		var err error
		if total, err = decimal.NewFromString(d.TotalAmount); err != nil {
			return nil, fmt.Errorf("entity %s: bad totalAmount %q: %w", snap.Ref.ID, d.TotalAmount, err)
		}
	}
	return &models.Entity{
		ID:              snap.Ref.ID,
		Type:            typ,
		Name:            d.Name,
		NormalizedName:  d.NormalizedName,
		TaxID:           d.TaxID,
		InvoiceCount:    d.InvoiceCount,
		TotalAmount:     total,
		LastInvoiceDate: d.LastInvoiceDate,
		Status:          models.EntityStatus(d.Status),
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}, nil
}

func (s *FirestoreStore) entities(typ models.EntityType) *firestore.CollectionRef {
	if typ == models.EntityCustomer {
		return s.client.Collection(CustomersCollection)
	}
	return s.client.Collection(SuppliersCollection)
}

func taxDocID(taxID string) string {
	return "tax-" + taxID
}

func (s *FirestoreStore) FindByTaxID(ctx context.Context, typ models.EntityType, taxID string) (*models.Entity, error) {
	taxID = models.NormalizeTaxID(taxID)
	if taxID == "" {
		return nil, ErrNotFound
	}
	snap, err := s.entities(typ).Doc(taxDocID(taxID)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s by tax id: %w", typ, err)
	}
	return fromEntitySnapshot(typ, snap)
}

func (s *FirestoreStore) FindByNamePrefix(ctx context.Context, typ models.EntityType, prefix string) ([]models.Entity, error) {
	q := s.entities(typ).
		Where("normalizedName", ">=", prefix).
		Where("normalizedName", "<", prefix+"\uf8ff")
	return s.collectEntities(ctx, typ, q.Documents(ctx))
}

func (s *FirestoreStore) ListEntities(ctx context.Context, typ models.EntityType) ([]models.Entity, error) {
	return s.collectEntities(ctx, typ, s.entities(typ).Documents(ctx))
}

func (s *FirestoreStore) collectEntities(ctx context.Context, typ models.EntityType, iter *firestore.DocumentIterator) ([]models.Entity, error) {
	defer iter.Stop()
	var out []models.Entity
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate %s: %w", typ, err)
		}
		e, err := fromEntitySnapshot(typ, snap)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

func (s *FirestoreStore) InsertEntity(ctx context.Context, e *models.Entity) (string, error) {
	e.TaxID = models.NormalizeTaxID(e.TaxID)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
		e.UpdatedAt = e.CreatedAt
	}
	if e.Status == "" {
		e.Status = models.EntityActive
	}
	id := e.ID
	if id == "" {
		id = uuid.NewString()
		if e.TaxID != "" {
			id = taxDocID(e.TaxID)
		}
	}

	_, err := s.entities(e.Type).Doc(id).Create(ctx, toEntityDoc(e))
	if status.Code(err) == codes.AlreadyExists {
		return "", ErrConflict
	}
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", e.Type, err)
	}
	e.ID = id
	return id, nil
}

// UpdateEntityStats applies delta inside a transaction so concurrent
// aggregations of different documents never lose increments.
func (s *FirestoreStore) UpdateEntityStats(ctx context.Context, typ models.EntityType, id string, delta models.EntityStats) (*models.Entity, error) {
	ref := s.entities(typ).Doc(id)
	var updated *models.Entity
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		e, err := fromEntitySnapshot(typ, snap)
		if err != nil {
			return err
		}
		next := delta.Apply(*e, s.now())
		updated = &next
		return tx.Set(ref, toEntityDoc(&next))
	})
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update stats of entity %s: %w", id, err)
	}
	return updated, nil
}

func templateDocID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (s *FirestoreStore) GetTemplate(ctx context.Context, key string) (*models.ExtractionTemplate, error) {
	return s.GetTemplateByID(ctx, templateDocID(key))
}

func (s *FirestoreStore) GetTemplateByID(ctx context.Context, id string) (*models.ExtractionTemplate, error) {
	snap, err := s.client.Collection(TemplatesCollection).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template %s: %w", id, err)
	}
	return templateFromSnapshot(snap)
}

func (s *FirestoreStore) ListTemplates(ctx context.Context) ([]models.ExtractionTemplate, error) {
	snaps, err := s.client.Collection(TemplatesCollection).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	out := make([]models.ExtractionTemplate, 0, len(snaps))
	for _, snap := range snaps {
		t, err := templateFromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

func (s *FirestoreStore) InsertTemplate(ctx context.Context, t *models.ExtractionTemplate) (string, error) {
	id := templateDocID(t.Key)
	_, err := s.client.Collection(TemplatesCollection).Doc(id).Create(ctx, t)
	if status.Code(err) == codes.AlreadyExists {
		return "", ErrConflict
	}
	if err != nil {
		return "", fmt.Errorf("failed to create template: %w", err)
	}
	t.ID = id
	return id, nil
}

func (s *FirestoreStore) UpdateTemplate(ctx context.Context, t *models.ExtractionTemplate) error {
	_, err := s.client.Collection(TemplatesCollection).Doc(t.ID).Update(ctx, []firestore.Update{
		{Path: "patterns", Value: t.Patterns},
		{Path: "invalidPatterns", Value: t.InvalidPatterns},
		{Path: "confidenceThreshold", Value: t.ConfidenceThreshold},
		{Path: "usageCount", Value: t.UsageCount},
		{Path: "successRate", Value: t.SuccessRate},
		{Path: "status", Value: string(t.Status)},
		{Path: "updatedAt", Value: t.UpdatedAt},
	})
	if status.Code(err) == codes.NotFound {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update template %s: %w", t.ID, err)
	}
	return nil
}

func templateFromSnapshot(snap *firestore.DocumentSnapshot) (*models.ExtractionTemplate, error) {
	var t models.ExtractionTemplate
	if err := snap.DataTo(&t); err != nil {
		return nil, fmt.Errorf("failed to decode template %s: %w", snap.Ref.ID, err)
	}
	t.ID = snap.Ref.ID
	return &t, nil
}

// invoiceDoc is the stored shape of one invoice of a document.
type invoiceDoc struct {
	InvoiceNumber string             `firestore:"invoiceNumber"`
	IssueDate     string             `firestore:"issueDate"`
	TotalAmount   string             `firestore:"totalAmount"`
	Currency      string             `firestore:"currency"`
	SupplierName  string             `firestore:"supplierName"`
	SupplierID    string             `firestore:"supplierId"`
	CustomerName  string             `firestore:"customerName"`
	CustomerID    string             `firestore:"customerId"`
	TemplateID    string             `firestore:"templateId"`
	Confidence    map[string]float64 `firestore:"confidence"`
}

// SaveInvoices writes each invoice to the invoices subcollection of its
// document, keyed by record index so re-runs overwrite.
func (s *FirestoreStore) SaveInvoices(ctx context.Context, invoices []models.StoredInvoice) error {
	if len(invoices) == 0 {
		return nil
	}
	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(invoices))
	for _, inv := range invoices {
		total := ""
		if inv.Record.TotalAmount.Valid {
			total = inv.Record.TotalAmount.Decimal.String()
		}
		job, err := bw.Set(s.invoiceRef(inv.DocumentID, inv.Record.Index), invoiceDoc{
			InvoiceNumber: inv.Record.InvoiceNumber,
			IssueDate:     inv.Record.IssueDate,
			TotalAmount:   total,
			Currency:      inv.Record.Currency,
			SupplierName:  inv.Record.Supplier.Name,
			SupplierID:    inv.SupplierID,
			CustomerName:  inv.Record.Customer.Name,
			CustomerID:    inv.CustomerID,
			TemplateID:    inv.TemplateID,
			Confidence:    inv.Record.Confidence,
		})
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to enqueue invoice %d: %w", inv.Record.Index, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	var errs []error
	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = append(errs, fmt.Errorf("invoice %d: %w", invoices[i].Record.Index, err))
		}
	}
	return errors.Join(errs...)
}

func (s *FirestoreStore) invoiceRef(documentID string, index int) *firestore.DocumentRef {
	return s.client.Collection(s.documents).Doc(documentID).
		Collection(InvoicesCollection).Doc(strconv.Itoa(index))
}
