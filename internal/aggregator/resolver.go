package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Lllllllleong/invoicedocumentflow/internal/matching"
	"github.com/Lllllllleong/invoicedocumentflow/internal/metrics"
	"github.com/Lllllllleong/invoicedocumentflow/internal/models"
	"github.com/Lllllllleong/invoicedocumentflow/internal/registry"
)

// EntityRepository is the persistence contract for suppliers and customers.
// Every method is an atomic single-row operation.
type EntityRepository interface {
	// FindByTaxID returns registry.ErrNotFound when no entity has the tax id.
	FindByTaxID(ctx context.Context, typ models.EntityType, taxID string) (*models.Entity, error)
	FindByNamePrefix(ctx context.Context, typ models.EntityType, prefix string) ([]models.Entity, error)
	ListEntities(ctx context.Context, typ models.EntityType) ([]models.Entity, error)
	// InsertEntity returns registry.ErrConflict when the tax id is taken.
	InsertEntity(ctx context.Context, e *models.Entity) (string, error)
	// UpdateEntityStats returns registry.ErrNotFound when no entity of typ
	// has the id.
	UpdateEntityStats(ctx context.Context, typ models.EntityType, id string, delta models.EntityStats) (*models.Entity, error)
}

// Resolution is the outcome of resolving one party of an invoice.
type Resolution struct {
	Entity  *models.Entity
	Match   matching.MatchResult
	Created bool
}

// EntityResolver links invoice parties to registry entities, creating them
// when nothing matches. Creation is serialized and re-checked against
// storage, and a lost insert race links the winner instead of failing.
type EntityResolver struct {
	repo    EntityRepository
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu sync.Mutex
}

// NewEntityResolver creates a resolver over repo.
func NewEntityResolver(repo EntityRepository, logger *slog.Logger, m *metrics.Metrics) *EntityResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityResolver{repo: repo, logger: logger, metrics: m, now: time.Now}
}

// Resolve matches the party against snapshot first. Without a match it
// looks the party up in storage and creates it if it is still unknown. An
// empty party resolves to nothing.
func (r *EntityResolver) Resolve(ctx context.Context, typ models.EntityType, party models.Party, snapshot []models.Entity) (*Resolution, error) {
	if party.IsEmpty() {
		return &Resolution{Match: matching.MatchResult{Method: matching.MethodNone}}, nil
	}

	if m := matching.Match(party.Name, party.TaxID, snapshot); m.Matched() {
		for i := range snapshot {
			if snapshot[i].ID == m.EntityID {
				e := snapshot[i]
				r.metrics.RecordMatch(string(typ), string(m.Method))
				return &Resolution{Entity: &e, Match: m}, nil
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// The snapshot may be stale; another document could have created the
	// entity since it was taken.
	if e, m, err := r.lookup(ctx, typ, party); err != nil {
		return nil, err
	} else if e != nil {
		r.metrics.RecordMatch(string(typ), string(m.Method))
		return &Resolution{Entity: e, Match: m}, nil
	}

	now := r.now()
	e := &models.Entity{
		Type:           typ,
		Name:           strings.TrimSpace(party.Name),
		NormalizedName: matching.Normalize(party.Name),
		TaxID:          models.NormalizeTaxID(party.TaxID),
		Status:         models.EntityActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	id, err := r.repo.InsertEntity(ctx, e)
	if errors.Is(err, registry.ErrConflict) {
		r.metrics.RecordEntityConflict(string(typ))
		winner, findErr := r.repo.FindByTaxID(ctx, typ, e.TaxID)
		if findErr != nil {
			return nil, fmt.Errorf("failed to read %s after insert conflict: %w", typ, findErr)
		}
		r.logger.Info("Entity insert lost a race; linking existing entity.", "entityType", typ, "entityId", winner.ID)
		return &Resolution{Entity: winner, Match: matching.MatchResult{EntityID: winner.ID, Method: matching.MethodTaxID, Confidence: 1}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s %q: %w", typ, e.Name, err)
	}
	e.ID = id
	r.metrics.RecordMatch(string(typ), string(matching.MethodNone))
	r.metrics.RecordEntityCreated(string(typ))
	return &Resolution{Entity: e, Match: matching.MatchResult{Method: matching.MethodNone}, Created: true}, nil
}

// lookup searches storage directly: by tax id when known, otherwise among
// entities sharing the normalized name prefix.
func (r *EntityResolver) lookup(ctx context.Context, typ models.EntityType, party models.Party) (*models.Entity, matching.MatchResult, error) {
	if tax := models.NormalizeTaxID(party.TaxID); tax != "" {
		e, err := r.repo.FindByTaxID(ctx, typ, tax)
		switch {
		case err == nil:
			return e, matching.MatchResult{EntityID: e.ID, Method: matching.MethodTaxID, Confidence: 1}, nil
		case !errors.Is(err, registry.ErrNotFound):
			return nil, matching.MatchResult{}, fmt.Errorf("failed to look up %s by tax id: %w", typ, err)
		}
	}

	candidates, err := r.repo.FindByNamePrefix(ctx, typ, matching.Normalize(party.Name))
	if err != nil {
		return nil, matching.MatchResult{}, fmt.Errorf("failed to look up %s by name: %w", typ, err)
	}
	m := matching.Match(party.Name, party.TaxID, candidates)
	if !m.Matched() {
		return nil, m, nil
	}
	for i := range candidates {
		if candidates[i].ID == m.EntityID {
			return &candidates[i], m, nil
		}
	}
	return nil, matching.MatchResult{}, nil
}
