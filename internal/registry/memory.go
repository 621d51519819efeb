package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Lllllllleong/invoicedocumentflow/internal/models"
	"github.com/google/uuid"
)

// MemoryStore keeps entities and templates in process memory. It enforces the
// same uniqueness rules as the durable stores and is meant for tests and
// one-shot runs.
type MemoryStore struct {
	mu        sync.Mutex
	entities  map[string]models.Entity
	templates map[string]models.ExtractionTemplate
	now       func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:  make(map[string]models.Entity),
		templates: make(map[string]models.ExtractionTemplate),
		now:       time.Now,
	}
}

func (m *MemoryStore) FindByTaxID(_ context.Context, typ models.EntityType, taxID string) (*models.Entity, error) {
	taxID = models.NormalizeTaxID(taxID)
	if taxID == "" {
		return nil, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entities {
		if e.Type == typ && e.TaxID == taxID {
			return &e, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) FindByNamePrefix(_ context.Context, typ models.EntityType, prefix string) ([]models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Entity
	for _, e := range m.entities {
		if e.Type == typ && strings.HasPrefix(e.NormalizedName, prefix) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListEntities(_ context.Context, typ models.EntityType) ([]models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Entity
	for _, e := range m.entities {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) InsertEntity(_ context.Context, e *models.Entity) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.TaxID = models.NormalizeTaxID(e.TaxID)
	if e.TaxID != "" {
		for _, existing := range m.entities {
			if existing.Type == e.Type && existing.TaxID == e.TaxID {
				return "", ErrConflict
			}
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
		e.UpdatedAt = e.CreatedAt
	}
	m.entities[e.ID] = *e
	return e.ID, nil
}

func (m *MemoryStore) UpdateEntityStats(_ context.Context, typ models.EntityType, id string, delta models.EntityStats) (*models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok || e.Type != typ {
		return nil, ErrNotFound
	}
	e = delta.Apply(e, m.now())
	m.entities[id] = e
	return &e, nil
}

func (m *MemoryStore) GetTemplate(_ context.Context, key string) (*models.ExtractionTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.templates {
		if t.Key == key {
			return cloneTemplate(t), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetTemplateByID(_ context.Context, id string) (*models.ExtractionTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTemplate(t), nil
}

func (m *MemoryStore) ListTemplates(_ context.Context) ([]models.ExtractionTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ExtractionTemplate, 0, len(m.templates))
	for _, t := range m.templates {
		out = append(out, *cloneTemplate(t))
	}
	return out, nil
}

func (m *MemoryStore) InsertTemplate(_ context.Context, t *models.ExtractionTemplate) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.templates {
		if existing.Key == t.Key {
			return "", ErrConflict
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	m.templates[t.ID] = *cloneTemplate(*t)
	return t.ID, nil
}

func (m *MemoryStore) UpdateTemplate(_ context.Context, t *models.ExtractionTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.templates[t.ID]; !ok {
		return ErrNotFound
	}
	m.templates[t.ID] = *cloneTemplate(*t)
	return nil
}

func cloneTemplate(t models.ExtractionTemplate) *models.ExtractionTemplate {
	t.Patterns = append([]models.FieldPattern(nil), t.Patterns...)
	t.InvalidPatterns = append([]string(nil), t.InvalidPatterns...)
	return &t
}
