package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Lllllllleong/invoicedocumentflow/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore persists entities, templates and document invoices in a local
// SQLite database. Tax id and template key uniqueness are enforced by the
// schema, so concurrent writers get ErrConflict instead of duplicates.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// openDB opens a SQLite database at the given path.
func openDB(dbPath string) (*sql.DB, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: writes are serialized and ":memory:" stays one database.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return sqlDB, nil
}

// OpenSQLite opens or creates the database at path and ensures the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const entityColumns = `id, entity_type, name, normalized_name, tax_id, invoice_count, total_amount,
	last_invoice_date, status, created_at, updated_at`

func (s *SQLiteStore) FindByTaxID(ctx context.Context, typ models.EntityType, taxID string) (*models.Entity, error) {
	taxID = models.NormalizeTaxID(taxID)
	if taxID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE entity_type = ? AND tax_id = ?`, string(typ), taxID)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *SQLiteStore) FindByNamePrefix(ctx context.Context, typ models.EntityType, prefix string) ([]models.Entity, error) {
	pattern := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix) + "%"
	return s.queryEntities(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE entity_type = ? AND normalized_name LIKE ? ESCAPE '\'
		ORDER BY created_at, id`, string(typ), pattern)
}

func (s *SQLiteStore) ListEntities(ctx context.Context, typ models.EntityType) ([]models.Entity, error) {
	return s.queryEntities(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE entity_type = ? ORDER BY created_at, id`, string(typ))
}

func (s *SQLiteStore) InsertEntity(ctx context.Context, e *models.Entity) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
		e.UpdatedAt = e.CreatedAt
	}
	e.TaxID = models.NormalizeTaxID(e.TaxID)
	if e.Status == "" {
		e.Status = models.EntityActive
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (`+entityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.Name, e.NormalizedName, e.TaxID, e.InvoiceCount, e.TotalAmount.String(),
		formatTime(e.LastInvoiceDate), string(e.Status), formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	if isUniqueViolation(err) {
		return "", ErrConflict
	}
	if err != nil {
		return "", fmt.Errorf("failed to insert entity: %w", err)
	}
	return e.ID, nil
}

func (s *SQLiteStore) UpdateEntityStats(ctx context.Context, typ models.EntityType, id string, delta models.EntityStats) (*models.Entity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ? AND entity_type = ?`, id, string(typ))
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	updated := delta.Apply(*e, s.now())
	_, err = tx.ExecContext(ctx,
		`UPDATE entities SET invoice_count = ?, total_amount = ?, last_invoice_date = ?, updated_at = ? WHERE id = ?`,
		updated.InvoiceCount, updated.TotalAmount.String(), formatTime(updated.LastInvoiceDate),
		formatTime(updated.UpdatedAt), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update entity stats: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit entity stats: %w", err)
	}
	return &updated, nil
}

const templateColumns = `id, provider_key, supplier_name, tax_id, patterns, invalid_patterns,
	confidence_threshold, usage_count, success_rate, status, created_at, updated_at`

func (s *SQLiteStore) GetTemplate(ctx context.Context, key string) (*models.ExtractionTemplate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM extraction_templates WHERE provider_key = ?`, key)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *SQLiteStore) GetTemplateByID(ctx context.Context, id string) (*models.ExtractionTemplate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM extraction_templates WHERE id = ?`, id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *SQLiteStore) ListTemplates(ctx context.Context) ([]models.ExtractionTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM extraction_templates ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var out []models.ExtractionTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertTemplate(ctx context.Context, t *models.ExtractionTemplate) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	patterns, invalid, err := encodePatterns(t)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO extraction_templates (`+templateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Key, t.SupplierName, t.TaxID, patterns, invalid, t.ConfidenceThreshold, t.UsageCount,
		t.SuccessRate, string(t.Status), formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if isUniqueViolation(err) {
		return "", ErrConflict
	}
	if err != nil {
		return "", fmt.Errorf("failed to insert template: %w", err)
	}
	return t.ID, nil
}

func (s *SQLiteStore) UpdateTemplate(ctx context.Context, t *models.ExtractionTemplate) error {
	patterns, invalid, err := encodePatterns(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE extraction_templates SET patterns = ?, invalid_patterns = ?, confidence_threshold = ?,
		usage_count = ?, success_rate = ?, status = ?, updated_at = ? WHERE id = ?`,
		patterns, invalid, t.ConfidenceThreshold, t.UsageCount, t.SuccessRate, string(t.Status),
		formatTime(t.UpdatedAt), t.ID)
	if err != nil {
		return fmt.Errorf("failed to update template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveInvoices stores the invoice records of a document, replacing any
// earlier run for the same document.
func (s *SQLiteStore) SaveInvoices(ctx context.Context, invoices []models.StoredInvoice) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, inv := range invoices {
		recordJSON, err := json.Marshal(inv.Record)
		if err != nil {
			return fmt.Errorf("failed to encode invoice %d: %w", inv.Record.Index, err)
		}
		total := ""
		if inv.Record.TotalAmount.Valid {
			total = inv.Record.TotalAmount.Decimal.String()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO document_invoices (document_id, record_index, invoice_number, issue_date,
			total_amount, record_json, supplier_id, customer_id, template_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inv.DocumentID, inv.Record.Index, inv.Record.InvoiceNumber, inv.Record.IssueDate, total,
			string(recordJSON), nullString(inv.SupplierID), nullString(inv.CustomerID), nullString(inv.TemplateID))
		if err != nil {
			return fmt.Errorf("failed to save invoice %d: %w", inv.Record.Index, err)
		}
	}
	return tx.Commit()
}

// CountInvoices returns how many invoice rows are stored for a document.
func (s *SQLiteStore) CountInvoices(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM document_invoices WHERE document_id = ?`, documentID).Scan(&n)
	return n, err
}

func (s *SQLiteStore) queryEntities(ctx context.Context, query string, args ...any) ([]models.Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var out []models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (*models.Entity, error) {
	var (
		e                                   models.Entity
		typ, total, last, status, createdAt string
		updatedAt                           string
	)
	err := row.Scan(&e.ID, &typ, &e.Name, &e.NormalizedName, &e.TaxID, &e.InvoiceCount, &total,
		&last, &status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.Type = models.EntityType(typ)
	e.Status = models.EntityStatus(status)
	if e.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("entity %s: bad total_amount %q: %w", e.ID, total, err)
	}
	e.LastInvoiceDate = parseTime(last)
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}

func scanTemplate(row scanner) (*models.ExtractionTemplate, error) {
	var (
		t                         models.ExtractionTemplate
		patterns, invalid, status string
		createdAt, updatedAt      string
	)
	err := row.Scan(&t.ID, &t.Key, &t.SupplierName, &t.TaxID, &patterns, &invalid,
		&t.ConfidenceThreshold, &t.UsageCount, &t.SuccessRate, &status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(patterns), &t.Patterns); err != nil {
		return nil, fmt.Errorf("template %s: bad patterns: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(invalid), &t.InvalidPatterns); err != nil {
		return nil, fmt.Errorf("template %s: bad invalid_patterns: %w", t.ID, err)
	}
	t.Status = models.TemplateStatus(status)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

func encodePatterns(t *models.ExtractionTemplate) (string, string, error) {
	patterns, err := json.Marshal(t.Patterns)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode patterns: %w", err)
	}
	invalid := t.InvalidPatterns
	if invalid == nil {
		invalid = []string{}
	}
	invalidJSON, err := json.Marshal(invalid)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode invalid patterns: %w", err)
	}
	return string(patterns), string(invalidJSON), nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
