package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntityType tells suppliers and customers apart. The two registries are
// never mixed when matching.
type EntityType string

const (
	EntitySupplier EntityType = "supplier"
	EntityCustomer EntityType = "customer"
)

// EntityStatus is the lifecycle flag of an entity. Deactivation is managed
// outside this module; the aggregator only ever creates active entities.
type EntityStatus string

const (
	EntityActive   EntityStatus = "active"
	EntityInactive EntityStatus = "inactive"
)

// Entity is a supplier or customer held by the registry. TaxID is the
// identity key when known; the name alone is never unique.
type Entity struct {
	ID              string          `json:"id" yaml:"id"`
	Type            EntityType      `json:"type" yaml:"type"`
	Name            string          `json:"name" yaml:"name"`
	NormalizedName  string          `json:"normalizedName" yaml:"normalizedName"`
	TaxID           string          `json:"taxId,omitempty" yaml:"taxId,omitempty"`
	InvoiceCount    int             `json:"invoiceCount" yaml:"invoiceCount"`
	TotalAmount     decimal.Decimal `json:"totalAmount" yaml:"totalAmount"`
	LastInvoiceDate time.Time       `json:"lastInvoiceDate,omitempty" yaml:"lastInvoiceDate,omitempty"`
	Status          EntityStatus    `json:"status" yaml:"status"`
	CreatedAt       time.Time       `json:"createdAt" yaml:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt" yaml:"updatedAt"`
}

// EntityStats is an increment applied to an entity's aggregate statistics.
type EntityStats struct {
	Invoices        int
	Amount          decimal.Decimal
	LastInvoiceDate time.Time
}

// Add folds another invoice into the increment.
func (s *EntityStats) Add(amount decimal.Decimal, issued time.Time) {
	s.Invoices++
	s.Amount = s.Amount.Add(amount)
	if issued.After(s.LastInvoiceDate) {
		s.LastInvoiceDate = issued
	}
}

// Apply returns e with the increment applied.
func (s EntityStats) Apply(e Entity, now time.Time) Entity {
	e.InvoiceCount += s.Invoices
	e.TotalAmount = e.TotalAmount.Add(s.Amount)
	if s.LastInvoiceDate.After(e.LastInvoiceDate) {
		e.LastInvoiceDate = s.LastInvoiceDate
	}
	e.UpdatedAt = now
	return e
}
