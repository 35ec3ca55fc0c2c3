// Package domain contains persistence models and contracts for credit notes.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// CreditNoteType classifies why a credit note exists. Adjustment notes are
// the only correction mechanism for issued invoices.
type CreditNoteType string

const (
	CreditNoteTypeInvoiceAdjustment CreditNoteType = "invoice_adjustment"
)

// CreditNote reverses an issued invoice. Credit notes are append-only:
// once created they are never updated or deleted.
type CreditNote struct {
	ID               snowflake.ID    `gorm:"primaryKey" json:"id"`
	OrgID            snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_credit_notes_org_number" json:"org_id"`
	InvoiceID        snowflake.ID    `gorm:"not null;index" json:"invoice_id"`
	CreditNoteNumber string          `gorm:"type:text;not null;uniqueIndex:ux_credit_notes_org_number" json:"credit_note_number"`
	Type             CreditNoteType  `gorm:"type:text;not null;default:'invoice_adjustment'" json:"type"`
	Reason           string          `gorm:"type:text;not null" json:"reason"`
	IssueDate        time.Time       `gorm:"not null" json:"issue_date"`
	Amount           decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	VATRate          decimal.Decimal `gorm:"type:numeric(5,2);not null" json:"vat_rate"`
	VATAmount        decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"vat_amount"`
	TotalAmount      decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"total_amount"`
	CreatedAt        time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (CreditNote) TableName() string { return "credit_notes" }

// CreditNoteItem mirrors one invoice line at correction time.
type CreditNoteItem struct {
	ID           snowflake.ID    `gorm:"primaryKey" json:"id"`
	OrgID        snowflake.ID    `gorm:"not null;index" json:"org_id"`
	CreditNoteID snowflake.ID    `gorm:"not null;index" json:"credit_note_id"`
	Position     int             `gorm:"not null;default:0" json:"position"`
	Description  string          `gorm:"type:text;not null" json:"description"`
	Quantity     decimal.Decimal `gorm:"type:numeric(12,3);not null" json:"quantity"`
	Unit         string          `gorm:"type:text" json:"unit,omitempty"`
	UnitPrice    decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"unit_price"`
	VATRate      decimal.Decimal `gorm:"type:numeric(5,2);not null" json:"vat_rate"`
	CreatedAt    time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (CreditNoteItem) TableName() string { return "credit_note_items" }

// CreditNoteWithItems bundles a credit note with its mirrored lines.
type CreditNoteWithItems struct {
	CreditNote
	Items []CreditNoteItem `json:"items"`
}

// CreateResult reports a created credit note together with the invoice it
// reverses.
type CreateResult struct {
	CreditNote    CreditNoteWithItems `json:"credit_note"`
	InvoiceNumber string              `json:"invoice_number"`
	AuditWarning  bool                `json:"audit_warning,omitempty"`
}

type ListCreditNoteRequest struct {
	InvoiceID *string
}

type Service interface {
	// CreateFromInvoice reverses an issued invoice. Amounts are recomputed
	// from the invoice's current line items, not copied from its header.
	CreateFromInvoice(ctx context.Context, invoiceID string, reason string) (CreateResult, error)
	Get(ctx context.Context, id string) (CreditNoteWithItems, error)
	List(ctx context.Context, req ListCreditNoteRequest) ([]CreditNote, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidCreditNoteID = errors.New("invalid_credit_note_id")
	ErrCreditNoteNotFound  = errors.New("credit_note_not_found")
	ErrReasonRequired      = errors.New("reason_required")
	ErrInvoiceNotFound     = errors.New("invoice_not_found")
	ErrInvoiceNotIssued    = errors.New("invoice_not_issued")
	ErrIneligibleStatus    = errors.New("ineligible_invoice_status")
	ErrNoItems             = errors.New("no_items")
)
