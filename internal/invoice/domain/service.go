package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/fiskal/internal/audit/domain"
)

type ItemInput struct {
	Description string           `json:"description" binding:"required"`
	Quantity    decimal.Decimal  `json:"quantity" binding:"required"`
	Unit        string           `json:"unit"`
	UnitPrice   decimal.Decimal  `json:"unit_price" binding:"required"`
	VATRate     *decimal.Decimal `json:"vat_rate"`
}

type CreateInvoiceRequest struct {
	CustomerID  string           `json:"customer_id" binding:"required"`
	InvoiceDate *time.Time       `json:"invoice_date"`
	DueDate     *time.Time       `json:"due_date"`
	VATRate     *decimal.Decimal `json:"vat_rate"`
	Notes       string           `json:"notes"`
	Items       []ItemInput      `json:"items"`
}

type UpdateDraftRequest struct {
	CustomerID  *string          `json:"customer_id"`
	InvoiceDate *time.Time       `json:"invoice_date"`
	DueDate     *time.Time       `json:"due_date"`
	VATRate     *decimal.Decimal `json:"vat_rate"`
	Notes       *string          `json:"notes"`
	Items       []ItemInput      `json:"items"`
}

type ListInvoiceRequest struct {
	Status      *InvoiceStatus
	CustomerID  *string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

type ListInvoiceResponse struct {
	Invoices []Invoice `json:"invoices"`
}

// InvoiceWithItems bundles a header with its line items in stored order.
type InvoiceWithItems struct {
	Invoice
	Items []InvoiceItem `json:"items"`
}

// IssueResult reports the outcome of an issuance attempt. AlreadyIssued is
// informational, not an error: the invoice was fiscally frozen before the
// call and nothing changed.
type IssueResult struct {
	InvoiceNumber string     `json:"invoice_number"`
	IssuedAt      *time.Time `json:"issued_at,omitempty"`
	AlreadyIssued bool       `json:"already_issued"`
	AuditWarning  bool       `json:"audit_warning,omitempty"`
}

// CanEditResult is the single immutability decision for header and item
// mutations.
type CanEditResult struct {
	CanEdit bool   `json:"can_edit"`
	Reason  string `json:"reason,omitempty"`
}

// VerifyResult compares the stored fiscal hash against one recomputed from
// the current row contents.
type VerifyResult struct {
	IsValid        bool   `json:"is_valid"`
	StoredHash     string `json:"stored_hash,omitempty"`
	CalculatedHash string `json:"calculated_hash"`
	Reason         string `json:"reason,omitempty"`
}

type Service interface {
	Create(ctx context.Context, req CreateInvoiceRequest) (InvoiceWithItems, error)
	Get(ctx context.Context, id string) (InvoiceWithItems, error)
	List(ctx context.Context, req ListInvoiceRequest) (ListInvoiceResponse, error)
	UpdateDraft(ctx context.Context, id string, req UpdateDraftRequest) (InvoiceWithItems, error)
	UpdateStatus(ctx context.Context, id string, status InvoiceStatus) error

	Issue(ctx context.Context, id string) (IssueResult, error)
	CanEdit(ctx context.Context, id string) (CanEditResult, error)
	VerifyIntegrity(ctx context.Context, id string) (VerifyResult, error)
	AuditTrail(ctx context.Context, id string) ([]*auditdomain.AuditLog, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidInvoiceID    = errors.New("invalid_invoice_id")
	ErrInvoiceNotFound     = errors.New("invoice_not_found")
	ErrInvoiceLocked       = errors.New("invoice_locked")
	ErrInvalidStatus       = errors.New("invalid_status")
	ErrInvalidCustomer     = errors.New("invalid_customer")
	ErrNoItems             = errors.New("no_items")
)
