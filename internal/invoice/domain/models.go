// Package domain contains persistence models for the invoice lifecycle.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// InvoiceStatus represents the commercial lifecycle of an invoice. It is
// orthogonal to the fiscal flag: an issued invoice may still move from
// sent to paid or overdue, but its financial content is frozen.
type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "draft"
	InvoiceStatusSent      InvoiceStatus = "sent"
	InvoiceStatusPaid      InvoiceStatus = "paid"
	InvoiceStatusOverdue   InvoiceStatus = "overdue"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

// Valid reports whether s is a known status value.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceStatusDraft, InvoiceStatusSent, InvoiceStatusPaid,
		InvoiceStatusOverdue, InvoiceStatusCancelled:
		return true
	}
	return false
}

// Invoice represents a customer invoice. Once IsIssued is set the number,
// all financial fields and the line items are immutable; only Status may
// still transition.
type Invoice struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	OrgID         snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_invoices_org_number" json:"org_id"`
	CustomerID    snowflake.ID    `gorm:"not null;index" json:"customer_id"`
	InvoiceNumber *string         `gorm:"type:text;uniqueIndex:ux_invoices_org_number" json:"invoice_number"`
	InvoiceDate   time.Time       `gorm:"not null" json:"invoice_date"`
	DueDate       *time.Time      `gorm:"" json:"due_date,omitempty"`
	Status        InvoiceStatus   `gorm:"type:text;not null;default:'draft'" json:"status"`
	IsIssued      bool            `gorm:"not null;default:false" json:"is_issued"`
	IssuedAt      *time.Time      `gorm:"" json:"issued_at,omitempty"`
	InvoiceHash   *string         `gorm:"type:text" json:"invoice_hash,omitempty"`
	Amount        decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	VATRate       decimal.Decimal `gorm:"type:numeric(5,2);not null" json:"vat_rate"`
	VATAmount     decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"vat_amount"`
	TotalAmount   decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"total_amount"`
	Notes         string          `gorm:"type:text" json:"notes,omitempty"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// InvoiceItem represents a line on an invoice. Items of an issued invoice
// are frozen together with the header.
type InvoiceItem struct {
	ID          snowflake.ID    `gorm:"primaryKey" json:"id"`
	OrgID       snowflake.ID    `gorm:"not null;index" json:"org_id"`
	InvoiceID   snowflake.ID    `gorm:"not null;index" json:"invoice_id"`
	Position    int             `gorm:"not null;default:0" json:"position"`
	Description string          `gorm:"type:text;not null" json:"description"`
	Quantity    decimal.Decimal `gorm:"type:numeric(12,3);not null" json:"quantity"`
	Unit        string          `gorm:"type:text" json:"unit,omitempty"`
	UnitPrice   decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"unit_price"`
	VATRate     decimal.Decimal `gorm:"type:numeric(5,2);not null" json:"vat_rate"`
	CreatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (InvoiceItem) TableName() string { return "invoice_items" }

// NetTotal sums quantity times unit price over items in stored order.
func NetTotal(items []InvoiceItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Quantity.Mul(item.UnitPrice))
	}
	return total.Round(2)
}
