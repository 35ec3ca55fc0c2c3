// Package domain contains the per-tenant document sequence model.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// DocumentClass identifies an independent numbering sequence. Invoices and
// credit notes never share numbers.
type DocumentClass string

const (
	DocumentClassInvoice    DocumentClass = "invoice"
	DocumentClassCreditNote DocumentClass = "credit_note"
)

// DocumentSequence is the atomic per-(org, class) counter backing document
// numbers. last_value only ever increases; rollback of the surrounding
// transaction is the sole way a value goes unused, which keeps sequences
// gap-tolerant but never reused.
type DocumentSequence struct {
	OrgID         snowflake.ID  `gorm:"primaryKey"`
	DocumentClass DocumentClass `gorm:"primaryKey;type:text"`
	LastValue     int64         `gorm:"not null;default:0"`
	UpdatedAt     time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (DocumentSequence) TableName() string { return "document_sequences" }

// Service issues unique, monotonically increasing sequence values.
type Service interface {
	// Next increments and returns the sequence inside the caller's
	// transaction, so an aborted document write releases the value.
	Next(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, class DocumentClass) (int64, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidClass        = errors.New("invalid_document_class")
)
