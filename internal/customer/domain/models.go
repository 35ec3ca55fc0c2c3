// Package domain contains the customer master data model.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Customer is the billing counterparty an invoice is addressed to.
type Customer struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID        snowflake.ID `gorm:"not null;index" json:"org_id"`
	Name         string       `gorm:"type:text;not null" json:"name"`
	Email        string       `gorm:"type:text" json:"email,omitempty"`
	VATNumber    string       `gorm:"type:text" json:"vat_number,omitempty"`
	AddressLine1 string       `gorm:"type:text" json:"address_line1,omitempty"`
	AddressLine2 string       `gorm:"type:text" json:"address_line2,omitempty"`
	City         string       `gorm:"type:text" json:"city,omitempty"`
	PostalCode   string       `gorm:"type:text" json:"postal_code,omitempty"`
	CountryCode  string       `gorm:"type:text;default:'MT'" json:"country_code"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Customer) TableName() string { return "customers" }

type CreateCustomerRequest struct {
	Name         string `json:"name" binding:"required"`
	Email        string `json:"email"`
	VATNumber    string `json:"vat_number"`
	AddressLine1 string `json:"address_line1"`
	AddressLine2 string `json:"address_line2"`
	City         string `json:"city"`
	PostalCode   string `json:"postal_code"`
	CountryCode  string `json:"country_code"`
}

type UpdateCustomerRequest struct {
	Name         *string `json:"name"`
	Email        *string `json:"email"`
	VATNumber    *string `json:"vat_number"`
	AddressLine1 *string `json:"address_line1"`
	AddressLine2 *string `json:"address_line2"`
	City         *string `json:"city"`
	PostalCode   *string `json:"postal_code"`
	CountryCode  *string `json:"country_code"`
}

type Service interface {
	Create(ctx context.Context, req CreateCustomerRequest) (*Customer, error)
	Get(ctx context.Context, id string) (*Customer, error)
	List(ctx context.Context) ([]*Customer, error)
	Update(ctx context.Context, id string, req UpdateCustomerRequest) (*Customer, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidCustomerID   = errors.New("invalid_customer_id")
	ErrCustomerNotFound    = errors.New("customer_not_found")
	ErrNameRequired        = errors.New("name_required")
)
