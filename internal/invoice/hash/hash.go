// Package hash derives the tamper-evident fingerprint stored on issued
// invoices. The payload is built exclusively from persisted invoice fields,
// so recomputing it against the stored row at any later time yields the same
// digest unless the row was altered.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/smallbiznis/fiskal/internal/invoice/domain"
)

const fieldSeparator = "|"

// Canonical renders the deterministic serialization of an issued invoice.
// Field order and formatting are fixed: changing either invalidates every
// previously stored hash.
func Canonical(inv *domain.Invoice, items []domain.InvoiceItem) string {
	var b strings.Builder

	number := ""
	if inv.InvoiceNumber != nil {
		number = *inv.InvoiceNumber
	}

	b.WriteString(number)
	b.WriteString(fieldSeparator)
	b.WriteString(inv.InvoiceDate.UTC().Format("2006-01-02"))
	b.WriteString(fieldSeparator)
	b.WriteString(inv.CustomerID.String())
	b.WriteString(fieldSeparator)
	b.WriteString(inv.Amount.StringFixed(2))
	b.WriteString(fieldSeparator)
	b.WriteString(inv.VATRate.StringFixed(2))
	b.WriteString(fieldSeparator)
	b.WriteString(inv.TotalAmount.StringFixed(2))

	for _, item := range items {
		b.WriteString(fieldSeparator)
		b.WriteString(item.Description)
		b.WriteString(fieldSeparator)
		b.WriteString(item.Quantity.StringFixed(3))
		b.WriteString(fieldSeparator)
		b.WriteString(item.UnitPrice.StringFixed(2))
		b.WriteString(fieldSeparator)
		b.WriteString(item.VATRate.StringFixed(2))
	}

	return b.String()
}

// Compute returns the lowercase hex SHA-256 digest of the canonical payload.
func Compute(inv *domain.Invoice, items []domain.InvoiceItem) string {
	sum := sha256.Sum256([]byte(Canonical(inv, items)))
	return hex.EncodeToString(sum[:])
}
