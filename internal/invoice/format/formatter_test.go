package format

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatDocumentNumber_PaddedSequence(t *testing.T) {
	issuedAt := time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC)

	out, err := FormatDocumentNumber(DefaultInvoiceNumberTemplate, issuedAt, 42)
	assert.NoError(t, err)
	assert.Equal(t, "INV-000042", out)
}

func TestFormatDocumentNumber_DateTokens(t *testing.T) {
	issuedAt := time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC)

	out, err := FormatDocumentNumber("INV-{YYYY}{MM}{DD}-{SEQ4}", issuedAt, 7)
	assert.NoError(t, err)
	assert.Equal(t, "INV-20260203-0007", out)
}

func TestFormatDocumentNumber_SequenceOverflowsWidth(t *testing.T) {
	out, err := FormatDocumentNumber("CN-{SEQ4}", time.Now(), 123456)
	assert.NoError(t, err)
	assert.Equal(t, "CN-123456", out)
}

func TestFormatDocumentNumber_EmptyTemplate(t *testing.T) {
	_, err := FormatDocumentNumber("", time.Now(), 1)
	assert.Error(t, err)
}

func TestFormatDocumentNumber_InvalidSequence(t *testing.T) {
	_, err := FormatDocumentNumber(DefaultInvoiceNumberTemplate, time.Now(), 0)
	assert.Error(t, err)
}

func TestFormatDocumentNumber_UnresolvedToken(t *testing.T) {
	_, err := FormatDocumentNumber("INV-{BOGUS}-{SEQ}", time.Now(), 1)
	assert.Error(t, err)
}
