package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/fiskal/internal/audit/domain"
	auditrepository "github.com/smallbiznis/fiskal/internal/audit/repository"
	auditservice "github.com/smallbiznis/fiskal/internal/audit/service"
	"github.com/smallbiznis/fiskal/internal/clock"
	"github.com/smallbiznis/fiskal/internal/config"
	"github.com/smallbiznis/fiskal/internal/creditnote/domain"
	invoicedomain "github.com/smallbiznis/fiskal/internal/invoice/domain"
	numberingdomain "github.com/smallbiznis/fiskal/internal/numbering/domain"
	numberingservice "github.com/smallbiznis/fiskal/internal/numbering/service"
	"github.com/smallbiznis/fiskal/internal/orgcontext"
	"github.com/smallbiznis/fiskal/pkg/repository"
)

type fixture struct {
	svc   domain.Service
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
	ctx   context.Context
	orgID snowflake.ID
	seq   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceItem{},
		&domain.CreditNote{},
		&domain.CreditNoteItem{},
		&auditdomain.AuditLog{},
		&numberingdomain.DocumentSequence{},
	)
	require.NoError(t, err)

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	logger := zap.NewNop()
	fc := clock.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:        db,
		Log:       logger,
		GenID:     node,
		Clock:     fc,
		Fiscal:    config.NewStaticFiscalConfigHolder(config.DefaultFiscalConfig()),
		Sequences: numberingservice.NewService(numberingservice.Params{Log: logger, Clock: fc}),
		Audit: auditservice.NewService(auditservice.Params{
			DB:    db,
			Log:   logger,
			GenID: node,
			Clock: fc,
			Repo:  auditrepository.Provide(),
		}),
		Metrics:     nil,
		Repo:        repository.ProvideStore[domain.CreditNote](db),
		ItemRepo:    repository.ProvideStore[domain.CreditNoteItem](db),
		InvoiceRepo: repository.ProvideStore[invoicedomain.Invoice](db),
		LineRepo:    repository.ProvideStore[invoicedomain.InvoiceItem](db),
	})

	orgID := node.Generate()
	return &fixture{
		svc:   svc,
		db:    db,
		node:  node,
		clock: fc,
		ctx:   orgcontext.WithOrgID(context.Background(), int64(orgID)),
		orgID: orgID,
	}
}

type seedOpts struct {
	status  invoicedomain.InvoiceStatus
	issued  bool
	noItems bool
}

func (f *fixture) seedInvoice(t *testing.T, opts seedOpts) invoicedomain.Invoice {
	t.Helper()

	now := f.clock.Now()
	f.seq++
	number := fmt.Sprintf("INV-%06d", f.seq)
	invoice := invoicedomain.Invoice{
		ID:          f.node.Generate(),
		OrgID:       f.orgID,
		CustomerID:  f.node.Generate(),
		InvoiceDate: now,
		Status:      opts.status,
		IsIssued:    opts.issued,
		Amount:      decimal.RequireFromString("100.00"),
		VATRate:     decimal.RequireFromString("18.00"),
		VATAmount:   decimal.RequireFromString("18.00"),
		TotalAmount: decimal.RequireFromString("118.00"),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.issued {
		invoice.InvoiceNumber = &number
		invoice.IssuedAt = &now
	}
	require.NoError(t, f.db.Create(&invoice).Error)

	if !opts.noItems {
		item := invoicedomain.InvoiceItem{
			ID:          f.node.Generate(),
			OrgID:       f.orgID,
			InvoiceID:   invoice.ID,
			Description: "Consulting services",
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   decimal.RequireFromString("95.00"),
			VATRate:     decimal.RequireFromString("18.00"),
			CreatedAt:   now,
		}
		require.NoError(t, f.db.Create(&item).Error)
	}
	return invoice
}

func TestCreateFromInvoice_MirrorsItemsAndRecomputesAmounts(t *testing.T) {
	f := newFixture(t)
	invoice := f.seedInvoice(t, seedOpts{status: invoicedomain.InvoiceStatusSent, issued: true})

	result, err := f.svc.CreateFromInvoice(f.ctx, invoice.ID.String(), "billing error")
	require.NoError(t, err)

	note := result.CreditNote
	assert.Equal(t, "CN-000001", note.CreditNoteNumber)
	assert.Equal(t, domain.CreditNoteTypeInvoiceAdjustment, note.Type)
	assert.Equal(t, "billing error", note.Reason)
	assert.Equal(t, "INV-000001", result.InvoiceNumber)

	// 95.00 from the line items, not the 100.00 header value.
	assert.True(t, note.Amount.Equal(decimal.RequireFromString("95.00")), note.Amount.String())
	assert.True(t, note.VATAmount.Equal(decimal.RequireFromString("17.10")), note.VATAmount.String())
	assert.True(t, note.TotalAmount.Equal(decimal.RequireFromString("112.10")), note.TotalAmount.String())

	require.Len(t, note.Items, 1)
	assert.Equal(t, "Consulting services", note.Items[0].Description)
	assert.True(t, note.Items[0].UnitPrice.Equal(decimal.RequireFromString("95.00")))
}

func TestCreateFromInvoice_PreconditionOrder(t *testing.T) {
	f := newFixture(t)

	t.Run("missing invoice", func(t *testing.T) {
		_, err := f.svc.CreateFromInvoice(f.ctx, f.node.Generate().String(), "r")
		assert.ErrorIs(t, err, domain.ErrInvoiceNotFound)
	})

	t.Run("draft invoice", func(t *testing.T) {
		invoice := f.seedInvoice(t, seedOpts{status: invoicedomain.InvoiceStatusDraft})
		_, err := f.svc.CreateFromInvoice(f.ctx, invoice.ID.String(), "r")
		assert.ErrorIs(t, err, domain.ErrInvoiceNotIssued)
	})

	t.Run("paid invoice", func(t *testing.T) {
		invoice := f.seedInvoice(t, seedOpts{status: invoicedomain.InvoiceStatusPaid, issued: true})
		_, err := f.svc.CreateFromInvoice(f.ctx, invoice.ID.String(), "r")
		assert.ErrorIs(t, err, domain.ErrIneligibleStatus)
	})

	t.Run("cancelled invoice", func(t *testing.T) {
		invoice := f.seedInvoice(t, seedOpts{status: invoicedomain.InvoiceStatusCancelled, issued: true})
		_, err := f.svc.CreateFromInvoice(f.ctx, invoice.ID.String(), "r")
		assert.ErrorIs(t, err, domain.ErrIneligibleStatus)
	})

	t.Run("issued without items", func(t *testing.T) {
		invoice := f.seedInvoice(t, seedOpts{status: invoicedomain.InvoiceStatusSent, issued: true, noItems: true})
		_, err := f.svc.CreateFromInvoice(f.ctx, invoice.ID.String(), "r")
		assert.ErrorIs(t, err, domain.ErrNoItems)
	})
}

func TestCreateFromInvoice_OverdueEligible(t *testing.T) {
	f := newFixture(t)
	invoice := f.seedInvoice(t, seedOpts{status: invoicedomain.InvoiceStatusOverdue, issued: true})

	_, err := f.svc.CreateFromInvoice(f.ctx, invoice.ID.String(), "customer dispute")
	assert.NoError(t, err)
}

func TestCreateFromInvoice_ReasonRequired(t *testing.T) {
	f := newFixture(t)
	invoice := f.seedInvoice(t, seedOpts{status: invoicedomain.InvoiceStatusSent, issued: true})

	_, err := f.svc.CreateFromInvoice(f.ctx, invoice.ID.String(), "   ")
	assert.ErrorIs(t, err, domain.ErrReasonRequired)
}

func TestCreateFromInvoice_SequenceIndependentFromInvoices(t *testing.T) {
	f := newFixture(t)

	first := f.seedInvoice(t, seedOpts{status: invoicedomain.InvoiceStatusSent, issued: true})
	one, err := f.svc.CreateFromInvoice(f.ctx, first.ID.String(), "r1")
	require.NoError(t, err)

	second := f.seedInvoice(t, seedOpts{status: invoicedomain.InvoiceStatusSent, issued: true})
	two, err := f.svc.CreateFromInvoice(f.ctx, second.ID.String(), "r2")
	require.NoError(t, err)

	assert.Equal(t, "CN-000001", one.CreditNote.CreditNoteNumber)
	assert.Equal(t, "CN-000002", two.CreditNote.CreditNoteNumber)
}

func TestCreateFromInvoice_AppendsAuditEntry(t *testing.T) {
	f := newFixture(t)
	invoice := f.seedInvoice(t, seedOpts{status: invoicedomain.InvoiceStatusSent, issued: true})

	result, err := f.svc.CreateFromInvoice(f.ctx, invoice.ID.String(), "billing error")
	require.NoError(t, err)
	assert.False(t, result.AuditWarning)

	var entries []auditdomain.AuditLog
	require.NoError(t, f.db.Where("action = ?", "credit_note.created").Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, "credit_note", entries[0].TargetType)
}

func TestGetAndList(t *testing.T) {
	f := newFixture(t)
	invoice := f.seedInvoice(t, seedOpts{status: invoicedomain.InvoiceStatusSent, issued: true})

	created, err := f.svc.CreateFromInvoice(f.ctx, invoice.ID.String(), "r")
	require.NoError(t, err)

	got, err := f.svc.Get(f.ctx, created.CreditNote.ID.String())
	require.NoError(t, err)
	assert.Equal(t, created.CreditNote.CreditNoteNumber, got.CreditNoteNumber)
	assert.Len(t, got.Items, 1)

	invoiceID := invoice.ID.String()
	notes, err := f.svc.List(f.ctx, domain.ListCreditNoteRequest{InvoiceID: &invoiceID})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, created.CreditNote.ID, notes[0].ID)
}

func TestGet_OtherOrgInvisible(t *testing.T) {
	f := newFixture(t)
	invoice := f.seedInvoice(t, seedOpts{status: invoicedomain.InvoiceStatusSent, issued: true})

	created, err := f.svc.CreateFromInvoice(f.ctx, invoice.ID.String(), "r")
	require.NoError(t, err)

	otherCtx := orgcontext.WithOrgID(context.Background(), int64(f.node.Generate()))
	_, err = f.svc.Get(otherCtx, created.CreditNote.ID.String())
	assert.ErrorIs(t, err, domain.ErrCreditNoteNotFound)
}
