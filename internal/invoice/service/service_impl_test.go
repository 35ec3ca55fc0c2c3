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
	customerdomain "github.com/smallbiznis/fiskal/internal/customer/domain"
	"github.com/smallbiznis/fiskal/internal/invoice/domain"
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
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&customerdomain.Customer{},
		&domain.Invoice{},
		&domain.InvoiceItem{},
		&auditdomain.AuditLog{},
		&numberingdomain.DocumentSequence{},
	)
	require.NoError(t, err)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	logger := zap.NewNop()
	fc := clock.NewFakeClock(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))

	sequences := numberingservice.NewService(numberingservice.Params{Log: logger, Clock: fc})
	auditSvc := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   logger,
		GenID: node,
		Clock: fc,
		Repo:  auditrepository.Provide(),
	})

	svc := NewService(Params{
		DB:           db,
		Log:          logger,
		GenID:        node,
		Clock:        fc,
		Fiscal:       config.NewStaticFiscalConfigHolder(config.DefaultFiscalConfig()),
		Sequences:    sequences,
		Audit:        auditSvc,
		Metrics:      nil,
		Repo:         repository.ProvideStore[domain.Invoice](db),
		ItemRepo:     repository.ProvideStore[domain.InvoiceItem](db),
		CustomerRepo: repository.ProvideStore[customerdomain.Customer](db),
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

func (f *fixture) seedCustomer(t *testing.T) customerdomain.Customer {
	t.Helper()
	customer := customerdomain.Customer{
		ID:          f.node.Generate(),
		OrgID:       f.orgID,
		Name:        "Borg Ltd",
		VATNumber:   "MT12345678",
		CountryCode: "MT",
		CreatedAt:   f.clock.Now(),
		UpdatedAt:   f.clock.Now(),
	}
	require.NoError(t, f.db.Create(&customer).Error)
	return customer
}

func (f *fixture) seedDraft(t *testing.T) domain.InvoiceWithItems {
	t.Helper()
	customer := f.seedCustomer(t)

	created, err := f.svc.Create(f.ctx, domain.CreateInvoiceRequest{
		CustomerID: customer.ID.String(),
		Items: []domain.ItemInput{
			{
				Description: "Consulting services",
				Quantity:    decimal.NewFromInt(5),
				Unit:        "hour",
				UnitPrice:   decimal.RequireFromString("100.00"),
			},
		},
	})
	require.NoError(t, err)
	return created
}

func TestCreate_ComputesMaltaVATTotals(t *testing.T) {
	f := newFixture(t)
	created := f.seedDraft(t)

	assert.Equal(t, domain.InvoiceStatusDraft, created.Status)
	assert.False(t, created.IsIssued)
	assert.Nil(t, created.InvoiceNumber)
	assert.True(t, created.Amount.Equal(decimal.RequireFromString("500.00")), created.Amount.String())
	assert.True(t, created.VATRate.Equal(decimal.RequireFromString("18.00")))
	assert.True(t, created.VATAmount.Equal(decimal.RequireFromString("90.00")), created.VATAmount.String())
	assert.True(t, created.TotalAmount.Equal(decimal.RequireFromString("590.00")), created.TotalAmount.String())
	assert.Len(t, created.Items, 1)
}

func TestCreate_UnknownCustomerRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(f.ctx, domain.CreateInvoiceRequest{
		CustomerID: f.node.Generate().String(),
		Items:      []domain.ItemInput{{Description: "x", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(1)}},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidCustomer)
}

func TestIssue_AssignsNumberHashAndFreezes(t *testing.T) {
	f := newFixture(t)
	created := f.seedDraft(t)

	result, err := f.svc.Issue(f.ctx, created.ID.String())
	require.NoError(t, err)

	assert.Equal(t, "INV-000001", result.InvoiceNumber)
	assert.False(t, result.AlreadyIssued)
	assert.False(t, result.AuditWarning)
	require.NotNil(t, result.IssuedAt)
	assert.Equal(t, f.clock.Now(), result.IssuedAt.UTC())

	issued, err := f.svc.Get(f.ctx, created.ID.String())
	require.NoError(t, err)
	assert.True(t, issued.IsIssued)
	assert.Equal(t, domain.InvoiceStatusSent, issued.Status)
	require.NotNil(t, issued.InvoiceHash)
	assert.Regexp(t, "^[0-9a-f]{64}$", *issued.InvoiceHash)
}

func TestIssue_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	created := f.seedDraft(t)

	first, err := f.svc.Issue(f.ctx, created.ID.String())
	require.NoError(t, err)

	second, err := f.svc.Issue(f.ctx, created.ID.String())
	require.NoError(t, err)
	assert.True(t, second.AlreadyIssued)
	assert.Equal(t, first.InvoiceNumber, second.InvoiceNumber)

	var count int64
	require.NoError(t, f.db.Model(&numberingdomain.DocumentSequence{}).
		Where("org_id = ? AND document_class = ?", f.orgID, numberingdomain.DocumentClassInvoice).
		Select("last_value").Scan(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestIssue_EmptyInvoiceRejected(t *testing.T) {
	f := newFixture(t)
	customer := f.seedCustomer(t)

	created, err := f.svc.Create(f.ctx, domain.CreateInvoiceRequest{CustomerID: customer.ID.String()})
	require.NoError(t, err)

	_, err = f.svc.Issue(f.ctx, created.ID.String())
	assert.ErrorIs(t, err, domain.ErrNoItems)
}

func TestIssue_NumbersAreSequentialPerOrg(t *testing.T) {
	f := newFixture(t)
	customer := f.seedCustomer(t)

	var numbers []string
	for i := 0; i < 3; i++ {
		created, err := f.svc.Create(f.ctx, domain.CreateInvoiceRequest{
			CustomerID: customer.ID.String(),
			Items:      []domain.ItemInput{{Description: "line", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(10)}},
		})
		require.NoError(t, err)
		result, err := f.svc.Issue(f.ctx, created.ID.String())
		require.NoError(t, err)
		numbers = append(numbers, result.InvoiceNumber)
	}

	assert.Equal(t, []string{"INV-000001", "INV-000002", "INV-000003"}, numbers)
}

func TestCanEdit_DraftEditableIssuedLocked(t *testing.T) {
	f := newFixture(t)
	created := f.seedDraft(t)

	editable, err := f.svc.CanEdit(f.ctx, created.ID.String())
	require.NoError(t, err)
	assert.True(t, editable.CanEdit)

	_, err = f.svc.Issue(f.ctx, created.ID.String())
	require.NoError(t, err)

	locked, err := f.svc.CanEdit(f.ctx, created.ID.String())
	require.NoError(t, err)
	assert.False(t, locked.CanEdit)
	assert.Contains(t, locked.Reason, "INV-000001")
	assert.Contains(t, locked.Reason, "credit note")
}

func TestUpdateDraft_LockedAfterIssue(t *testing.T) {
	f := newFixture(t)
	created := f.seedDraft(t)

	_, err := f.svc.Issue(f.ctx, created.ID.String())
	require.NoError(t, err)

	notes := "late change"
	_, err = f.svc.UpdateDraft(f.ctx, created.ID.String(), domain.UpdateDraftRequest{Notes: &notes})
	assert.ErrorIs(t, err, domain.ErrInvoiceLocked)
}

func TestUpdateDraft_IssuanceMidFlightRollsBackItems(t *testing.T) {
	f := newFixture(t)
	created := f.seedDraft(t)

	// Flip the fiscal flag the moment the update transaction touches the
	// line items, as a concurrent issuer committing mid-flight would.
	err := f.db.Callback().Delete().Before("gorm:delete").Register("issue_mid_flight", func(d *gorm.DB) {
		if d.Statement.Schema == nil || d.Statement.Schema.Table != "invoice_items" {
			return
		}
		d.Session(&gorm.Session{NewDB: true}).Exec(
			"UPDATE invoices SET is_issued = ?, status = ? WHERE id = ?",
			true, domain.InvoiceStatusSent, created.ID,
		)
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.db.Callback().Delete().Remove("issue_mid_flight"))
	}()

	_, err = f.svc.UpdateDraft(f.ctx, created.ID.String(), domain.UpdateDraftRequest{
		Items: []domain.ItemInput{
			{Description: "tampered line", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.RequireFromString("1.00")},
		},
	})
	require.ErrorIs(t, err, domain.ErrInvoiceLocked)

	var items []domain.InvoiceItem
	require.NoError(t, f.db.Where("invoice_id = ?", created.ID).Order("position").Find(&items).Error)
	require.Len(t, items, 1)
	assert.Equal(t, "Consulting services", items[0].Description)
}

func TestUpdateDraft_RecomputesTotals(t *testing.T) {
	f := newFixture(t)
	created := f.seedDraft(t)

	updated, err := f.svc.UpdateDraft(f.ctx, created.ID.String(), domain.UpdateDraftRequest{
		Items: []domain.ItemInput{
			{Description: "Consulting services", Quantity: decimal.NewFromInt(2), UnitPrice: decimal.RequireFromString("100.00")},
			{Description: "Travel", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.RequireFromString("50.00")},
		},
	})
	require.NoError(t, err)

	assert.True(t, updated.Amount.Equal(decimal.RequireFromString("250.00")), updated.Amount.String())
	assert.True(t, updated.TotalAmount.Equal(decimal.RequireFromString("295.00")), updated.TotalAmount.String())
	assert.Len(t, updated.Items, 2)
}

func TestUpdateStatus_IssuedNeverReturnsToDraft(t *testing.T) {
	f := newFixture(t)
	created := f.seedDraft(t)

	_, err := f.svc.Issue(f.ctx, created.ID.String())
	require.NoError(t, err)

	err = f.svc.UpdateStatus(f.ctx, created.ID.String(), domain.InvoiceStatusDraft)
	assert.ErrorIs(t, err, domain.ErrInvoiceLocked)

	require.NoError(t, f.svc.UpdateStatus(f.ctx, created.ID.String(), domain.InvoiceStatusPaid))

	got, err := f.svc.Get(f.ctx, created.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, got.Status)
	assert.True(t, got.IsIssued)
}

func TestUpdateStatus_UnissuedCannotBeSent(t *testing.T) {
	f := newFixture(t)
	created := f.seedDraft(t)

	err := f.svc.UpdateStatus(f.ctx, created.ID.String(), domain.InvoiceStatusSent)
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestVerifyIntegrity_ValidAfterIssue(t *testing.T) {
	f := newFixture(t)
	created := f.seedDraft(t)

	_, err := f.svc.Issue(f.ctx, created.ID.String())
	require.NoError(t, err)

	result, err := f.svc.VerifyIntegrity(f.ctx, created.ID.String())
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, result.StoredHash, result.CalculatedHash)
}

func TestVerifyIntegrity_DetectsTampering(t *testing.T) {
	f := newFixture(t)
	created := f.seedDraft(t)

	_, err := f.svc.Issue(f.ctx, created.ID.String())
	require.NoError(t, err)

	// Simulate direct database manipulation behind the service's back.
	require.NoError(t, f.db.Model(&domain.Invoice{}).
		Where("id = ?", created.ID).
		Update("total_amount", decimal.RequireFromString("1.00")).Error)

	result, err := f.svc.VerifyIntegrity(f.ctx, created.ID.String())
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.NotEqual(t, result.StoredHash, result.CalculatedHash)
}

func TestVerifyIntegrity_UnissuedInvoice(t *testing.T) {
	f := newFixture(t)
	created := f.seedDraft(t)

	result, err := f.svc.VerifyIntegrity(f.ctx, created.ID.String())
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Empty(t, result.StoredHash)
	assert.NotEmpty(t, result.CalculatedHash)
}

func TestIssue_HashCoversItemsCommittedAtIssuance(t *testing.T) {
	f := newFixture(t)
	created := f.seedDraft(t)

	// Amend a line just before the issuing transaction reaches the invoice
	// row, as a draft edit committing between the issuer's read and its
	// transaction would.
	var amended bool
	err := f.db.Callback().Update().Before("gorm:update").Register("edit_mid_flight", func(d *gorm.DB) {
		if amended || d.Statement.Schema == nil || d.Statement.Schema.Table != "invoices" {
			return
		}
		amended = true
		d.Session(&gorm.Session{NewDB: true}).Exec(
			"UPDATE invoice_items SET description = ? WHERE invoice_id = ?",
			"Amended consulting", created.ID,
		)
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.db.Callback().Update().Remove("edit_mid_flight"))
	}()

	_, err = f.svc.Issue(f.ctx, created.ID.String())
	require.NoError(t, err)

	result, err := f.svc.VerifyIntegrity(f.ctx, created.ID.String())
	require.NoError(t, err)
	assert.True(t, result.IsValid, result.Reason)
}

func TestAuditTrail_RecordsLifecycleInOrder(t *testing.T) {
	f := newFixture(t)
	created := f.seedDraft(t)

	f.clock.Advance(time.Minute)
	_, err := f.svc.Issue(f.ctx, created.ID.String())
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.svc.UpdateStatus(f.ctx, created.ID.String(), domain.InvoiceStatusPaid))

	trail, err := f.svc.AuditTrail(f.ctx, created.ID.String())
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, "invoice.created", trail[0].Action)
	assert.Equal(t, "invoice.issued", trail[1].Action)
	assert.Equal(t, "invoice.status_changed", trail[2].Action)

	issued := trail[1].Metadata
	assert.Equal(t, "INV-000001", issued["invoice_number"])
	assert.Equal(t, created.CustomerID.String(), issued["customer_id"])
	assert.Equal(t, "590.00", issued["total_amount"])
	assert.NotEmpty(t, issued["issued_at"])
}

func TestGet_OtherOrgInvisible(t *testing.T) {
	f := newFixture(t)
	created := f.seedDraft(t)

	otherCtx := orgcontext.WithOrgID(context.Background(), int64(f.node.Generate()))
	_, err := f.svc.Get(otherCtx, created.ID.String())
	assert.ErrorIs(t, err, domain.ErrInvoiceNotFound)
}

func TestIssue_MissingOrgRejected(t *testing.T) {
	f := newFixture(t)
	created := f.seedDraft(t)

	_, err := f.svc.Issue(context.Background(), created.ID.String())
	assert.ErrorIs(t, err, domain.ErrInvalidOrganization)
}
