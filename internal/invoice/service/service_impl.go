// Package service implements the invoice lifecycle: draft CRUD, fiscal
// issuance, immutability enforcement and integrity verification.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/fiskal/internal/audit/domain"
	"github.com/smallbiznis/fiskal/internal/clock"
	"github.com/smallbiznis/fiskal/internal/config"
	customerdomain "github.com/smallbiznis/fiskal/internal/customer/domain"
	"github.com/smallbiznis/fiskal/internal/invoice/domain"
	"github.com/smallbiznis/fiskal/internal/invoice/format"
	invoicehash "github.com/smallbiznis/fiskal/internal/invoice/hash"
	"github.com/smallbiznis/fiskal/internal/locks"
	numberingdomain "github.com/smallbiznis/fiskal/internal/numbering/domain"
	"github.com/smallbiznis/fiskal/internal/observability/metrics"
	"github.com/smallbiznis/fiskal/internal/orgcontext"
	"github.com/smallbiznis/fiskal/pkg/db"
	"github.com/smallbiznis/fiskal/pkg/db/option"
	"github.com/smallbiznis/fiskal/pkg/repository"
)

// numberRetryLimit bounds the deterministic suffix fallback when a document
// number collides with an existing row.
const numberRetryLimit = 3

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Fiscal       *config.FiscalConfigHolder
	Sequences    numberingdomain.Service
	Audit        auditdomain.Service
	Metrics      *metrics.Metrics
	Locker       *locks.Locker `optional:"true"`
	Repo         repository.Repository[domain.Invoice]
	ItemRepo     repository.Repository[domain.InvoiceItem]
	CustomerRepo repository.Repository[customerdomain.Customer]
}

type invoiceService struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	fiscal       *config.FiscalConfigHolder
	sequences    numberingdomain.Service
	audit        auditdomain.Service
	metrics      *metrics.Metrics
	locker       *locks.Locker
	repo         repository.Repository[domain.Invoice]
	itemRepo     repository.Repository[domain.InvoiceItem]
	customerRepo repository.Repository[customerdomain.Customer]
}

// NewService constructs the invoice lifecycle service.
func NewService(p Params) domain.Service {
	return &invoiceService{
		db:           p.DB,
		log:          p.Log.Named("invoice"),
		genID:        p.GenID,
		clock:        p.Clock,
		fiscal:       p.Fiscal,
		sequences:    p.Sequences,
		audit:        p.Audit,
		metrics:      p.Metrics,
		locker:       p.Locker,
		repo:         p.Repo,
		itemRepo:     p.ItemRepo,
		customerRepo: p.CustomerRepo,
	}
}

func (s *invoiceService) Create(ctx context.Context, req domain.CreateInvoiceRequest) (domain.InvoiceWithItems, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.InvoiceWithItems{}, domain.ErrInvalidOrganization
	}

	customerID, err := snowflake.ParseString(req.CustomerID)
	if err != nil {
		return domain.InvoiceWithItems{}, domain.ErrInvalidCustomer
	}
	customer, err := s.customerRepo.FindOne(ctx, &customerdomain.Customer{ID: customerID, OrgID: orgID})
	if err != nil {
		return domain.InvoiceWithItems{}, err
	}
	if customer == nil {
		return domain.InvoiceWithItems{}, domain.ErrInvalidCustomer
	}

	fiscal := s.fiscal.Current()
	now := s.clock.Now()

	invoiceDate := now
	if req.InvoiceDate != nil {
		invoiceDate = req.InvoiceDate.UTC()
	}
	dueDate := req.DueDate
	if dueDate == nil {
		d := invoiceDate.AddDate(0, 0, fiscal.PaymentTermDays)
		dueDate = &d
	}
	headerRate := fiscal.VATRate()
	if req.VATRate != nil {
		headerRate = *req.VATRate
	}

	invoice := &domain.Invoice{
		ID:          s.genID.Generate(),
		OrgID:       orgID,
		CustomerID:  customerID,
		InvoiceDate: invoiceDate,
		DueDate:     dueDate,
		Status:      domain.InvoiceStatusDraft,
		VATRate:     headerRate,
		Notes:       req.Notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	items := s.buildItems(invoice, req.Items, headerRate, now)
	applyTotals(invoice, items)

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.WithTrx(tx).Create(ctx, invoice); err != nil {
			return err
		}
		for i := range items {
			if err := s.itemRepo.WithTrx(tx).Create(ctx, &items[i]); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		s.log.Error("failed to create invoice", zap.Error(err))
		return domain.InvoiceWithItems{}, err
	}

	s.emitAudit(ctx, orgID, "invoice.created", invoice.ID.String(), map[string]any{
		"customer_id":  customerID.String(),
		"total_amount": invoice.TotalAmount.StringFixed(2),
	})

	return domain.InvoiceWithItems{Invoice: *invoice, Items: items}, nil
}

func (s *invoiceService) Get(ctx context.Context, id string) (domain.InvoiceWithItems, error) {
	invoice, items, err := s.load(ctx, id)
	if err != nil {
		return domain.InvoiceWithItems{}, err
	}
	return domain.InvoiceWithItems{Invoice: *invoice, Items: items}, nil
}

func (s *invoiceService) List(ctx context.Context, req domain.ListInvoiceRequest) (domain.ListInvoiceResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.ListInvoiceResponse{}, domain.ErrInvalidOrganization
	}

	query := &domain.Invoice{OrgID: orgID}
	if req.Status != nil {
		if !req.Status.Valid() {
			return domain.ListInvoiceResponse{}, domain.ErrInvalidStatus
		}
		query.Status = *req.Status
	}
	if req.CustomerID != nil {
		customerID, err := snowflake.ParseString(*req.CustomerID)
		if err != nil {
			return domain.ListInvoiceResponse{}, domain.ErrInvalidCustomer
		}
		query.CustomerID = customerID
	}

	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{Field: "created_at", Desc: true, Allow: map[string]bool{"created_at": true}}),
	}
	if req.CreatedFrom != nil {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.GTE, Value: *req.CreatedFrom}))
	}
	if req.CreatedTo != nil {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.LTE, Value: *req.CreatedTo}))
	}

	rows, err := s.repo.Find(ctx, query, opts...)
	if err != nil {
		return domain.ListInvoiceResponse{}, err
	}

	resp := domain.ListInvoiceResponse{Invoices: make([]domain.Invoice, 0, len(rows))}
	for _, row := range rows {
		resp.Invoices = append(resp.Invoices, *row)
	}
	return resp, nil
}

func (s *invoiceService) UpdateDraft(ctx context.Context, id string, req domain.UpdateDraftRequest) (domain.InvoiceWithItems, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.InvoiceWithItems{}, domain.ErrInvalidOrganization
	}

	invoice, items, err := s.load(ctx, id)
	if err != nil {
		return domain.InvoiceWithItems{}, err
	}

	decision := editDecision(invoice)
	if !decision.CanEdit {
		return domain.InvoiceWithItems{}, domain.ErrInvoiceLocked
	}

	if req.CustomerID != nil {
		customerID, err := snowflake.ParseString(*req.CustomerID)
		if err != nil {
			return domain.InvoiceWithItems{}, domain.ErrInvalidCustomer
		}
		customer, err := s.customerRepo.FindOne(ctx, &customerdomain.Customer{ID: customerID, OrgID: orgID})
		if err != nil {
			return domain.InvoiceWithItems{}, err
		}
		if customer == nil {
			return domain.InvoiceWithItems{}, domain.ErrInvalidCustomer
		}
		invoice.CustomerID = customerID
	}
	if req.InvoiceDate != nil {
		invoice.InvoiceDate = req.InvoiceDate.UTC()
	}
	if req.DueDate != nil {
		invoice.DueDate = req.DueDate
	}
	if req.VATRate != nil {
		invoice.VATRate = *req.VATRate
	}
	if req.Notes != nil {
		invoice.Notes = *req.Notes
	}

	now := s.clock.Now()
	invoice.UpdatedAt = now

	replaceItems := req.Items != nil
	if replaceItems {
		items = s.buildItems(invoice, req.Items, invoice.VATRate, now)
	}
	applyTotals(invoice, items)

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if replaceItems {
			if err := tx.Where("invoice_id = ?", invoice.ID).Delete(&domain.InvoiceItem{}).Error; err != nil {
				return err
			}
			for i := range items {
				if err := s.itemRepo.WithTrx(tx).Create(ctx, &items[i]); err != nil {
					return err
				}
			}
		}
		res := tx.Model(&domain.Invoice{}).
			Where("id = ? AND org_id = ? AND is_issued = ?", invoice.ID, orgID, false).
			Select("customer_id", "invoice_date", "due_date", "vat_rate", "notes", "amount", "vat_amount", "total_amount", "updated_at").
			Updates(invoice)
		if res.Error != nil {
			return res.Error
		}
		// A concurrent issuance between load and this transaction leaves the
		// guarded update matching zero rows; roll back the item replacement
		// so issued line items stay frozen.
		if res.RowsAffected == 0 {
			return domain.ErrInvoiceLocked
		}
		return nil
	}); err != nil {
		if errors.Is(err, domain.ErrInvoiceLocked) {
			return domain.InvoiceWithItems{}, err
		}
		s.log.Error("failed to update draft invoice", zap.Error(err))
		return domain.InvoiceWithItems{}, err
	}

	s.emitAudit(ctx, orgID, "invoice.updated", invoice.ID.String(), map[string]any{
		"total_amount": invoice.TotalAmount.StringFixed(2),
	})

	return domain.InvoiceWithItems{Invoice: *invoice, Items: items}, nil
}

func (s *invoiceService) UpdateStatus(ctx context.Context, id string, status domain.InvoiceStatus) error {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.ErrInvalidOrganization
	}
	if !status.Valid() {
		return domain.ErrInvalidStatus
	}

	invoice, _, err := s.load(ctx, id)
	if err != nil {
		return err
	}

	// Issued invoices never return to draft; unissued invoices only move
	// between draft and cancelled, issuance owns the transition to sent.
	if invoice.IsIssued && status == domain.InvoiceStatusDraft {
		return domain.ErrInvoiceLocked
	}
	if !invoice.IsIssued && status != domain.InvoiceStatusDraft && status != domain.InvoiceStatusCancelled {
		return domain.ErrInvalidStatus
	}

	previous := invoice.Status
	if previous == status {
		return nil
	}

	err = s.db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("id = ? AND org_id = ?", invoice.ID, orgID).
		Updates(map[string]any{
			"status":     status,
			"updated_at": s.clock.Now(),
		}).Error
	if err != nil {
		s.log.Error("failed to update invoice status", zap.Error(err))
		return err
	}

	s.emitAudit(ctx, orgID, "invoice.status_changed", invoice.ID.String(), map[string]any{
		"from": string(previous),
		"to":   string(status),
	})

	return nil
}

// Issue freezes an invoice: number assignment, hashing and the fiscal flag
// happen in one transaction, guarded so concurrent issuers cannot both win.
func (s *invoiceService) Issue(ctx context.Context, id string) (domain.IssueResult, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.IssueResult{}, domain.ErrInvalidOrganization
	}

	invoice, items, err := s.load(ctx, id)
	if err != nil {
		return domain.IssueResult{}, err
	}
	if invoice.IsIssued {
		s.metrics.RecordInvoiceIssued("already_issued")
		return domain.IssueResult{
			InvoiceNumber: derefString(invoice.InvoiceNumber),
			IssuedAt:      invoice.IssuedAt,
			AlreadyIssued: true,
		}, nil
	}
	if len(items) == 0 {
		s.metrics.RecordInvoiceIssued("rejected")
		return domain.IssueResult{}, domain.ErrNoItems
	}

	// Advisory lock keeps concurrent replicas from burning transactions on
	// the same invoice; the conditional UPDATE below remains the real guard.
	lockKey := locks.IssueKey(orgID, invoice.ID)
	token, acquired, lockErr := s.locker.TryLock(ctx, lockKey, 10*time.Second)
	if lockErr != nil {
		s.log.Warn("issuance lock unavailable, proceeding unguarded", zap.Error(lockErr))
	}
	if acquired && token != "" {
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
				s.log.Warn("failed to release issuance lock", zap.Error(err))
			}
		}()
	}
	if lockErr == nil && !acquired {
		current, _, err := s.load(ctx, id)
		if err != nil {
			return domain.IssueResult{}, err
		}
		if current.IsIssued {
			s.metrics.RecordInvoiceIssued("already_issued")
			return domain.IssueResult{
				InvoiceNumber: derefString(current.InvoiceNumber),
				IssuedAt:      current.IssuedAt,
				AlreadyIssued: true,
			}, nil
		}
	}

	issuedAt := s.clock.Now()
	template := s.fiscal.Current().InvoiceNumberFormat

	var (
		number         string
		raced          bool
		frozenCustomer snowflake.ID
		frozenTotal    decimal.Decimal
	)
	err = s.withNumberRetry(func(attempt int) error {
		raced = false
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			seq, err := s.sequences.Next(ctx, tx, orgID, numberingdomain.DocumentClassInvoice)
			if err != nil {
				return err
			}
			number, err = format.FormatDocumentNumber(template, issuedAt, seq)
			if err != nil {
				return err
			}
			if attempt > 0 {
				number = fmt.Sprintf("%s-R%d", number, attempt)
			}

			res := tx.Model(&domain.Invoice{}).
				Where("id = ? AND org_id = ? AND is_issued = ?", invoice.ID, orgID, false).
				Updates(map[string]any{
					"invoice_number": number,
					"is_issued":      true,
					"issued_at":      issuedAt,
					"status":         domain.InvoiceStatusSent,
					"updated_at":     issuedAt,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				raced = true
				return nil
			}

			// The guarded update above holds the row lock for the rest of the
			// transaction, so the state read here is the state the hash
			// freezes. A draft edit committed after the pre-transaction load
			// is picked up; one still in flight blocks on the lock and rolls
			// back when its own guard matches zero rows.
			frozen, err := s.repo.WithTrx(tx).FindOne(ctx, &domain.Invoice{ID: invoice.ID, OrgID: orgID})
			if err != nil {
				return err
			}
			if frozen == nil {
				return domain.ErrInvoiceNotFound
			}
			rows, err := s.itemRepo.WithTrx(tx).Find(ctx, &domain.InvoiceItem{InvoiceID: invoice.ID},
				option.WithSortBy(option.QuerySortBy{Field: "position", Allow: map[string]bool{"position": true}}),
			)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				return domain.ErrNoItems
			}
			frozenItems := make([]domain.InvoiceItem, 0, len(rows))
			for _, row := range rows {
				frozenItems = append(frozenItems, *row)
			}
			hash := invoicehash.Compute(frozen, frozenItems)
			frozenCustomer = frozen.CustomerID
			frozenTotal = frozen.TotalAmount

			return tx.Model(&domain.Invoice{}).
				Where("id = ? AND org_id = ?", invoice.ID, orgID).
				Update("invoice_hash", hash).Error
		})
	}, orgID, invoice.ID)
	if err != nil {
		s.metrics.RecordInvoiceIssued("error")
		return domain.IssueResult{}, err
	}

	if raced {
		// Another issuer committed first; report its outcome.
		current, _, err := s.load(ctx, id)
		if err != nil {
			return domain.IssueResult{}, err
		}
		s.metrics.RecordInvoiceIssued("already_issued")
		return domain.IssueResult{
			InvoiceNumber: derefString(current.InvoiceNumber),
			IssuedAt:      current.IssuedAt,
			AlreadyIssued: true,
		}, nil
	}

	s.metrics.RecordInvoiceIssued("issued")
	s.log.Info("invoice issued",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("invoice_number", number),
	)

	warning := !s.emitAudit(ctx, orgID, "invoice.issued", invoice.ID.String(), map[string]any{
		"invoice_number": number,
		"customer_id":    frozenCustomer.String(),
		"total_amount":   frozenTotal.StringFixed(2),
		"issued_at":      issuedAt.UTC().Format(time.RFC3339),
	})

	return domain.IssueResult{
		InvoiceNumber: number,
		IssuedAt:      &issuedAt,
		AuditWarning:  warning,
	}, nil
}

func (s *invoiceService) CanEdit(ctx context.Context, id string) (domain.CanEditResult, error) {
	invoice, _, err := s.load(ctx, id)
	if err != nil {
		return domain.CanEditResult{}, err
	}
	return editDecision(invoice), nil
}

func (s *invoiceService) VerifyIntegrity(ctx context.Context, id string) (domain.VerifyResult, error) {
	invoice, items, err := s.load(ctx, id)
	if err != nil {
		return domain.VerifyResult{}, err
	}

	calculated := invoicehash.Compute(invoice, items)

	if !invoice.IsIssued || invoice.InvoiceHash == nil {
		s.metrics.RecordIntegrityCheck("not_issued")
		return domain.VerifyResult{
			IsValid:        false,
			CalculatedHash: calculated,
			Reason:         "invoice has not been issued",
		}, nil
	}

	stored := *invoice.InvoiceHash
	if stored != calculated {
		s.metrics.RecordIntegrityCheck("mismatch")
		s.log.Warn("invoice integrity check failed",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("invoice_number", derefString(invoice.InvoiceNumber)),
			zap.String("stored_hash", stored),
			zap.String("calculated_hash", calculated),
		)
		return domain.VerifyResult{
			IsValid:        false,
			StoredHash:     stored,
			CalculatedHash: calculated,
			Reason:         "stored hash does not match invoice contents",
		}, nil
	}

	s.metrics.RecordIntegrityCheck("valid")
	return domain.VerifyResult{
		IsValid:        true,
		StoredHash:     stored,
		CalculatedHash: calculated,
	}, nil
}

func (s *invoiceService) AuditTrail(ctx context.Context, id string) ([]*auditdomain.AuditLog, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, domain.ErrInvalidOrganization
	}

	invoice, _, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	return s.audit.Trail(ctx, orgID, "invoice", invoice.ID.String())
}

// load fetches the invoice scoped to the caller's org and its items in
// stored order.
func (s *invoiceService) load(ctx context.Context, id string) (*domain.Invoice, []domain.InvoiceItem, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, nil, domain.ErrInvalidOrganization
	}

	invoiceID, err := snowflake.ParseString(id)
	if err != nil {
		return nil, nil, domain.ErrInvalidInvoiceID
	}

	invoice, err := s.repo.FindOne(ctx, &domain.Invoice{ID: invoiceID, OrgID: orgID})
	if err != nil {
		return nil, nil, err
	}
	if invoice == nil {
		return nil, nil, domain.ErrInvoiceNotFound
	}

	rows, err := s.itemRepo.Find(ctx, &domain.InvoiceItem{InvoiceID: invoiceID},
		option.WithSortBy(option.QuerySortBy{Field: "position", Allow: map[string]bool{"position": true}}),
	)
	if err != nil {
		return nil, nil, err
	}

	items := make([]domain.InvoiceItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, *row)
	}
	return invoice, items, nil
}

func (s *invoiceService) buildItems(invoice *domain.Invoice, inputs []domain.ItemInput, defaultRate decimal.Decimal, now time.Time) []domain.InvoiceItem {
	items := make([]domain.InvoiceItem, 0, len(inputs))
	for i, input := range inputs {
		rate := defaultRate
		if input.VATRate != nil {
			rate = *input.VATRate
		}
		items = append(items, domain.InvoiceItem{
			ID:          s.genID.Generate(),
			OrgID:       invoice.OrgID,
			InvoiceID:   invoice.ID,
			Position:    i,
			Description: input.Description,
			Quantity:    input.Quantity,
			Unit:        input.Unit,
			UnitPrice:   input.UnitPrice,
			VATRate:     rate,
			CreatedAt:   now,
		})
	}
	return items
}

// withNumberRetry runs fn, retrying with an incremented suffix attempt when
// the document number collides with an existing row.
func (s *invoiceService) withNumberRetry(fn func(attempt int) error, orgID, invoiceID snowflake.ID) error {
	var err error
	for attempt := 0; attempt < numberRetryLimit; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		if !db.IsDuplicateKeyErr(err) {
			return err
		}
		s.log.Warn("invoice number collision, retrying with suffix",
			zap.String("org_id", orgID.String()),
			zap.String("invoice_id", invoiceID.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return err
}

// emitAudit appends an audit entry after a committed transition. Failures
// are logged and counted, never propagated.
func (s *invoiceService) emitAudit(ctx context.Context, orgID snowflake.ID, action, targetID string, metadata map[string]any) bool {
	err := s.audit.AuditLog(ctx, &orgID, string(auditdomain.ActorTypeUser), nil, action, "invoice", &targetID, metadata)
	if err != nil {
		s.metrics.RecordAuditWriteFailure()
		s.log.Warn("audit write failed",
			zap.String("action", action),
			zap.String("target_id", targetID),
			zap.Error(err),
		)
		return false
	}
	return true
}

func applyTotals(invoice *domain.Invoice, items []domain.InvoiceItem) {
	net := domain.NetTotal(items)
	vat := net.Mul(invoice.VATRate).Div(decimal.NewFromInt(100)).Round(2)
	invoice.Amount = net
	invoice.VATAmount = vat
	invoice.TotalAmount = net.Add(vat)
}

func editDecision(invoice *domain.Invoice) domain.CanEditResult {
	if invoice.IsIssued {
		return domain.CanEditResult{
			CanEdit: false,
			Reason:  fmt.Sprintf("invoice %s is issued and fiscally locked, corrections require a credit note", derefString(invoice.InvoiceNumber)),
		}
	}
	if invoice.Status != domain.InvoiceStatusDraft {
		return domain.CanEditResult{
			CanEdit: false,
			Reason:  fmt.Sprintf("invoice status is %s, only drafts are editable", invoice.Status),
		}
	}
	return domain.CanEditResult{CanEdit: true}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
