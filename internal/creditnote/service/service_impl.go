// Package service implements credit note creation, the only correction path
// for issued invoices.
package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/fiskal/internal/audit/domain"
	"github.com/smallbiznis/fiskal/internal/clock"
	"github.com/smallbiznis/fiskal/internal/config"
	"github.com/smallbiznis/fiskal/internal/creditnote/domain"
	invoicedomain "github.com/smallbiznis/fiskal/internal/invoice/domain"
	"github.com/smallbiznis/fiskal/internal/invoice/format"
	numberingdomain "github.com/smallbiznis/fiskal/internal/numbering/domain"
	"github.com/smallbiznis/fiskal/internal/observability/metrics"
	"github.com/smallbiznis/fiskal/internal/orgcontext"
	"github.com/smallbiznis/fiskal/pkg/db"
	"github.com/smallbiznis/fiskal/pkg/db/option"
	"github.com/smallbiznis/fiskal/pkg/repository"
)

const numberRetryLimit = 3

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Fiscal      *config.FiscalConfigHolder
	Sequences   numberingdomain.Service
	Audit       auditdomain.Service
	Metrics     *metrics.Metrics
	Repo        repository.Repository[domain.CreditNote]
	ItemRepo    repository.Repository[domain.CreditNoteItem]
	InvoiceRepo repository.Repository[invoicedomain.Invoice]
	LineRepo    repository.Repository[invoicedomain.InvoiceItem]
}

type creditNoteService struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	fiscal      *config.FiscalConfigHolder
	sequences   numberingdomain.Service
	audit       auditdomain.Service
	metrics     *metrics.Metrics
	repo        repository.Repository[domain.CreditNote]
	itemRepo    repository.Repository[domain.CreditNoteItem]
	invoiceRepo repository.Repository[invoicedomain.Invoice]
	lineRepo    repository.Repository[invoicedomain.InvoiceItem]
}

// NewService constructs the credit note service.
func NewService(p Params) domain.Service {
	return &creditNoteService{
		db:          p.DB,
		log:         p.Log.Named("creditnote"),
		genID:       p.GenID,
		clock:       p.Clock,
		fiscal:      p.Fiscal,
		sequences:   p.Sequences,
		audit:       p.Audit,
		metrics:     p.Metrics,
		repo:        p.Repo,
		itemRepo:    p.ItemRepo,
		invoiceRepo: p.InvoiceRepo,
		lineRepo:    p.LineRepo,
	}
}

func (s *creditNoteService) CreateFromInvoice(ctx context.Context, invoiceID string, reason string) (domain.CreateResult, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.CreateResult{}, domain.ErrInvalidOrganization
	}
	if strings.TrimSpace(reason) == "" {
		return domain.CreateResult{}, domain.ErrReasonRequired
	}

	parsedID, err := snowflake.ParseString(invoiceID)
	if err != nil {
		return domain.CreateResult{}, domain.ErrInvoiceNotFound
	}

	invoice, err := s.invoiceRepo.FindOne(ctx, &invoicedomain.Invoice{ID: parsedID, OrgID: orgID})
	if err != nil {
		return domain.CreateResult{}, err
	}
	if invoice == nil {
		s.metrics.RecordCreditNoteCreated("rejected")
		return domain.CreateResult{}, domain.ErrInvoiceNotFound
	}
	if !invoice.IsIssued {
		s.metrics.RecordCreditNoteCreated("rejected")
		return domain.CreateResult{}, domain.ErrInvoiceNotIssued
	}
	switch invoice.Status {
	case invoicedomain.InvoiceStatusSent, invoicedomain.InvoiceStatusOverdue:
	default:
		s.metrics.RecordCreditNoteCreated("rejected")
		return domain.CreateResult{}, domain.ErrIneligibleStatus
	}

	lines, err := s.lineRepo.Find(ctx, &invoicedomain.InvoiceItem{InvoiceID: invoice.ID},
		option.WithSortBy(option.QuerySortBy{Field: "position", Allow: map[string]bool{"position": true}}),
	)
	if err != nil {
		return domain.CreateResult{}, err
	}
	if len(lines) == 0 {
		s.metrics.RecordCreditNoteCreated("rejected")
		return domain.CreateResult{}, domain.ErrNoItems
	}

	now := s.clock.Now()
	template := s.fiscal.Current().CreditNoteNumberFormat

	// Amounts come from the current line items so the credit note reflects
	// what is actually stored, even if the header were ever tampered with.
	net := decimal.Zero
	for _, line := range lines {
		net = net.Add(line.Quantity.Mul(line.UnitPrice))
	}
	net = net.Round(2)
	vat := net.Mul(invoice.VATRate).Div(decimal.NewFromInt(100)).Round(2)

	note := &domain.CreditNote{
		ID:          s.genID.Generate(),
		OrgID:       orgID,
		InvoiceID:   invoice.ID,
		Type:        domain.CreditNoteTypeInvoiceAdjustment,
		Reason:      strings.TrimSpace(reason),
		IssueDate:   now,
		Amount:      net,
		VATRate:     invoice.VATRate,
		VATAmount:   vat,
		TotalAmount: net.Add(vat),
		CreatedAt:   now,
	}

	items := make([]domain.CreditNoteItem, 0, len(lines))
	for i, line := range lines {
		items = append(items, domain.CreditNoteItem{
			ID:           s.genID.Generate(),
			OrgID:        orgID,
			CreditNoteID: note.ID,
			Position:     i,
			Description:  line.Description,
			Quantity:     line.Quantity,
			Unit:         line.Unit,
			UnitPrice:    line.UnitPrice,
			VATRate:      line.VATRate,
			CreatedAt:    now,
		})
	}

	err = s.withNumberRetry(func(attempt int) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			seq, err := s.sequences.Next(ctx, tx, orgID, numberingdomain.DocumentClassCreditNote)
			if err != nil {
				return err
			}
			number, err := format.FormatDocumentNumber(template, now, seq)
			if err != nil {
				return err
			}
			if attempt > 0 {
				number = fmt.Sprintf("%s-R%d", number, attempt)
			}
			note.CreditNoteNumber = number

			if err := s.repo.WithTrx(tx).Create(ctx, note); err != nil {
				return err
			}
			for i := range items {
				if err := s.itemRepo.WithTrx(tx).Create(ctx, &items[i]); err != nil {
					return err
				}
			}
			return nil
		})
	}, orgID, invoice.ID)
	if err != nil {
		s.metrics.RecordCreditNoteCreated("error")
		s.log.Error("failed to create credit note", zap.Error(err))
		return domain.CreateResult{}, err
	}

	s.metrics.RecordCreditNoteCreated("created")
	s.log.Info("credit note created",
		zap.String("credit_note_number", note.CreditNoteNumber),
		zap.String("invoice_number", derefString(invoice.InvoiceNumber)),
	)

	noteID := note.ID.String()
	auditErr := s.audit.AuditLog(ctx, &orgID, string(auditdomain.ActorTypeUser), nil, "credit_note.created", "credit_note", &noteID, map[string]any{
		"credit_note_number": note.CreditNoteNumber,
		"invoice_id":         invoice.ID.String(),
		"invoice_number":     derefString(invoice.InvoiceNumber),
		"total_amount":       note.TotalAmount.StringFixed(2),
		"reason":             note.Reason,
	})
	if auditErr != nil {
		s.metrics.RecordAuditWriteFailure()
		s.log.Warn("audit write failed",
			zap.String("action", "credit_note.created"),
			zap.String("target_id", noteID),
			zap.Error(auditErr),
		)
	}

	return domain.CreateResult{
		CreditNote:    domain.CreditNoteWithItems{CreditNote: *note, Items: items},
		InvoiceNumber: derefString(invoice.InvoiceNumber),
		AuditWarning:  auditErr != nil,
	}, nil
}

func (s *creditNoteService) Get(ctx context.Context, id string) (domain.CreditNoteWithItems, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.CreditNoteWithItems{}, domain.ErrInvalidOrganization
	}

	noteID, err := snowflake.ParseString(id)
	if err != nil {
		return domain.CreditNoteWithItems{}, domain.ErrInvalidCreditNoteID
	}

	note, err := s.repo.FindOne(ctx, &domain.CreditNote{ID: noteID, OrgID: orgID})
	if err != nil {
		return domain.CreditNoteWithItems{}, err
	}
	if note == nil {
		return domain.CreditNoteWithItems{}, domain.ErrCreditNoteNotFound
	}

	rows, err := s.itemRepo.Find(ctx, &domain.CreditNoteItem{CreditNoteID: noteID},
		option.WithSortBy(option.QuerySortBy{Field: "position", Allow: map[string]bool{"position": true}}),
	)
	if err != nil {
		return domain.CreditNoteWithItems{}, err
	}

	items := make([]domain.CreditNoteItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, *row)
	}
	return domain.CreditNoteWithItems{CreditNote: *note, Items: items}, nil
}

func (s *creditNoteService) List(ctx context.Context, req domain.ListCreditNoteRequest) ([]domain.CreditNote, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, domain.ErrInvalidOrganization
	}

	query := &domain.CreditNote{OrgID: orgID}
	if req.InvoiceID != nil {
		invoiceID, err := snowflake.ParseString(*req.InvoiceID)
		if err != nil {
			return nil, domain.ErrInvoiceNotFound
		}
		query.InvoiceID = invoiceID
	}

	rows, err := s.repo.Find(ctx, query,
		option.WithSortBy(option.QuerySortBy{Field: "created_at", Desc: true, Allow: map[string]bool{"created_at": true}}),
	)
	if err != nil {
		return nil, err
	}

	notes := make([]domain.CreditNote, 0, len(rows))
	for _, row := range rows {
		notes = append(notes, *row)
	}
	return notes, nil
}

func (s *creditNoteService) withNumberRetry(fn func(attempt int) error, orgID, invoiceID snowflake.ID) error {
	var err error
	for attempt := 0; attempt < numberRetryLimit; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		if !db.IsDuplicateKeyErr(err) {
			return err
		}
		s.log.Warn("credit note number collision, retrying with suffix",
			zap.String("org_id", orgID.String()),
			zap.String("invoice_id", invoiceID.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return err
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
