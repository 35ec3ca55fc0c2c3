package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/fiskal/internal/clock"
	"github.com/smallbiznis/fiskal/internal/numbering/domain"
)

type Params struct {
	fx.In

	Log   *zap.Logger
	Clock clock.Clock
}

type sequenceService struct {
	log   *zap.Logger
	clock clock.Clock
}

// NewService constructs the document sequence service.
func NewService(p Params) domain.Service {
	return &sequenceService{
		log:   p.Log.Named("numbering"),
		clock: p.Clock,
	}
}

// Next atomically bumps the (org, class) counter and returns the new value.
// The single-statement upsert forms mean two concurrent transactions can
// never observe the same value.
func (s *sequenceService) Next(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, class domain.DocumentClass) (int64, error) {
	if orgID == 0 {
		return 0, domain.ErrInvalidOrganization
	}
	switch class {
	case domain.DocumentClassInvoice, domain.DocumentClassCreditNote:
	default:
		return 0, domain.ErrInvalidClass
	}

	now := s.clock.Now()

	var next int64
	var err error
	if tx.Dialector.Name() == "mysql" {
		// mysql has no ON CONFLICT ... RETURNING; the LAST_INSERT_ID(expr)
		// form records the bumped value per connection, which is the
		// transaction's connection here.
		err = tx.WithContext(ctx).Exec(`
			INSERT INTO document_sequences (org_id, document_class, last_value, updated_at)
			VALUES (?, ?, LAST_INSERT_ID(1), ?)
			ON DUPLICATE KEY UPDATE last_value = LAST_INSERT_ID(last_value + 1), updated_at = ?
		`, orgID, class, now, now).Error
		if err == nil {
			err = tx.WithContext(ctx).Raw("SELECT LAST_INSERT_ID()").Scan(&next).Error
		}
	} else {
		err = tx.WithContext(ctx).Raw(`
			INSERT INTO document_sequences (org_id, document_class, last_value, updated_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT (org_id, document_class)
			DO UPDATE SET last_value = document_sequences.last_value + 1, updated_at = ?
			RETURNING last_value
		`, orgID, class, now, now).Scan(&next).Error
	}
	if err != nil {
		s.log.Error("failed to advance document sequence",
			zap.String("org_id", orgID.String()),
			zap.String("document_class", string(class)),
			zap.Error(err),
		)
		return 0, err
	}

	return next, nil
}
