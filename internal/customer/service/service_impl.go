package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/fiskal/internal/clock"
	"github.com/smallbiznis/fiskal/internal/customer/domain"
	"github.com/smallbiznis/fiskal/internal/orgcontext"
	"github.com/smallbiznis/fiskal/pkg/repository"
)

type Params struct {
	fx.In

	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  repository.Repository[domain.Customer]
}

type customerService struct {
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  repository.Repository[domain.Customer]
}

// NewService constructs the customer service.
func NewService(p Params) domain.Service {
	return &customerService{
		log:   p.Log.Named("customer"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *customerService) Create(ctx context.Context, req domain.CreateCustomerRequest) (*domain.Customer, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, domain.ErrInvalidOrganization
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, domain.ErrNameRequired
	}

	now := s.clock.Now()
	customer := &domain.Customer{
		ID:           s.genID.Generate(),
		OrgID:        orgID,
		Name:         strings.TrimSpace(req.Name),
		Email:        strings.TrimSpace(req.Email),
		VATNumber:    strings.TrimSpace(req.VATNumber),
		AddressLine1: req.AddressLine1,
		AddressLine2: req.AddressLine2,
		City:         req.City,
		PostalCode:   req.PostalCode,
		CountryCode:  req.CountryCode,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if customer.CountryCode == "" {
		customer.CountryCode = "MT"
	}

	if err := s.repo.Create(ctx, customer); err != nil {
		s.log.Error("failed to create customer", zap.Error(err))
		return nil, err
	}

	return customer, nil
}

func (s *customerService) Get(ctx context.Context, id string) (*domain.Customer, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, domain.ErrInvalidOrganization
	}

	customerID, err := snowflake.ParseString(id)
	if err != nil {
		return nil, domain.ErrInvalidCustomerID
	}

	customer, err := s.repo.FindOne(ctx, &domain.Customer{ID: customerID, OrgID: orgID})
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, domain.ErrCustomerNotFound
	}

	return customer, nil
}

func (s *customerService) List(ctx context.Context) ([]*domain.Customer, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, domain.ErrInvalidOrganization
	}

	return s.repo.Find(ctx, &domain.Customer{OrgID: orgID})
}

func (s *customerService) Update(ctx context.Context, id string, req domain.UpdateCustomerRequest) (*domain.Customer, error) {
	customer, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return nil, domain.ErrNameRequired
		}
		customer.Name = strings.TrimSpace(*req.Name)
	}
	if req.Email != nil {
		customer.Email = strings.TrimSpace(*req.Email)
	}
	if req.VATNumber != nil {
		customer.VATNumber = strings.TrimSpace(*req.VATNumber)
	}
	if req.AddressLine1 != nil {
		customer.AddressLine1 = *req.AddressLine1
	}
	if req.AddressLine2 != nil {
		customer.AddressLine2 = *req.AddressLine2
	}
	if req.City != nil {
		customer.City = *req.City
	}
	if req.PostalCode != nil {
		customer.PostalCode = *req.PostalCode
	}
	if req.CountryCode != nil {
		customer.CountryCode = *req.CountryCode
	}
	customer.UpdatedAt = s.clock.Now()

	if err := s.repo.Update(ctx, customer.ID.String(), customer); err != nil {
		s.log.Error("failed to update customer", zap.Error(err))
		return nil, err
	}

	return customer, nil
}
