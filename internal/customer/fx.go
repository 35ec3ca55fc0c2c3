package customer

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/fiskal/internal/customer/domain"
	"github.com/smallbiznis/fiskal/internal/customer/service"
	"github.com/smallbiznis/fiskal/pkg/repository"
)

var Module = fx.Module("customer",
	fx.Provide(repository.ProvideStore[domain.Customer]),
	fx.Provide(service.NewService),
)
