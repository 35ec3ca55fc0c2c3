package invoice

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/fiskal/internal/invoice/domain"
	"github.com/smallbiznis/fiskal/internal/invoice/service"
	"github.com/smallbiznis/fiskal/pkg/repository"
)

var Module = fx.Module("invoice",
	fx.Provide(repository.ProvideStore[domain.Invoice]),
	fx.Provide(repository.ProvideStore[domain.InvoiceItem]),
	fx.Provide(service.NewService),
)
