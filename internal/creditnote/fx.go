package creditnote

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/fiskal/internal/creditnote/domain"
	"github.com/smallbiznis/fiskal/internal/creditnote/service"
	"github.com/smallbiznis/fiskal/pkg/repository"
)

var Module = fx.Module("creditnote",
	fx.Provide(repository.ProvideStore[domain.CreditNote]),
	fx.Provide(repository.ProvideStore[domain.CreditNoteItem]),
	fx.Provide(service.NewService),
)
